// Package scheduler decides which tracked sources are due for a fetch and
// owns the per-source fetch-state transitions.
package scheduler

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/abelbrown/digest/internal/logging"
	"github.com/abelbrown/digest/internal/store"
)

// Priority orders jobs within one scheduling pass.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh            // never-fetched sources jump the queue
)

// Job is one source due for fetching.
type Job struct {
	SourceID int64
	Priority Priority
}

// SourceLister supplies the ids of currently tracked sources.
// The daemon wires this from config; tests use a literal.
type SourceLister interface {
	SelectedSources() []int64
}

// Scheduler computes fetch eligibility and guards per-source ownership.
type Scheduler struct {
	store    *store.Store
	sources  SourceLister
	cooldown time.Duration

	mu     sync.Mutex
	busy   bool
	active map[int64]bool
}

// New creates a Scheduler over the given store and source list.
func New(st *store.Store, sources SourceLister, cooldown time.Duration) *Scheduler {
	return &Scheduler{
		store:    st,
		sources:  sources,
		cooldown: cooldown,
		active:   make(map[int64]bool),
	}
}

// ScheduleEligible returns the sources due for a fetch, high priority first,
// shuffled within each priority so no source starves under the page cap.
// Returns an empty list when a pass is already running.
func (s *Scheduler) ScheduleEligible() ([]Job, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, nil
	}
	s.busy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	now := time.Now()
	var high, normal []Job
	for _, id := range s.sources.SelectedSources() {
		fs, err := s.store.GetOrCreateFetchState(id)
		if err != nil {
			return nil, fmt.Errorf("fetch state for source %d: %w", id, err)
		}
		if fs.InFlight {
			continue
		}
		switch {
		case fs.LastFetchedAt.IsZero():
			high = append(high, Job{SourceID: id, Priority: PriorityHigh})
		case now.Sub(fs.LastFetchedAt) >= s.cooldown:
			normal = append(normal, Job{SourceID: id, Priority: PriorityNormal})
		}
	}

	rand.Shuffle(len(high), func(i, j int) { high[i], high[j] = high[j], high[i] })
	rand.Shuffle(len(normal), func(i, j int) { normal[i], normal[j] = normal[j], normal[i] })

	jobs := append(high, normal...)
	if len(jobs) > 0 {
		logging.Debug("scheduled sources", "count", len(jobs), "high", len(high))
	}
	return jobs, nil
}

// MarkFetching claims a source for one fetch. Fails if the source is already
// claimed by another worker.
func (s *Scheduler) MarkFetching(sourceID int64) error {
	s.mu.Lock()
	if s.active[sourceID] {
		s.mu.Unlock()
		return fmt.Errorf("source %d already being fetched", sourceID)
	}
	s.active[sourceID] = true
	s.mu.Unlock()

	if err := s.store.SetInFlight(sourceID, true); err != nil {
		s.release(sourceID)
		return err
	}
	return nil
}

// MarkComplete records a successful fetch and releases the source. The
// cursor advances to newestID only if it moves forward.
func (s *Scheduler) MarkComplete(sourceID, newestID int64, newestAt time.Time, count int) error {
	defer s.release(sourceID)
	if count > 0 {
		logging.Debug("fetch complete", "source", sourceID, "newest", newestID,
			"newest_at", newestAt, "count", count)
	}
	return s.store.CompleteFetch(sourceID, newestID, time.Now())
}

// MarkFailed records a failed fetch and releases the source. The cursor is
// left where it was so the next pass retries.
func (s *Scheduler) MarkFailed(sourceID int64, fetchErr error) error {
	defer s.release(sourceID)
	logging.Warn("fetch failed", "source", sourceID, "error", fetchErr)
	return s.store.FailFetch(sourceID, fetchErr.Error())
}

// CanFetch reports whether a source could be fetched right now: not claimed,
// not in flight, and past its cooldown. Errors read as "no".
func (s *Scheduler) CanFetch(sourceID int64) bool {
	s.mu.Lock()
	claimed := s.active[sourceID]
	s.mu.Unlock()
	if claimed {
		return false
	}

	fs, err := s.store.GetOrCreateFetchState(sourceID)
	if err != nil {
		return false
	}
	if fs.InFlight {
		return false
	}
	return fs.LastFetchedAt.IsZero() || time.Since(fs.LastFetchedAt) >= s.cooldown
}

func (s *Scheduler) release(sourceID int64) {
	s.mu.Lock()
	delete(s.active, sourceID)
	s.mu.Unlock()
}
