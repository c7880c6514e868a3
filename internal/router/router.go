// Package router turns push events from the remote service into targeted
// single-source fetches, filtering out everything that a periodic pass
// would cover anyway.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/abelbrown/digest/internal/logging"
	"github.com/abelbrown/digest/internal/remote"
)

// FetchFunc runs the claim/fetch/ingest sequence for one source. The
// coordinator supplies it; the router never touches the fetch pipeline
// directly.
type FetchFunc func(ctx context.Context, sourceID int64)

// gate answers the pre-flight questions the router asks before triggering.
// Satisfied by scheduler.Scheduler plus a cursor lookup.
type gate interface {
	CanFetch(sourceID int64) bool
}

// cursorReader reports the current sync cursor for a source.
type cursorReader interface {
	LastSeen(sourceID int64) (int64, error)
}

// Router filters and debounces push events.
type Router struct {
	tracked  map[int64]bool
	gate     gate
	cursors  cursorReader
	fetch    FetchFunc
	debounce time.Duration

	mu          sync.Mutex
	lastTrigger map[int64]time.Time

	wg sync.WaitGroup
}

// New creates a Router for the given tracked source set.
func New(trackedIDs []int64, g gate, cursors cursorReader, fetch FetchFunc, debounce time.Duration) *Router {
	tracked := make(map[int64]bool, len(trackedIDs))
	for _, id := range trackedIDs {
		tracked[id] = true
	}
	return &Router{
		tracked:     tracked,
		gate:        g,
		cursors:     cursors,
		fetch:       fetch,
		debounce:    debounce,
		lastTrigger: make(map[int64]time.Time),
	}
}

// Run consumes events until the channel closes or ctx is cancelled, then
// waits for any in-flight triggered fetches.
func (r *Router) Run(ctx context.Context, events <-chan remote.Event) {
	defer r.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Handle(ctx, ev)
		}
	}
}

// Handle classifies one event and, if it survives every filter, fires a
// detached fetch for its source. Never blocks.
func (r *Router) Handle(ctx context.Context, ev remote.Event) {
	// Only a moved newest-id is actionable. Single-message and metadata
	// events are redundant with it and would double-trigger.
	if ev.Kind != remote.EventNewestChanged {
		return
	}
	if !r.tracked[ev.SourceID] {
		return
	}
	if !r.gate.CanFetch(ev.SourceID) {
		logging.Debug("event dropped, source not fetchable", "source", ev.SourceID)
		return
	}

	lastSeen, err := r.cursors.LastSeen(ev.SourceID)
	if err != nil {
		logging.Warn("cursor lookup failed", "source", ev.SourceID, "error", err)
		return
	}
	if ev.NewestMessageID != 0 && ev.NewestMessageID <= lastSeen {
		return // stale event, cursor already covers it
	}

	if !r.admitDebounced(ev.SourceID) {
		return
	}

	logging.Info("event triggered fetch", "source", ev.SourceID, "newest", ev.NewestMessageID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.fetch(ctx, ev.SourceID)
	}()
}

// admitDebounced accepts the first event per source in each debounce
// window and drops the rest.
func (r *Router) admitDebounced(sourceID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if last, ok := r.lastTrigger[sourceID]; ok && now.Sub(last) < r.debounce {
		return false
	}
	r.lastTrigger[sourceID] = now
	return true
}
