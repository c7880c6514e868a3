// Package fetcher pulls new messages from the remote source with the
// fewest requests that still cover everything past the sync cursor.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abelbrown/digest/internal/logging"
	"github.com/abelbrown/digest/internal/remote"
	"github.com/abelbrown/digest/internal/scheduler"
	"github.com/abelbrown/digest/internal/store"
)

var (
	// ErrNoClient is returned when fetching is attempted before a remote
	// client has been attached.
	ErrNoClient = errors.New("no remote client configured")

	// ErrBusy is returned when a batch fetch is already running.
	ErrBusy = errors.New("batch fetch already in progress")
)

// limiter is the request-pacing seam, satisfied by ratelimit.Limiter.
type limiter interface {
	Acquire(ctx context.Context, sourceID int64) error
}

// fetchScheduler is the scheduling seam, satisfied by scheduler.Scheduler.
type fetchScheduler interface {
	ScheduleEligible() ([]scheduler.Job, error)
	MarkFetching(sourceID int64) error
	MarkComplete(sourceID, newestID int64, newestAt time.Time, count int) error
	MarkFailed(sourceID int64, fetchErr error) error
}

// Fetcher performs incremental fetches for tracked sources.
type Fetcher struct {
	client  remote.Client
	limiter limiter
	sched   fetchScheduler
	store   *store.Store

	pageSize      int
	maxPages      int
	courtesyDelay time.Duration

	mu    sync.Mutex
	batch bool
}

// Options tune pagination and batch pacing.
type Options struct {
	PageSize      int
	MaxPages      int
	CourtesyDelay time.Duration
}

// New creates a Fetcher. The client may be nil; FetchNew then fails with
// ErrNoClient until SetClient is called.
func New(client remote.Client, lim limiter, sched fetchScheduler, st *store.Store, opts Options) *Fetcher {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 6
	}
	return &Fetcher{
		client:        client,
		limiter:       lim,
		sched:         sched,
		store:         st,
		pageSize:      opts.PageSize,
		maxPages:      opts.MaxPages,
		courtesyDelay: opts.CourtesyDelay,
	}
}

// SetClient attaches or replaces the remote client.
func (f *Fetcher) SetClient(client remote.Client) {
	f.mu.Lock()
	f.client = client
	f.mu.Unlock()
}

// FetchNew returns every message newer than lastSeenID, newest first.
//
// A metadata probe runs first: if the chat's newest id is not past the
// cursor, no message page is requested at all. Otherwise pages are walked
// backward from the newest message until the cursor boundary, an empty
// page, or the page cap is reached.
func (f *Fetcher) FetchNew(ctx context.Context, sourceID, lastSeenID int64) ([]remote.Message, error) {
	f.mu.Lock()
	client := f.client
	f.mu.Unlock()
	if client == nil {
		return nil, ErrNoClient
	}

	if err := f.limiter.Acquire(ctx, sourceID); err != nil {
		return nil, err
	}
	meta, err := client.ChatMetadata(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("metadata probe: %w", err)
	}
	if meta.NewestMessageID == 0 {
		return nil, nil // empty chat
	}
	if lastSeenID > 0 && meta.NewestMessageID <= lastSeenID {
		return nil, nil // nothing new, zero page requests
	}

	var out []remote.Message
	var beforeID int64
	for page := 0; page < f.maxPages; page++ {
		if err := f.limiter.Acquire(ctx, sourceID); err != nil {
			return nil, err
		}
		msgs, err := client.MessagePage(ctx, sourceID, beforeID, f.pageSize)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		if len(msgs) == 0 {
			break
		}

		reachedCursor := false
		for _, m := range msgs {
			if m.ID <= lastSeenID {
				reachedCursor = true
				break
			}
			out = append(out, m)
		}
		if reachedCursor {
			break
		}
		// A short page is not end-of-history; the server may cap pages
		// below the requested size. Only an empty page proves the end.
		beforeID = msgs[len(msgs)-1].ID
	}

	logging.Debug("fetched new messages", "source", sourceID, "count", len(out))
	return out, nil
}

// FetchAllEligible runs one batch pass: schedules eligible sources and
// fetches each sequentially with a courtesy delay in between. Per-source
// failures are recorded and do not abort the batch. The returned map omits
// sources that yielded nothing.
func (f *Fetcher) FetchAllEligible(ctx context.Context) (map[int64][]remote.Message, error) {
	f.mu.Lock()
	if f.client == nil {
		f.mu.Unlock()
		return nil, ErrNoClient
	}
	if f.batch {
		f.mu.Unlock()
		return nil, ErrBusy
	}
	f.batch = true
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.batch = false
		f.mu.Unlock()
	}()

	jobs, err := f.sched.ScheduleEligible()
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}

	results := make(map[int64][]remote.Message)
	for i, job := range jobs {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		if i > 0 && f.courtesyDelay > 0 {
			select {
			case <-time.After(f.courtesyDelay):
			case <-ctx.Done():
				return results, ctx.Err()
			}
		}

		if err := f.sched.MarkFetching(job.SourceID); err != nil {
			logging.Debug("skipping claimed source", "source", job.SourceID)
			continue
		}
		fs, err := f.store.GetFetchState(job.SourceID)
		if err != nil {
			f.markFailed(job.SourceID, err)
			continue
		}

		msgs, err := f.FetchNew(ctx, job.SourceID, fs.LastSeenMessageID)
		if err != nil {
			f.markFailed(job.SourceID, err)
			continue
		}

		newestID := fs.LastSeenMessageID
		var newestAt time.Time
		if len(msgs) > 0 {
			newestID = msgs[0].ID
			newestAt = msgs[0].Timestamp
			results[job.SourceID] = msgs
		}
		if err := f.sched.MarkComplete(job.SourceID, newestID, newestAt, len(msgs)); err != nil {
			logging.Error("mark complete failed", "source", job.SourceID, "error", err)
		}
	}
	return results, nil
}

// markFailed records a per-source failure; a store error while recording
// it must not vanish.
func (f *Fetcher) markFailed(sourceID int64, fetchErr error) {
	if err := f.sched.MarkFailed(sourceID, fetchErr); err != nil {
		logging.Error("record fetch failure failed", "source", sourceID, "error", err)
	}
}

// FetchOne claims, fetches and releases a single source outside a batch
// pass. Used by the push-event path.
func (f *Fetcher) FetchOne(ctx context.Context, sourceID int64) ([]remote.Message, error) {
	if err := f.sched.MarkFetching(sourceID); err != nil {
		return nil, err
	}
	fs, err := f.store.GetFetchState(sourceID)
	if err != nil {
		f.markFailed(sourceID, err)
		return nil, err
	}
	msgs, err := f.FetchNew(ctx, sourceID, fs.LastSeenMessageID)
	if err != nil {
		f.markFailed(sourceID, err)
		return nil, err
	}
	newestID := fs.LastSeenMessageID
	var newestAt time.Time
	if len(msgs) > 0 {
		newestID = msgs[0].ID
		newestAt = msgs[0].Timestamp
	}
	if err := f.sched.MarkComplete(sourceID, newestID, newestAt, len(msgs)); err != nil {
		return msgs, err
	}
	return msgs, nil
}
