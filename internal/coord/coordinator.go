// Package coord runs the daemon: periodic sync passes, push-event handling,
// ingestion into the cache, and summarization of settled chunks.
package coord

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/abelbrown/digest/internal/cache"
	"github.com/abelbrown/digest/internal/fetcher"
	"github.com/abelbrown/digest/internal/logging"
	"github.com/abelbrown/digest/internal/remote"
	"github.com/abelbrown/digest/internal/router"
	"github.com/abelbrown/digest/internal/scheduler"
	"github.com/abelbrown/digest/internal/store"
	"github.com/abelbrown/digest/internal/summarize"
)

// Options tune the daemon loops.
type Options struct {
	PollInterval   time.Duration // between sync passes, default 5m
	Debounce       time.Duration // push-event debounce, default 60s
	SummarizeLimit int           // parallel chunk summarizations, default 2
	SummarizeSpan  time.Duration // how far back to look for unsummarized chunks, default 24h
}

// Coordinator owns the background loops and wires fetch results into the
// cache and the summarizer.
type Coordinator struct {
	fetcher *fetcher.Fetcher
	cache   *cache.Manager
	store   *store.Store
	sched   *scheduler.Scheduler
	service *summarize.Service
	client  remote.Client
	tracked []int64

	opts   Options
	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a Coordinator. service may be nil to disable summarization.
func New(f *fetcher.Fetcher, c *cache.Manager, st *store.Store, sched *scheduler.Scheduler,
	service *summarize.Service, client remote.Client, tracked []int64, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Minute
	}
	if opts.Debounce <= 0 {
		opts.Debounce = time.Minute
	}
	if opts.SummarizeLimit <= 0 {
		opts.SummarizeLimit = 2
	}
	if opts.SummarizeSpan <= 0 {
		opts.SummarizeSpan = 24 * time.Hour
	}
	return &Coordinator{
		fetcher: f,
		cache:   c,
		store:   st,
		sched:   sched,
		service: service,
		client:  client,
		tracked: tracked,
		opts:    opts,
	}
}

// cursorLookup adapts the store to the router's cursor seam.
type cursorLookup struct{ store *store.Store }

func (c cursorLookup) LastSeen(sourceID int64) (int64, error) {
	fs, err := c.store.GetOrCreateFetchState(sourceID)
	if err != nil {
		return 0, err
	}
	return fs.LastSeenMessageID, nil
}

// Start launches the cron pass and the event loop, then returns. Stop
// tears both down.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.cron = cron.New()
	if _, err := c.cron.AddFunc("@every "+c.opts.PollInterval.String(), func() {
		c.RunPass(ctx)
	}); err != nil {
		logging.Error("cron schedule failed", "error", err)
	}
	c.cron.Start()

	if c.client != nil {
		r := router.New(c.tracked, c.sched, cursorLookup{store: c.store}, c.eventFetch, c.opts.Debounce)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			r.Run(ctx, c.client.Events())
		}()
	}

	// First pass right away instead of waiting a full interval
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.RunPass(ctx)
	}()

	logging.Info("coordinator started", "poll", c.opts.PollInterval, "sources", len(c.tracked))
}

// Stop cancels the loops and waits for in-flight work.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.cron != nil {
		<-c.cron.Stop().Done()
	}
	c.wg.Wait()
	logging.Info("coordinator stopped")
}

// RunPass performs one full cycle: batch fetch, ingest, summarize.
func (c *Coordinator) RunPass(ctx context.Context) {
	results, err := c.fetcher.FetchAllEligible(ctx)
	if err != nil {
		if !errors.Is(err, fetcher.ErrBusy) {
			logging.Warn("sync pass failed", "error", err)
		}
		return
	}

	for sourceID, msgs := range results {
		if err := c.ingest(sourceID, msgs); err != nil {
			logging.Error("ingest failed", "source", sourceID, "error", err)
		}
	}

	if c.service != nil {
		c.summarizeSettled(ctx)
	}
}

// eventFetch is the router's trigger: fetch one source and ingest.
func (c *Coordinator) eventFetch(ctx context.Context, sourceID int64) {
	msgs, err := c.fetcher.FetchOne(ctx, sourceID)
	if err != nil {
		logging.Warn("event fetch failed", "source", sourceID, "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	if err := c.ingest(sourceID, msgs); err != nil {
		logging.Error("event ingest failed", "source", sourceID, "error", err)
	}
}

// ingest files fetched messages into the cache and refreshes every chunk
// they touched.
func (c *Coordinator) ingest(sourceID int64, msgs []remote.Message) error {
	// Fetches arrive newest first; chunks fill chronologically
	sorted := make([]remote.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	touched := make(map[string]bool)
	for _, rm := range sorted {
		msg, err := c.cache.GetOrCacheMessage(store.Message{
			SourceID:  sourceID,
			MessageID: rm.ID,
			Timestamp: rm.Timestamp,
			Text:      normalizeText(rm.Text),
			SenderID:  rm.SenderID,
			MediaRefs: rm.MediaRefs,
		})
		if err != nil {
			return err
		}
		bucketKey, err := c.cache.AddMessageToChunk(msg)
		if err != nil {
			return err
		}
		touched[bucketKey] = true
	}

	for bucketKey := range touched {
		if err := c.cache.UpdateChunk(sourceID, bucketKey); err != nil {
			return err
		}
	}
	logging.Debug("ingested messages", "source", sourceID, "count", len(sorted), "chunks", len(touched))
	return nil
}

// summarizeSettled generates summaries for recently closed chunks that
// lack a fresh one, a few at a time.
func (c *Coordinator) summarizeSettled(ctx context.Context) {
	now := time.Now().UTC()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.SummarizeLimit)

	for _, sourceID := range c.tracked {
		chunks, err := c.cache.GetChunks(sourceID, now.Add(-c.opts.SummarizeSpan), now)
		if err != nil {
			logging.Warn("chunk listing failed", "source", sourceID, "error", err)
			continue
		}
		for _, chunk := range chunks {
			if !chunk.Closed {
				continue
			}
			sourceID, chunk := sourceID, chunk
			g.Go(func() error {
				if _, err := c.service.SummarizeChunk(ctx, sourceID, chunk.BucketKey, chunk.ContentHash); err != nil {
					logging.Warn("summarize failed", "source", sourceID, "bucket", chunk.BucketKey, "error", err)
				}
				return nil
			})
		}
	}
	g.Wait()
}

// normalizeText trims and collapses runs of whitespace so hashing and
// summarization see a canonical form.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
