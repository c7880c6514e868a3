package fetcher

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/abelbrown/digest/internal/logging"
	"github.com/abelbrown/digest/internal/remote"
	"github.com/abelbrown/digest/internal/scheduler"
	"github.com/abelbrown/digest/internal/store"
)

// mockClient serves a fixed message history keyed by source.
type mockClient struct {
	newest     map[int64]int64
	history    map[int64][]remote.Message // newest first
	maxPerPage int                        // cap pages below the requested size
	metaErr    error
	pageErr    error
	metaHits   atomic.Int32
	pageHits   atomic.Int32
}

func (m *mockClient) ChatMetadata(_ context.Context, sourceID int64) (remote.Metadata, error) {
	m.metaHits.Add(1)
	if m.metaErr != nil {
		return remote.Metadata{}, m.metaErr
	}
	return remote.Metadata{SourceID: sourceID, NewestMessageID: m.newest[sourceID]}, nil
}

func (m *mockClient) MessagePage(_ context.Context, sourceID, beforeID int64, pageSize int) ([]remote.Message, error) {
	m.pageHits.Add(1)
	if m.pageErr != nil {
		return nil, m.pageErr
	}
	limit := pageSize
	if m.maxPerPage > 0 && m.maxPerPage < limit {
		limit = m.maxPerPage
	}
	var page []remote.Message
	for _, msg := range m.history[sourceID] {
		if beforeID > 0 && msg.ID >= beforeID {
			continue
		}
		page = append(page, msg)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (m *mockClient) Events() <-chan remote.Event { return nil }

type nopLimiter struct{ hits atomic.Int32 }

func (n *nopLimiter) Acquire(context.Context, int64) error {
	n.hits.Add(1)
	return nil
}

type staticSources []int64

func (s staticSources) SelectedSources() []int64 { return s }

// historyFor builds a newest-first run of messages with ids (lo..hi).
func historyFor(sourceID, lo, hi int64) []remote.Message {
	var msgs []remote.Message
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for id := hi; id >= lo; id-- {
		msgs = append(msgs, remote.Message{
			ID:        id,
			ChatID:    sourceID,
			Timestamp: base.Add(time.Duration(id) * time.Second),
			Text:      "msg",
		})
	}
	return msgs
}

func newFixture(t *testing.T, client remote.Client, sources []int64) (*Fetcher, *store.Store, *scheduler.Scheduler) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	sched := scheduler.New(st, staticSources(sources), 5*time.Minute)
	f := New(client, &nopLimiter{}, sched, st, Options{PageSize: 50, MaxPages: 6})
	return f, st, sched
}

func TestFetchNewNoClient(t *testing.T) {
	f, _, _ := newFixture(t, nil, nil)
	_, err := f.FetchNew(context.Background(), 1, 0)
	if !errors.Is(err, ErrNoClient) {
		t.Fatalf("err = %v, want ErrNoClient", err)
	}
}

func TestFetchNewShortCircuit(t *testing.T) {
	client := &mockClient{
		newest:  map[int64]int64{1: 100},
		history: map[int64][]remote.Message{1: historyFor(1, 1, 100)},
	}
	f, _, _ := newFixture(t, client, nil)

	msgs, err := f.FetchNew(context.Background(), 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
	if hits := client.pageHits.Load(); hits != 0 {
		t.Errorf("page requests = %d, want 0 when cursor is current", hits)
	}
	if hits := client.metaHits.Load(); hits != 1 {
		t.Errorf("metadata requests = %d, want 1", hits)
	}
}

func TestFetchNewEmptyChat(t *testing.T) {
	client := &mockClient{newest: map[int64]int64{1: 0}}
	f, _, _ := newFixture(t, client, nil)

	msgs, err := f.FetchNew(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 || client.pageHits.Load() != 0 {
		t.Errorf("empty chat fetched pages: %d msgs, %d page hits", len(msgs), client.pageHits.Load())
	}
}

// The canonical pagination walk: cursor at 100, newest now 175. Page one
// covers 175..126, page two reaches the boundary inside 125..76, and the
// walk stops with exactly the 75 new messages, newest first.
func TestFetchNewPaginationBoundary(t *testing.T) {
	client := &mockClient{
		newest:  map[int64]int64{1: 175},
		history: map[int64][]remote.Message{1: historyFor(1, 1, 175)},
	}
	f, _, _ := newFixture(t, client, nil)

	msgs, err := f.FetchNew(context.Background(), 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 75 {
		t.Fatalf("got %d messages, want 75", len(msgs))
	}
	if msgs[0].ID != 175 || msgs[74].ID != 101 {
		t.Errorf("range = [%d..%d], want [175..101]", msgs[0].ID, msgs[74].ID)
	}
	if hits := client.pageHits.Load(); hits != 2 {
		t.Errorf("page requests = %d, want 2", hits)
	}
}

// A conforming server may return fewer messages than requested per page.
// Short pages must not end the walk; only an empty page, the cursor
// boundary, or the page cap may.
func TestFetchNewShortPages(t *testing.T) {
	client := &mockClient{
		newest:     map[int64]int64{1: 100},
		history:    map[int64][]remote.Message{1: historyFor(1, 1, 100)},
		maxPerPage: 10,
	}
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	sched := scheduler.New(st, staticSources{1}, 5*time.Minute)
	f := New(client, &nopLimiter{}, sched, st, Options{PageSize: 50, MaxPages: 12})

	msgs, err := f.FetchNew(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 100 {
		t.Fatalf("got %d messages, want all 100 despite short pages", len(msgs))
	}
	if msgs[0].ID != 100 || msgs[99].ID != 1 {
		t.Errorf("range = [%d..%d], want [100..1]", msgs[0].ID, msgs[99].ID)
	}
	// 10 short pages plus the empty page that proves history's end
	if hits := client.pageHits.Load(); hits != 11 {
		t.Errorf("page requests = %d, want 11", hits)
	}
}

func TestFetchNewPageCap(t *testing.T) {
	client := &mockClient{
		newest:  map[int64]int64{1: 1000},
		history: map[int64][]remote.Message{1: historyFor(1, 1, 1000)},
	}
	f, _, _ := newFixture(t, client, nil)

	msgs, err := f.FetchNew(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	// 6 pages of 50 and no further walking
	if len(msgs) != 300 {
		t.Errorf("got %d messages, want 300", len(msgs))
	}
	if hits := client.pageHits.Load(); hits != 6 {
		t.Errorf("page requests = %d, want 6", hits)
	}
}

func TestFetchNewIdempotent(t *testing.T) {
	client := &mockClient{
		newest:  map[int64]int64{1: 60},
		history: map[int64][]remote.Message{1: historyFor(1, 1, 60)},
	}
	f, _, sched := newFixture(t, client, []int64{1})

	if err := sched.MarkFetching(1); err != nil {
		t.Fatal(err)
	}
	msgs, err := f.FetchNew(context.Background(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := sched.MarkComplete(1, msgs[0].ID, msgs[0].Timestamp, len(msgs)); err != nil {
		t.Fatal(err)
	}

	// Same state again: metadata only, no pages, no messages
	client.pageHits.Store(0)
	msgs, err = f.FetchNew(context.Background(), 1, 60)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 || client.pageHits.Load() != 0 {
		t.Errorf("repeat fetch not idempotent: %d msgs, %d page hits", len(msgs), client.pageHits.Load())
	}
}

func TestFetchAllEligible(t *testing.T) {
	client := &mockClient{
		newest: map[int64]int64{1: 30, 2: 0},
		history: map[int64][]remote.Message{
			1: historyFor(1, 1, 30),
		},
	}
	f, st, _ := newFixture(t, client, []int64{1, 2})

	results, err := f.FetchAllEligible(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results[1]) != 30 {
		t.Errorf("source 1: got %d messages, want 30", len(results[1]))
	}
	// Empty source omitted from the result map
	if _, ok := results[2]; ok {
		t.Error("empty source present in results")
	}

	// Cursors advanced and in-flight cleared
	fs, err := st.GetFetchState(1)
	if err != nil {
		t.Fatal(err)
	}
	if fs.LastSeenMessageID != 30 || fs.InFlight {
		t.Errorf("source 1 state = %+v", fs)
	}
	fs, err = st.GetFetchState(2)
	if err != nil {
		t.Fatal(err)
	}
	if fs.InFlight || fs.LastError != "" {
		t.Errorf("source 2 state = %+v", fs)
	}
}

func TestFetchAllEligibleFailureIsolation(t *testing.T) {
	client := &mockClient{
		newest:  map[int64]int64{1: 10, 2: 10},
		history: map[int64][]remote.Message{1: historyFor(1, 1, 10), 2: historyFor(2, 1, 10)},
	}
	f, st, _ := newFixture(t, client, []int64{1, 2})

	// Fail both sources' fetches, then heal and re-run: both must recover
	client.pageErr = errors.New("remote exploded")
	results, err := f.FetchAllEligible(context.Background())
	if err != nil {
		t.Fatalf("batch should survive per-source failures: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want none", results)
	}
	fs, err := st.GetFetchState(1)
	if err != nil {
		t.Fatal(err)
	}
	if fs.LastError == "" || fs.InFlight {
		t.Errorf("failure not recorded: %+v", fs)
	}

	client.pageErr = nil
	results, err = f.FetchAllEligible(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results[1]) != 10 || len(results[2]) != 10 {
		t.Errorf("recovery pass results: %d, %d", len(results[1]), len(results[2]))
	}
}

// failingScheduler cannot persist failure records.
type failingScheduler struct {
	jobs []scheduler.Job
}

func (s *failingScheduler) ScheduleEligible() ([]scheduler.Job, error) { return s.jobs, nil }
func (s *failingScheduler) MarkFetching(int64) error                   { return nil }
func (s *failingScheduler) MarkComplete(int64, int64, time.Time, int) error {
	return nil
}
func (s *failingScheduler) MarkFailed(int64, error) error {
	return errors.New("fetch_states write lost")
}

func TestFetchAllEligibleSurfacesMarkFailedError(t *testing.T) {
	var buf bytes.Buffer
	logging.Logger = log.New(&buf)
	t.Cleanup(func() { logging.Logger = nil })

	client := &mockClient{
		newest:  map[int64]int64{1: 10},
		history: map[int64][]remote.Message{1: historyFor(1, 1, 10)},
		pageErr: errors.New("remote exploded"),
	}
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if _, err := st.GetOrCreateFetchState(1); err != nil {
		t.Fatal(err)
	}
	f := New(client, &nopLimiter{}, &failingScheduler{jobs: []scheduler.Job{{SourceID: 1}}}, st, Options{})

	results, err := f.FetchAllEligible(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("results = %v, want none", results)
	}
	if !strings.Contains(buf.String(), "record fetch failure failed") {
		t.Errorf("store error while recording the failure was not logged:\n%s", buf.String())
	}
}

func TestFetchAllEligibleBusy(t *testing.T) {
	client := &mockClient{newest: map[int64]int64{}}
	f, _, _ := newFixture(t, client, nil)

	f.mu.Lock()
	f.batch = true
	f.mu.Unlock()

	_, err := f.FetchAllEligible(context.Background())
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
}
