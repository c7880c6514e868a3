package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateFetchState(t *testing.T) {
	s := newTestStore(t)

	fs, err := s.GetOrCreateFetchState(42)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if fs.SourceID != 42 || fs.LastSeenMessageID != 0 || fs.InFlight {
		t.Errorf("fresh state = %+v, want zero cursor and not in flight", fs)
	}
	if !fs.LastFetchedAt.IsZero() {
		t.Errorf("fresh state has LastFetchedAt %v, want zero", fs.LastFetchedAt)
	}

	// Second call must return the same row, not reset it
	if err := s.CompleteFetch(42, 100, time.Now()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	fs, err = s.GetOrCreateFetchState(42)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if fs.LastSeenMessageID != 100 {
		t.Errorf("cursor = %d after re-get, want 100", fs.LastSeenMessageID)
	}
}

func TestCompleteFetchCursorOnlyAdvances(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetOrCreateFetchState(1); err != nil {
		t.Fatal(err)
	}

	if err := s.CompleteFetch(1, 200, time.Now()); err != nil {
		t.Fatal(err)
	}
	// A lower newest id must not regress the cursor
	if err := s.CompleteFetch(1, 150, time.Now()); err != nil {
		t.Fatal(err)
	}
	fs, err := s.GetFetchState(1)
	if err != nil {
		t.Fatal(err)
	}
	if fs.LastSeenMessageID != 200 {
		t.Errorf("cursor = %d, want 200", fs.LastSeenMessageID)
	}
}

func TestOpenClearsStaleInFlight(t *testing.T) {
	path := filepath.Join(t.TempDir(), "digest.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetOrCreateFetchState(1); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInFlight(1, true); err != nil {
		t.Fatal(err)
	}
	// Crash: the process dies with the marker still set
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	fs, err := s.GetFetchState(1)
	if err != nil {
		t.Fatal(err)
	}
	if fs.InFlight {
		t.Error("in-flight marker survived a restart, source is wedged")
	}
}

func TestFailFetchKeepsCursor(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetOrCreateFetchState(1); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteFetch(1, 50, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInFlight(1, true); err != nil {
		t.Fatal(err)
	}
	if err := s.FailFetch(1, "remote unavailable"); err != nil {
		t.Fatal(err)
	}

	fs, err := s.GetFetchState(1)
	if err != nil {
		t.Fatal(err)
	}
	if fs.InFlight {
		t.Error("in_flight not cleared on failure")
	}
	if fs.LastSeenMessageID != 50 {
		t.Errorf("cursor = %d after failure, want 50", fs.LastSeenMessageID)
	}
	if fs.LastError != "remote unavailable" {
		t.Errorf("last error = %q", fs.LastError)
	}
}

func TestUpsertMessage(t *testing.T) {
	s := newTestStore(t)
	ts := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	m := Message{SourceID: 1, MessageID: 10, Timestamp: ts, Text: "hello", SenderID: 7, Version: 1}
	if err := s.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetMessage(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("message not found after upsert")
	}
	if got.Text != "hello" || got.Version != 1 || got.Deleted {
		t.Errorf("got %+v", got)
	}

	// Edit bumps version, timestamp stays put
	m.Text = "hello edited"
	m.Version = 2
	m.EditedAt = ts.Add(time.Minute)
	m.Timestamp = ts.Add(time.Hour) // must be ignored on conflict
	if err := s.UpsertMessage(m); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetMessage(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if got.Text != "hello edited" || got.Version != 2 {
		t.Errorf("after edit: %+v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp changed on upsert: %v", got.Timestamp)
	}
	if got.EditedAt.IsZero() {
		t.Error("edited_at not recorded")
	}
}

func TestGetMessageMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetMessage(1, 999)
	if err != nil {
		t.Fatalf("miss should not error: %v", err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil", got)
	}
}

func TestChunkMembership(t *testing.T) {
	s := newTestStore(t)
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	c := Chunk{SourceID: 1, BucketKey: "b1", BucketStart: start, BucketEnd: start.Add(15 * time.Minute), LastModified: start}
	if err := s.InsertChunk(c); err != nil {
		t.Fatal(err)
	}
	// Insert is idempotent
	if err := s.InsertChunk(c); err != nil {
		t.Fatal(err)
	}

	for _, id := range []int64{30, 10, 20} {
		m := Message{SourceID: 1, MessageID: id, Timestamp: start, Text: "m", Version: 1}
		if err := s.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
		if err := s.AddChunkMessage(1, "b1", id); err != nil {
			t.Fatal(err)
		}
	}
	// Membership is idempotent too
	if err := s.AddChunkMessage(1, "b1", 10); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.GetChunkMessages(1, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d members, want 3", len(msgs))
	}
	for i, want := range []int64{10, 20, 30} {
		if msgs[i].MessageID != want {
			t.Errorf("member[%d] = %d, want %d", i, msgs[i].MessageID, want)
		}
	}
}

func TestGetChunksInRange(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	width := 15 * time.Minute

	for i := 0; i < 4; i++ {
		start := base.Add(time.Duration(i) * width)
		c := Chunk{SourceID: 1, BucketKey: start.UTC().Format(time.RFC3339), BucketStart: start, BucketEnd: start.Add(width), LastModified: start}
		if err := s.InsertChunk(c); err != nil {
			t.Fatal(err)
		}
	}

	chunks, err := s.GetChunksInRange(1, base.Add(width), base.Add(3*width))
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if !chunks[0].BucketStart.Equal(base.Add(width)) {
		t.Errorf("first chunk starts at %v", chunks[0].BucketStart)
	}
}

func TestSaveSummaryWithDeps(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().UTC()

	sum := Summary{
		Key: "1/b1/m1/p1/en", SourceID: 1, BucketKey: "b1",
		ModelVersion: "m1", PromptVersion: "p1", Lang: "en",
		Text: "a summary", Bullets: []string{"one", "two"},
		ChunkHash: "abc123", CreatedAt: now,
	}
	deps := []SummaryDep{
		{SourceID: 1, MessageID: 10, MessageVersion: 1},
		{SourceID: 1, MessageID: 11, MessageVersion: 2},
	}
	if err := s.SaveSummary(sum, deps); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSummary(sum.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("summary not found")
	}
	if got.Text != "a summary" || got.ChunkHash != "abc123" || len(got.Bullets) != 2 {
		t.Errorf("got %+v", got)
	}

	keys, err := s.GetSummaryKeysForMessage(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != sum.Key {
		t.Errorf("keys for message 10 = %v", keys)
	}

	// Re-save replaces deps instead of accumulating them
	if err := s.SaveSummary(sum, deps[:1]); err != nil {
		t.Fatal(err)
	}
	keys, err = s.GetSummaryKeysForMessage(1, 11)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("stale dep survived re-save: %v", keys)
	}
}

func TestDeleteSummary(t *testing.T) {
	s := newTestStore(t)
	sum := Summary{Key: "k", SourceID: 1, BucketKey: "b", ModelVersion: "m",
		PromptVersion: "p", Lang: "en", Text: "t", ChunkHash: "h", CreatedAt: time.Now()}
	if err := s.SaveSummary(sum, []SummaryDep{{SourceID: 1, MessageID: 5, MessageVersion: 1}}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteSummary("k"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSummary("k")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("summary survived delete")
	}
	keys, err := s.GetSummaryKeysForMessage(1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("deps survived delete: %v", keys)
	}

	// Deleting a missing key is fine
	if err := s.DeleteSummary("absent"); err != nil {
		t.Errorf("delete absent: %v", err)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ts := time.Now().UTC()

	for i := int64(1); i <= 3; i++ {
		if err := s.UpsertMessage(Message{SourceID: 1, MessageID: i, Timestamp: ts, Text: "m", Version: 1}); err != nil {
			t.Fatal(err)
		}
	}
	// Deleted messages don't count
	if err := s.UpsertMessage(Message{SourceID: 1, MessageID: 4, Timestamp: ts, Text: "", Deleted: true, Version: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertChunk(Chunk{SourceID: 1, BucketKey: "b", BucketStart: ts, BucketEnd: ts, LastModified: ts}); err != nil {
		t.Fatal(err)
	}

	st, err := s.GetStats(1)
	if err != nil {
		t.Fatal(err)
	}
	if st.Messages != 3 || st.Chunks != 1 || st.Summaries != 0 {
		t.Errorf("stats = %+v", st)
	}
}
