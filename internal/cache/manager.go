// Package cache is the tiered cache over messages, chunks and summaries:
// a bounded in-process LRU in front of the sqlite store. The store is
// always written first and always wins; the LRU only saves reads.
//
// Summary freshness is content-addressed: a summary row carries the hash
// of the chunk it was computed from, and a read that finds a mismatched
// hash deletes the row and reports a miss.
package cache

import (
	"fmt"
	"time"

	"github.com/abelbrown/digest/internal/logging"
	"github.com/abelbrown/digest/internal/store"
)

// Backend is the slice of the store the manager needs. Narrow so tests can
// count store reads.
type Backend interface {
	GetMessage(sourceID, messageID int64) (*store.Message, error)
	UpsertMessage(m store.Message) error
	GetChunk(sourceID int64, bucketKey string) (*store.Chunk, error)
	InsertChunk(c store.Chunk) error
	UpdateChunk(sourceID int64, bucketKey, contentHash string, closed bool, lastModified time.Time) error
	GetChunksInRange(sourceID int64, from, to time.Time) ([]store.Chunk, error)
	AddChunkMessage(sourceID int64, bucketKey string, messageID int64) error
	GetChunkMessages(sourceID int64, bucketKey string) ([]store.Message, error)
	GetSummary(key string) (*store.Summary, error)
	SaveSummary(sum store.Summary, deps []store.SummaryDep) error
	DeleteSummary(key string) error
	GetSummaryKeysForMessage(sourceID, messageID int64) ([]string, error)
	GetSummaryKeysForChunk(sourceID int64, bucketKey string) ([]string, error)
	GetStats(sourceID int64) (store.Stats, error)
}

// Manager coordinates the message, chunk and summary caches.
type Manager struct {
	backend     Backend
	bucketWidth time.Duration
	gracePeriod time.Duration

	messages  *lru
	chunks    *lru
	summaries *lru
}

// Options tune chunking and the fast path.
type Options struct {
	BucketWidth time.Duration // default 15m
	GracePeriod time.Duration // default 30m
	LRUCapacity int           // per entity kind, default 256
}

// NewManager creates a Manager over the given backend.
func NewManager(backend Backend, opts Options) *Manager {
	if opts.BucketWidth <= 0 {
		opts.BucketWidth = 15 * time.Minute
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 30 * time.Minute
	}
	if opts.LRUCapacity <= 0 {
		opts.LRUCapacity = 256
	}
	return &Manager{
		backend:     backend,
		bucketWidth: opts.BucketWidth,
		gracePeriod: opts.GracePeriod,
		messages:    newLRU(opts.LRUCapacity),
		chunks:      newLRU(opts.LRUCapacity),
		summaries:   newLRU(opts.LRUCapacity),
	}
}

func messageKey(sourceID, messageID int64) string {
	return fmt.Sprintf("%d/%d", sourceID, messageID)
}

func chunkKey(sourceID int64, bucketKey string) string {
	return fmt.Sprintf("%d/%s", sourceID, bucketKey)
}

// GetOrCacheMessage returns the cached message, storing the given one at
// version 1 on first sight. An already-cached message is returned as-is;
// re-delivery never resets edits or versions.
func (m *Manager) GetOrCacheMessage(msg store.Message) (store.Message, error) {
	key := messageKey(msg.SourceID, msg.MessageID)
	if v, ok := m.messages.get(key); ok {
		return v.(store.Message), nil
	}

	existing, err := m.backend.GetMessage(msg.SourceID, msg.MessageID)
	if err != nil {
		return store.Message{}, err
	}
	if existing != nil {
		m.messages.put(key, *existing)
		return *existing, nil
	}

	msg.Version = 1
	msg.Deleted = false
	msg.EditedAt = time.Time{}
	if err := m.backend.UpsertMessage(msg); err != nil {
		return store.Message{}, err
	}
	m.messages.put(key, msg)
	return msg, nil
}

// UpdateMessage applies an edit: new text and media, bumped version, edit
// stamp. An edit for a message we never cached creates the record first.
// Summaries depending on the message are invalidated before returning.
func (m *Manager) UpdateMessage(sourceID, messageID int64, newText string, media []string, editedAt time.Time) error {
	existing, err := m.backend.GetMessage(sourceID, messageID)
	if err != nil {
		return err
	}
	if existing == nil {
		existing = &store.Message{
			SourceID:  sourceID,
			MessageID: messageID,
			Timestamp: editedAt,
			Version:   0,
		}
	}

	existing.Text = newText
	if media != nil {
		existing.MediaRefs = media
	}
	existing.Version++
	existing.EditedAt = editedAt
	if err := m.backend.UpsertMessage(*existing); err != nil {
		return err
	}
	m.messages.put(messageKey(sourceID, messageID), *existing)

	return m.InvalidateSummariesForMessage(sourceID, messageID)
}

// DeleteMessage applies a tombstone: the row survives with the deleted
// flag set and a bumped version, so chunk membership history remains
// auditable while the message stops contributing content.
func (m *Manager) DeleteMessage(sourceID, messageID int64) error {
	existing, err := m.backend.GetMessage(sourceID, messageID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil // deleting what we never cached is a no-op
	}
	if existing.Deleted {
		return nil
	}

	existing.Deleted = true
	existing.Version++
	if err := m.backend.UpsertMessage(*existing); err != nil {
		return err
	}
	m.messages.put(messageKey(sourceID, messageID), *existing)

	return m.InvalidateSummariesForMessage(sourceID, messageID)
}

// GetOrCreateChunk returns the chunk covering ts, creating it open and
// empty if needed.
func (m *Manager) GetOrCreateChunk(sourceID int64, ts time.Time) (store.Chunk, error) {
	bucketKey := BucketKeyFor(ts, m.bucketWidth)
	ck := chunkKey(sourceID, bucketKey)
	if v, ok := m.chunks.get(ck); ok {
		return v.(store.Chunk), nil
	}

	existing, err := m.backend.GetChunk(sourceID, bucketKey)
	if err != nil {
		return store.Chunk{}, err
	}
	if existing != nil {
		m.chunks.put(ck, *existing)
		return *existing, nil
	}

	start := BucketStart(ts, m.bucketWidth)
	c := store.Chunk{
		SourceID:     sourceID,
		BucketKey:    bucketKey,
		BucketStart:  start,
		BucketEnd:    start.Add(m.bucketWidth),
		LastModified: time.Now().UTC(),
	}
	if err := m.backend.InsertChunk(c); err != nil {
		return store.Chunk{}, err
	}
	m.chunks.put(ck, c)
	return c, nil
}

// AddMessageToChunk files a message into the chunk covering its timestamp
// and returns that chunk's bucket key. The chunk hash is not recomputed
// here; callers batch memberships and then call UpdateChunk once per
// touched chunk.
func (m *Manager) AddMessageToChunk(msg store.Message) (string, error) {
	c, err := m.GetOrCreateChunk(msg.SourceID, msg.Timestamp)
	if err != nil {
		return "", err
	}
	if err := m.backend.AddChunkMessage(msg.SourceID, c.BucketKey, msg.MessageID); err != nil {
		return "", err
	}
	return c.BucketKey, nil
}

// UpdateChunk recomputes a chunk's content hash from its live members and
// applies the close rule.
//
// A changed hash stamps last-modified and reopens the chunk. A chunk
// closes once its bucket has ended and it has been quiet for the grace
// period; a late edit reopens it and the same rule closes it again.
func (m *Manager) UpdateChunk(sourceID int64, bucketKey string) error {
	chunk, err := m.backend.GetChunk(sourceID, bucketKey)
	if err != nil {
		return err
	}
	if chunk == nil {
		return fmt.Errorf("update chunk %d/%s: not found", sourceID, bucketKey)
	}

	members, err := m.backend.GetChunkMessages(sourceID, bucketKey)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	hash := ChunkHash(members)
	if hash != chunk.ContentHash {
		chunk.ContentHash = hash
		chunk.LastModified = now
		chunk.Closed = false

		// The old hash can never validate again; drop its summaries now
		// rather than leaving them to die lazily on the next read.
		keys, err := m.backend.GetSummaryKeysForChunk(sourceID, bucketKey)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := m.dropSummary(key); err != nil {
				return err
			}
		}
	}
	if !chunk.Closed && now.After(chunk.BucketEnd) && now.Sub(chunk.LastModified) > m.gracePeriod {
		chunk.Closed = true
	}

	if err := m.backend.UpdateChunk(sourceID, bucketKey, chunk.ContentHash, chunk.Closed, chunk.LastModified); err != nil {
		return err
	}
	m.chunks.put(chunkKey(sourceID, bucketKey), *chunk)
	return nil
}

// GetChunks returns the chunks overlapping [from, to) for a source.
// Range reads go straight to the store.
func (m *Manager) GetChunks(sourceID int64, from, to time.Time) ([]store.Chunk, error) {
	return m.backend.GetChunksInRange(sourceID, from, to)
}

// GetCachedSummary returns a fresh summary for the chunk under the given
// generation parameters, or (nil, nil) on a miss.
//
// An LRU hit is returned directly; invalidation removes entries from the
// LRU, so a resident entry is always current. A store hit is revalidated
// against the chunk's current hash; a stale or orphaned row is deleted
// and reported as a miss.
func (m *Manager) GetCachedSummary(sourceID int64, bucketKey, modelVersion, promptVersion, lang string) (*store.Summary, error) {
	key := SummaryKey(sourceID, bucketKey, modelVersion, promptVersion, lang)
	if v, ok := m.summaries.get(key); ok {
		s := v.(store.Summary)
		return &s, nil
	}

	sum, err := m.backend.GetSummary(key)
	if err != nil {
		return nil, err
	}
	if sum == nil {
		return nil, nil
	}

	if _, err := ParseBucketKey(sum.BucketKey); err != nil {
		logging.Debug("summary with unparseable bucket key", "key", key)
		return nil, m.dropSummary(key)
	}
	chunk, err := m.backend.GetChunk(sourceID, sum.BucketKey)
	if err != nil {
		return nil, err
	}
	if chunk == nil {
		logging.Debug("summary orphaned, chunk gone", "key", key)
		return nil, m.dropSummary(key)
	}
	if chunk.ContentHash != sum.ChunkHash {
		logging.Debug("summary stale, chunk hash moved", "key", key)
		return nil, m.dropSummary(key)
	}

	m.summaries.put(key, *sum)
	return sum, nil
}

// SaveSummary stores a summary with one dependency row per live member
// message it was computed from.
func (m *Manager) SaveSummary(sum store.Summary, members []store.Message) error {
	deps := make([]store.SummaryDep, 0, len(members))
	for _, msg := range members {
		if msg.Deleted {
			continue
		}
		deps = append(deps, store.SummaryDep{
			SummaryKey:     sum.Key,
			SourceID:       msg.SourceID,
			MessageID:      msg.MessageID,
			MessageVersion: msg.Version,
		})
	}
	if err := m.backend.SaveSummary(sum, deps); err != nil {
		return err
	}
	m.summaries.put(sum.Key, sum)
	return nil
}

// InvalidateSummariesForMessage deletes every summary computed from the
// given message, in store and LRU both.
func (m *Manager) InvalidateSummariesForMessage(sourceID, messageID int64) error {
	keys, err := m.backend.GetSummaryKeysForMessage(sourceID, messageID)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := m.dropSummary(key); err != nil {
			return err
		}
	}
	if len(keys) > 0 {
		logging.Debug("invalidated summaries", "source", sourceID, "message", messageID, "count", len(keys))
	}
	return nil
}

// GetStats reports cached entity counts for a source.
func (m *Manager) GetStats(sourceID int64) (store.Stats, error) {
	return m.backend.GetStats(sourceID)
}

func (m *Manager) dropSummary(key string) error {
	m.summaries.remove(key)
	return m.backend.DeleteSummary(key)
}
