package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetChunk returns one chunk, or (nil, nil) if absent.
func (s *Store) GetChunk(sourceID int64, bucketKey string) (*Chunk, error) {
	row := s.db.QueryRow(`
		SELECT source_id, bucket_key, bucket_start, bucket_end, content_hash, closed, last_modified
		FROM chunks WHERE source_id = ? AND bucket_key = ?`, sourceID, bucketKey)

	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// InsertChunk creates a chunk row if it does not exist yet.
// An existing row is left untouched.
func (s *Store) InsertChunk(c Chunk) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO chunks (source_id, bucket_key, bucket_start, bucket_end, content_hash, closed, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.SourceID, c.BucketKey, c.BucketStart, c.BucketEnd,
		c.ContentHash, boolToInt(c.Closed), c.LastModified)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}
	return nil
}

// UpdateChunk replaces the mutable chunk fields (hash, closed flag,
// last-modified stamp).
func (s *Store) UpdateChunk(sourceID int64, bucketKey, contentHash string, closed bool, lastModified time.Time) error {
	_, err := s.db.Exec(`
		UPDATE chunks SET content_hash = ?, closed = ?, last_modified = ?
		WHERE source_id = ? AND bucket_key = ?`,
		contentHash, boolToInt(closed), lastModified, sourceID, bucketKey)
	if err != nil {
		return fmt.Errorf("update chunk: %w", err)
	}
	return nil
}

// GetChunksInRange returns chunks whose bucket falls entirely within
// [from, to], ordered by bucket start.
func (s *Store) GetChunksInRange(sourceID int64, from, to time.Time) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT source_id, bucket_key, bucket_start, bucket_end, content_hash, closed, last_modified
		FROM chunks
		WHERE source_id = ? AND bucket_start >= ? AND bucket_end <= ?
		ORDER BY bucket_start ASC`, sourceID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

// AddChunkMessage records membership of a message in a chunk. Idempotent.
func (s *Store) AddChunkMessage(sourceID int64, bucketKey string, messageID int64) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO chunk_messages (source_id, bucket_key, message_id)
		VALUES (?, ?, ?)`, sourceID, bucketKey, messageID)
	if err != nil {
		return fmt.Errorf("add chunk message: %w", err)
	}
	return nil
}

// GetChunkMessages returns all member messages of a chunk ordered by
// message id ascending, deleted members included. Callers that need the
// live view filter on the Deleted flag.
func (s *Store) GetChunkMessages(sourceID int64, bucketKey string) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT m.source_id, m.message_id, m.ts, m.text, m.sender_id, m.media_refs, m.deleted, m.version, m.edited_at
		FROM chunk_messages cm
		JOIN messages m ON m.source_id = cm.source_id AND m.message_id = cm.message_id
		WHERE cm.source_id = ? AND cm.bucket_key = ?
		ORDER BY m.message_id ASC`, sourceID, bucketKey)
	if err != nil {
		return nil, fmt.Errorf("query chunk messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func scanChunk(row rowScanner) (*Chunk, error) {
	var c Chunk
	var closed int
	err := row.Scan(&c.SourceID, &c.BucketKey, &c.BucketStart, &c.BucketEnd,
		&c.ContentHash, &closed, &c.LastModified)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	c.Closed = closed != 0
	return &c, nil
}
