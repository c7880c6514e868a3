package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetMessage returns one cached message, or (nil, nil) if absent.
func (s *Store) GetMessage(sourceID, messageID int64) (*Message, error) {
	row := s.db.QueryRow(`
		SELECT source_id, message_id, ts, text, sender_id, media_refs, deleted, version, edited_at
		FROM messages WHERE source_id = ? AND message_id = ?`, sourceID, messageID)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// UpsertMessage inserts a message or replaces the mutable fields of an
// existing row. The caller owns version semantics; the stored version is
// whatever the passed message carries. Timestamp is immutable after insert.
func (s *Store) UpsertMessage(m Message) error {
	media, err := json.Marshal(m.MediaRefs)
	if err != nil {
		return fmt.Errorf("marshal media refs: %w", err)
	}
	edited := sql.NullTime{Time: m.EditedAt, Valid: !m.EditedAt.IsZero()}

	_, err = s.db.Exec(`
		INSERT INTO messages (source_id, message_id, ts, text, sender_id, media_refs, deleted, version, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_id, message_id) DO UPDATE SET
			text = excluded.text,
			sender_id = excluded.sender_id,
			media_refs = excluded.media_refs,
			deleted = excluded.deleted,
			version = excluded.version,
			edited_at = excluded.edited_at`,
		m.SourceID, m.MessageID, m.Timestamp, m.Text, m.SenderID,
		string(media), boolToInt(m.Deleted), m.Version, edited)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var media string
	var deleted int
	var edited sql.NullTime
	err := row.Scan(&m.SourceID, &m.MessageID, &m.Timestamp, &m.Text,
		&m.SenderID, &media, &deleted, &m.Version, &edited)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(media), &m.MediaRefs); err != nil {
		return nil, fmt.Errorf("unmarshal media refs: %w", err)
	}
	m.Deleted = deleted != 0
	if edited.Valid {
		m.EditedAt = edited.Time
	}
	return &m, nil
}
