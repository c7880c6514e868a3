package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetSummary returns one summary by its composite key, or (nil, nil) if absent.
func (s *Store) GetSummary(key string) (*Summary, error) {
	row := s.db.QueryRow(`
		SELECT key, source_id, bucket_key, model_version, prompt_version, lang,
		       summary, bullets, links, prompt_tokens, completion_tokens, chunk_hash, created_at
		FROM summaries WHERE key = ?`, key)

	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sum, nil
}

// SaveSummary writes a summary and its dependency rows in one transaction,
// replacing any prior summary under the same key.
func (s *Store) SaveSummary(sum Summary, deps []SummaryDep) error {
	bullets, err := json.Marshal(sum.Bullets)
	if err != nil {
		return fmt.Errorf("marshal bullets: %w", err)
	}
	links, err := json.Marshal(sum.Links)
	if err != nil {
		return fmt.Errorf("marshal links: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO summaries
			(key, source_id, bucket_key, model_version, prompt_version, lang,
			 summary, bullets, links, prompt_tokens, completion_tokens, chunk_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.Key, sum.SourceID, sum.BucketKey, sum.ModelVersion, sum.PromptVersion, sum.Lang,
		sum.Text, string(bullets), string(links), sum.PromptTokens, sum.CompletionTokens,
		sum.ChunkHash, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM summary_deps WHERE summary_key = ?`, sum.Key); err != nil {
		return fmt.Errorf("clear summary deps: %w", err)
	}
	for _, d := range deps {
		_, err := tx.Exec(`
			INSERT INTO summary_deps (summary_key, source_id, message_id, message_version)
			VALUES (?, ?, ?, ?)`, sum.Key, d.SourceID, d.MessageID, d.MessageVersion)
		if err != nil {
			return fmt.Errorf("insert summary dep: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit summary: %w", err)
	}
	return nil
}

// DeleteSummary removes a summary and its dependency rows. Deleting a key
// that does not exist is not an error.
func (s *Store) DeleteSummary(key string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM summaries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete summary: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM summary_deps WHERE summary_key = ?`, key); err != nil {
		return fmt.Errorf("delete summary deps: %w", err)
	}
	return tx.Commit()
}

// GetSummaryKeysForChunk returns the keys of every summary generated from
// the given chunk, across all model/prompt/lang combinations.
func (s *Store) GetSummaryKeysForChunk(sourceID int64, bucketKey string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT key FROM summaries WHERE source_id = ? AND bucket_key = ?`, sourceID, bucketKey)
	if err != nil {
		return nil, fmt.Errorf("query chunk summaries: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan summary key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// GetSummaryKeysForMessage returns the keys of every summary that was
// computed from the given message, in any version.
func (s *Store) GetSummaryKeysForMessage(sourceID, messageID int64) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT summary_key FROM summary_deps
		WHERE source_id = ? AND message_id = ?`, sourceID, messageID)
	if err != nil {
		return nil, fmt.Errorf("query summary deps: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan summary key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanSummary(row rowScanner) (*Summary, error) {
	var sum Summary
	var bullets, links string
	err := row.Scan(&sum.Key, &sum.SourceID, &sum.BucketKey, &sum.ModelVersion,
		&sum.PromptVersion, &sum.Lang, &sum.Text, &bullets, &links,
		&sum.PromptTokens, &sum.CompletionTokens, &sum.ChunkHash, &sum.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan summary: %w", err)
	}
	if err := json.Unmarshal([]byte(bullets), &sum.Bullets); err != nil {
		return nil, fmt.Errorf("unmarshal bullets: %w", err)
	}
	if err := json.Unmarshal([]byte(links), &sum.Links); err != nil {
		return nil, fmt.Errorf("unmarshal links: %w", err)
	}
	return &sum, nil
}
