package store

import (
	"database/sql"
	"fmt"
	"time"
)

// GetOrCreateFetchState returns the fetch state for a source, creating a
// fresh row (zero cursor, not in flight) if the source was never seen.
func (s *Store) GetOrCreateFetchState(sourceID int64) (FetchState, error) {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO fetch_states (source_id) VALUES (?)`, sourceID)
	if err != nil {
		return FetchState{}, fmt.Errorf("create fetch state: %w", err)
	}
	return s.getFetchState(sourceID)
}

// GetFetchState returns the fetch state for a source.
// Returns sql.ErrNoRows wrapped if the source has no state yet.
func (s *Store) GetFetchState(sourceID int64) (FetchState, error) {
	return s.getFetchState(sourceID)
}

func (s *Store) getFetchState(sourceID int64) (FetchState, error) {
	row := s.db.QueryRow(`
		SELECT source_id, last_fetched_at, last_seen_message_id, in_flight, last_error
		FROM fetch_states WHERE source_id = ?`, sourceID)

	var fs FetchState
	var fetchedAt sql.NullTime
	var inFlight int
	if err := row.Scan(&fs.SourceID, &fetchedAt, &fs.LastSeenMessageID, &inFlight, &fs.LastError); err != nil {
		return FetchState{}, fmt.Errorf("scan fetch state: %w", err)
	}
	if fetchedAt.Valid {
		fs.LastFetchedAt = fetchedAt.Time
	}
	fs.InFlight = inFlight != 0
	return fs, nil
}

// SetInFlight sets or clears the in-flight marker for a source.
func (s *Store) SetInFlight(sourceID int64, inFlight bool) error {
	_, err := s.db.Exec(`UPDATE fetch_states SET in_flight = ? WHERE source_id = ?`,
		boolToInt(inFlight), sourceID)
	if err != nil {
		return fmt.Errorf("set in_flight: %w", err)
	}
	return nil
}

// CompleteFetch records a successful fetch: clears the in-flight marker and
// last error, stamps the fetch time, and advances the cursor. The cursor only
// moves forward; a smaller newestID leaves it untouched.
func (s *Store) CompleteFetch(sourceID int64, newestID int64, fetchedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE fetch_states
		SET in_flight = 0, last_error = '', last_fetched_at = ?,
		    last_seen_message_id = MAX(last_seen_message_id, ?)
		WHERE source_id = ?`, fetchedAt, newestID, sourceID)
	if err != nil {
		return fmt.Errorf("complete fetch: %w", err)
	}
	return nil
}

// FailFetch records a failed fetch: clears the in-flight marker and stores the
// error. The cursor and last-fetched time are untouched so the next scheduling
// pass retries the source.
func (s *Store) FailFetch(sourceID int64, fetchErr string) error {
	_, err := s.db.Exec(`
		UPDATE fetch_states SET in_flight = 0, last_error = ? WHERE source_id = ?`,
		fetchErr, sourceID)
	if err != nil {
		return fmt.Errorf("fail fetch: %w", err)
	}
	return nil
}
