// Package store provides SQLite persistence for the sync and cache core.
//
// The store is the source of truth. The in-process fast-path caches layered
// above it (see internal/cache) are write-through and never authoritative.
//
// # Thread Safety
//
// Store is safe for concurrent use. The underlying sql.DB handles connection
// pooling and serialization. Individual operations are atomic; sequences of
// operations (read-modify-write) require external synchronization, which the
// cache manager and scheduler provide per key.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// Store handles persistence of fetch state and cached entities.
type Store struct {
	db *sql.DB
}

// FetchState is the persisted per-source sync cursor and status.
type FetchState struct {
	SourceID          int64
	LastFetchedAt     time.Time // Zero if the source was never fetched
	LastSeenMessageID int64     // High-water mark; 0 if unset
	InFlight          bool
	LastError         string
}

// Message is a cached, normalized remote message.
type Message struct {
	SourceID  int64
	MessageID int64
	Timestamp time.Time
	Text      string
	SenderID  int64
	MediaRefs []string
	Deleted   bool
	Version   int64
	EditedAt  time.Time // Zero if never edited
}

// Chunk is a fixed-width time bucket of one source's messages.
type Chunk struct {
	SourceID     int64
	BucketKey    string
	BucketStart  time.Time
	BucketEnd    time.Time
	ContentHash  string
	Closed       bool
	LastModified time.Time
}

// Summary is a cached derived summary of one chunk.
type Summary struct {
	Key              string
	SourceID         int64
	BucketKey        string
	ModelVersion     string
	PromptVersion    string
	Lang             string
	Text             string
	Bullets          []string
	Links            []string
	PromptTokens     int
	CompletionTokens int
	ChunkHash        string
	CreatedAt        time.Time
}

// SummaryDep links a summary to one message version it was computed from.
type SummaryDep struct {
	SummaryKey     string
	SourceID       int64
	MessageID      int64
	MessageVersion int64
}

// Stats is a diagnostic snapshot of cached entity counts for one source.
type Stats struct {
	Messages  int
	Chunks    int
	Summaries int
}

// Open creates a new Store at the given database path.
// Creates tables if they don't exist.
// Uses WAL mode for better concurrent read performance (file-based DBs only).
func Open(dbPath string) (*Store, error) {
	connStr := dbPath
	if dbPath == ":memory:" {
		// For in-memory databases, use shared cache mode so all connections
		// in the pool see the same database
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// In-memory databases must stay on one connection to see one database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	// An in-flight marker only means anything while the process that set
	// it is alive; one persisted across a restart is a crash leftover
	// that would wedge its source forever.
	if _, err := db.Exec(`UPDATE fetch_states SET in_flight = 0`); err != nil {
		db.Close()
		return nil, fmt.Errorf("clear stale in-flight markers: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS fetch_states (
		source_id INTEGER PRIMARY KEY,
		last_fetched_at DATETIME,
		last_seen_message_id INTEGER NOT NULL DEFAULT 0,
		in_flight INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS messages (
		source_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		ts DATETIME NOT NULL,
		text TEXT NOT NULL,
		sender_id INTEGER NOT NULL DEFAULT 0,
		media_refs TEXT NOT NULL DEFAULT '[]',
		deleted INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		edited_at DATETIME,
		PRIMARY KEY (source_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(source_id, ts);

	CREATE TABLE IF NOT EXISTS chunks (
		source_id INTEGER NOT NULL,
		bucket_key TEXT NOT NULL,
		bucket_start DATETIME NOT NULL,
		bucket_end DATETIME NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		closed INTEGER NOT NULL DEFAULT 0,
		last_modified DATETIME NOT NULL,
		PRIMARY KEY (source_id, bucket_key)
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_start ON chunks(source_id, bucket_start);

	CREATE TABLE IF NOT EXISTS chunk_messages (
		source_id INTEGER NOT NULL,
		bucket_key TEXT NOT NULL,
		message_id INTEGER NOT NULL,
		PRIMARY KEY (source_id, bucket_key, message_id)
	);

	CREATE TABLE IF NOT EXISTS summaries (
		key TEXT PRIMARY KEY,
		source_id INTEGER NOT NULL,
		bucket_key TEXT NOT NULL,
		model_version TEXT NOT NULL,
		prompt_version TEXT NOT NULL,
		lang TEXT NOT NULL,
		summary TEXT NOT NULL,
		bullets TEXT NOT NULL DEFAULT '[]',
		links TEXT NOT NULL DEFAULT '[]',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		chunk_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_chunk ON summaries(source_id, bucket_key);

	CREATE TABLE IF NOT EXISTS summary_deps (
		summary_key TEXT NOT NULL,
		source_id INTEGER NOT NULL,
		message_id INTEGER NOT NULL,
		message_version INTEGER NOT NULL,
		PRIMARY KEY (summary_key, source_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_summary_deps_message ON summary_deps(source_id, message_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for advanced queries.
//
// Use with caution - prefer using Store methods for common operations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// GetStats counts live (non-deleted) messages, chunks and summaries for a source.
func (s *Store) GetStats(sourceID int64) (Stats, error) {
	var st Stats
	row := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE source_id = ? AND deleted = 0`, sourceID)
	if err := row.Scan(&st.Messages); err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	row = s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE source_id = ?`, sourceID)
	if err := row.Scan(&st.Chunks); err != nil {
		return Stats{}, fmt.Errorf("count chunks: %w", err)
	}
	row = s.db.QueryRow(`SELECT COUNT(*) FROM summaries WHERE source_id = ?`, sourceID)
	if err := row.Scan(&st.Summaries); err != nil {
		return Stats{}, fmt.Errorf("count summaries: %w", err)
	}
	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
