// Package store provides the durable offline store for the docsync agent.
//
// The store is a local SQLite database holding two tables:
//   - documents: documents cached for offline reading
//   - pending_changes: mutations made while offline, queued for sync
//
// The database runs in embedded mode with WAL for concurrent access. Each
// operation executes inside its own transaction; the store deliberately does
// not expose multi-operation transactions, so callers must design each state
// transition to be safe as a sequence of single-record transactions (for
// example dequeue-after-success, never dequeue-before-attempt).
//
// Schema creation is lazy and idempotent: the first operation triggers it,
// and concurrent early callers share the same initialization instead of
// racing separate upgrades.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection holding the offline tables.
type Store struct {
	conn *sql.DB
	path string

	initMu   sync.Mutex
	initDone bool
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The schema is not created here; it is created lazily by the first
// operation (or explicitly via InitSchema).
//
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".docsync/offline.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	// WAL for concurrent reads, a 5s busy timeout, and foreign keys.
	// Set through the DSN so every pooled connection gets them, not just
	// the one an Exec would land on.
	connStr := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)",
		path,
	)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &Store{
		conn: conn,
		path: path,
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		collection_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL DEFAULT '',
		metadata TEXT,  -- JSON object
		cached_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_changes (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		kind TEXT NOT NULL,  -- create, update, delete
		payload TEXT,        -- opaque JSON
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents(collection_id);
	CREATE INDEX IF NOT EXISTS idx_pending_doc ON pending_changes(document_id);
	CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_changes(created_at, id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// ensureSchema lazily initializes the schema. Concurrent early callers block
// on the same initialization rather than racing separate upgrades. A failed
// initialization is retried by the next caller.
func (s *Store) ensureSchema(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()

	if s.initDone {
		return nil
	}
	if err := s.InitSchemaContext(ctx); err != nil {
		return err
	}
	s.initDone = true
	return nil
}
