// Package store persists storage providers, OAuth credential bundles, and
// transfer sessions in a local SQLite database.
//
// Counters acknowledged to a caller as persisted survive a process restart:
// every mutation is written through before the call returns.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrQuotaConflict indicates a quota update that would go negative or
	// exceed the provider's total.
	ErrQuotaConflict = errors.New("quota update conflicts with limits")
)

// Config configures the store.
type Config struct {
	// Path is a local filesystem path to the database. ":memory:" opens an
	// in-process database (tests).
	Path string
}

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open opens (and creates if needed) the database and ensures the schema.
//
// WAL and busy_timeout are applied for predictable behavior with concurrent
// request handlers; a single writer connection avoids SQLITE_BUSY churn.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("store path is required")
	}
	if path == ":memory:" {
		return ":memory:", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create store dir: %w", err)
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(ON)")
	return "file:" + path + "?" + q.Encode(), nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS store_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO store_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS storage_providers (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			auth_type TEXT NOT NULL,
			encrypted_config BLOB NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			quota_total INTEGER,
			quota_used INTEGER NOT NULL DEFAULT 0 CHECK (quota_used >= 0),
			last_sync_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_providers_workspace ON storage_providers(workspace_id);`,
		`CREATE TABLE IF NOT EXISTS oauth_credentials (
			user_id TEXT NOT NULL,
			type TEXT NOT NULL,
			identifier TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			encrypted_token BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (user_id, type, identifier)
		);`,
		`CREATE TABLE IF NOT EXISTS transfer_sessions (
			session_id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			file_id TEXT NOT NULL,
			file_name TEXT NOT NULL,
			total_size INTEGER NOT NULL,
			chunk_size INTEGER NOT NULL,
			total_chunks INTEGER NOT NULL,
			received_chunks INTEGER NOT NULL DEFAULT 0,
			provider_bytes INTEGER NOT NULL DEFAULT 0,
			phase TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			use_direct_upload INTEGER NOT NULL DEFAULT 0,
			part_urls TEXT NOT NULL DEFAULT '[]',
			upload_state TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_workspace_status ON transfer_sessions(workspace_id, status);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init schema meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
