// Package transcript persists completed exchanges to a local SQLite file so
// /history survives restarts. The pure-Go driver keeps the binary cgo-free.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const defaultLimit = 50

const schema = `
CREATE TABLE IF NOT EXISTS exchanges (
	id          TEXT PRIMARY KEY,
	tool        TEXT NOT NULL,
	prompt      TEXT NOT NULL,
	response    TEXT NOT NULL,
	method      TEXT NOT NULL,
	quiet       INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_exchanges_created ON exchanges(created_at);
`

// Entry is one completed prompt/response exchange.
type Entry struct {
	ID        string
	Tool      string
	Prompt    string
	Response  string
	Method    string
	Quiet     bool
	Duration  time.Duration
	CreatedAt time.Time
}

// Option configures Store creation.
type Option func(*Store)

// WithLimit caps how many exchanges are retained. Defaults to 50.
func WithLimit(limit int) Option {
	return func(s *Store) {
		if limit > 0 {
			s.limit = limit
		}
	}
}

// Store is a SQLite-backed transcript of exchanges.
type Store struct {
	db    *sql.DB
	path  string
	limit int
}

// DefaultPath returns ~/.duet/history.db.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".duet", "history.db"), nil
}

// Open opens (creating if needed) the transcript database at path.
func Open(path string, options ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("transcript path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open transcript db %q: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init transcript schema: %w", err)
	}

	store := &Store{db: db, path: path, limit: defaultLimit}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store, nil
}

// Record inserts an exchange and prunes entries beyond the retention limit.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.db == nil {
		return errors.New("transcript store is not open")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	quiet := 0
	if entry.Quiet {
		quiet = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, tool, prompt, response, method, quiet, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Tool, entry.Prompt, entry.Response, entry.Method,
		quiet, entry.Duration.Milliseconds(), entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record exchange: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM exchanges WHERE id NOT IN (
			SELECT id FROM exchanges ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, s.limit)
	if err != nil {
		return fmt.Errorf("prune exchanges: %w", err)
	}
	return nil
}

// Recent returns up to n exchanges, newest first. n <= 0 uses the retention
// limit.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("transcript store is not open")
	}
	if n <= 0 || n > s.limit {
		n = s.limit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool, prompt, response, method, quiet, duration_ms, created_at
		 FROM exchanges ORDER BY created_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var quiet int
		var durationMS, createdMS int64
		if err := rows.Scan(&entry.ID, &entry.Tool, &entry.Prompt, &entry.Response,
			&entry.Method, &quiet, &durationMS, &createdMS); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		entry.Quiet = quiet != 0
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		entry.CreatedAt = time.UnixMilli(createdMS)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchanges: %w", err)
	}
	return entries, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
