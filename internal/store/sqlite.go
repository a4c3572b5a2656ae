package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// DefaultHistory is the number of versions kept per key.
const DefaultHistory = 10

// SQLiteStore implements KV using SQLite. Every Set appends a version; older
// versions beyond the history limit are pruned.
type SQLiteStore struct {
	db      *sql.DB
	history int

	mu      sync.Mutex
	entropy *rand.Rand
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithHistory sets how many versions are kept per key. Values below one keep
// only the latest.
func WithHistory(n int) Option {
	return func(s *SQLiteStore) {
		if n < 1 {
			n = 1
		}
		s.history = n
	}
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time keeps version numbering consistent.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:      db,
		history: DefaultHistory,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		id          TEXT PRIMARY KEY,
		key         TEXT NOT NULL,
		kind        TEXT NOT NULL,
		value       TEXT NOT NULL,
		version     INTEGER NOT NULL DEFAULT 1,
		supersedes  TEXT,
		created_at  TEXT NOT NULL,
		deleted_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_entries_key ON entries(key, version DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_kind ON entries(kind);
	CREATE INDEX IF NOT EXISTS idx_entries_deleted ON entries(deleted_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Put stores a new version of key and returns it.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) (*Entry, error) {
	now := time.Now().UTC()
	id := s.newID()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var prevID string
	var prevVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT id, version FROM entries
		 WHERE key = ? AND deleted_at IS NULL
		 ORDER BY version DESC LIMIT 1`, key).Scan(&prevID, &prevVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	version := 1
	var supersedes *string
	if err == nil {
		version = prevVersion + 1
		supersedes = &prevID
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entries (id, key, kind, value, version, supersedes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, key, KindOf(key), string(value), version, supersedes, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}

	if version > s.history {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM entries WHERE key = ? AND version <= ?`, key, version-s.history)
		if err != nil {
			return nil, fmt.Errorf("prune history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	e := &Entry{
		ID:        id,
		Key:       key,
		Kind:      KindOf(key),
		Value:     string(value),
		Version:   version,
		CreatedAt: now,
	}
	if supersedes != nil {
		e.Supersedes = *supersedes
	}
	return e, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.Put(ctx, key, value)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM entries WHERE key = ? AND deleted_at IS NULL
		 ORDER BY version DESC LIMIT 1`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// History returns every kept version of key, newest first.
func (s *SQLiteStore) History(ctx context.Context, key string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, kind, value, version, supersedes, created_at
		 FROM entries WHERE key = ? AND deleted_at IS NULL
		 ORDER BY version DESC`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return entries, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.Rm(ctx, RmParams{Key: key})
}

// Rm soft-deletes (or hard-deletes) a key, or every key under a prefix.
func (s *SQLiteStore) Rm(ctx context.Context, p RmParams) error {
	cond, args := "key = ?", []any{p.Key}
	if p.Prefix {
		cond, args = prefixCond, []any{p.Key, p.Key}
	}

	if p.Hard {
		_, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE `+cond, args...)
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE entries SET deleted_at = ? WHERE deleted_at IS NULL AND `+cond,
		append([]any{now}, args...)...)
	return err
}

const prefixCond = `(? = '' OR instr(key, ?) = 1)`

func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT key FROM entries
		 WHERE deleted_at IS NULL AND `+prefixCond+`
		 ORDER BY key`, prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (Entry, error) {
	var e Entry
	var supersedes sql.NullString
	var createdAt string

	err := row.Scan(&e.ID, &e.Key, &e.Kind, &e.Value, &e.Version, &supersedes, &createdAt)
	if err != nil {
		return e, err
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if supersedes.Valid {
		e.Supersedes = supersedes.String
	}
	return e, nil
}
