package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists entries in a single SQLite table. Writes go through
// one connection so concurrent Saves are serialised by the driver.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			version    TEXT NOT NULL,
			stored_at  INTEGER NOT NULL,
			expires_at INTEGER,
			value      BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_entries_kind ON cache_entries(kind);
	`)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *SQLiteStore) Load(key Key) (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT key, kind, version, stored_at, expires_at, value
		FROM cache_entries WHERE key = ?`, key.String())

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading cache entry %s: %w", key, err)
	}
	return e, nil
}

// Save implements Store.
func (s *SQLiteStore) Save(key Key, e *Entry) error {
	var expires sql.NullInt64
	if e.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: e.ExpiresAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO cache_entries (key, kind, version, stored_at, expires_at, value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			version = excluded.version,
			stored_at = excluded.stored_at,
			expires_at = excluded.expires_at,
			value = excluded.value
	`, key.String(), string(e.Kind), e.Version, e.StoredAt.UnixMilli(), expires, []byte(e.Value))
	if err != nil {
		return fmt.Errorf("saving cache entry %s: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(key Key) error {
	if _, err := s.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key.String()); err != nil {
		return fmt.Errorf("deleting cache entry %s: %w", key, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(kind Kind) ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT key, kind, version, stored_at, expires_at, value
		FROM cache_entries WHERE kind = ? ORDER BY stored_at`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("listing cache entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear implements Store.
func (s *SQLiteStore) Clear(kind Kind) (int, error) {
	var (
		res sql.Result
		err error
	)
	if kind == "" {
		res, err = s.db.Exec(`DELETE FROM cache_entries`)
	} else {
		res, err = s.db.Exec(`DELETE FROM cache_entries WHERE kind = ?`, string(kind))
	}
	if err != nil {
		return 0, fmt.Errorf("clearing cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e        Entry
		kind     string
		storedAt int64
		expires  sql.NullInt64
		value    []byte
	)
	if err := row.Scan(&e.Key, &kind, &e.Version, &storedAt, &expires, &value); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.StoredAt = time.UnixMilli(storedAt)
	if expires.Valid {
		t := time.UnixMilli(expires.Int64)
		e.ExpiresAt = &t
	}
	e.Value = value
	return &e, nil
}
