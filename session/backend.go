package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"screenshot-audit/model"
)

// ErrNotFound is returned by a Backend when no record exists for a platform.
var ErrNotFound = errors.New("session: record not found")

// Backend is the durable key-value storage behind a Store. Records are
// stored as opaque JSON keyed by platform name.
type Backend interface {
	Get(ctx context.Context, platform model.Platform) ([]byte, error)
	Put(ctx context.Context, platform model.Platform, data []byte) error
	Close() error
}

const sessionsSchema = `CREATE TABLE IF NOT EXISTS sessions (
	platform   TEXT PRIMARY KEY,
	record     TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteBackend stores records in a sqlite database.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (and creates when missing) the sqlite database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("session: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite: %w", err)
	}
	// A single connection keeps writes serialized and :memory: databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("session: %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sessionsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Get returns the stored record for platform or ErrNotFound.
func (b *SQLiteBackend) Get(ctx context.Context, platform model.Platform) ([]byte, error) {
	var record string
	err := b.db.QueryRowContext(ctx,
		`SELECT record FROM sessions WHERE platform = ?`, string(platform)).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(record), nil
}

// Put overwrites the record for platform.
func (b *SQLiteBackend) Put(ctx context.Context, platform model.Platform, data []byte) error {
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO sessions (platform, record, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(platform) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		string(platform), string(data), time.Now().UnixMilli())
	return err
}

// Close closes the database.
func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

// FileBackend stores one JSON file per platform in a directory.
type FileBackend struct {
	dir string
}

// OpenFileBackend creates dir if needed and returns a backend rooted there.
func OpenFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: mkdir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(platform model.Platform) string {
	return filepath.Join(b.dir, strings.ToLower(string(platform))+".json")
}

// Get reads the record file for platform.
func (b *FileBackend) Get(_ context.Context, platform model.Platform) ([]byte, error) {
	data, err := os.ReadFile(b.path(platform))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put writes the record file through a temporary file so readers never see
// a half-written record.
func (b *FileBackend) Put(_ context.Context, platform model.Platform, data []byte) error {
	tmp, err := os.CreateTemp(b.dir, ".session-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), b.path(platform))
}

// Close is a no-op.
func (b *FileBackend) Close() error { return nil }
