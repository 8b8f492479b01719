package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

var memoryDBCounter atomic.Uint64

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage creates a new cache storage with the given filename as the db.
// If file name is empty, a new private in-memory db is opened.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	memory := filename == ""
	if memory {
		filename = fmt.Sprintf("file:cache-worker-%d?mode=memory&cache=shared", memoryDBCounter.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// an in-memory db disappears with its last connection
	if memory {
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache, key)
		)`,
	}
	if !memory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init cache db: %w", err)
		}
	}
	return &SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying db.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Open(ctx context.Context, name string) (Store, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &sqliteStore{storage: s, name: name}, nil
}

func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	return s.has(ctx, s.db, name)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStorage) has(ctx context.Context, q queryer, name string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, tx.Commit()
}

func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY created_at ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqliteStore struct {
	storage *SQLiteStorage
	name    string
}

func (s *sqliteStore) Name() string {
	return s.name
}

func (s *sqliteStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := s.storage.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE cache = ? AND key = ?",
		s.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, entry Entry) error {
	return s.PutAll(ctx, []Entry{entry})
}

func (s *sqliteStore) PutAll(ctx context.Context, entries []Entry) error {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	tx, err := s.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if ok, err := s.storage.has(ctx, tx, s.name); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrCacheNotFound, s.name)
	}
	for _, e := range entries {
		_, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (cache, key, stored_at, bytes) VALUES (?, ?, ?, ?)",
			s.name, e.Key, e.StoredAt.UnixNano(), e.Bytes)
		if err != nil {
			return fmt.Errorf("store %s: %w", e.Key, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Delete(ctx context.Context, key string) (bool, error) {
	s.storage.writeMutex.Lock()
	defer s.storage.writeMutex.Unlock()
	result, err := s.storage.db.ExecContext(ctx,
		"DELETE FROM entries WHERE cache = ? AND key = ?", s.name, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *sqliteStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.storage.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE cache = ? ORDER BY key ASC", s.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
