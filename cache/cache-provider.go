package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheNotFound is returned when operating on a named cache that was deleted
// after it was opened.
var ErrCacheNotFound = errors.New("cache not found")

// Storage is the registry of named caches.
// A cache is created the first time it is opened and lives until it is
// explicitly deleted.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the cache with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Store, error)
	// Has checks if a cache with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes the named cache and all of its entries.
	// It reports whether the cache existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names returns the names of all caches, in creation order.
	Names(ctx context.Context) ([]string, error)
}

// Store is a single named cache.
// It stores []byte values, which represent HTTP responses, under request keys.
// There is no expiry: an entry stays until it is overwritten or deleted.
//
// Implementations must be thread-safe! Concurrent writes to the same key are
// not ordered, the last one to complete wins.
type Store interface {
	// Name returns the name the store was opened with.
	Name() string
	// Match returns the stored entry for the given key, if it exists.
	// The boolean indicates whether an entry was found.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries atomically. If it fails, none of them are stored.
	PutAll(ctx context.Context, entries []Entry) error
	// Delete removes the entry for the given key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns the keys of all stored entries, sorted.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}
