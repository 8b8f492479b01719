package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func storages(t *testing.T) map[string]Storage {
	sqlite, err := NewSQLiteStorage("")
	if err != nil {
		t.Fatalf("Could not open sqlite storage: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Storage{
		"sqlite": sqlite,
		"memory": NewMemStorage(),
	}
}

func TestOpenIsLazyAndIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			if ok, _ := storage.Has(ctx, "my-site-cache-v1"); ok {
				t.Fatal("Cache exists before open")
			}
			first, err := storage.Open(ctx, "my-site-cache-v1")
			if err != nil {
				t.Fatal(err)
			}
			if err := first.Put(ctx, Entry{Key: "a", Bytes: []byte("A")}); err != nil {
				t.Fatal(err)
			}
			second, err := storage.Open(ctx, "my-site-cache-v1")
			if err != nil {
				t.Fatal(err)
			}
			if e, ok, err := second.Match(ctx, "a"); err != nil || !ok || string(e.Bytes) != "A" {
				t.Fatalf("Reopened cache lost entry: %v %v %s", err, ok, e.Bytes)
			}
			names, _ := storage.Names(ctx)
			if len(names) != 1 || names[0] != "my-site-cache-v1" {
				t.Fatalf("Names are %v", names)
			}
		})
	}
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, _ := storage.Open(ctx, "c")
			store.Put(ctx, Entry{Key: "k", StoredAt: time.Now(), Bytes: []byte("old")})
			store.Put(ctx, Entry{Key: "k", StoredAt: time.Now(), Bytes: []byte("new")})
			e, ok, err := store.Match(ctx, "k")
			if err != nil || !ok {
				t.Fatalf("Match failed: %v %v", err, ok)
			}
			if string(e.Bytes) != "new" {
				t.Fatalf("Stored value is %s", e.Bytes)
			}
			keys, _ := store.Keys(ctx)
			if len(keys) != 1 {
				t.Fatalf("Keys are %v", keys)
			}
		})
	}
}

func TestMatchMiss(t *testing.T) {
	ctx := context.Background()
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, _ := storage.Open(ctx, "c")
			if _, ok, err := store.Match(ctx, "nothing"); ok || err != nil {
				t.Fatalf("Expected miss, got %v %v", ok, err)
			}
		})
	}
}

func TestCachesAreSeparate(t *testing.T) {
	ctx := context.Background()
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			a, _ := storage.Open(ctx, "a")
			b, _ := storage.Open(ctx, "b")
			a.Put(ctx, Entry{Key: "k", Bytes: []byte("in a")})
			if _, ok, _ := b.Match(ctx, "k"); ok {
				t.Fatal("Entry leaked into other cache")
			}
		})
	}
}

func TestDeleteCache(t *testing.T) {
	ctx := context.Background()
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, _ := storage.Open(ctx, "c")
			store.Put(ctx, Entry{Key: "k", Bytes: []byte("v")})
			if ok, err := storage.Delete(ctx, "c"); !ok || err != nil {
				t.Fatalf("Delete returned %v %v", ok, err)
			}
			if ok, _ := storage.Delete(ctx, "c"); ok {
				t.Fatal("Second delete reported existing cache")
			}
			if err := store.Put(ctx, Entry{Key: "k"}); !errors.Is(err, ErrCacheNotFound) {
				t.Fatalf("Put on deleted cache returned %v", err)
			}
			reopened, _ := storage.Open(ctx, "c")
			if keys, _ := reopened.Keys(ctx); len(keys) != 0 {
				t.Fatalf("Reopened cache has keys %v", keys)
			}
		})
	}
}

func TestDeleteEntry(t *testing.T) {
	ctx := context.Background()
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, _ := storage.Open(ctx, "c")
			store.Put(ctx, Entry{Key: "k", Bytes: []byte("v")})
			if ok, _ := store.Delete(ctx, "k"); !ok {
				t.Fatal("Entry was not deleted")
			}
			if ok, _ := store.Delete(ctx, "k"); ok {
				t.Fatal("Entry deleted twice")
			}
		})
	}
}

func TestPutAllStoresEverything(t *testing.T) {
	ctx := context.Background()
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, _ := storage.Open(ctx, "c")
			entries := []Entry{
				{Key: "/", Bytes: []byte("index")},
				{Key: "/css/style.css", Bytes: []byte("css")},
				{Key: "/javascript/main.js", Bytes: []byte("js")},
			}
			if err := store.PutAll(ctx, entries); err != nil {
				t.Fatal(err)
			}
			keys, _ := store.Keys(ctx)
			if fmt.Sprint(keys) != "[/ /css/style.css /javascript/main.js]" {
				t.Fatalf("Keys are %v", keys)
			}
		})
	}
}

func TestConcurrentPutsLastWins(t *testing.T) {
	ctx := context.Background()
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			store, _ := storage.Open(ctx, "c")
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := store.Put(ctx, Entry{Key: "k", Bytes: []byte(fmt.Sprint(i))}); err != nil {
						t.Errorf("Put failed: %v", err)
					}
				}(i)
			}
			wg.Wait()
			store.Put(ctx, Entry{Key: "k", Bytes: []byte("final")})
			if e, _, _ := store.Match(ctx, "k"); string(e.Bytes) != "final" {
				t.Fatalf("Value is %s", e.Bytes)
			}
		})
	}
}
