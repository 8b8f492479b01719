package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type memCache struct {
	entries map[string]Entry
}

// MemStorage keeps all caches in process memory.
// Everything is lost when the process exits.
type MemStorage struct {
	mutex  *sync.RWMutex
	caches map[string]*memCache
	order  []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		caches: make(map[string]*memCache),
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		c = &memCache{entries: make(map[string]Entry)}
		m.caches[name] = c
		m.order = append(m.order, name)
	}
	return &memStore{storage: m, name: name, c: c}, nil
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.caches[name]; !ok {
		return false, nil
	}
	delete(m.caches, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

type memStore struct {
	storage *MemStorage
	name    string
	c       *memCache
}

func (s *memStore) Name() string {
	return s.name
}

func (s *memStore) Match(ctx context.Context, key string) (Entry, bool, error) {
	s.storage.mutex.RLock()
	defer s.storage.mutex.RUnlock()
	entry, ok := s.c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (s *memStore) Put(ctx context.Context, entry Entry) error {
	return s.PutAll(ctx, []Entry{entry})
}

func (s *memStore) PutAll(ctx context.Context, entries []Entry) error {
	s.storage.mutex.Lock()
	defer s.storage.mutex.Unlock()
	// a store handle outlives its cache if the cache is deleted
	if s.storage.caches[s.name] != s.c {
		return fmt.Errorf("%w: %s", ErrCacheNotFound, s.name)
	}
	for _, e := range entries {
		s.c.entries[e.Key] = cloneEntry(e)
	}
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) (bool, error) {
	s.storage.mutex.Lock()
	defer s.storage.mutex.Unlock()
	_, ok := s.c.entries[key]
	delete(s.c.entries, key)
	return ok, nil
}

func (s *memStore) Keys(ctx context.Context) ([]string, error) {
	s.storage.mutex.RLock()
	defer s.storage.mutex.RUnlock()
	keys := make([]string, 0, len(s.c.entries))
	for key := range s.c.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func cloneEntry(e Entry) Entry {
	b := make([]byte, len(e.Bytes))
	copy(b, e.Bytes)
	e.Bytes = b
	return e
}
