package store

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memEntry struct {
	value   string
	version uint64
	expires time.Time
}

func (e *memEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// MemoryStore implements Store in process memory.
// Every write stamps the key with a new version from a store-wide counter, so a
// watched key that is deleted and recreated is still detected as changed.
type MemoryStore struct {
	mu      sync.Mutex
	data    map[string]*memEntry
	version uint64
	closed  bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*memEntry)}
}

// lookup returns the live entry for key (must be called with lock held)
func (m *MemoryStore) lookup(key string) (*memEntry, bool) {
	e, ok := m.data[key]
	if !ok {
		return nil, false
	}
	if !e.live(time.Now()) {
		delete(m.data, key)
		m.version++
		return nil, false
	}
	return e, true
}

// versionOf returns the key version, 0 for absent keys (must be called with lock held)
func (m *MemoryStore) versionOf(key string) uint64 {
	if e, ok := m.lookup(key); ok {
		return e.version
	}
	return 0
}

func (m *MemoryStore) set(key, value string, ttl time.Duration) {
	m.version++
	m.data[key] = &memEntry{value: value, version: m.version, expires: expiry(ttl)}
}

func (m *MemoryStore) incr(key string) (int64, error) {
	var n int64
	var expires time.Time
	if e, ok := m.lookup(key); ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
		expires = e.expires
	}
	n++
	m.version++
	m.data[key] = &memEntry{value: strconv.FormatInt(n, 10), version: m.version, expires: expires}
	return n, nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", unavailable(errClosed)
	}

	e, ok := m.lookup(key)
	if !ok {
		return "", ErrNil
	}
	return e.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable(errClosed)
	}

	m.set(key, value, ttl)
	return nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return unavailable(errClosed)
	}

	for _, key := range keys {
		if _, ok := m.data[key]; ok {
			delete(m.data, key)
			m.version++
		}
	}
	return nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, unavailable(errClosed)
	}

	return m.incr(key)
}

func (m *MemoryStore) Watch(ctx context.Context, fn func(Tx) error, keys ...string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return unavailable(errClosed)
	}
	watched := make(map[string]uint64, len(keys))
	for _, key := range keys {
		watched[key] = m.versionOf(key)
	}
	m.mu.Unlock()

	return fn(&memTx{store: m, watched: watched})
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

type memTx struct {
	store   *MemoryStore
	watched map[string]uint64
	done    bool
}

func (t *memTx) Get(ctx context.Context, key string) (string, error) {
	return t.store.Get(ctx, key)
}

func (t *memTx) Exec(ctx context.Context, fn func(Pipe) error) ([]Reply, error) {
	if t.done {
		return nil, errWatchReleased
	}
	t.done = true

	pipe := &opPipe{}
	if err := fn(pipe); err != nil {
		return nil, err
	}

	m := t.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, unavailable(errClosed)
	}

	for key, version := range t.watched {
		if m.versionOf(key) != version {
			return nil, ErrTxFailed
		}
	}

	replies := make([]Reply, 0, len(pipe.ops))
	for _, o := range pipe.ops {
		if o.incr {
			n, err := m.incr(o.key)
			if err != nil {
				return replies, err
			}
			replies = append(replies, Reply{Int: n})
			continue
		}
		m.set(o.key, o.value, o.ttl)
		replies = append(replies, Reply{Str: "OK"})
	}
	return replies, nil
}
