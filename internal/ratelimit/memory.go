package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore keeps windows in process memory. Entries expire with their
// window, so idle keys do not accumulate.
type MemoryStore struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, Window]
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: ttlcache.New[string, Window](
			ttlcache.WithDisableTouchOnHit[string, Window](),
		),
	}
}

func (m *MemoryStore) Increment(key string, now time.Time, length time.Duration) Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.live(key, now, length)
	if w.Count == 0 {
		w = Window{Start: now}
	}
	w.Count++
	m.cache.Set(key, w, ttlFor(w, now, length))
	return w
}

func (m *MemoryStore) Get(key string, now time.Time, length time.Duration) Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live(key, now, length)
}

func (m *MemoryStore) Reset(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(key)
}

// Range calls fn for every live window until fn returns false.
func (m *MemoryStore) Range(now time.Time, length time.Duration, fn func(key string, w Window) bool) {
	m.mu.Lock()
	type entry struct {
		key string
		w   Window
	}
	var entries []entry
	for key, item := range m.cache.Items() {
		if w := item.Value(); now.Sub(w.Start) < length {
			entries = append(entries, entry{key, w})
		}
	}
	m.mu.Unlock()

	for _, e := range entries {
		if !fn(e.key, e.w) {
			return
		}
	}
}

// Len is the number of stored windows.
func (m *MemoryStore) Len() int { return m.cache.Len() }

// Run evicts expired windows until ctx is canceled.
func (m *MemoryStore) Run(ctx context.Context) {
	go m.cache.Start()
	<-ctx.Done()
	m.cache.Stop()
}

// live returns the current window of key, treating windows that started
// length or more ago as absent. Caller must hold mu.
func (m *MemoryStore) live(key string, now time.Time, length time.Duration) Window {
	item := m.cache.Get(key)
	if item == nil {
		return Window{}
	}
	w := item.Value()
	if now.Sub(w.Start) >= length {
		return Window{}
	}
	return w
}

func ttlFor(w Window, now time.Time, length time.Duration) time.Duration {
	ttl := w.Start.Add(length).Sub(now)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	return ttl
}
