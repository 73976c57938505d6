package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memo is a size-bounded, TTL-expiring cache used to memoize per-route window
// aggregates between routing cycles. Without a bound, a deployment covering
// hundreds of lanes times several product types would grow its aggregate map
// indefinitely.
type Memo[K comparable, V any] struct {
	entries *lru.Cache[K, *memoEntry[V]]
	ttl     time.Duration
	mu      sync.RWMutex
	hits    uint64
	misses  uint64
}

type memoEntry[V any] struct {
	value    V
	staleAt  time.Time
	noExpiry bool
}

// NewMemo creates a cache holding at most size entries. A ttl of 0 disables
// expiration.
func NewMemo[K comparable, V any](size int, ttl time.Duration) (*Memo[K, V], error) {
	entries, err := lru.New[K, *memoEntry[V]](size)
	if err != nil {
		return nil, err
	}
	return &Memo[K, V]{entries: entries, ttl: ttl}, nil
}

// Get returns the cached value if present and fresh.
func (m *Memo[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries.Get(key)
	if !ok || (!entry.noExpiry && time.Now().After(entry.staleAt)) {
		m.misses++
		var zero V
		return zero, false
	}

	m.hits++
	return entry.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (m *Memo[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &memoEntry[V]{value: value, noExpiry: m.ttl == 0}
	if m.ttl > 0 {
		entry.staleAt = time.Now().Add(m.ttl)
	}
	m.entries.Add(key, entry)
}

// Invalidate drops a single key. Called when new ledger rows land for a route.
func (m *Memo[K, V]) Invalidate(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Remove(key)
}

// Purge drops everything. Called at the start of a routing cycle so every
// route is re-aggregated from fresh ledger state.
func (m *Memo[K, V]) Purge() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Purge()
}

// Len returns the current entry count.
func (m *Memo[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries.Len()
}

// Stats reports hit/miss counts for the metrics endpoint.
func (m *Memo[K, V]) Stats() (hits, misses uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits, m.misses
}
