package cache

import (
	"container/list"
	"sync"
	"time"
)

type memoryEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// Memory is a thread-safe in-memory LRU cache with TTL expiration.
type Memory[V any] struct {
	mu        sync.Mutex
	capacity  int
	ttl       time.Duration
	now       func() time.Time
	items     map[string]*list.Element
	evictList *list.List
}

// Option configures a Memory cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// NewMemory creates a new in-memory LRU cache. A capacity below 1 is
// treated as 1.
func NewMemory[V any](capacity int, ttl time.Duration, opts ...Option) *Memory[V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if capacity < 1 {
		capacity = 1
	}
	return &Memory[V]{
		capacity:  capacity,
		ttl:       ttl,
		now:       o.now,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached value for key, or false if missing or expired.
func (m *Memory[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var zero V
	elem, ok := m.items[key]
	if !ok {
		return zero, false
	}

	entry := elem.Value.(*memoryEntry[V])
	if !m.now().Before(entry.expiresAt) {
		m.removeElement(elem)
		return zero, false
	}

	m.evictList.MoveToFront(elem)
	return entry.value, true
}

// Set stores a value in the cache with the configured TTL.
func (m *Memory[V]) Set(key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := m.now().Add(m.ttl)
	if elem, ok := m.items[key]; ok {
		m.evictList.MoveToFront(elem)
		entry := elem.Value.(*memoryEntry[V])
		entry.value = value
		entry.expiresAt = expiresAt
		return
	}

	if m.evictList.Len() >= m.capacity {
		m.removeOldest()
	}

	elem := m.evictList.PushFront(&memoryEntry[V]{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	})
	m.items[key] = elem
}

// Delete removes an entry from the cache.
func (m *Memory[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.items[key]; ok {
		m.removeElement(elem)
	}
}

// Len returns the number of entries currently in the cache.
func (m *Memory[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictList.Len()
}

// Clear removes all entries from the cache.
func (m *Memory[V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = make(map[string]*list.Element)
	m.evictList.Init()
}

func (m *Memory[V]) removeOldest() {
	elem := m.evictList.Back()
	if elem != nil {
		m.removeElement(elem)
	}
}

func (m *Memory[V]) removeElement(elem *list.Element) {
	m.evictList.Remove(elem)
	entry := elem.Value.(*memoryEntry[V])
	delete(m.items, entry.key)
}
