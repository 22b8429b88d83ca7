package cache

import (
	"strings"
	"sync"
	"time"
)

// Memory tier defaults.
const (
	DefaultMemorySize = 100
	DefaultMemoryTTL  = 5 * time.Minute
)

// MemoryStats reports memory tier activity. Counters reset on Clear.
type MemoryStats struct {
	Hits        int64         `json:"hits"`
	Misses      int64         `json:"misses"`
	Sets        int64         `json:"sets"`
	Evictions   int64         `json:"evictions"`
	CurrentSize int           `json:"current_size"`
	MaxSize     int           `json:"max_size"`
	TTL         time.Duration `json:"ttl"`
}

type memoryItem struct {
	value   []byte
	seq     uint64
	expires time.Time
}

// Memory is a bounded in-process cache. When full, the oldest entry is
// evicted. Entries expire after the tier TTL or the entry's own expiry,
// whichever comes first. It is safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]memoryItem
	stats   MemoryStats
	seq     uint64
	now     func() time.Time
}

// NewMemory creates a memory tier. Non-positive arguments take the defaults.
func NewMemory(maxSize int, ttl time.Duration) *Memory {
	if maxSize <= 0 {
		maxSize = DefaultMemorySize
	}
	if ttl <= 0 {
		ttl = DefaultMemoryTTL
	}
	return &Memory{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]memoryItem, maxSize),
		now:     time.Now,
	}
}

// Get returns a copy of the value stored under key.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		m.stats.Misses++
		return nil, false
	}
	if !m.now().Before(item.expires) {
		delete(m.items, key)
		m.stats.Misses++
		return nil, false
	}
	m.stats.Hits++
	return append([]byte(nil), item.value...), true
}

// Set stores a copy of value under key. expiresAt, when non-zero, bounds
// the entry lifetime below the tier TTL. It returns the number of entries
// evicted to make room.
func (m *Memory) Set(key string, value []byte, expiresAt time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	expires := now.Add(m.ttl)
	if !expiresAt.IsZero() && expiresAt.Before(expires) {
		expires = expiresAt
	}

	evicted := 0
	if _, exists := m.items[key]; !exists {
		for len(m.items) >= m.maxSize {
			m.evictOldest()
			evicted++
		}
	}
	m.seq++
	m.items[key] = memoryItem{
		value:   append([]byte(nil), value...),
		seq:     m.seq,
		expires: expires,
	}
	m.stats.Sets++
	return evicted
}

func (m *Memory) evictOldest() {
	var (
		oldestKey string
		oldest    uint64
		found     bool
	)
	for k, item := range m.items {
		if !found || item.seq < oldest {
			oldestKey, oldest, found = k, item.seq, true
		}
	}
	if found {
		delete(m.items, oldestKey)
		m.stats.Evictions++
	}
}

// Delete removes key.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// DeletePrefix removes every key starting with prefix and returns how
// many were removed.
func (m *Memory) DeletePrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

// CleanExpired removes expired entries and returns how many were removed.
func (m *Memory) CleanExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, item := range m.items {
		if !now.Before(item.expires) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

// Clear drops every entry and resets the counters. It returns the number
// of entries dropped.
func (m *Memory) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.items)
	m.items = make(map[string]memoryItem, m.maxSize)
	m.stats = MemoryStats{}
	return n
}

// Len returns the number of entries held, including expired ones not yet
// evicted.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Stats returns a snapshot of the tier counters.
func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stats
	s.CurrentSize = len(m.items)
	s.MaxSize = m.maxSize
	s.TTL = m.ttl
	return s
}
