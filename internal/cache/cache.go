package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/pubmed-service/internal/observability"
)

// Config configures a Cache.
type Config struct {
	// Store is the persistent tier. Nil keeps the cache memory-only.
	Store Store
	// MemorySize bounds the memory tier.
	MemorySize int
	// MemoryTTL bounds how long any entry stays in the memory tier.
	MemoryTTL time.Duration
	// TTLs sets per-kind lifetimes. Missing kinds use DefaultTTLs.
	TTLs TTLs
	// Now overrides the clock; tests use it to expire entries.
	Now func() time.Time
}

// DiskStats reports persistent tier activity.
type DiskStats struct {
	Enabled bool         `json:"enabled"`
	Entries map[Kind]int `json:"entries"`
	Hits    int64        `json:"hits"`
	Misses  int64        `json:"misses"`
	Writes  int64        `json:"writes"`
}

// Stats is a snapshot of both tiers.
type Stats struct {
	Memory MemoryStats            `json:"memory"`
	Disk   DiskStats              `json:"disk"`
	TTLs   map[Kind]time.Duration `json:"ttls"`
}

// Cache is the two-tier cache. Get is consulted before any network call;
// Put runs only after a successful parse, so failures are never cached.
//
// Operations are serialised by a mutex: a Get that starts after a Put of
// the same key returns completed observes that value. Expired entries are
// reported as misses and evicted lazily on lookup.
type Cache struct {
	mu      sync.Mutex
	memory  *Memory
	store   Store
	ttls    TTLs
	now     func() time.Time
	logger  zerolog.Logger
	metrics *observability.Metrics

	diskHits   int64
	diskMisses int64
	diskWrites int64
}

// New creates a Cache.
func New(cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Cache {
	ttls := DefaultTTLs()
	for k, v := range cfg.TTLs {
		if v >= 0 {
			ttls[k] = v
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	mem := NewMemory(cfg.MemorySize, cfg.MemoryTTL)
	mem.now = now

	return &Cache{
		memory:  mem,
		store:   cfg.Store,
		ttls:    ttls,
		now:     now,
		logger:  observability.WithComponent(logger, "cache"),
		metrics: metrics,
	}
}

// TTL returns the lifetime applied to kind.
func (c *Cache) TTL(kind Kind) time.Duration {
	return c.ttls[kind]
}

// Get returns the raw JSON value stored under key.
func (c *Cache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(key)
}

func (c *Cache) get(key Key) ([]byte, bool) {
	kind := string(key.Kind)
	if v, ok := c.memory.Get(key.String()); ok {
		c.metrics.RecordCacheLookup(kind, "memory", "hit")
		return v, true
	}
	c.metrics.RecordCacheLookup(kind, "memory", "miss")

	if c.store == nil {
		return nil, false
	}

	e, err := c.store.Load(key)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("disk cache read failed")
		c.diskMisses++
		c.metrics.RecordCacheLookup(kind, "disk", "miss")
		return nil, false
	}
	if e == nil {
		c.diskMisses++
		c.metrics.RecordCacheLookup(kind, "disk", "miss")
		return nil, false
	}
	if !e.usable(key, c.now()) {
		if err := c.store.Delete(key); err != nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("evicting expired entry failed")
		}
		c.diskMisses++
		c.metrics.RecordCacheLookup(kind, "disk", "expired")
		return nil, false
	}

	c.diskHits++
	c.metrics.RecordCacheLookup(kind, "disk", "hit")
	var exp time.Time
	if e.ExpiresAt != nil {
		exp = *e.ExpiresAt
	}
	c.memory.Set(key.String(), e.Value, exp)
	return append([]byte(nil), e.Value...), true
}

// Put stores value, which must be valid JSON, under key in both tiers.
// The memory tier is updated even when the persistent write fails.
func (c *Cache) Put(key Key, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("cache value for %s is not valid JSON", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := newEntry(key, value, c.now(), c.ttls[key.Kind])
	var exp time.Time
	if e.ExpiresAt != nil {
		exp = *e.ExpiresAt
	}
	evicted := c.memory.Set(key.String(), value, exp)
	c.metrics.RecordCacheEviction(evicted)
	c.metrics.RecordCacheWrite(string(key.Kind))

	if c.store == nil {
		return nil
	}
	if err := c.store.Save(key, e); err != nil {
		return fmt.Errorf("persisting cache entry: %w", err)
	}
	c.diskWrites++
	return nil
}

// GetJSON decodes the value under key into v. A value that no longer
// decodes is deleted and reported as a miss.
func (c *Cache) GetJSON(key Key, v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, ok := c.get(key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("dropping undecodable cache entry")
		_ = c.delete(key)
		return false
	}
	return true
}

// PutJSON encodes v and stores it under key.
func (c *Cache) PutJSON(key Key, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache value for %s: %w", key, err)
	}
	return c.Put(key, raw)
}

// Delete removes key from both tiers.
func (c *Cache) Delete(key Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delete(key)
}

func (c *Cache) delete(key Key) error {
	c.memory.Delete(key.String())
	if c.store == nil {
		return nil
	}
	return c.store.Delete(key)
}

// Stats returns a snapshot of both tiers.
func (c *Cache) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Memory: c.memory.Stats(),
		Disk: DiskStats{
			Enabled: c.store != nil,
			Entries: make(map[Kind]int),
			Hits:    c.diskHits,
			Misses:  c.diskMisses,
			Writes:  c.diskWrites,
		},
		TTLs: make(map[Kind]time.Duration, len(c.ttls)),
	}
	for k, v := range c.ttls {
		s.TTLs[k] = v
	}
	if c.store == nil {
		return s, nil
	}
	for _, kind := range Kinds {
		entries, err := c.store.List(kind)
		if err != nil {
			return s, err
		}
		s.Disk.Entries[kind] = len(entries)
	}
	return s, nil
}

// CleanMemory removes expired memory entries.
func (c *Cache) CleanMemory() int {
	return c.memory.CleanExpired()
}

// ClearMemory drops the memory tier and resets its counters.
func (c *Cache) ClearMemory() int {
	return c.memory.Clear()
}

// CleanDisk removes expired or unreadable persisted entries of every kind.
func (c *Cache) CleanDisk() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store == nil {
		return 0, nil
	}
	now := c.now()
	removed := 0
	var errs []error
	for _, kind := range Kinds {
		entries, err := c.store.List(kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, e := range entries {
			if e.Version == FormatVersion && !e.Expired(now) {
				continue
			}
			key := Key{Kind: kind, ID: idFromKey(kind, e.Key)}
			if err := c.store.Delete(key); err != nil {
				errs = append(errs, err)
				continue
			}
			c.memory.Delete(e.Key)
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

// ClearDisk removes every persisted entry of kind (every kind when empty)
// and drops the matching memory entries.
func (c *Cache) ClearDisk(kind Kind) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if kind == "" {
		c.memory.Clear()
	} else {
		c.memory.DeletePrefix(string(kind) + ":")
	}
	if c.store == nil {
		return 0, nil
	}
	return c.store.Clear(kind)
}

// Close closes the persistent tier.
func (c *Cache) Close() error {
	if c.store == nil {
		return nil
	}
	return c.store.Close()
}

func idFromKey(kind Kind, key string) string {
	prefix := string(kind) + ":"
	if len(key) > len(prefix) && key[:len(prefix)] == prefix {
		return key[len(prefix):]
	}
	return key
}
