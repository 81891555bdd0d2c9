// Package cache implements the in-memory cache fabric: a bounded, TTL-aware
// key/value store with pluggable eviction strategies, pattern invalidation,
// warmup and export/import. One instance is shared per concern (pairing
// responses, hot weather payloads); persistent caching lives in clientdata.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Strategy selects the eviction policy.
type Strategy string

const (
	StrategyLRU    Strategy = "lru"
	StrategyLFU    Strategy = "lfu"
	StrategyHybrid Strategy = "hybrid"
)

// Config configures a cache instance.
type Config struct {
	MaxSize     int           // max entries; 0 means unbounded
	MemoryLimit int64         // max total payload bytes; 0 means unbounded
	DefaultTTL  time.Duration // applied when Set is called without a TTL
	Strategy    Strategy
	// Hybrid weights. Only consulted for StrategyHybrid; they are normalized
	// internally so only their ratio matters.
	RecencyWeight   float64
	FrequencyWeight float64
}

type entry struct {
	value     interface{}
	size      int64
	createdAt time.Time
	expiresAt time.Time
	hits      int64
	lastUsed  int64 // access sequence number
	insertSeq int64 // insertion order, breaks eviction ties
}

// Cache is a bounded, TTL-aware in-memory store. Safe for concurrent use.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	cfg       Config
	totalSize int64
	seq       int64
	hits      int64
	misses    int64
	evictions int64
	startedAt time.Time
	now       func() time.Time // overridable in tests
}

// New creates a cache with the given configuration.
func New(cfg Config) *Cache {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLRU
	}
	if cfg.Strategy == StrategyHybrid && cfg.RecencyWeight == 0 && cfg.FrequencyWeight == 0 {
		cfg.RecencyWeight = 0.7
		cfg.FrequencyWeight = 0.3
	}
	return &Cache{
		entries:   make(map[string]*entry),
		cfg:       cfg,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Get returns the value for key, or nil and false on miss or expiry.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if c.expired(e) {
		c.removeLocked(key, e)
		c.misses++
		return nil, false
	}

	c.hits++
	e.hits++
	c.seq++
	e.lastUsed = c.seq
	return e.value, true
}

// Set stores value under key with the given TTL. A zero TTL uses the
// instance default; a negative TTL stores a non-expiring entry.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	size := payloadSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.cfg.DefaultTTL
	}

	now := c.now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	if old, ok := c.entries[key]; ok {
		c.totalSize -= old.size
	}

	c.seq++
	c.entries[key] = &entry{
		value:     value,
		size:      size,
		createdAt: now,
		expiresAt: expiresAt,
		lastUsed:  c.seq,
		insertSeq: c.seq,
	}
	c.totalSize += size

	c.evictLocked()
}

// Delete removes a key. Returns true when the key existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeLocked(key, e)
	return true
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.totalSize = 0
}

// InvalidatePattern removes all keys matching a glob of the form "prefix*"
// or an exact key, returning the number removed.
func (c *Cache) InvalidatePattern(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix, wildcard := strings.CutSuffix(pattern, "*")
	removed := 0
	for key, e := range c.entries {
		match := key == pattern
		if wildcard {
			match = strings.HasPrefix(key, prefix)
		}
		if match {
			c.removeLocked(key, e)
			removed++
		}
	}
	return removed
}

// WarmupEntry is one preloaded entry.
type WarmupEntry struct {
	Key   string
	Value interface{}
	TTL   time.Duration
}

// Warmup preloads entries, typically at startup from persisted exports.
func (c *Cache) Warmup(entries []WarmupEntry) {
	for _, we := range entries {
		c.Set(we.Key, we.Value, we.TTL)
	}
}

// Cleanup drops expired entries and returns the number removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		if c.expired(e) {
			c.removeLocked(key, e)
			removed++
		}
	}
	return removed
}

// exportedEntry is the wire form used by Export/Import.
type exportedEntry struct {
	Key         string `msgpack:"key"`
	Value       []byte `msgpack:"value"`
	TTLRemainMs int64  `msgpack:"ttl_remain_ms"` // -1 for no expiry
}

// Export serializes all live entries with their remaining TTLs.
func (c *Cache) Export() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]exportedEntry, 0, len(c.entries))
	for key, e := range c.entries {
		if c.expired(e) {
			continue
		}
		raw, err := msgpack.Marshal(e.value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode cache entry %q: %w", key, err)
		}
		remain := int64(-1)
		if !e.expiresAt.IsZero() {
			remain = int64(e.expiresAt.Sub(now) / time.Millisecond)
		}
		out = append(out, exportedEntry{Key: key, Value: raw, TTLRemainMs: remain})
	}

	return msgpack.Marshal(out)
}

// Import loads entries produced by Export. Entries whose TTL already ran out
// are skipped. Imported values decode to msgpack's generic types.
func (c *Cache) Import(data []byte) (int, error) {
	var in []exportedEntry
	if err := msgpack.Unmarshal(data, &in); err != nil {
		return 0, fmt.Errorf("failed to decode cache export: %w", err)
	}

	imported := 0
	for _, ee := range in {
		if ee.TTLRemainMs == 0 {
			continue
		}
		var value interface{}
		if err := msgpack.Unmarshal(ee.Value, &value); err != nil {
			return imported, fmt.Errorf("failed to decode cache entry %q: %w", ee.Key, err)
		}
		ttl := time.Duration(-1)
		if ee.TTLRemainMs > 0 {
			ttl = time.Duration(ee.TTLRemainMs) * time.Millisecond
		}
		c.Set(ee.Key, value, ttl)
		imported++
	}
	return imported, nil
}

// Stats is a point-in-time snapshot of cache behavior.
type Stats struct {
	Hits        int64    `json:"hits"`
	Misses      int64    `json:"misses"`
	HitRate     float64  `json:"hit_rate"`
	Entries     int      `json:"entries"`
	TotalSize   int64    `json:"total_size_bytes"`
	AverageSize float64  `json:"average_size_bytes"`
	Evictions   int64    `json:"evictions"`
	Uptime      string   `json:"uptime"`
	Strategy    Strategy `json:"strategy"`
}

// GetStats returns current statistics.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Entries:   len(c.entries),
		TotalSize: c.totalSize,
		Evictions: c.evictions,
		Uptime:    time.Since(c.startedAt).Round(time.Second).String(),
		Strategy:  c.cfg.Strategy,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	if len(c.entries) > 0 {
		s.AverageSize = float64(c.totalSize) / float64(len(c.entries))
	}
	return s
}

// Len returns the number of entries, expired ones included until cleanup.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && c.now().After(e.expiresAt)
}

func (c *Cache) removeLocked(key string, e *entry) {
	delete(c.entries, key)
	c.totalSize -= e.size
}

// evictLocked enforces the entry and memory bounds, evicting per strategy.
// Expired entries go first regardless of strategy.
func (c *Cache) evictLocked() {
	overLimit := func() bool {
		if c.cfg.MaxSize > 0 && len(c.entries) > c.cfg.MaxSize {
			return true
		}
		if c.cfg.MemoryLimit > 0 && c.totalSize > c.cfg.MemoryLimit {
			return true
		}
		return false
	}

	if !overLimit() {
		return
	}

	for key, e := range c.entries {
		if c.expired(e) {
			c.removeLocked(key, e)
		}
	}

	for overLimit() && len(c.entries) > 0 {
		victim := c.selectVictimLocked()
		if victim == "" {
			return
		}
		c.removeLocked(victim, c.entries[victim])
		c.evictions++
	}
}

// selectVictimLocked scans for the entry to evict under the configured
// strategy. Ties break on insertion order (oldest first).
func (c *Cache) selectVictimLocked() string {
	var victimKey string
	var victimScore float64
	var victimSeq int64
	first := true

	for key, e := range c.entries {
		score := c.scoreLocked(e)
		if first || score < victimScore || (score == victimScore && e.insertSeq < victimSeq) {
			victimKey = key
			victimScore = score
			victimSeq = e.insertSeq
			first = false
		}
	}
	return victimKey
}

// scoreLocked computes an eviction score; the lowest-scored entry is evicted.
func (c *Cache) scoreLocked(e *entry) float64 {
	switch c.cfg.Strategy {
	case StrategyLFU:
		return float64(e.hits)
	case StrategyHybrid:
		wr, wf := c.cfg.RecencyWeight, c.cfg.FrequencyWeight
		norm := wr + wf
		if norm == 0 {
			return float64(e.lastUsed)
		}
		// Recency and frequency normalized against the current sequence
		// counter so both terms live on comparable scales.
		recency := float64(e.lastUsed) / float64(c.seq)
		frequency := float64(e.hits) / float64(c.seq)
		return (wr*recency + wf*frequency) / norm
	default: // LRU
		return float64(e.lastUsed)
	}
}

// payloadSize estimates the in-memory footprint of a value. Strings and byte
// slices count their lengths; everything else counts its msgpack encoding.
func payloadSize(value interface{}) int64 {
	switch v := value.(type) {
	case nil:
		return 0
	case string:
		return int64(len(v))
	case []byte:
		return int64(len(v))
	default:
		raw, err := msgpack.Marshal(v)
		if err != nil {
			// Unencodable values still occupy a slot.
			return 64
		}
		return int64(len(raw))
	}
}
