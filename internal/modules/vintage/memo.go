package vintage

import (
	"sync"
	"time"
)

const (
	memoTTL     = 24 * time.Hour
	memoMaxSize = 4096
)

type memoEntry struct {
	enrichment *Enrichment
	storedAt   time.Time
	lastUsed   time.Time
}

// processedMemo caches enrichments per (region, year) so repeated receives
// of the same vintage do not re-fetch weather. Entries age out after 24h
// and the memo is capped; the least recently used entry is evicted on
// overflow.
type processedMemo struct {
	mu      sync.Mutex
	entries map[string]*memoEntry
	now     func() time.Time
}

func newProcessedMemo() *processedMemo {
	return &processedMemo{
		entries: make(map[string]*memoEntry),
		now:     time.Now,
	}
}

func (m *processedMemo) get(key string) *Enrichment {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if m.now().Sub(e.storedAt) > memoTTL {
		delete(m.entries, key)
		return nil
	}
	e.lastUsed = m.now()
	return e.enrichment
}

func (m *processedMemo) put(key string, enrichment *Enrichment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) >= memoMaxSize {
		var oldestKey string
		var oldest time.Time
		for k, e := range m.entries {
			if oldestKey == "" || e.lastUsed.Before(oldest) {
				oldestKey = k
				oldest = e.lastUsed
			}
		}
		delete(m.entries, oldestKey)
	}

	now := m.now()
	m.entries[key] = &memoEntry{enrichment: enrichment, storedAt: now, lastUsed: now}
}

func (m *processedMemo) invalidate(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *processedMemo) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
