package observability

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/apperrors"
)

const (
	rumRetention    = 24 * time.Hour
	rumMaxEntries   = 10000
	rumMaxBatchSize = 100
)

// RUMEntry is one real-user-monitoring beacon from a collaborator UI.
type RUMEntry struct {
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Page      string    `json:"page,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RUMSummary aggregates one metric over the retention window.
type RUMSummary struct {
	Metric string  `json:"metric"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
}

// RUMBuffer keeps beacons in a bounded in-memory ring with 24 h retention.
// Entries are never persisted; a restart loses the window.
type RUMBuffer struct {
	mu      sync.Mutex
	entries []RUMEntry
	head    int
	size    int
	log     zerolog.Logger
	now     func() time.Time
}

// NewRUMBuffer creates an empty buffer.
func NewRUMBuffer(log zerolog.Logger) *RUMBuffer {
	return &RUMBuffer{
		entries: make([]RUMEntry, rumMaxEntries),
		log:     log.With().Str("component", "rum").Logger(),
		now:     time.Now,
	}
}

// Ingest validates and stores a batch of beacons. Oversized batches and
// malformed entries are rejected whole.
func (b *RUMBuffer) Ingest(batch []RUMEntry) error {
	if len(batch) == 0 {
		return apperrors.Validation("empty RUM batch")
	}
	if len(batch) > rumMaxBatchSize {
		return apperrors.Validation("RUM batch exceeds %d entries", rumMaxBatchSize)
	}
	for i, entry := range batch {
		if entry.Metric == "" {
			return apperrors.Validation("RUM entry %d is missing a metric name", i)
		}
		if math.IsNaN(entry.Value) || math.IsInf(entry.Value, 0) {
			return apperrors.Validation("RUM entry %d has a non-finite value", i)
		}
	}

	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range batch {
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		b.entries[b.head] = entry
		b.head = (b.head + 1) % len(b.entries)
		if b.size < len(b.entries) {
			b.size++
		}
	}
	return nil
}

// Summaries aggregates retained entries per metric, dropping anything older
// than the retention window.
func (b *RUMBuffer) Summaries() []RUMSummary {
	cutoff := b.now().Add(-rumRetention)

	b.mu.Lock()
	byMetric := make(map[string][]float64)
	for i := 0; i < b.size; i++ {
		idx := (b.head - b.size + i + len(b.entries)) % len(b.entries)
		entry := b.entries[idx]
		if entry.Timestamp.Before(cutoff) {
			continue
		}
		byMetric[entry.Metric] = append(byMetric[entry.Metric], entry.Value)
	}
	b.mu.Unlock()

	out := make([]RUMSummary, 0, len(byMetric))
	for metric, values := range byMetric {
		sort.Float64s(values)
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		out = append(out, RUMSummary{
			Metric: metric,
			Count:  len(values),
			Min:    values[0],
			Max:    values[len(values)-1],
			Avg:    sum / float64(len(values)),
			P50:    percentile(values, 0.50),
			P95:    percentile(values, 0.95),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// Len reports how many entries are currently retained, expired or not.
func (b *RUMBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// percentile expects values sorted ascending.
func percentile(values []float64, p float64) float64 {
	if len(values) == 1 {
		return values[0]
	}
	rank := p * float64(len(values)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return values[lo]
	}
	frac := rank - float64(lo)
	return values[lo]*(1-frac) + values[hi]*frac
}
