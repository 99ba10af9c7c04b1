// Package usage persists per-request accounting records. Recording is
// asynchronous so a slow or unavailable store never adds latency to the
// request path; records are dropped (and counted) when the buffer fills.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quillforge/modelmux/internal/metrics"
)

// Record is one settled generation request.
type Record struct {
	RequestID        string    `json:"request_id"`
	TenantID         string    `json:"tenant_id"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostCents        int64     `json:"cost_cents"`
	CacheHit         bool      `json:"cache_hit"`
	Coalesced        bool      `json:"coalesced"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Recorder accepts records without blocking the caller.
type Recorder interface {
	Record(rec Record)
}

// Store persists and queries usage records.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	TenantTotalCents(ctx context.Context, tenantID string, since time.Time) (int64, error)
}

const (
	DefaultBufferSize = 1024

	insertTimeout = 5 * time.Second
)

// AsyncRecorder decouples the request path from the store with a buffered
// channel and a single writer goroutine.
type AsyncRecorder struct {
	store  Store
	ch     chan Record
	logger *slog.Logger

	dropped atomic.Int64
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewAsyncRecorder(store Store, buffer int, logger *slog.Logger) *AsyncRecorder {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &AsyncRecorder{
		store:  store,
		ch:     make(chan Record, buffer),
		logger: logger,
	}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Record enqueues a record for persistence. It never blocks: when the
// buffer is full the record is dropped and the drop counted.
func (r *AsyncRecorder) Record(rec Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
		metrics.RecordUsageDropped()
	}
}

func (r *AsyncRecorder) loop() {
	defer r.wg.Done()
	for rec := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		if err := r.store.Insert(ctx, rec); err != nil {
			r.logger.Error("insert usage record",
				"request_id", rec.RequestID,
				"provider", rec.Provider,
				"error", err)
		}
		cancel()
	}
}

// Dropped reports how many records were discarded because the buffer
// was full.
func (r *AsyncRecorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops accepting records and flushes everything already buffered.
func (r *AsyncRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	r.wg.Wait()
}

// MemoryStore keeps the most recent records in memory. Intended for
// development and tests; production deployments use PostgresStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	max     int
}

const defaultMemoryStoreCap = 10000

func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = defaultMemoryStoreCap
	}
	return &MemoryStore{max: maxRecords}
}

func (s *MemoryStore) Insert(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if len(s.records) > s.max {
		s.records = s.records[len(s.records)-s.max:]
	}
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.records[len(s.records)-1-i]
	}
	return out, nil
}

func (s *MemoryStore) TenantTotalCents(_ context.Context, tenantID string, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, r := range s.records {
		if r.TenantID == tenantID && !r.CreatedAt.Before(since) {
			total += r.CostCents
		}
	}
	return total, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
