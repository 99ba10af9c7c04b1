// Package cache stores completed generations keyed by prompt hash, so an
// identical request is answered without paying a provider twice. The
// in-process backend shards entries across independently locked LRU
// segments and compresses large payloads; the Redis backend shares entries
// across gateway instances.
package cache

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/quillforge/modelmux/internal/domain"
)

// Cache is the response cache contract. TTL and size policy belong to the
// backend; callers only get and set.
type Cache interface {
	Get(ctx context.Context, key string) (*domain.GenerationResponse, bool)
	Set(ctx context.Context, key string, resp *domain.GenerationResponse) error
}

// Key derives the cache key for a normalized request. The prompt hash
// already covers every parameter that affects output determinism and
// nothing else, so cached responses are shared across tenants.
func Key(req *domain.GenerationRequest) string {
	return "cache:" + req.PromptHash
}

type Config struct {
	// MaxBytes bounds the payload bytes held in memory, split evenly
	// across shards. Zero disables the byte budget.
	MaxBytes int64
	TTL      time.Duration
	// Shards is rounded up to a power of two.
	Shards int
	// CompressThreshold is the payload size at which entries move to the
	// compressed tier. Zero disables compression.
	CompressThreshold int
	SweepInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxBytes:          64 << 20,
		TTL:               time.Hour,
		Shards:            16,
		CompressThreshold: 4 << 10,
		SweepInterval:     time.Minute,
	}
}

// ShardedCache is the in-process backend. Each shard has its own lock, so
// contention stays local; large payloads are held brotli-compressed and
// inflated outside the shard lock on read.
type ShardedCache struct {
	shards            []*shard
	mask              uint32
	ttl               time.Duration
	compressThreshold int
	sweepInterval     time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	expired   atomic.Uint64

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

type shard struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List // front is most recently accessed
	bytes    int64
	maxBytes int64
}

type entry struct {
	key        string
	payload    []byte
	compressed bool
	createdAt  time.Time
	lastAccess time.Time
}

func NewShardedCache(cfg Config) *ShardedCache {
	n := shardCount(cfg.Shards)
	perShard := int64(0)
	if cfg.MaxBytes > 0 {
		perShard = cfg.MaxBytes / int64(n)
	}

	c := &ShardedCache{
		shards:            make([]*shard, n),
		mask:              uint32(n - 1),
		ttl:               cfg.TTL,
		compressThreshold: cfg.CompressThreshold,
		sweepInterval:     cfg.SweepInterval,
		now:               time.Now,
		stop:              make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			entries:  make(map[string]*list.Element),
			lru:      list.New(),
			maxBytes: perShard,
		}
	}

	if c.ttl > 0 && c.sweepInterval > 0 {
		go c.sweep()
	}
	return c
}

// Close stops the expiry sweeper. The cache remains usable.
func (c *ShardedCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *ShardedCache) Get(_ context.Context, key string) (*domain.GenerationResponse, bool) {
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	elem, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}
	ent := elem.Value.(*entry)
	if c.ttl > 0 && now.Sub(ent.createdAt) >= c.ttl {
		s.remove(elem)
		s.mu.Unlock()
		c.expired.Add(1)
		c.misses.Add(1)
		return nil, false
	}
	ent.lastAccess = now
	s.lru.MoveToFront(elem)
	payload, compressed := ent.payload, ent.compressed
	s.mu.Unlock()

	// Decode outside the shard lock; payloads are never mutated after
	// insert, so the slice is safe to read unlocked.
	if compressed {
		raw, err := decompress(payload)
		if err != nil {
			c.misses.Add(1)
			return nil, false
		}
		payload = raw
	}

	var resp domain.GenerationResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return &resp, true
}

func (c *ShardedCache) Set(_ context.Context, key string, resp *domain.GenerationResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	compressed := false
	if c.compressThreshold > 0 && len(payload) >= c.compressThreshold {
		if packed, err := compress(payload); err == nil {
			payload, compressed = packed, true
		}
	}

	now := c.now()
	ent := &entry{
		key:        key,
		payload:    payload,
		compressed: compressed,
		createdAt:  now,
		lastAccess: now,
	}

	s := c.shardFor(key)
	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		s.remove(old)
	}
	s.entries[key] = s.lru.PushFront(ent)
	s.bytes += entrySize(ent)
	evicted := s.evict()
	s.mu.Unlock()

	c.evictions.Add(evicted)
	return nil
}

// Stats is a point-in-time view for the admin surface and metrics.
type Stats struct {
	Entries   int    `json:"entries"`
	Bytes     int64  `json:"bytes"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
}

func (c *ShardedCache) Stats() Stats {
	st := Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
	for _, s := range c.shards {
		s.mu.Lock()
		st.Entries += len(s.entries)
		st.Bytes += s.bytes
		s.mu.Unlock()
	}
	return st
}

func (c *ShardedCache) shardFor(key string) *shard {
	return c.shards[fnv32a(key)&c.mask]
}

func (c *ShardedCache) sweep() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := c.now()
			var expired uint64
			for _, s := range c.shards {
				s.mu.Lock()
				for elem := s.lru.Back(); elem != nil; {
					prev := elem.Prev()
					if now.Sub(elem.Value.(*entry).createdAt) >= c.ttl {
						s.remove(elem)
						expired++
					}
					elem = prev
				}
				s.mu.Unlock()
			}
			c.expired.Add(expired)
		case <-c.stop:
			return
		}
	}
}

// remove unlinks an entry. Caller holds s.mu.
func (s *shard) remove(elem *list.Element) {
	ent := elem.Value.(*entry)
	s.lru.Remove(elem)
	delete(s.entries, ent.key)
	s.bytes -= entrySize(ent)
}

// evict drops least-recently-accessed entries until the shard fits its
// budget. The newest entry is never evicted, so a single payload larger
// than the budget is still admitted alone. Caller holds s.mu.
func (s *shard) evict() (n uint64) {
	if s.maxBytes <= 0 {
		return 0
	}
	for s.bytes > s.maxBytes && s.lru.Len() > 1 {
		s.remove(s.lru.Back())
		n++
	}
	return n
}

func entrySize(ent *entry) int64 {
	return int64(len(ent.payload) + len(ent.key))
}

func compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(packed []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(packed)))
}

func shardCount(n int) int {
	if n <= 1 {
		return 1
	}
	count := 1
	for count < n {
		count <<= 1
	}
	return count
}

// fnv32a is FNV-1a inlined to keep shard selection allocation-free.
func fnv32a(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
