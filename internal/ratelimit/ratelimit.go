// Package ratelimit provides multi-scope token-bucket admission control.
// Buckets are keyed by scope ("ip:1.2.3.4", "user:42", "provider:openai",
// "global") and created lazily; a cap on live buckets evicts the least
// recently used so unauthenticated traffic cannot grow the map without bound.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// Decision is the outcome of a single Allow call. RetryAfter is only
// meaningful when Allowed is false.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter is the admission contract. Allow never blocks: denied callers get
// a retry hint instead of being queued.
type Limiter interface {
	Allow(ctx context.Context, scopeKey string) (Decision, error)
}

// Scope classes. The class of a key is its prefix before the first colon.
const (
	ScopeIP       = "ip"
	ScopeUser     = "user"
	ScopeProvider = "provider"
	ScopeGlobal   = "global"
)

// GlobalKey is the single bucket shared by all upstream dispatches.
const GlobalKey = "global"

func IPKey(ip string) string         { return ScopeIP + ":" + ip }
func UserKey(id string) string       { return ScopeUser + ":" + id }
func ProviderKey(name string) string { return ScopeProvider + ":" + name }

// ScopeClass returns the scope class of a key.
func ScopeClass(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// ScopeConfig is the bucket geometry for one scope class: Capacity tokens of
// burst, one token minted every RefillInterval.
type ScopeConfig struct {
	Capacity       int
	RefillInterval time.Duration
}

type Config struct {
	Scopes     map[string]ScopeConfig
	MaxBuckets int
}

func DefaultConfig() Config {
	return Config{
		Scopes: map[string]ScopeConfig{
			ScopeIP:       {Capacity: 30, RefillInterval: 2 * time.Second},
			ScopeUser:     {Capacity: 60, RefillInterval: time.Second},
			ScopeProvider: {Capacity: 300, RefillInterval: 200 * time.Millisecond},
			ScopeGlobal:   {Capacity: 600, RefillInterval: 100 * time.Millisecond},
		},
		MaxBuckets: 10000,
	}
}

// defaultScope applies to keys whose class has no explicit config.
var defaultScope = ScopeConfig{Capacity: 30, RefillInterval: 2 * time.Second}

// TokenBucketLimiter is the in-memory limiter. Bucket lookup takes a read
// lock; creation uses double-checked locking so each key is built exactly
// once. Token arithmetic is per-bucket, so unrelated scopes never contend.
type TokenBucketLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	lru     *list.List // front = most recently used, values are scope keys
	cfg     Config

	now func() time.Time
}

type bucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	interval   time.Duration
	lastRefill time.Time

	elem *list.Element // guarded by the limiter mutex, not the bucket mutex
}

func NewTokenBucketLimiter(cfg Config) *TokenBucketLimiter {
	if cfg.Scopes == nil {
		cfg.Scopes = DefaultConfig().Scopes
	}
	if cfg.MaxBuckets <= 0 {
		cfg.MaxBuckets = DefaultConfig().MaxBuckets
	}
	return &TokenBucketLimiter{
		buckets: make(map[string]*bucket),
		lru:     list.New(),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (l *TokenBucketLimiter) Allow(_ context.Context, scopeKey string) (Decision, error) {
	b := l.getBucket(scopeKey)

	now := l.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)

	if b.tokens > 0 {
		b.tokens--
		return Decision{Allowed: true, Remaining: b.tokens}, nil
	}

	wait := b.interval - now.Sub(b.lastRefill)
	if wait < 0 {
		wait = 0
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: wait}, nil
}

// Len reports the number of live buckets.
func (l *TokenBucketLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

func (l *TokenBucketLimiter) getBucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()

	if ok {
		l.mu.Lock()
		l.lru.MoveToFront(b.elem)
		l.mu.Unlock()
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Re-check: another goroutine may have created it between the locks.
	if b, ok = l.buckets[key]; ok {
		l.lru.MoveToFront(b.elem)
		return b
	}

	sc, ok := l.cfg.Scopes[ScopeClass(key)]
	if !ok {
		sc = defaultScope
	}

	b = &bucket{
		tokens:     sc.Capacity,
		capacity:   sc.Capacity,
		interval:   sc.RefillInterval,
		lastRefill: l.now(),
	}
	b.elem = l.lru.PushFront(key)
	l.buckets[key] = b

	for len(l.buckets) > l.cfg.MaxBuckets {
		oldest := l.lru.Back()
		if oldest == nil {
			break
		}
		l.lru.Remove(oldest)
		delete(l.buckets, oldest.Value.(string))
	}

	return b
}

// refill mints the tokens accrued since lastRefill. The sub-interval
// remainder is carried forward so slow drips are not lost to truncation.
func (b *bucket) refill(now time.Time) {
	if b.interval <= 0 {
		b.tokens = b.capacity
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.interval {
		return
	}
	minted := int(elapsed / b.interval)
	b.tokens += minted
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now.Add(-(elapsed % b.interval))
}

// Check evaluates scope keys in the given order against the limiter and
// stops at the first denial, returning the denied key alongside the decision.
func Check(ctx context.Context, l Limiter, scopeKeys ...string) (Decision, string, error) {
	for _, key := range scopeKeys {
		d, err := l.Allow(ctx, key)
		if err != nil {
			return Decision{}, key, err
		}
		if !d.Allowed {
			return d, key, nil
		}
	}
	return Decision{Allowed: true}, "", nil
}
