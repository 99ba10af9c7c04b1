package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quillforge/modelmux/internal/cache"
	"github.com/quillforge/modelmux/internal/circuitbreaker"
	"github.com/quillforge/modelmux/internal/cost"
	"github.com/quillforge/modelmux/internal/domain"
	"github.com/quillforge/modelmux/internal/ledger"
	"github.com/quillforge/modelmux/internal/ratelimit"
	"github.com/quillforge/modelmux/internal/router"
	"github.com/quillforge/modelmux/internal/usage"
)

type mockProvider struct {
	id       string
	calls    atomic.Int32
	generate func(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error)
	stream   func(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error)
}

func (m *mockProvider) ID() string { return m.id }

func (m *mockProvider) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	m.calls.Add(1)
	if m.generate == nil {
		return okResponse(m.id), nil
	}
	return m.generate(ctx, req)
}

func (m *mockProvider) GenerateStream(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	m.calls.Add(1)
	return m.stream(ctx, req)
}

func (m *mockProvider) HealthCheck(ctx context.Context) error { return nil }

// okResponse uses 10 prompt / 20 completion tokens, which at the test
// pricing of 100 cents per 1K settles to 3 cents.
func okResponse(provider string) *domain.GenerationResponse {
	return &domain.GenerationResponse{
		ID:           "resp-" + provider,
		Model:        "gpt-4o",
		Provider:     provider,
		Content:      "generated document",
		FinishReason: "stop",
		Usage:        domain.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		Created:      time.Now().Unix(),
	}
}

func testPricing() cost.Pricing {
	return cost.Pricing{PromptCentsPer1K: 100, CompletionCentsPer1K: 100}
}

func testReq() *domain.GenerationRequest {
	return &domain.GenerationRequest{
		TenantID: "tenant-1",
		ClientIP: "10.0.0.1",
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: "user", Content: "draft a welcome email"}},
	}
}

type captureRecorder struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (c *captureRecorder) Record(rec usage.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *captureRecorder) all() []usage.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]usage.Record, len(c.recs))
	copy(out, c.recs)
	return out
}

type testEnv struct {
	orch     *Orchestrator
	breakers *circuitbreaker.Registry
	led      *ledger.MemoryLedger
	cache    *cache.ShardedCache
	recorder *captureRecorder
}

func newTestEnv(t *testing.T, descs []router.Descriptor, providers map[string]router.Provider, limits map[string]ledger.Limits, opts ...func(*Config)) *testEnv {
	t.Helper()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: 2,
		Cooldown:         40 * time.Millisecond,
		MaxCooldown:      time.Second,
	})
	led := ledger.NewMemoryLedger(limits, nil)
	t.Cleanup(led.Close)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.SweepInterval = 0
	sc := cache.NewShardedCache(cacheCfg)
	t.Cleanup(sc.Close)

	rec := &captureRecorder{}
	cfg := Config{
		Cache:  sc,
		Usage:  rec,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	rt := router.New(descs, providers, breakers, led)
	return &testEnv{
		orch:     New(rt, led, breakers, cfg),
		breakers: breakers,
		led:      led,
		cache:    sc,
		recorder: rec,
	}
}

func spentCents(t *testing.T, led *ledger.MemoryLedger, provider string) int64 {
	t.Helper()
	for _, bs := range led.Snapshot() {
		if bs.Provider == provider && bs.Window == ledger.WindowDaily {
			return bs.SpentCents
		}
	}
	return 0
}

func failWith(category domain.ErrorCategory) func(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	return func(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
		return nil, domain.NewProviderError("", category, errors.New("upstream said no"))
	}
}

func TestExecuteSuccess(t *testing.T) {
	p := &mockProvider{id: "openai"}
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": p},
		nil,
	)

	resp, err := env.orch.Execute(context.Background(), testReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "generated document" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Meta == nil {
		t.Fatal("expected delivery metadata")
	}
	if resp.Meta.Provider != "openai" {
		t.Errorf("expected provider openai, got %s", resp.Meta.Provider)
	}
	if resp.Meta.CostCents != 3 {
		t.Errorf("expected 3 cents settled, got %d", resp.Meta.CostCents)
	}
	if resp.Meta.CacheHit || resp.Meta.Coalesced {
		t.Errorf("fresh dispatch should not be marked cached or coalesced: %+v", resp.Meta)
	}
	if got := spentCents(t, env.led, "openai"); got != 3 {
		t.Errorf("expected 3 cents spent, got %d", got)
	}
	if st := env.breakers.Get("openai").State(); st != circuitbreaker.StateClosed {
		t.Errorf("expected closed breaker, got %v", st)
	}

	recs := env.recorder.all()
	if len(recs) != 1 {
		t.Fatalf("expected 1 usage record, got %d", len(recs))
	}
	if recs[0].CostCents != 3 || recs[0].CacheHit || recs[0].Coalesced {
		t.Errorf("unexpected usage record %+v", recs[0])
	}
}

func TestExecuteRefundsEstimateToActual(t *testing.T) {
	p := &mockProvider{id: "openai"}
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": p},
		map[string]ledger.Limits{"openai": {DailyCents: 200}},
	)

	// The pessimistic estimate for the default completion budget is far
	// above the 3 cents actually used; commit must refund the difference.
	if _, err := env.orch.Execute(context.Background(), testReq()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := spentCents(t, env.led, "openai"); got != 3 {
		t.Errorf("expected spend refunded to 3 cents, got %d", got)
	}
}

func TestExecuteFallsBackOnServerError(t *testing.T) {
	bad := &mockProvider{id: "openai", generate: failWith(domain.CategoryServer)}
	good := &mockProvider{id: "anthropic"}
	env := newTestEnv(t,
		[]router.Descriptor{
			{Name: "openai", Weight: 100, Pricing: testPricing()},
			{Name: "anthropic", Weight: 90, Pricing: testPricing()},
		},
		map[string]router.Provider{"openai": bad, "anthropic": good},
		nil,
	)

	resp, err := env.orch.Execute(context.Background(), testReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("expected fallback to anthropic, got %s", resp.Provider)
	}
	if bad.calls.Load() != 1 || good.calls.Load() != 1 {
		t.Errorf("expected one call each, got openai=%d anthropic=%d", bad.calls.Load(), good.calls.Load())
	}
	if got := env.breakers.Get("openai").Status().Failures; got != 1 {
		t.Errorf("expected 1 recorded failure on openai, got %d", got)
	}
	if got := spentCents(t, env.led, "openai"); got != 0 {
		t.Errorf("failed attempt must not consume budget, spent %d", got)
	}
}

func TestExecuteFatalRequestAbortsFailover(t *testing.T) {
	bad := &mockProvider{id: "openai", generate: failWith(domain.CategoryInvalidRequest)}
	next := &mockProvider{id: "anthropic"}
	env := newTestEnv(t,
		[]router.Descriptor{
			{Name: "openai", Weight: 100, Pricing: testPricing()},
			{Name: "anthropic", Weight: 90, Pricing: testPricing()},
		},
		map[string]router.Provider{"openai": bad, "anthropic": next},
		nil,
	)

	_, err := env.orch.Execute(context.Background(), testReq())
	if !errors.Is(err, domain.ErrFatalRequest) {
		t.Fatalf("expected fatal request error, got %v", err)
	}
	if next.calls.Load() != 0 {
		t.Error("fatal errors must not be retried against other providers")
	}
	if domain.ErrorCode(err) != "invalid_request" {
		t.Errorf("expected invalid_request code, got %s", domain.ErrorCode(err))
	}
}

func TestExecuteAuthErrorDoesNotChargeBreaker(t *testing.T) {
	bad := &mockProvider{id: "openai", generate: failWith(domain.CategoryAuth)}
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": bad},
		nil,
	)

	_, err := env.orch.Execute(context.Background(), testReq())
	if !errors.Is(err, domain.ErrFatalRequest) {
		t.Fatalf("expected fatal request error, got %v", err)
	}
	if got := env.breakers.Get("openai").Status().Failures; got != 0 {
		t.Errorf("auth failures must not charge the breaker, got %d failures", got)
	}
}

func TestExecuteAllProvidersExhausted(t *testing.T) {
	a := &mockProvider{id: "openai", generate: failWith(domain.CategoryServer)}
	b := &mockProvider{id: "anthropic", generate: failWith(domain.CategoryTimeout)}
	env := newTestEnv(t,
		[]router.Descriptor{
			{Name: "openai", Weight: 100, Pricing: testPricing()},
			{Name: "anthropic", Weight: 90, Pricing: testPricing()},
		},
		map[string]router.Provider{"openai": a, "anthropic": b},
		nil,
	)

	_, err := env.orch.Execute(context.Background(), testReq())
	if !errors.Is(err, domain.ErrAllProvidersExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	var ex *domain.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %T", err)
	}
	if len(ex.Diagnostics) != 2 {
		t.Fatalf("expected 2 diagnostics, got %d", len(ex.Diagnostics))
	}
	if ex.Diagnostics[0].Provider != "openai" || ex.Diagnostics[1].Provider != "anthropic" {
		t.Errorf("diagnostics out of candidate order: %+v", ex.Diagnostics)
	}
	if ex.Diagnostics[1].Category != domain.CategoryTimeout {
		t.Errorf("expected timeout category, got %s", ex.Diagnostics[1].Category)
	}
}

func TestExecuteCacheHitSkipsDispatch(t *testing.T) {
	p := &mockProvider{id: "openai"}
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": p},
		nil,
	)

	if _, err := env.orch.Execute(context.Background(), testReq()); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	resp, err := env.orch.Execute(context.Background(), testReq())
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("expected a single upstream call, got %d", p.calls.Load())
	}
	if resp.Meta == nil || !resp.Meta.CacheHit {
		t.Errorf("expected cache hit metadata, got %+v", resp.Meta)
	}
	if resp.Meta.CostCents != 0 {
		t.Errorf("cache hits cost nothing, got %d cents", resp.Meta.CostCents)
	}
	if got := spentCents(t, env.led, "openai"); got != 3 {
		t.Errorf("cache hit must not consume budget, spent %d", got)
	}

	recs := env.recorder.all()
	if len(recs) != 2 {
		t.Fatalf("expected 2 usage records, got %d", len(recs))
	}
	if !recs[1].CacheHit || recs[1].CostCents != 0 {
		t.Errorf("expected zero-cost cache record, got %+v", recs[1])
	}
}

func TestExecuteBudgetExceededTerminal(t *testing.T) {
	a := &mockProvider{id: "openai"}
	b := &mockProvider{id: "anthropic"}
	env := newTestEnv(t,
		[]router.Descriptor{
			{Name: "openai", Weight: 100, Pricing: testPricing()},
			{Name: "anthropic", Weight: 90, Pricing: testPricing()},
		},
		map[string]router.Provider{"openai": a, "anthropic": b},
		map[string]ledger.Limits{
			"openai":    {DailyCents: 10},
			"anthropic": {DailyCents: 10},
		},
	)

	_, err := env.orch.Execute(context.Background(), testReq())
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	if a.calls.Load() != 0 || b.calls.Load() != 0 {
		t.Error("over-budget requests must not reach providers")
	}
}

func TestExecutePerRequestCostCap(t *testing.T) {
	p := &mockProvider{id: "openai"}
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": p},
		nil,
	)

	req := testReq()
	req.MaxCostCents = 1

	_, err := env.orch.Execute(context.Background(), req)
	if !errors.Is(err, domain.ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded for capped request, got %v", err)
	}
	if p.calls.Load() != 0 {
		t.Error("capped request must not reach the provider")
	}
}

func TestExecuteReleasesReservationOnFailure(t *testing.T) {
	p := &mockProvider{id: "openai", generate: failWith(domain.CategoryServer)}
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": p},
		map[string]ledger.Limits{"openai": {DailyCents: 500}},
	)

	if _, err := env.orch.Execute(context.Background(), testReq()); err == nil {
		t.Fatal("expected failure")
	}
	if got := spentCents(t, env.led, "openai"); got != 0 {
		t.Errorf("reservation must be released on failure, spent %d", got)
	}
	if got := env.led.Headroom("openai"); got != 1 {
		t.Errorf("expected full headroom after release, got %.2f", got)
	}
}

func TestExecuteCoalescesIdenticalRequests(t *testing.T) {
	release := make(chan struct{})
	p := &mockProvider{id: "openai", generate: func(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
		<-release
		return okResponse("openai"), nil
	}}
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": p},
		nil,
	)

	const callers = 5
	var (
		wg        sync.WaitGroup
		coalesced atomic.Int32
		failures  atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := env.orch.Execute(context.Background(), testReq())
			if err != nil || resp.Content != "generated document" {
				failures.Add(1)
				return
			}
			if resp.Meta.Coalesced {
				coalesced.Add(1)
			}
		}()
	}

	// Give every caller time to join the flight before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if failures.Load() != 0 {
		t.Fatalf("%d callers failed", failures.Load())
	}
	if p.calls.Load() != 1 {
		t.Fatalf("expected one upstream call for %d callers, got %d", callers, p.calls.Load())
	}
	if coalesced.Load() != callers-1 {
		t.Errorf("expected %d coalesced deliveries, got %d", callers-1, coalesced.Load())
	}
	if got := spentCents(t, env.led, "openai"); got != 3 {
		t.Errorf("coalesced flight must settle once, spent %d", got)
	}

	// Exactly one record carries the spend; the joiners are zero-cost.
	var costed int
	for _, rec := range env.recorder.all() {
		if rec.CostCents > 0 {
			costed++
		}
	}
	if costed != 1 {
		t.Errorf("expected exactly one costed usage record, got %d", costed)
	}
}

func TestExecuteCallerCancelDetachesFlight(t *testing.T) {
	release := make(chan struct{})
	p := &mockProvider{id: "openai", generate: func(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
		select {
		case <-release:
			return okResponse("openai"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": p},
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	req := testReq()
	go func() {
		_, err := env.orch.Execute(ctx, req)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancellation did not propagate to the caller")
	}

	// The detached flight still completes and populates the cache.
	close(release)
	key := cache.Key(req)
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := env.cache.Get(context.Background(), key); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("detached flight never populated the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestExecuteDeadlineStopsFailover(t *testing.T) {
	slow := &mockProvider{id: "openai", generate: func(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	next := &mockProvider{id: "anthropic"}
	env := newTestEnv(t,
		[]router.Descriptor{
			{Name: "openai", Weight: 100, Pricing: testPricing()},
			{Name: "anthropic", Weight: 90, Pricing: testPricing()},
		},
		map[string]router.Provider{"openai": slow, "anthropic": next},
		nil,
	)

	req := testReq()
	req.Deadline = time.Now().Add(40 * time.Millisecond)

	_, err := env.orch.Execute(context.Background(), req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if next.calls.Load() != 0 {
		t.Error("an expired request must not fall back to further providers")
	}
	if got := env.breakers.Get("openai").Status().Failures; got != 1 {
		t.Errorf("timeout counts as a breaker failure, got %d", got)
	}
	if got := spentCents(t, env.led, "openai"); got != 0 {
		t.Errorf("timed out attempt must release its reservation, spent %d", got)
	}
}

func TestExecuteAttemptTimeoutFallsBack(t *testing.T) {
	slow := &mockProvider{id: "openai", generate: func(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	next := &mockProvider{id: "anthropic"}
	env := newTestEnv(t,
		[]router.Descriptor{
			{Name: "openai", Weight: 100, Pricing: testPricing(), Timeout: 30 * time.Millisecond},
			{Name: "anthropic", Weight: 90, Pricing: testPricing()},
		},
		map[string]router.Provider{"openai": slow, "anthropic": next},
		nil,
	)

	resp, err := env.orch.Execute(context.Background(), testReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("expected fallback after per-attempt timeout, got %s", resp.Provider)
	}
}

func TestExecuteRateLimitedCaller(t *testing.T) {
	p := &mockProvider{id: "openai"}
	limiter := ratelimit.NewTokenBucketLimiter(ratelimit.Config{
		Scopes: map[string]ratelimit.ScopeConfig{
			ratelimit.ScopeIP:       {Capacity: 1, RefillInterval: time.Hour},
			ratelimit.ScopeUser:     {Capacity: 100, RefillInterval: time.Millisecond},
			ratelimit.ScopeProvider: {Capacity: 100, RefillInterval: time.Millisecond},
			ratelimit.ScopeGlobal:   {Capacity: 100, RefillInterval: time.Millisecond},
		},
		MaxBuckets: 100,
	})
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": p},
		nil,
		func(cfg *Config) { cfg.Limiter = limiter },
	)

	if _, err := env.orch.Execute(context.Background(), testReq()); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	req := testReq()
	req.Messages = []domain.Message{{Role: "user", Content: "another prompt entirely"}}
	_, err := env.orch.Execute(context.Background(), req)
	if !errors.Is(err, domain.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}

	var rl *domain.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %T", err)
	}
	if rl.Scope != ratelimit.ScopeIP {
		t.Errorf("expected ip scope denial, got %s", rl.Scope)
	}
	if rl.RetryAfter <= 0 {
		t.Errorf("expected a retry hint, got %v", rl.RetryAfter)
	}
	if p.calls.Load() != 1 {
		t.Errorf("denied request must not reach the provider, calls=%d", p.calls.Load())
	}
}

type errorLimiter struct{}

func (errorLimiter) Allow(ctx context.Context, key string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, errors.New("backend down")
}

func TestExecuteLimiterOutageFailsOpen(t *testing.T) {
	p := &mockProvider{id: "openai"}
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": p},
		nil,
		func(cfg *Config) { cfg.Limiter = errorLimiter{} },
	)

	if _, err := env.orch.Execute(context.Background(), testReq()); err != nil {
		t.Fatalf("limiter outage must fail open, got %v", err)
	}
}

func TestExecuteSkipsOpenBreaker(t *testing.T) {
	a := &mockProvider{id: "openai"}
	b := &mockProvider{id: "anthropic"}
	env := newTestEnv(t,
		[]router.Descriptor{
			{Name: "openai", Weight: 100, Pricing: testPricing()},
			{Name: "anthropic", Weight: 90, Pricing: testPricing()},
		},
		map[string]router.Provider{"openai": a, "anthropic": b},
		nil,
	)

	br := env.breakers.Get("openai")
	br.RecordFailure()
	br.RecordFailure()
	if br.State() != circuitbreaker.StateOpen {
		t.Fatalf("expected open breaker, got %v", br.State())
	}

	resp, err := env.orch.Execute(context.Background(), testReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("expected anthropic while openai is open, got %s", resp.Provider)
	}
	if a.calls.Load() != 0 {
		t.Error("open provider must not be called")
	}
}

func TestExecuteNoProvidersAvailable(t *testing.T) {
	p := &mockProvider{id: "openai"}
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": p},
		nil,
	)

	br := env.breakers.Get("openai")
	br.RecordFailure()
	br.RecordFailure()

	_, err := env.orch.Execute(context.Background(), testReq())
	if !errors.Is(err, domain.ErrNoProvidersAvailable) {
		t.Fatalf("expected no providers available, got %v", err)
	}
}

func TestExecuteAbortedProbeReturnsSlot(t *testing.T) {
	a := &mockProvider{id: "openai"}
	b := &mockProvider{id: "anthropic"}
	// anthropic's weight keeps it ranked below openai even though openai
	// has no budget headroom left, so the probe attempt happens first.
	env := newTestEnv(t,
		[]router.Descriptor{
			{Name: "openai", Weight: 100, Pricing: testPricing()},
			{Name: "anthropic", Weight: 30, Pricing: testPricing()},
		},
		map[string]router.Provider{"openai": a, "anthropic": b},
		map[string]ledger.Limits{"openai": {DailyCents: 10}},
	)

	br := env.breakers.Get("openai")
	br.RecordFailure()
	br.RecordFailure()
	time.Sleep(60 * time.Millisecond) // past the 40ms cooldown, probe-eligible

	// openai wins the probe slot but aborts at the budget check; the slot
	// must come back so the provider is not stuck half-open forever.
	resp, err := env.orch.Execute(context.Background(), testReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Provider != "anthropic" {
		t.Errorf("expected anthropic to serve, got %s", resp.Provider)
	}
	if st := br.State(); st != circuitbreaker.StateHalfOpen {
		t.Errorf("expected openai half-open, got %v", st)
	}
	if !br.Ready() {
		t.Error("aborted probe must return the half-open slot")
	}
	if a.calls.Load() != 0 {
		t.Error("budget-denied probe must not reach the provider")
	}
}

func TestExecuteMaxAttemptsCapsFailover(t *testing.T) {
	a := &mockProvider{id: "openai", generate: failWith(domain.CategoryServer)}
	b := &mockProvider{id: "anthropic", generate: failWith(domain.CategoryServer)}
	c := &mockProvider{id: "google"}
	env := newTestEnv(t,
		[]router.Descriptor{
			{Name: "openai", Weight: 100, Pricing: testPricing()},
			{Name: "anthropic", Weight: 90, Pricing: testPricing()},
			{Name: "google", Weight: 80, Pricing: testPricing()},
		},
		map[string]router.Provider{"openai": a, "anthropic": b, "google": c},
		nil,
		func(cfg *Config) { cfg.MaxAttempts = 2 },
	)

	_, err := env.orch.Execute(context.Background(), testReq())
	if !errors.Is(err, domain.ErrAllProvidersExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if c.calls.Load() != 0 {
		t.Error("third candidate must not be tried with MaxAttempts=2")
	}
}

func TestExecuteAssignsRequestIdentity(t *testing.T) {
	p := &mockProvider{id: "openai"}
	env := newTestEnv(t,
		[]router.Descriptor{{Name: "openai", Weight: 100, Pricing: testPricing()}},
		map[string]router.Provider{"openai": p},
		nil,
	)

	req := testReq()
	resp, err := env.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.ID == "" || req.PromptHash == "" {
		t.Error("execute must normalize the request")
	}
	if resp.Meta.RequestID != req.ID {
		t.Errorf("metadata request id %q does not match %q", resp.Meta.RequestID, req.ID)
	}
}
