//go:build integration

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quillforge/modelmux/internal/api"
	"github.com/quillforge/modelmux/internal/cache"
	"github.com/quillforge/modelmux/internal/circuitbreaker"
	"github.com/quillforge/modelmux/internal/cost"
	"github.com/quillforge/modelmux/internal/domain"
	"github.com/quillforge/modelmux/internal/ledger"
	"github.com/quillforge/modelmux/internal/orchestrator"
	"github.com/quillforge/modelmux/internal/ratelimit"
	"github.com/quillforge/modelmux/internal/router"
	"github.com/quillforge/modelmux/internal/usage"
)

type fakeProvider struct {
	id       string
	calls    atomic.Int32
	generate func(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error)
	stream   func(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error)
}

func (p *fakeProvider) ID() string { return p.id }

func (p *fakeProvider) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	p.calls.Add(1)
	if p.generate == nil {
		return &domain.GenerationResponse{
			ID:           "resp-" + p.id,
			Model:        req.Model,
			Provider:     p.id,
			Content:      "generated document",
			FinishReason: "stop",
			Usage:        domain.Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
			Created:      time.Now().Unix(),
		}, nil
	}
	return p.generate(ctx, req)
}

func (p *fakeProvider) GenerateStream(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	p.calls.Add(1)
	return p.stream(ctx, req)
}

func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }

type pipeline struct {
	handler  *api.Handler
	breakers *circuitbreaker.Registry
}

// newPipeline wires the real orchestrator, router, cache, ledger and
// breakers behind the handler; only the providers are fakes. Test pricing
// of 100 cents per 1K tokens settles the default 10/20 usage to 3 cents.
func newPipeline(t *testing.T, providers map[string]router.Provider, limiter ratelimit.Limiter) *pipeline {
	t.Helper()

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	led := ledger.NewMemoryLedger(map[string]ledger.Limits{
		"openai":    {DailyCents: 100000},
		"anthropic": {DailyCents: 100000},
	}, nil)
	t.Cleanup(led.Close)

	c := cache.NewShardedCache(cache.Config{TTL: time.Minute})
	t.Cleanup(c.Close)

	descs := make([]router.Descriptor, 0, len(providers))
	weights := map[string]int{"openai": 100, "anthropic": 90}
	for name := range providers {
		descs = append(descs, router.Descriptor{
			Name:    name,
			Weight:  weights[name],
			Pricing: cost.Pricing{PromptCentsPer1K: 100, CompletionCentsPer1K: 100},
		})
	}
	rt := router.New(descs, providers, breakers, led)

	orch := orchestrator.New(rt, led, breakers, orchestrator.Config{
		Cache:   c,
		Limiter: limiter,
	})

	h := api.NewHandler(api.HandlerConfig{
		Orchestrator: orch,
		Router:       rt,
		Breakers:     breakers,
		Ledger:       led,
		Usage:        usage.NewMemoryStore(100),
	})
	return &pipeline{handler: h, breakers: breakers}
}

func postGenerate(t *testing.T, h *api.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/generate", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-a")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const generateJSON = `{"model": "gpt-4o", "messages": [{"role": "user", "content": "draft a welcome letter"}]}`

func TestPipelineGenerate(t *testing.T) {
	openai := &fakeProvider{id: "openai"}
	p := newPipeline(t, map[string]router.Provider{"openai": openai}, nil)

	rec := postGenerate(t, p.handler, generateJSON)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var resp domain.GenerationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Content != "generated document" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Meta == nil {
		t.Fatal("response missing route metadata")
	}
	if resp.Meta.Provider != "openai" {
		t.Errorf("meta provider = %q, want openai", resp.Meta.Provider)
	}
	if resp.Meta.CostCents != 3 {
		t.Errorf("meta cost = %d cents, want 3", resp.Meta.CostCents)
	}
	if openai.calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", openai.calls.Load())
	}
}

func TestPipelineCacheHit(t *testing.T) {
	openai := &fakeProvider{id: "openai"}
	p := newPipeline(t, map[string]router.Provider{"openai": openai}, nil)

	first := postGenerate(t, p.handler, generateJSON)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d: %s", first.Code, first.Body.String())
	}
	if c := first.Header().Get("X-Cache"); c != "MISS" {
		t.Errorf("first X-Cache = %q, want MISS", c)
	}

	second := postGenerate(t, p.handler, generateJSON)
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d: %s", second.Code, second.Body.String())
	}
	if c := second.Header().Get("X-Cache"); c != "HIT" {
		t.Errorf("second X-Cache = %q, want HIT", c)
	}

	var resp domain.GenerationResponse
	if err := json.NewDecoder(second.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Meta == nil || !resp.Meta.CacheHit {
		t.Errorf("meta = %+v, want cache_hit", resp.Meta)
	}
	if openai.calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1 with a cached second request", openai.calls.Load())
	}
}

func TestPipelineFailover(t *testing.T) {
	openai := &fakeProvider{
		id: "openai",
		generate: func(context.Context, *domain.GenerationRequest) (*domain.GenerationResponse, error) {
			return nil, errors.New("upstream 500")
		},
	}
	anthropic := &fakeProvider{id: "anthropic"}
	p := newPipeline(t, map[string]router.Provider{"openai": openai, "anthropic": anthropic}, nil)

	rec := postGenerate(t, p.handler, generateJSON)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 after failover: %s", rec.Code, rec.Body.String())
	}
	var resp domain.GenerationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Meta == nil || resp.Meta.Provider != "anthropic" {
		t.Errorf("meta = %+v, want anthropic fallback", resp.Meta)
	}
	if openai.calls.Load() != 1 || anthropic.calls.Load() != 1 {
		t.Errorf("calls = openai %d anthropic %d, want 1 each", openai.calls.Load(), anthropic.calls.Load())
	}
	if got := p.breakers.States()["openai"].Failures; got != 1 {
		t.Errorf("openai breaker failures = %d, want 1", got)
	}
}

func TestPipelineRateLimit(t *testing.T) {
	limiter := ratelimit.NewTokenBucketLimiter(ratelimit.Config{
		Scopes: map[string]ratelimit.ScopeConfig{
			ratelimit.ScopeIP:       {Capacity: 2, RefillInterval: time.Hour},
			ratelimit.ScopeUser:     {Capacity: 1000, RefillInterval: time.Millisecond},
			ratelimit.ScopeProvider: {Capacity: 1000, RefillInterval: time.Millisecond},
			ratelimit.ScopeGlobal:   {Capacity: 1000, RefillInterval: time.Millisecond},
		},
	})
	openai := &fakeProvider{id: "openai"}
	p := newPipeline(t, map[string]router.Provider{"openai": openai}, limiter)

	// Vary the prompt so each request dispatches instead of hitting the cache.
	bodies := []string{
		`{"model": "gpt-4o", "messages": [{"role": "user", "content": "letter one"}]}`,
		`{"model": "gpt-4o", "messages": [{"role": "user", "content": "letter two"}]}`,
		`{"model": "gpt-4o", "messages": [{"role": "user", "content": "letter three"}]}`,
	}

	for i, body := range bodies[:2] {
		if rec := postGenerate(t, p.handler, body); rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, rec.Code)
		}
	}

	rec := postGenerate(t, p.handler, bodies[2])
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 once the ip bucket is empty", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header on a denial")
	}
}

func TestPipelineStream(t *testing.T) {
	openai := &fakeProvider{
		id: "openai",
		stream: func(context.Context, *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
			chunks := make(chan domain.StreamChunk, 3)
			errs := make(chan error, 1)
			chunks <- domain.StreamChunk{Provider: "openai", Content: "Dear "}
			chunks <- domain.StreamChunk{Provider: "openai", Content: "customer"}
			chunks <- domain.StreamChunk{Provider: "openai", FinishReason: "stop", Usage: &domain.Usage{PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}}
			close(chunks)
			close(errs)
			return chunks, errs
		},
	}
	p := newPipeline(t, map[string]router.Provider{"openai": openai}, nil)

	body := `{"model": "gpt-4o", "messages": [{"role": "user", "content": "draft a welcome letter"}], "stream": true}`
	rec := postGenerate(t, p.handler, body)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream: %s", ct, rec.Body.String())
	}
	out := rec.Body.String()
	if !strings.Contains(out, `"content":"Dear "`) {
		t.Errorf("stream missing first chunk:\n%s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("stream does not end with DONE:\n%s", out)
	}
}
