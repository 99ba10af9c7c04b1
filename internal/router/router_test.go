package router

import (
	"context"
	"testing"
	"time"

	"github.com/quillforge/modelmux/internal/circuitbreaker"
	"github.com/quillforge/modelmux/internal/cost"
	"github.com/quillforge/modelmux/internal/domain"
	"github.com/quillforge/modelmux/internal/ledger"
)

type mockProvider struct {
	id string
}

func (m *mockProvider) ID() string { return m.id }
func (m *mockProvider) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	return nil, nil
}
func (m *mockProvider) GenerateStream(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	return nil, nil
}
func (m *mockProvider) HealthCheck(ctx context.Context) error { return nil }

func testRequest() *domain.GenerationRequest {
	return &domain.GenerationRequest{
		ID:    "req-1",
		Model: "gpt-4o",
		Messages: []domain.Message{
			{Role: "user", Content: "write a short summary"},
		},
	}
}

func newTestRouter(descs []Descriptor, limits map[string]ledger.Limits, breakerCfg circuitbreaker.Config) (*Router, *circuitbreaker.Registry, *ledger.MemoryLedger) {
	providers := make(map[string]Provider, len(descs))
	for _, d := range descs {
		providers[d.Name] = &mockProvider{id: d.Name}
	}
	breakers := circuitbreaker.NewRegistry(breakerCfg)
	led := ledger.NewMemoryLedger(limits, nil)
	led.Close()
	return New(descs, providers, breakers, led), breakers, led
}

func TestCandidatesOrderedByWeight(t *testing.T) {
	descs := []Descriptor{
		{Name: "anthropic", Weight: 90},
		{Name: "openai", Weight: 100},
		{Name: "local", Weight: 10},
	}
	r, _, _ := newTestRouter(descs, nil, circuitbreaker.DefaultConfig())

	got := r.Candidates(testRequest())
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	want := []string{"openai", "anthropic", "local"}
	for i, name := range want {
		if got[i].Descriptor.Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, got[i].Descriptor.Name)
		}
	}
}

func TestCandidatesSkipOpenBreaker(t *testing.T) {
	descs := []Descriptor{
		{Name: "openai", Weight: 100},
		{Name: "anthropic", Weight: 90},
	}
	cfg := circuitbreaker.Config{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, MaxCooldown: time.Second}
	r, breakers, _ := newTestRouter(descs, nil, cfg)

	breakers.Get("openai").RecordFailure()

	got := r.Candidates(testRequest())
	if len(got) != 1 || got[0].Descriptor.Name != "anthropic" {
		t.Fatalf("expected only anthropic while openai is open, got %+v", names(got))
	}

	// After the cooldown the breaker is probe-eligible and the provider
	// is routable again.
	time.Sleep(20 * time.Millisecond)
	got = r.Candidates(testRequest())
	if len(got) != 2 {
		t.Fatalf("expected openai back after cooldown, got %+v", names(got))
	}
}

func TestCandidatesSkipProviderAtMaxConcurrency(t *testing.T) {
	descs := []Descriptor{
		{Name: "openai", Weight: 100, MaxConcurrency: 2},
		{Name: "anthropic", Weight: 90},
	}
	r, _, _ := newTestRouter(descs, nil, circuitbreaker.DefaultConfig())

	adm := r.Admission()
	if !adm.TryAcquire("openai") || !adm.TryAcquire("openai") {
		t.Fatal("expected both slots to be granted")
	}

	got := r.Candidates(testRequest())
	if len(got) != 1 || got[0].Descriptor.Name != "anthropic" {
		t.Fatalf("expected saturated openai to be skipped, got %+v", names(got))
	}

	adm.Release("openai")
	got = r.Candidates(testRequest())
	if len(got) != 2 {
		t.Fatalf("expected openai back after release, got %+v", names(got))
	}
}

func TestBudgetHeadroomLowersScore(t *testing.T) {
	pricing := cost.Pricing{PromptCentsPer1K: 100, CompletionCentsPer1K: 100}
	descs := []Descriptor{
		{Name: "openai", Weight: 100, Pricing: pricing},
		{Name: "anthropic", Weight: 100, Pricing: pricing},
	}
	limits := map[string]ledger.Limits{
		"openai": {DailyCents: 1000},
	}
	r, _, led := newTestRouter(descs, limits, circuitbreaker.DefaultConfig())

	// Consume most of openai's daily budget; anthropic is unlimited.
	res, err := led.Reserve(context.Background(), "openai", 900)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := led.Commit(context.Background(), res, 900); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got := r.Candidates(testRequest())
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	if got[0].Descriptor.Name != "anthropic" {
		t.Errorf("expected anthropic first at equal weight, got %s", got[0].Descriptor.Name)
	}
	if got[0].Score <= got[1].Score {
		t.Errorf("expected headroom to separate scores: %.3f vs %.3f", got[0].Score, got[1].Score)
	}
}

func TestExhaustedBudgetZeroesHeadroom(t *testing.T) {
	pricing := cost.Pricing{PromptCentsPer1K: 100, CompletionCentsPer1K: 100}
	descs := []Descriptor{
		{Name: "openai", Weight: 100, Pricing: pricing},
	}
	limits := map[string]ledger.Limits{
		"openai": {DailyCents: 10},
	}
	r, _, _ := newTestRouter(descs, limits, circuitbreaker.DefaultConfig())

	// The estimate cannot fit in a 10 cent budget, so the headroom term
	// contributes nothing: 0.5*1.0 + 0.3*0 + 0.2*0.5.
	got := r.Candidates(testRequest())
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].Score != 0.6 {
		t.Errorf("expected score 0.6 with zeroed headroom, got %.3f", got[0].Score)
	}
}

func TestPerRequestCostCapZeroesHeadroom(t *testing.T) {
	pricing := cost.Pricing{PromptCentsPer1K: 100, CompletionCentsPer1K: 100}
	descs := []Descriptor{
		{Name: "openai", Weight: 100, Pricing: pricing},
		{Name: "local", Weight: 100},
	}
	r, _, _ := newTestRouter(descs, nil, circuitbreaker.DefaultConfig())

	req := testRequest()
	req.MaxCostCents = 1

	got := r.Candidates(req)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	// local's zero pricing estimates to 0 cents and fits the cap;
	// openai's estimate exceeds it and loses its headroom term.
	if got[0].Descriptor.Name != "local" {
		t.Errorf("expected local first under a tight cost cap, got %s", got[0].Descriptor.Name)
	}
}

func TestLatencyEMAInfluencesScore(t *testing.T) {
	descs := []Descriptor{
		{Name: "openai", Weight: 100},
		{Name: "anthropic", Weight: 100},
	}
	r, _, _ := newTestRouter(descs, nil, circuitbreaker.DefaultConfig())

	r.RecordLatency("openai", 4*time.Second)

	got := r.Candidates(testRequest())
	if got[0].Descriptor.Name != "anthropic" {
		t.Errorf("expected slow openai to rank below unmeasured anthropic, got %s first", got[0].Descriptor.Name)
	}

	// A fast observation pulls the average back down.
	r.RecordLatency("openai", 100*time.Millisecond)
	want := time.Duration(0.2*float64(100*time.Millisecond) + 0.8*float64(4*time.Second))
	if got := r.Latency("openai"); got != want {
		t.Errorf("expected ema %v, got %v", want, got)
	}
}

func TestRecordLatencySeedsFirstObservation(t *testing.T) {
	r, _, _ := newTestRouter([]Descriptor{{Name: "openai", Weight: 100}}, nil, circuitbreaker.DefaultConfig())

	if got := r.Latency("openai"); got != 0 {
		t.Fatalf("expected zero before observations, got %v", got)
	}
	r.RecordLatency("openai", 300*time.Millisecond)
	if got := r.Latency("openai"); got != 300*time.Millisecond {
		t.Errorf("expected first observation to seed the average, got %v", got)
	}
}

func TestTieBreakByName(t *testing.T) {
	descs := []Descriptor{
		{Name: "bravo", Weight: 50},
		{Name: "alpha", Weight: 50},
	}
	r, _, _ := newTestRouter(descs, nil, circuitbreaker.DefaultConfig())

	got := r.Candidates(testRequest())
	if got[0].Descriptor.Name != "alpha" || got[1].Descriptor.Name != "bravo" {
		t.Errorf("expected alphabetical tie-break, got %+v", names(got))
	}
}

func TestCandidateCarriesEstimate(t *testing.T) {
	pricing := cost.Pricing{PromptCentsPer1K: 100, CompletionCentsPer1K: 100}
	descs := []Descriptor{{Name: "openai", Weight: 100, Pricing: pricing}}
	r, _, _ := newTestRouter(descs, nil, circuitbreaker.DefaultConfig())

	req := testRequest()
	got := r.Candidates(req)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if want := cost.EstimateCents(pricing, req); got[0].Estimate != want {
		t.Errorf("expected estimate %d, got %d", want, got[0].Estimate)
	}
}

func TestProviderLookup(t *testing.T) {
	r, _, _ := newTestRouter([]Descriptor{{Name: "openai", Weight: 100}}, nil, circuitbreaker.DefaultConfig())

	if _, ok := r.Provider("openai"); !ok {
		t.Error("expected registered provider to resolve")
	}
	if _, ok := r.Provider("missing"); ok {
		t.Error("expected unknown provider to miss")
	}
	if d, ok := r.Descriptor("openai"); !ok || d.Weight != 100 {
		t.Errorf("expected descriptor lookup, got %+v ok=%v", d, ok)
	}
}

func TestAdmissionAcquireRelease(t *testing.T) {
	adm := NewAdmission(map[string]int{"openai": 2})

	if !adm.TryAcquire("openai") || !adm.TryAcquire("openai") {
		t.Fatal("expected acquisitions up to the limit")
	}
	if adm.TryAcquire("openai") {
		t.Error("expected denial at the ceiling")
	}
	if got := adm.InFlight("openai"); got != 2 {
		t.Errorf("expected 2 in flight, got %d", got)
	}

	adm.Release("openai")
	if !adm.TryAcquire("openai") {
		t.Error("expected slot back after release")
	}
}

func TestAdmissionUnlimitedWhenNoLimit(t *testing.T) {
	adm := NewAdmission(nil)

	for i := 0; i < 100; i++ {
		if !adm.TryAcquire("local") {
			t.Fatalf("expected unlimited provider to always admit, denied at %d", i)
		}
	}
}

func TestAdmissionReleaseFloorsAtZero(t *testing.T) {
	adm := NewAdmission(map[string]int{"openai": 1})

	adm.Release("openai")
	if got := adm.InFlight("openai"); got != 0 {
		t.Errorf("expected floor at zero, got %d", got)
	}
}

func names(cands []Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.Descriptor.Name
	}
	return out
}
