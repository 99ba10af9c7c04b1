// Package router picks the order in which providers are tried for a
// request. Candidates are filtered for eligibility (circuit state,
// concurrency headroom) and ranked by a weighted blend of configured
// preference, remaining budget and observed latency.
package router

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quillforge/modelmux/internal/circuitbreaker"
	"github.com/quillforge/modelmux/internal/cost"
	"github.com/quillforge/modelmux/internal/domain"
	"github.com/quillforge/modelmux/internal/ledger"
)

// Provider is one upstream LLM backend.
type Provider interface {
	ID() string
	Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error)
	GenerateStream(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error)
	HealthCheck(ctx context.Context) error
}

// Descriptor is the static routing configuration for one provider.
type Descriptor struct {
	Name    string
	Weight  int
	Pricing cost.Pricing
	// MaxConcurrency caps in-flight calls; zero means unlimited.
	MaxConcurrency int
	// Timeout bounds a single attempt; zero defers to the request
	// deadline alone.
	Timeout time.Duration
}

// Candidate is one scored routing choice.
type Candidate struct {
	Provider   Provider
	Descriptor Descriptor
	Score      float64
	// Estimate is the pessimistic cost of this request on this provider,
	// in cents. The orchestrator reserves this amount before dispatch.
	Estimate int64
}

// Score blend. Preference dominates, budget keeps traffic away from
// nearly exhausted providers, latency breaks the remaining ties.
const (
	weightShare   = 0.5
	headroomShare = 0.3
	latencyShare  = 0.2

	// latencyBaseline is the reference latency that scores 0.5. Providers
	// with no observations yet score the same neutral value.
	latencyBaseline = 2 * time.Second

	emaAlpha = 0.2
)

type Router struct {
	providers map[string]Provider
	descs     []Descriptor
	byName    map[string]Descriptor
	breakers  *circuitbreaker.Registry
	ledger    ledger.Ledger
	admission *Admission
	maxWeight float64

	mu  sync.RWMutex
	ema map[string]time.Duration
}

func New(descs []Descriptor, providers map[string]Provider, breakers *circuitbreaker.Registry, led ledger.Ledger) *Router {
	byName := make(map[string]Descriptor, len(descs))
	limits := make(map[string]int, len(descs))
	maxWeight := 1.0
	for _, d := range descs {
		byName[d.Name] = d
		limits[d.Name] = d.MaxConcurrency
		if w := float64(d.Weight); w > maxWeight {
			maxWeight = w
		}
	}

	return &Router{
		providers: providers,
		descs:     descs,
		byName:    byName,
		breakers:  breakers,
		ledger:    led,
		admission: NewAdmission(limits),
		maxWeight: maxWeight,
		ema:       make(map[string]time.Duration),
	}
}

// Candidates returns the eligible providers for a request, best first.
// Ties break by weight, then name, so ordering is deterministic.
func (r *Router) Candidates(req *domain.GenerationRequest) []Candidate {
	out := make([]Candidate, 0, len(r.descs))
	for _, d := range r.descs {
		p, ok := r.providers[d.Name]
		if !ok {
			continue
		}
		if !r.breakers.Get(d.Name).Ready() {
			continue
		}
		if d.MaxConcurrency > 0 && r.admission.InFlight(d.Name) >= d.MaxConcurrency {
			continue
		}

		estimate := cost.EstimateCents(d.Pricing, req)
		out = append(out, Candidate{
			Provider:   p,
			Descriptor: d,
			Score:      r.score(d, req, estimate),
			Estimate:   estimate,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Descriptor.Weight != out[j].Descriptor.Weight {
			return out[i].Descriptor.Weight > out[j].Descriptor.Weight
		}
		return out[i].Descriptor.Name < out[j].Descriptor.Name
	})
	return out
}

func (r *Router) score(d Descriptor, req *domain.GenerationRequest, estimate int64) float64 {
	weightNorm := float64(d.Weight) / r.maxWeight

	head := r.ledger.Headroom(d.Name)
	if !r.ledger.CanReserve(d.Name, estimate) {
		head = 0
	}
	if req.MaxCostCents > 0 && estimate > req.MaxCostCents {
		head = 0
	}

	return weightShare*weightNorm + headroomShare*head + latencyShare*r.latencyScore(d.Name)
}

func (r *Router) latencyScore(provider string) float64 {
	r.mu.RLock()
	ema, ok := r.ema[provider]
	r.mu.RUnlock()
	if !ok || ema <= 0 {
		return 0.5
	}
	return float64(latencyBaseline) / float64(latencyBaseline+ema)
}

// RecordLatency folds an observed call latency into the provider's
// exponential moving average. The first observation seeds the average.
func (r *Router) RecordLatency(provider string, observed time.Duration) {
	if observed <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.ema[provider]
	if !ok || prev <= 0 {
		r.ema[provider] = observed
		return
	}
	r.ema[provider] = time.Duration(emaAlpha*float64(observed) + (1-emaAlpha)*float64(prev))
}

// Latency reports the provider's current latency estimate, zero when
// nothing has been observed yet.
func (r *Router) Latency(provider string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ema[provider]
}

// Admission exposes the in-flight tracker so the orchestrator can acquire
// and release slots around attempts.
func (r *Router) Admission() *Admission {
	return r.admission
}

func (r *Router) Provider(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

func (r *Router) Descriptor(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Descriptors returns the routing table in registration order.
func (r *Router) Descriptors() []Descriptor {
	out := make([]Descriptor, len(r.descs))
	copy(out, r.descs)
	return out
}
