// Package orchestrator executes generation requests end to end: rate
// gates, cache lookup, coalescing of identical in-flight work, candidate
// selection, budget reservation and provider dispatch with failover.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quillforge/modelmux/internal/cache"
	"github.com/quillforge/modelmux/internal/circuitbreaker"
	"github.com/quillforge/modelmux/internal/cost"
	"github.com/quillforge/modelmux/internal/domain"
	"github.com/quillforge/modelmux/internal/ledger"
	"github.com/quillforge/modelmux/internal/metrics"
	"github.com/quillforge/modelmux/internal/ratelimit"
	"github.com/quillforge/modelmux/internal/router"
	"github.com/quillforge/modelmux/internal/telemetry"
	"github.com/quillforge/modelmux/internal/usage"
)

// Config carries the optional collaborators. Nil wiring disables the
// corresponding stage: no cache means every request dispatches, no
// limiter means no admission gates.
type Config struct {
	Cache   cache.Cache
	Limiter ratelimit.Limiter
	Usage   usage.Recorder
	Logger  *slog.Logger

	// MaxAttempts caps how many candidates one request may try.
	// Zero tries every eligible candidate.
	MaxAttempts int
}

type Orchestrator struct {
	router   *router.Router
	ledger   ledger.Ledger
	breakers *circuitbreaker.Registry
	cache    cache.Cache
	limiter  ratelimit.Limiter
	usage    usage.Recorder
	logger   *slog.Logger

	maxAttempts int

	group singleflight.Group
}

func New(rt *router.Router, led ledger.Ledger, breakers *circuitbreaker.Registry, cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		router:      rt,
		ledger:      led,
		breakers:    breakers,
		cache:       cfg.Cache,
		limiter:     cfg.Limiter,
		usage:       cfg.Usage,
		logger:      logger,
		maxAttempts: cfg.MaxAttempts,
	}
}

// Execute runs one generation request to completion. Identical requests
// already in flight are joined rather than re-dispatched; each joined
// caller gets its own copy of the shared response with fresh metadata.
func (o *Orchestrator) Execute(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	start := time.Now()
	req.Normalize()

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.execute")
	defer span.End()
	telemetry.AddRequestAttributes(span, req.TenantID, "", req.Model, req.ID)

	if err := o.gateCaller(ctx, req); err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(req.TenantID, "none", req.Model, "error", time.Since(start).Seconds())
		return nil, err
	}

	if resp, ok := o.cacheLookup(ctx, req); ok {
		out := o.deliver(ctx, req, resp, start, domain.RouteMeta{CacheHit: true})
		telemetry.AddCacheAttribute(span, true)
		metrics.RecordCacheHit(req.TenantID)
		metrics.RecordRequest(req.TenantID, resp.Provider, req.Model, "cached", time.Since(start).Seconds())
		o.record(req, out, start, 0, true, false)
		return out, nil
	}

	// Identical in-flight requests share one upstream call. The flight is
	// detached from this caller's context so one caller hanging up cannot
	// kill a response other waiters still need; the request deadline is
	// re-applied inside dispatch.
	ran := false
	ch := o.group.DoChan(req.PromptHash, func() (any, error) {
		ran = true
		return o.dispatch(context.WithoutCancel(ctx), req)
	})

	select {
	case <-ctx.Done():
		telemetry.AddErrorAttribute(span, ctx.Err())
		metrics.RecordRequest(req.TenantID, "none", req.Model, "error", time.Since(start).Seconds())
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			telemetry.AddErrorAttribute(span, res.Err)
			metrics.RecordRequest(req.TenantID, "none", req.Model, "error", time.Since(start).Seconds())
			return nil, res.Err
		}

		resp := res.Val.(*domain.GenerationResponse)
		coalesced := !ran
		var flightCost int64
		if resp.Meta != nil {
			flightCost = resp.Meta.CostCents
		}

		out := o.deliver(ctx, req, resp, start, domain.RouteMeta{
			CostCents: flightCost,
			Coalesced: coalesced,
		})

		status := "ok"
		if coalesced {
			status = "coalesced"
			metrics.RecordCoalesced(req.TenantID)
			// The flight's initiating request already accounted the spend.
			o.record(req, out, start, 0, false, true)
		}
		telemetry.AddCoalescedAttribute(span, coalesced)
		telemetry.AddTokenAttributes(span, out.Usage.PromptTokens, out.Usage.CompletionTokens)
		telemetry.AddCostAttribute(span, flightCost)
		metrics.RecordRequest(req.TenantID, resp.Provider, req.Model, status, time.Since(start).Seconds())
		return out, nil
	}
}

// dispatch tries candidates in order until one succeeds. It runs once per
// coalesced flight, bounded by the request deadline but detached from any
// single caller's cancellation.
func (o *Orchestrator) dispatch(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	cands := o.router.Candidates(req)
	if len(cands) == 0 {
		return nil, domain.ErrNoProvidersAvailable
	}
	if o.maxAttempts > 0 && len(cands) > o.maxAttempts {
		cands = cands[:o.maxAttempts]
	}

	var diags []domain.Diagnostic
	budgetDenied := 0

	for i, cand := range cands {
		resp, err := o.attempt(ctx, req, cand)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, domain.ErrFatalRequest) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, domain.ErrBudgetExceeded) {
			budgetDenied++
		}
		diags = append(diags, diagnostic(cand.Descriptor.Name, err))
		if i < len(cands)-1 {
			metrics.RecordFallback(cand.Descriptor.Name)
			o.logger.Warn("provider attempt failed, falling back",
				"provider", cand.Descriptor.Name,
				"request_id", req.ID,
				"error", err)
		}
	}

	if budgetDenied == len(diags) {
		return nil, fmt.Errorf("%w: all candidate providers over budget", domain.ErrBudgetExceeded)
	}
	return nil, &domain.ExhaustedError{Diagnostics: diags}
}

// attempt runs a single provider call: admission, breaker, reservation,
// dispatch, settlement. Failures release the reservation; only temporary
// categories charge the breaker.
func (o *Orchestrator) attempt(ctx context.Context, req *domain.GenerationRequest, cand router.Candidate) (*domain.GenerationResponse, error) {
	name := cand.Descriptor.Name

	if err := o.gateProvider(ctx, name); err != nil {
		return nil, err
	}

	adm := o.router.Admission()
	if !adm.TryAcquire(name) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProviderAtCapacity, name)
	}
	defer adm.Release(name)

	br := o.breakers.Get(name)
	if err := br.Allow(); err != nil {
		return nil, err
	}
	// Anything that aborts between Allow and a recorded outcome must hand
	// back the half-open probe slot, or the breaker would stay stuck.
	outcomeRecorded := false
	defer func() {
		if !outcomeRecorded {
			br.Discard()
		}
	}()

	if req.MaxCostCents > 0 && cand.Estimate > req.MaxCostCents {
		return nil, fmt.Errorf("%w: estimate %d cents exceeds request cap %d",
			domain.ErrBudgetExceeded, cand.Estimate, req.MaxCostCents)
	}

	res, err := o.ledger.Reserve(ctx, name, cand.Estimate)
	if err != nil {
		if errors.Is(err, domain.ErrBudgetExceeded) {
			metrics.RecordBudgetDenial(name)
		}
		return nil, err
	}

	callCtx := ctx
	if t := cand.Descriptor.Timeout; t > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	callStart := time.Now()
	resp, err := cand.Provider.Generate(callCtx, req)
	callLatency := time.Since(callStart)

	if err != nil {
		o.releaseReservation(ctx, name, res)
		category := domain.CategoryOf(err)
		metrics.RecordProviderError(name, string(category))
		if !category.Temporary() {
			// Bad input or bad credentials: the provider is healthy, the
			// request is not. The breaker stays uncharged.
			return nil, fmt.Errorf("%w: %w", domain.ErrFatalRequest, err)
		}
		br.RecordFailure()
		outcomeRecorded = true
		return nil, err
	}

	actual := cost.ActualCents(cand.Descriptor.Pricing, resp.Usage)
	o.commitReservation(ctx, name, res, actual)
	br.RecordSuccess()
	outcomeRecorded = true

	o.router.RecordLatency(name, callLatency)
	metrics.RecordProviderLatency(name, callLatency.Seconds())
	metrics.RecordTokens(name, resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	metrics.RecordCost(name, resp.Model, actual)
	metrics.SetBudgetHeadroom(name, o.ledger.Headroom(name))

	resp.Provider = name
	resp.Meta = &domain.RouteMeta{
		Provider:  name,
		CostCents: actual,
		LatencyMs: callLatency.Milliseconds(),
	}

	o.record(req, resp, callStart, actual, false, false)
	o.cacheStore(ctx, req, resp)

	return resp, nil
}

// gateCaller applies the caller-scoped buckets, IP then tenant. A limiter
// backend failure fails open: admission control degrades before
// availability does.
func (o *Orchestrator) gateCaller(ctx context.Context, req *domain.GenerationRequest) error {
	if o.limiter == nil {
		return nil
	}
	keys := make([]string, 0, 2)
	if req.ClientIP != "" {
		keys = append(keys, ratelimit.IPKey(req.ClientIP))
	}
	if req.TenantID != "" {
		keys = append(keys, ratelimit.UserKey(req.TenantID))
	}
	return o.gate(ctx, keys)
}

// gateProvider applies the shared upstream buckets checked before every
// provider attempt.
func (o *Orchestrator) gateProvider(ctx context.Context, provider string) error {
	if o.limiter == nil {
		return nil
	}
	return o.gate(ctx, []string{ratelimit.ProviderKey(provider), ratelimit.GlobalKey})
}

func (o *Orchestrator) gate(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	d, deniedKey, err := ratelimit.Check(ctx, o.limiter, keys...)
	if err != nil {
		o.logger.Warn("rate limiter unavailable, failing open", "error", err)
		return nil
	}
	if !d.Allowed {
		scope := ratelimit.ScopeClass(deniedKey)
		metrics.RecordRateLimitDenial(scope)
		return &domain.RateLimitError{Scope: scope, RetryAfter: d.RetryAfter}
	}
	return nil
}

func (o *Orchestrator) cacheLookup(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, bool) {
	if o.cache == nil {
		return nil, false
	}
	resp, ok := o.cache.Get(ctx, cache.Key(req))
	if !ok {
		metrics.RecordCacheMiss(req.TenantID)
		return nil, false
	}
	return resp, true
}

func (o *Orchestrator) cacheStore(ctx context.Context, req *domain.GenerationRequest, resp *domain.GenerationResponse) {
	if o.cache == nil {
		return
	}
	// The cached copy carries no delivery metadata; every later hit gets
	// its own.
	cached := *resp
	cached.Meta = nil
	if err := o.cache.Set(ctx, cache.Key(req), &cached); err != nil {
		o.logger.Warn("cache store failed", "request_id", req.ID, "error", err)
	}
}

// deliver clones a shared or cached response and stamps this caller's
// delivery metadata.
func (o *Orchestrator) deliver(ctx context.Context, req *domain.GenerationRequest, resp *domain.GenerationResponse, start time.Time, meta domain.RouteMeta) *domain.GenerationResponse {
	out := *resp
	meta.RequestID = req.ID
	meta.Provider = resp.Provider
	meta.LatencyMs = time.Since(start).Milliseconds()
	if meta.TraceID == "" {
		meta.TraceID = telemetry.GetTraceID(ctx)
	}
	out.Meta = &meta
	return &out
}

func (o *Orchestrator) record(req *domain.GenerationRequest, resp *domain.GenerationResponse, start time.Time, costCents int64, cacheHit, coalesced bool) {
	if o.usage == nil {
		return
	}
	o.usage.Record(usage.Record{
		RequestID:        req.ID,
		TenantID:         req.TenantID,
		Provider:         resp.Provider,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		CostCents:        costCents,
		CacheHit:         cacheHit,
		Coalesced:        coalesced,
		LatencyMs:        time.Since(start).Milliseconds(),
		CreatedAt:        time.Now().UTC(),
	})
}

func (o *Orchestrator) releaseReservation(ctx context.Context, provider string, res *ledger.Reservation) {
	if err := o.ledger.Release(context.WithoutCancel(ctx), res); err != nil {
		o.logger.Error("release reservation", "provider", provider, "error", err)
	}
}

func (o *Orchestrator) commitReservation(ctx context.Context, provider string, res *ledger.Reservation, actualCents int64) {
	if err := o.ledger.Commit(context.WithoutCancel(ctx), res, actualCents); err != nil {
		o.logger.Error("commit reservation", "provider", provider, "error", err)
	}
}

// diagnostic reduces an attempt failure to the per-provider entry carried
// by the terminal exhaustion error.
func diagnostic(provider string, err error) domain.Diagnostic {
	d := domain.Diagnostic{Provider: provider, Reason: failureReason(err)}
	switch {
	case errors.Is(err, domain.ErrBudgetExceeded),
		errors.Is(err, domain.ErrCircuitOpen),
		errors.Is(err, domain.ErrProviderAtCapacity):
		// Orchestration-local denials carry no provider error category.
	default:
		d.Category = domain.CategoryOf(err)
	}
	return d
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrBudgetExceeded):
		return "budget exhausted"
	case errors.Is(err, domain.ErrCircuitOpen):
		return "circuit open"
	case errors.Is(err, domain.ErrProviderAtCapacity):
		return "at max concurrency"
	case errors.Is(err, domain.ErrRateLimited):
		return "provider rate limited"
	default:
		return err.Error()
	}
}
