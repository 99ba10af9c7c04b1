package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quillforge/modelmux/internal/cost"
	"github.com/quillforge/modelmux/internal/domain"
	"github.com/quillforge/modelmux/internal/ledger"
	"github.com/quillforge/modelmux/internal/metrics"
	"github.com/quillforge/modelmux/internal/router"
	"github.com/quillforge/modelmux/internal/telemetry"
)

// ExecuteStream runs one streaming generation request. Chunks are
// forwarded as they arrive; the chunk channel is closed when the stream
// ends and at most one terminal error is then delivered on the error
// channel. Streams bypass the cache and coalescing: partial delivery has
// per-caller state that cannot be shared.
func (o *Orchestrator) ExecuteStream(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	out := make(chan domain.StreamChunk)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(out)
		if err := o.stream(ctx, req, out); err != nil {
			errc <- err
		}
	}()

	return out, errc
}

func (o *Orchestrator) stream(ctx context.Context, req *domain.GenerationRequest, out chan<- domain.StreamChunk) error {
	start := time.Now()
	req.Normalize()

	ctx, span := telemetry.StartSpan(ctx, "orchestrator.stream")
	defer span.End()
	telemetry.AddRequestAttributes(span, req.TenantID, "", req.Model, req.ID)

	if err := o.gateCaller(ctx, req); err != nil {
		telemetry.AddErrorAttribute(span, err)
		metrics.RecordRequest(req.TenantID, "none", req.Model, "error", time.Since(start).Seconds())
		return err
	}

	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	cands := o.router.Candidates(req)
	if len(cands) == 0 {
		metrics.RecordRequest(req.TenantID, "none", req.Model, "error", time.Since(start).Seconds())
		return domain.ErrNoProvidersAvailable
	}
	if o.maxAttempts > 0 && len(cands) > o.maxAttempts {
		cands = cands[:o.maxAttempts]
	}

	var diags []domain.Diagnostic
	budgetDenied := 0

	for i, cand := range cands {
		delivered, err := o.streamAttempt(ctx, req, cand, out)
		if err == nil {
			metrics.RecordRequest(req.TenantID, cand.Descriptor.Name, req.Model, "ok", time.Since(start).Seconds())
			return nil
		}
		if delivered {
			// Tokens already reached the caller; switching providers now
			// would silently rewrite delivered output. Surface the break.
			telemetry.AddErrorAttribute(span, err)
			metrics.RecordRequest(req.TenantID, cand.Descriptor.Name, req.Model, "error", time.Since(start).Seconds())
			return err
		}
		if errors.Is(err, domain.ErrFatalRequest) {
			telemetry.AddErrorAttribute(span, err)
			metrics.RecordRequest(req.TenantID, "none", req.Model, "error", time.Since(start).Seconds())
			return err
		}
		if ctx.Err() != nil {
			telemetry.AddErrorAttribute(span, ctx.Err())
			metrics.RecordRequest(req.TenantID, "none", req.Model, "error", time.Since(start).Seconds())
			return ctx.Err()
		}

		if errors.Is(err, domain.ErrBudgetExceeded) {
			budgetDenied++
		}
		diags = append(diags, diagnostic(cand.Descriptor.Name, err))
		if i < len(cands)-1 {
			metrics.RecordFallback(cand.Descriptor.Name)
			o.logger.Warn("stream attempt failed before first chunk, falling back",
				"provider", cand.Descriptor.Name,
				"request_id", req.ID,
				"error", err)
		}
	}

	metrics.RecordRequest(req.TenantID, "none", req.Model, "error", time.Since(start).Seconds())
	if budgetDenied == len(diags) {
		return fmt.Errorf("%w: all candidate providers over budget", domain.ErrBudgetExceeded)
	}
	return &domain.ExhaustedError{Diagnostics: diags}
}

// streamAttempt opens one provider stream and pipes it to the caller.
// delivered reports whether any content chunk was forwarded; once true,
// the caller owns partial output and fallback is off the table.
func (o *Orchestrator) streamAttempt(ctx context.Context, req *domain.GenerationRequest, cand router.Candidate, out chan<- domain.StreamChunk) (delivered bool, err error) {
	name := cand.Descriptor.Name

	if err := o.gateProvider(ctx, name); err != nil {
		return false, err
	}

	adm := o.router.Admission()
	if !adm.TryAcquire(name) {
		return false, fmt.Errorf("%w: %s", domain.ErrProviderAtCapacity, name)
	}
	defer adm.Release(name)

	br := o.breakers.Get(name)
	if err := br.Allow(); err != nil {
		return false, err
	}
	outcomeRecorded := false
	defer func() {
		if !outcomeRecorded {
			br.Discard()
		}
	}()

	if req.MaxCostCents > 0 && cand.Estimate > req.MaxCostCents {
		return false, fmt.Errorf("%w: estimate %d cents exceeds request cap %d",
			domain.ErrBudgetExceeded, cand.Estimate, req.MaxCostCents)
	}

	res, err := o.ledger.Reserve(ctx, name, cand.Estimate)
	if err != nil {
		if errors.Is(err, domain.ErrBudgetExceeded) {
			metrics.RecordBudgetDenial(name)
		}
		return false, err
	}

	// Streams run under the request deadline alone; a per-attempt timeout
	// would cut off legitimately long generations.
	callStart := time.Now()
	chunks, errs := cand.Provider.GenerateStream(ctx, req)

	var (
		firstChunk    time.Duration
		finalUsage    *domain.Usage
		streamErr     error
		completionLen int
	)

receive:
	for {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			break receive
		case chunk, ok := <-chunks:
			if !ok {
				// Chunk channel closed: the provider delivers at most one
				// terminal error afterwards, then closes the error channel.
				select {
				case streamErr = <-errs:
				case <-ctx.Done():
					streamErr = ctx.Err()
				}
				break receive
			}
			if chunk.Provider == "" {
				chunk.Provider = name
			}
			if chunk.Usage != nil {
				finalUsage = chunk.Usage
			}
			if firstChunk == 0 {
				firstChunk = time.Since(callStart)
			}
			select {
			case out <- chunk:
				if chunk.Content != "" {
					delivered = true
					completionLen += len(chunk.Content)
				}
			case <-ctx.Done():
				streamErr = ctx.Err()
				break receive
			}
		}
	}

	if streamErr == nil {
		used, actual := o.settleStream(ctx, req, cand, res, finalUsage, completionLen)
		br.RecordSuccess()
		outcomeRecorded = true

		latency := firstChunk
		if latency == 0 {
			latency = time.Since(callStart)
		}
		o.router.RecordLatency(name, latency)
		metrics.RecordProviderLatency(name, latency.Seconds())
		o.record(req, &domain.GenerationResponse{Provider: name, Model: req.Model, Usage: used}, callStart, actual, false, false)
		return delivered, nil
	}

	category := domain.CategoryOf(streamErr)
	metrics.RecordProviderError(name, string(category))
	// A caller hanging up is not provider misbehavior.
	callerGone := errors.Is(streamErr, context.Canceled)

	if delivered {
		// Partial output was consumed, so the spend is real: commit what
		// actually went over the wire instead of releasing.
		used, actual := o.settleStream(ctx, req, cand, res, finalUsage, completionLen)
		if category.Temporary() && !callerGone {
			br.RecordFailure()
			outcomeRecorded = true
		}
		o.record(req, &domain.GenerationResponse{Provider: name, Model: req.Model, Usage: used}, callStart, actual, false, false)
		return true, fmt.Errorf("%w: %w", domain.ErrStreamInterrupted, streamErr)
	}

	o.releaseReservation(ctx, name, res)
	if !category.Temporary() {
		return false, fmt.Errorf("%w: %w", domain.ErrFatalRequest, streamErr)
	}
	if !callerGone {
		br.RecordFailure()
		outcomeRecorded = true
	}
	return false, streamErr
}

// settleStream commits the spend for delivered stream output. When the
// provider never reported usage (interrupted streams), fall back to a
// character-count estimate of what actually went over the wire.
func (o *Orchestrator) settleStream(ctx context.Context, req *domain.GenerationRequest, cand router.Candidate, res *ledger.Reservation, reported *domain.Usage, completionLen int) (domain.Usage, int64) {
	var used domain.Usage
	if reported != nil {
		used = *reported
	} else {
		used.PromptTokens = cost.EstimateTokens(req.Messages)
		used.CompletionTokens = cost.TokensFromChars(completionLen)
		used.TotalTokens = used.PromptTokens + used.CompletionTokens
	}

	name := cand.Descriptor.Name
	actual := cost.ActualCents(cand.Descriptor.Pricing, used)
	o.commitReservation(ctx, name, res, actual)
	metrics.RecordTokens(name, req.Model, used.PromptTokens, used.CompletionTokens)
	metrics.RecordCost(name, req.Model, actual)
	metrics.SetBudgetHeadroom(name, o.ledger.Headroom(name))
	return used, actual
}
