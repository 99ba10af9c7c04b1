package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRateLimited           = errors.New("rate limited")
	ErrBudgetExceeded        = errors.New("budget exceeded")
	ErrCircuitOpen           = errors.New("circuit breaker open")
	ErrProviderAtCapacity    = errors.New("provider at capacity")
	ErrNoProvidersAvailable  = errors.New("no providers available")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrFatalRequest          = errors.New("fatal request error")
	ErrStreamInterrupted     = errors.New("stream interrupted")
)

// ErrorCategory classifies provider failures. Only temporary categories are
// eligible for fallback to the next candidate provider.
type ErrorCategory string

const (
	CategoryAuth           ErrorCategory = "auth"
	CategoryRateLimited    ErrorCategory = "rate_limited"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryServer         ErrorCategory = "server"
	CategoryInvalidRequest ErrorCategory = "invalid_request"
)

// Temporary reports whether a failure of this category may succeed against a
// different provider.
func (c ErrorCategory) Temporary() bool {
	switch c {
	case CategoryRateLimited, CategoryTimeout, CategoryServer:
		return true
	}
	return false
}

// ProviderError tags an upstream failure with the provider that produced it
// and a category the orchestrator can act on.
type ProviderError struct {
	Provider string
	Category ErrorCategory
	Err      error
}

func NewProviderError(provider string, category ErrorCategory, err error) *ProviderError {
	return &ProviderError{Provider: provider, Category: category, Err: err}
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Category, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Category)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// CategoryOf extracts the error category, defaulting to server for errors
// that carry no classification.
func CategoryOf(err error) ErrorCategory {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Category
	}
	if errors.Is(err, ErrRateLimited) {
		return CategoryRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryServer
}

// RateLimitError is the caller-facing denial from the rate limiter.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on scope %s, retry after %s", e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// Diagnostic records why one candidate provider could not serve a request.
type Diagnostic struct {
	Provider string        `json:"provider"`
	Category ErrorCategory `json:"category,omitempty"`
	Reason   string        `json:"reason"`
}

// ExhaustedError aggregates the per-provider failure reasons after every
// candidate has been tried without success.
type ExhaustedError struct {
	Diagnostics []Diagnostic
}

func (e *ExhaustedError) Error() string {
	if len(e.Diagnostics) == 0 {
		return ErrAllProvidersExhausted.Error()
	}
	parts := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		parts = append(parts, fmt.Sprintf("%s: %s", d.Provider, d.Reason))
	}
	return fmt.Sprintf("all providers exhausted: %s", strings.Join(parts, "; "))
}

func (e *ExhaustedError) Unwrap() error {
	return ErrAllProvidersExhausted
}

// ErrorCode maps a terminal orchestration error onto a stable reason code
// used in API error payloads and queued results.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, ErrNoProvidersAvailable):
		return "no_providers_available"
	case errors.Is(err, ErrAllProvidersExhausted):
		return "all_providers_exhausted"
	case errors.Is(err, ErrFatalRequest):
		return "invalid_request"
	case errors.Is(err, ErrStreamInterrupted):
		return "stream_interrupted"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "internal_error"
}
