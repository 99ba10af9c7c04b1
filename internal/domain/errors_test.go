package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCategoryTemporary(t *testing.T) {
	tests := []struct {
		category ErrorCategory
		want     bool
	}{
		{CategoryRateLimited, true},
		{CategoryTimeout, true},
		{CategoryServer, true},
		{CategoryAuth, false},
		{CategoryInvalidRequest, false},
	}

	for _, tt := range tests {
		if got := tt.category.Temporary(); got != tt.want {
			t.Errorf("Temporary(%s) = %v, want %v", tt.category, got, tt.want)
		}
	}
}

func TestCategoryOf(t *testing.T) {
	pe := NewProviderError("openai", CategoryAuth, errors.New("bad key"))
	if got := CategoryOf(pe); got != CategoryAuth {
		t.Errorf("CategoryOf(provider error) = %s, want auth", got)
	}

	wrapped := fmt.Errorf("attempt failed: %w", pe)
	if got := CategoryOf(wrapped); got != CategoryAuth {
		t.Errorf("CategoryOf(wrapped) = %s, want auth", got)
	}

	if got := CategoryOf(context.DeadlineExceeded); got != CategoryTimeout {
		t.Errorf("CategoryOf(deadline) = %s, want timeout", got)
	}

	if got := CategoryOf(errors.New("boom")); got != CategoryServer {
		t.Errorf("CategoryOf(unclassified) = %s, want server", got)
	}
}

func TestRateLimitErrorUnwrapsToSentinel(t *testing.T) {
	err := &RateLimitError{Scope: "ip", RetryAfter: 2 * time.Second}

	if !errors.Is(err, ErrRateLimited) {
		t.Error("RateLimitError should match ErrRateLimited")
	}

	var rle *RateLimitError
	if !errors.As(err, &rle) || rle.Scope != "ip" {
		t.Error("expected scope to survive errors.As")
	}
}

func TestExhaustedErrorAggregatesDiagnostics(t *testing.T) {
	err := &ExhaustedError{Diagnostics: []Diagnostic{
		{Provider: "openai", Category: CategoryRateLimited, Reason: "upstream 429"},
		{Provider: "anthropic", Category: CategoryServer, Reason: "upstream 500"},
	}}

	if !errors.Is(err, ErrAllProvidersExhausted) {
		t.Error("ExhaustedError should match ErrAllProvidersExhausted")
	}

	msg := err.Error()
	if msg == "" || msg == ErrAllProvidersExhausted.Error() {
		t.Errorf("expected per-provider reasons in message, got %q", msg)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&RateLimitError{Scope: "user", RetryAfter: time.Second}, "rate_limited"},
		{fmt.Errorf("reserve: %w", ErrBudgetExceeded), "budget_exceeded"},
		{ErrNoProvidersAvailable, "no_providers_available"},
		{&ExhaustedError{}, "all_providers_exhausted"},
		{fmt.Errorf("%w: %w", ErrFatalRequest, errors.New("bad model")), "invalid_request"},
		{context.DeadlineExceeded, "deadline_exceeded"},
		{context.Canceled, "canceled"},
		{errors.New("boom"), "internal_error"},
	}

	for _, tt := range tests {
		if got := ErrorCode(tt.err); got != tt.want {
			t.Errorf("ErrorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
