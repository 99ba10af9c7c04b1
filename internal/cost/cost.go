// Package cost converts token counts to integer cents. All amounts are
// cents, never floating-point dollars, so concurrent budget arithmetic
// cannot drift.
package cost

import "github.com/quillforge/modelmux/internal/domain"

// Pricing is the per-provider token pricing, in cents per 1000 tokens.
type Pricing struct {
	PromptCentsPer1K     int64
	CompletionCentsPer1K int64
}

// charsPerToken is the usual rough heuristic for latin-script prompts.
const charsPerToken = 4

// defaultMaxCompletionTokens is assumed when a request does not cap
// completion length. Estimates must be upper bounds, so this errs high.
const defaultMaxCompletionTokens = 1024

// messageOverheadTokens accounts for role markers and separators added by
// provider chat templates.
const messageOverheadTokens = 4

// EstimateTokens approximates the prompt token count of a message list.
func EstimateTokens(messages []domain.Message) int {
	tokens := 0
	for _, m := range messages {
		tokens += (len(m.Content) + charsPerToken - 1) / charsPerToken
		tokens += messageOverheadTokens
	}
	return tokens
}

// EstimateCents returns a pessimistic upper bound on the cost of a request:
// the estimated prompt tokens plus the full completion budget. Reservations
// made from this estimate are refunded down to the actual cost on commit.
func EstimateCents(p Pricing, req *domain.GenerationRequest) int64 {
	promptTokens := EstimateTokens(req.Messages)
	completionTokens := defaultMaxCompletionTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		completionTokens = *req.MaxTokens
	}
	return tokenCents(promptTokens, p.PromptCentsPer1K) +
		tokenCents(completionTokens, p.CompletionCentsPer1K)
}

// ActualCents prices the usage a provider reported for a finished call.
func ActualCents(p Pricing, usage domain.Usage) int64 {
	return tokenCents(usage.PromptTokens, p.PromptCentsPer1K) +
		tokenCents(usage.CompletionTokens, p.CompletionCentsPer1K)
}

// TokensFromChars approximates a token count from raw character length.
// Used to settle interrupted streams, where the provider never reports
// final usage.
func TokensFromChars(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + charsPerToken - 1) / charsPerToken
}

// tokenCents rounds up so that sub-1K calls are never priced at zero.
func tokenCents(tokens int, centsPer1K int64) int64 {
	if tokens <= 0 || centsPer1K <= 0 {
		return 0
	}
	return (int64(tokens)*centsPer1K + 999) / 1000
}
