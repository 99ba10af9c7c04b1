package domain

import "time"

// GenerationRequest is a single document-generation call. Values are treated
// as immutable once normalized: PromptHash is derived from the fields that
// affect output determinism (model, messages, sampling parameters) and
// deliberately excludes TenantID, ClientIP, MaxCostCents and Deadline.
type GenerationRequest struct {
	ID           string    `json:"id,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	ClientIP     string    `json:"client_ip,omitempty"`
	Model        string    `json:"model"`
	Messages     []Message `json:"messages"`
	Temperature  *float64  `json:"temperature,omitempty"`
	MaxTokens    *int      `json:"max_tokens,omitempty"`
	MaxCostCents int64     `json:"max_cost_cents,omitempty"`
	Deadline     time.Time `json:"deadline,omitzero"`
	Stream       bool      `json:"stream,omitempty"`
	PromptHash   string    `json:"-"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationResponse carries the completed document. The core fields are what
// the cache stores; Meta is attached per delivery and never cached.
type GenerationResponse struct {
	ID           string     `json:"id"`
	Model        string     `json:"model"`
	Provider     string     `json:"provider"`
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        Usage      `json:"usage"`
	Created      int64      `json:"created"`
	Meta         *RouteMeta `json:"x_modelmux,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// RouteMeta describes how one delivery of a response was produced.
type RouteMeta struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	LatencyMs int64  `json:"latency_ms"`
	CostCents int64  `json:"cost_cents"`
	CacheHit  bool   `json:"cache_hit"`
	Coalesced bool   `json:"coalesced,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// StreamChunk is one piece of a streamed generation. Usage is only set on
// the final chunk, when the provider reports it.
type StreamChunk struct {
	Provider     string `json:"provider,omitempty"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
}
