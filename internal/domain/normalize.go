package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// Normalize assigns the request its identity: a generated ID when the caller
// did not supply one, and the prompt hash over the fields that determine the
// output. Two requests differing only in TenantID, ClientIP, MaxCostCents or
// Deadline normalize to the same hash.
func (r *GenerationRequest) Normalize() {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.PromptHash == "" {
		r.PromptHash = hashPrompt(r)
	}
}

func hashPrompt(r *GenerationRequest) string {
	data, _ := json.Marshal(struct {
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		Temperature *float64  `json:"temperature,omitempty"`
		MaxTokens   *int      `json:"max_tokens,omitempty"`
	}{
		Model:       r.Model,
		Messages:    r.Messages,
		Temperature: r.Temperature,
		MaxTokens:   r.MaxTokens,
	})

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
