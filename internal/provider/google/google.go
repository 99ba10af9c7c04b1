// Package google adapts the Gemini API through the official
// generative-ai-go SDK. Conversations map onto a chat session: all but the
// last message become history, system messages become the system
// instruction, and the last message is sent.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/quillforge/modelmux/internal/domain"
)

type Provider struct {
	client *genai.Client
}

func New(ctx context.Context, apiKey string) (*Provider, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Provider{client: client}, nil
}

func (p *Provider) ID() string {
	return "google"
}

// Close releases the underlying API connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	session, last := p.session(req)

	resp, err := session.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return nil, classify(err)
	}

	out := &domain.GenerationResponse{
		ID:       fmt.Sprintf("google-%d", time.Now().UnixNano()),
		Model:    req.Model,
		Provider: "google",
		Created:  time.Now().Unix(),
	}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		out.Content = textOf(cand.Content)
		out.FinishReason = mapFinishReason(cand.FinishReason)
	}
	if resp.UsageMetadata != nil {
		out.Usage = domain.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

func (p *Provider) GenerateStream(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		session, last := p.session(req)
		iter := session.SendMessageStream(ctx, genai.Text(last))

		var usage *domain.Usage
		finishReason := ""

		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				errs <- classify(err)
				return
			}

			// Usage totals accumulate across partial responses; the last
			// one seen is authoritative.
			if resp.UsageMetadata != nil {
				usage = &domain.Usage{
					PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
					CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
				}
			}

			if len(resp.Candidates) == 0 {
				continue
			}
			cand := resp.Candidates[0]
			if r := mapFinishReason(cand.FinishReason); r != "" {
				finishReason = r
			}
			text := textOf(cand.Content)
			if text == "" {
				continue
			}

			select {
			case chunks <- domain.StreamChunk{Provider: "google", Content: text}:
			case <-ctx.Done():
				return
			}
		}

		final := domain.StreamChunk{Provider: "google", FinishReason: finishReason, Usage: usage}
		if final.FinishReason == "" {
			final.FinishReason = "stop"
		}
		select {
		case chunks <- final:
		case <-ctx.Done():
		}
	}()

	return chunks, errs
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}

// session builds the chat session for a request and returns the final user
// message to send on it.
func (p *Provider) session(req *domain.GenerationRequest) (*genai.ChatSession, string) {
	model := p.client.GenerativeModel(req.Model)
	if req.Temperature != nil {
		model.SetTemperature(float32(*req.Temperature))
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(*req.MaxTokens))
	}

	var turns []domain.Message
	for _, m := range req.Messages {
		if m.Role == "system" {
			model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(m.Content)}}
			continue
		}
		turns = append(turns, m)
	}

	last := ""
	if n := len(turns); n > 0 {
		last = turns[n-1].Content
		turns = turns[:n-1]
	}

	session := model.StartChat()
	for _, m := range turns {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		session.History = append(session.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return session, last
}

func textOf(content *genai.Content) string {
	if content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String()
}

func mapFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonStop:
		return "stop"
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonUnspecified:
		return ""
	default:
		return strings.ToLower(strings.TrimPrefix(reason.String(), "FinishReason"))
	}
}

// classify tags SDK errors with the category the orchestrator routes on.
func classify(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		var category domain.ErrorCategory
		switch {
		case gerr.Code == 401 || gerr.Code == 403:
			category = domain.CategoryAuth
		case gerr.Code == 429:
			category = domain.CategoryRateLimited
		case gerr.Code == 408 || gerr.Code == 504:
			category = domain.CategoryTimeout
		case gerr.Code >= 400 && gerr.Code < 500:
			category = domain.CategoryInvalidRequest
		default:
			category = domain.CategoryServer
		}
		return domain.NewProviderError("google", category, err)
	}
	// Deadline and cancellation pass through for the caller to inspect.
	return fmt.Errorf("generate content: %w", err)
}
