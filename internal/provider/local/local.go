// Package local adapts an Ollama-compatible HTTP endpoint. It is the
// zero-cost fallback of last resort: always configured with the lowest
// weight, it serves when every hosted provider is unavailable.
package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/quillforge/modelmux/internal/domain"
	"github.com/quillforge/modelmux/internal/httputil"
)

type Provider struct {
	baseURL   string
	client    *http.Client
	streaming *http.Client
}

func New(baseURL string) *Provider {
	return &Provider{
		baseURL:   baseURL,
		client:    httputil.DefaultClient(),
		streaming: httputil.StreamingClient(),
	}
}

func (p *Provider) ID() string {
	return "local"
}

func (p *Provider) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	body, err := json.Marshal(toChatRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return toGenerationResponse(chatResp, req.Model), nil
}

func (p *Provider) GenerateStream(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		body, err := json.Marshal(toChatRequest(req, true))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			errs <- fmt.Errorf("create request: %w", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.streaming.Do(httpReq)
		if err != nil {
			errs <- fmt.Errorf("do request: %w", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- statusError(resp)
			return
		}

		// The response is newline-delimited JSON; the closing message has
		// done=true and carries the token counts.
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var cr chatResponse
			if err := json.Unmarshal(line, &cr); err != nil {
				continue
			}

			chunk := domain.StreamChunk{Provider: "local", Content: cr.Message.Content}
			if cr.Done {
				chunk.FinishReason = "stop"
				chunk.Usage = &domain.Usage{
					PromptTokens:     cr.PromptEvalCount,
					CompletionTokens: cr.EvalCount,
					TotalTokens:      cr.PromptEvalCount + cr.EvalCount,
				}
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}

			if cr.Done {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- fmt.Errorf("scan stream: %w", err)
		}
	}()

	return chunks, errs
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("local endpoint unhealthy: status=%d", resp.StatusCode)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	err := fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body))
	category := domain.CategoryServer
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		category = domain.CategoryInvalidRequest
	}
	return domain.NewProviderError("local", category, err)
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

func toChatRequest(req *domain.GenerationRequest, stream bool) chatRequest {
	messages := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}

	out := chatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if req.Temperature != nil || req.MaxTokens != nil {
		out.Options = &chatOptions{}
		if req.Temperature != nil {
			out.Options.Temperature = *req.Temperature
		}
		if req.MaxTokens != nil {
			out.Options.NumPredict = *req.MaxTokens
		}
	}
	return out
}

func toGenerationResponse(resp chatResponse, model string) *domain.GenerationResponse {
	return &domain.GenerationResponse{
		ID:           fmt.Sprintf("local-%d", time.Now().UnixNano()),
		Model:        model,
		Provider:     "local",
		Content:      resp.Message.Content,
		FinishReason: "stop",
		Created:      time.Now().Unix(),
		Usage: domain.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
}
