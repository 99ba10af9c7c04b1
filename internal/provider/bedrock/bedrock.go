// Package bedrock adapts AWS Bedrock's runtime API, speaking the Anthropic
// messages payload that Claude models on Bedrock expect.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/quillforge/modelmux/internal/domain"
)

const defaultMaxTokens = 4096

type Provider struct {
	client *bedrockruntime.Client
	region string
}

func New(ctx context.Context, region string) (*Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewWithConfig(cfg), nil
}

func NewWithConfig(cfg aws.Config) *Provider {
	return &Provider{
		client: bedrockruntime.NewFromConfig(cfg),
		region: cfg.Region,
	}
}

func (p *Provider) ID() string {
	return "bedrock"
}

func (p *Provider) Generate(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error) {
	body, err := json.Marshal(toInvokeRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	input := &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(mapModelID(req.Model)),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	}

	output, err := p.client.InvokeModel(ctx, input)
	if err != nil {
		return nil, classify(err)
	}

	return parseResponse(output.Body, req.Model)
}

func (p *Provider) GenerateStream(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		body, err := json.Marshal(toInvokeRequest(req))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		input := &bedrockruntime.InvokeModelWithResponseStreamInput{
			ModelId:     aws.String(mapModelID(req.Model)),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		}

		output, err := p.client.InvokeModelWithResponseStream(ctx, input)
		if err != nil {
			errs <- classify(err)
			return
		}

		stream := output.GetStream()
		defer stream.Close()

		var inputTokens, outputTokens int
		stopReason := ""

		for event := range stream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}

			var ev streamEvent
			if err := json.Unmarshal(chunk.Value.Bytes, &ev); err != nil {
				continue
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					inputTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if ev.Delta == nil || ev.Delta.Text == "" {
					continue
				}
				select {
				case chunks <- domain.StreamChunk{Provider: "bedrock", Content: ev.Delta.Text}:
				case <-ctx.Done():
					return
				}
			case "message_delta":
				if ev.Usage != nil {
					outputTokens = ev.Usage.OutputTokens
				}
				if ev.Delta != nil && ev.Delta.StopReason != "" {
					stopReason = ev.Delta.StopReason
				}
			case "message_stop":
				final := domain.StreamChunk{
					Provider:     "bedrock",
					FinishReason: mapStopReason(stopReason),
					Usage: &domain.Usage{
						PromptTokens:     inputTokens,
						CompletionTokens: outputTokens,
						TotalTokens:      inputTokens + outputTokens,
					},
				}
				select {
				case chunks <- final:
				case <-ctx.Done():
				}
				return
			}
		}

		if err := stream.Err(); err != nil {
			errs <- classify(err)
		}
	}()

	return chunks, errs
}

func (p *Provider) HealthCheck(ctx context.Context) error {
	return nil
}

// classify maps SDK exception types onto orchestrator categories. Unknown
// failures default to server, which keeps them fallback-eligible.
func classify(err error) error {
	var category domain.ErrorCategory
	var (
		throttled *types.ThrottlingException
		denied    *types.AccessDeniedException
		invalid   *types.ValidationException
		notFound  *types.ResourceNotFoundException
		modelSlow *types.ModelTimeoutException
		quotaOver *types.ServiceQuotaExceededException
	)
	switch {
	case errors.As(err, &throttled), errors.As(err, &quotaOver):
		category = domain.CategoryRateLimited
	case errors.As(err, &denied):
		category = domain.CategoryAuth
	case errors.As(err, &invalid), errors.As(err, &notFound):
		category = domain.CategoryInvalidRequest
	case errors.As(err, &modelSlow):
		category = domain.CategoryTimeout
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		// Pass through for the caller to inspect.
		return fmt.Errorf("invoke model: %w", err)
	default:
		category = domain.CategoryServer
	}
	return domain.NewProviderError("bedrock", category, err)
}

type invokeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []invokeMessage `json:"messages"`
	System           string          `json:"system,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
}

type invokeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type invokeResponse struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      invokeUsage    `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type invokeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type streamEvent struct {
	Type    string         `json:"type"`
	Message *streamMessage `json:"message,omitempty"`
	Delta   *streamDelta   `json:"delta,omitempty"`
	Usage   *invokeUsage   `json:"usage,omitempty"`
}

type streamMessage struct {
	Usage invokeUsage `json:"usage"`
}

type streamDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	StopReason string `json:"stop_reason,omitempty"`
}

// mapModelID translates the short model names callers use into Bedrock
// model identifiers. Unknown names pass through unchanged.
func mapModelID(model string) string {
	modelMap := map[string]string{
		"claude-3-5-sonnet": "anthropic.claude-3-5-sonnet-20241022-v2:0",
		"claude-3-5-haiku":  "anthropic.claude-3-5-haiku-20241022-v1:0",
		"claude-3-opus":     "anthropic.claude-3-opus-20240229-v1:0",
		"titan-text":        "amazon.titan-text-express-v1",
		"llama3-70b":        "meta.llama3-70b-instruct-v1:0",
		"llama3-8b":         "meta.llama3-8b-instruct-v1:0",
	}
	if mapped, ok := modelMap[model]; ok {
		return mapped
	}
	return model
}

func toInvokeRequest(req *domain.GenerationRequest) invokeRequest {
	var system string
	var messages []invokeMessage
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		messages = append(messages, invokeMessage{Role: m.Role, Content: m.Content})
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	return invokeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages:         messages,
		System:           system,
		Temperature:      req.Temperature,
	}
}

func parseResponse(body []byte, model string) (*domain.GenerationResponse, error) {
	var resp invokeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &domain.GenerationResponse{
		ID:           resp.ID,
		Model:        model,
		Provider:     "bedrock",
		Content:      content,
		FinishReason: mapStopReason(resp.StopReason),
		Created:      time.Now().Unix(),
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}
