// Package completion adapts chat-completion APIs to matching.CompletionService.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"billing-reconciliation-backend/internal/config"
	"billing-reconciliation-backend/internal/retry"
	"billing-reconciliation-backend/internal/services/matching"
)

const defaultModel = "gpt-4o-mini"

// OpenAIService asks an OpenAI-compatible chat endpoint for a JSON object.
type OpenAIService struct {
	client      *openai.Client
	model       string
	temperature float32
	retry       retry.Policy
}

var _ matching.CompletionService = (*OpenAIService)(nil)

func NewOpenAIService(cfg config.OpenAIConfig, httpClient *http.Client, policy retry.Policy) *OpenAIService {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	policy.Retryable = isRetryable
	return &OpenAIService{
		client:      openai.NewClientWithConfig(oc),
		model:       model,
		temperature: cfg.Temperature,
		retry:       policy,
	}
}

func (s *OpenAIService) Complete(ctx context.Context, systemPrompt, userPrompt string) (json.RawMessage, error) {
	req := openai.ChatCompletionRequest{
		Model:       s.model,
		Temperature: s.temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var content string
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		resp, err := s.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("completion returned no choices")
		}
		content = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	raw := json.RawMessage(stripFence(content))
	if !json.Valid(raw) {
		return nil, errors.New("completion is not valid JSON")
	}
	return raw, nil
}

// stripFence removes a ```json ... ``` wrapper some models add despite
// the JSON response format.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return retry.IsRetryable(err)
}
