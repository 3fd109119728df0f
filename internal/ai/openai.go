package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// OpenAIRuntime talks to OpenAI (or a compatible gateway) through go-openai.
type OpenAIRuntime struct {
	client *openai.Client
	host   string
}

func NewOpenAIRuntime(apiKey, baseURL string, httpTimeout time.Duration) *OpenAIRuntime {
	if httpTimeout <= 0 {
		httpTimeout = 60 * time.Second
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: httpTimeout}
	return &OpenAIRuntime{client: openai.NewClientWithConfig(cfg), host: hostOf(cfg.BaseURL)}
}

func (r *OpenAIRuntime) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	creq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: float32(req.Temperature),
	}
	// Reasoning models reject max_tokens.
	if isReasoningModel(req.Model) {
		creq.MaxCompletionTokens = req.MaxTokens
	} else {
		creq.MaxTokens = req.MaxTokens
	}

	resp, err := r.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, r.mapError(ctx, err)
	}
	out := &GenerateResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, Choice{
			Message:      Message{Role: ch.Message.Role, Content: ch.Message.Content},
			FinishReason: string(ch.FinishReason),
		})
	}
	return out, nil
}

func (r *OpenAIRuntime) mapError(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(&APIError{
			StatusCode: apiErr.HTTPStatusCode,
			Code:       codeString(apiErr.Code),
			Message:    apiErr.Message,
		}, nil)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyAPIError(&APIError{StatusCode: reqErr.HTTPStatusCode, Message: fmt.Sprint(reqErr.Err)}, nil)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &UnreachableError{Host: r.host, Err: err}
}

func isReasoningModel(model string) bool {
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}
