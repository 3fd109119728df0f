package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultOpenRouterURL is the chat-completions base used when none is configured.
const DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

// Client is a single-attempt OpenAI-compatible chat-completions client.
// Retries are the caller's concern (see Completer).
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type GenerateRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type GenerateResponse struct {
	ID        string   `json:"id"`
	Model     string   `json:"model,omitempty"`
	Choices   []Choice `json:"choices"`
	Usage     Usage    `json:"usage"`
	RequestID string   `json:"-"`
}

// Text returns the first choice's content.
func (r *GenerateResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// APIError represents a structured API error response.
type APIError struct {
	StatusCode int            `json:"-"`
	Code       string         `json:"code,omitempty"`
	Message    string         `json:"message,omitempty"`
	Raw        map[string]any `json:"-"`
	RequestID  string         `json:"-"`
}

func (e *APIError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "api error: status=%d", e.StatusCode)
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.RequestID != "" {
		fmt.Fprintf(&b, " request_id=%s", e.RequestID)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, " message=%s", e.Message)
	}
	return b.String()
}

// NewClient builds a client against the public OpenRouter endpoint.
func NewClient(apiKey string, httpTimeout time.Duration) *Client {
	return NewClientWithBaseURL(apiKey, httpTimeout, "")
}

// NewClientWithBaseURL allows pointing at any OpenAI-compatible endpoint (and test servers).
func NewClientWithBaseURL(apiKey string, httpTimeout time.Duration, baseURL string) *Client {
	if httpTimeout <= 0 {
		httpTimeout = 60 * time.Second
	}
	if baseURL == "" {
		baseURL = DefaultOpenRouterURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: httpTimeout},
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error) {
	if c.apiKey == "" {
		return nil, ErrNoCredential
	}
	if req.Model == "" {
		return nil, &BadRequestError{APIError: &APIError{StatusCode: http.StatusBadRequest, Message: "model cannot be empty"}}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("HTTP-Referer", "https://github.com/KaramelBytes/analyzethis")
	httpReq.Header.Set("X-Title", "AnalyzeThis")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &UnreachableError{Host: hostOf(c.baseURL), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		var raw map[string]any
		_ = json.Unmarshal(body, &raw)
		apiErr := &APIError{StatusCode: resp.StatusCode, Raw: raw, RequestID: extractRequestID(resp.Header)}
		if v, ok := raw["error"].(map[string]any); ok {
			apiErr.Message, _ = v["message"].(string)
			apiErr.Code = codeString(v["code"])
		} else {
			apiErr.Message, _ = raw["message"].(string)
			apiErr.Code = codeString(raw["code"])
		}
		return nil, classifyAPIError(apiErr, resp.Header)
	}

	var out GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &MalformedResponseError{Err: fmt.Errorf("decode response: %w", err)}
	}
	out.RequestID = extractRequestID(resp.Header)
	return &out, nil
}

// codeString accepts string or numeric error codes.
func codeString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// parseRetryAfterSeconds tries to interpret Retry-After header value as seconds or HTTP date.
func parseRetryAfterSeconds(v string) (int, error) {
	if s, err := strconv.Atoi(v); err == nil {
		return s, nil
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return int(d.Seconds()), nil
	}
	return 0, fmt.Errorf("invalid Retry-After: %q", v)
}

// classifyAPIError maps generic APIError to typed errors. header may be nil.
func classifyAPIError(apiErr *APIError, header http.Header) error {
	sc := apiErr.StatusCode
	msg := apiErr.Message
	code := apiErr.Code
	if sc == http.StatusUnauthorized || sc == http.StatusForbidden {
		return &AuthError{APIError: apiErr}
	}
	if sc == http.StatusTooManyRequests {
		if code == "insufficient_quota" || code == "quota_exceeded" {
			return &QuotaExceededError{APIError: apiErr}
		}
		var ra time.Duration
		if header != nil {
			if v := header.Get("Retry-After"); v != "" {
				if secs, err := parseRetryAfterSeconds(v); err == nil && secs > 0 {
					ra = time.Duration(secs) * time.Second
				}
			}
		}
		return &RateLimitError{APIError: apiErr, RetryAfter: ra}
	}
	if sc == http.StatusNotFound {
		if code == "model_not_found" || containsAllFold(msg, "model", "not", "found") {
			return &ModelNotFoundError{APIError: apiErr}
		}
		return apiErr
	}
	if sc == http.StatusPaymentRequired || code == "quota_exceeded" || containsAnyFold(msg, "quota", "billing", "insufficient credits") {
		return &QuotaExceededError{APIError: apiErr}
	}
	if sc == http.StatusBadRequest || sc == http.StatusUnprocessableEntity {
		return &BadRequestError{APIError: apiErr}
	}
	if sc >= 500 && sc <= 599 {
		return &ServerError{APIError: apiErr}
	}
	return apiErr
}

func containsAllFold(s string, subs ...string) bool {
	for _, sub := range subs {
		if !containsFold(s, sub) {
			return false
		}
	}
	return true
}

func containsAnyFold(s string, subs ...string) bool {
	for _, sub := range subs {
		if containsFold(s, sub) {
			return true
		}
	}
	return false
}

func containsFold(s, sub string) bool {
	if s == "" || sub == "" {
		return false
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// extractRequestID pulls a best-effort request ID from common headers.
func extractRequestID(h http.Header) string {
	if h == nil {
		return ""
	}
	for _, k := range []string{"X-Request-Id", "OpenAI-Request-ID", "Openrouter-Request-ID", "X-Amzn-Requestid"} {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}

var errEmptyResponse = errors.New("completion returned no content")
