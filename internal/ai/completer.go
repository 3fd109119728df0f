package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/KaramelBytes/analyzethis/internal/retry"
)

// SystemInstruction is sent ahead of every enhanced prompt.
const SystemInstruction = "You are a helpful data analysis assistant. Provide clear, accurate, and insightful analysis of the given data. Use markdown formatting for headings, lists and tables."

const (
	DefaultModel       = "anthropic/claude-3.5-sonnet"
	DefaultMaxTokens   = 4000
	DefaultTemperature = 0.2
)

// CompleterConfig configures a Completer.
type CompleterConfig struct {
	Provider string
	// Runtime.APIKey is ignored; the key is resolved per call.
	Runtime     RuntimeConfig
	Model       string
	MaxTokens   int
	// Temperature nil means DefaultTemperature; 0 is sent as is.
	Temperature *float64
	// FallbackKey is used when the caller supplies no credential.
	FallbackKey string
	Retry       retry.Policy
	// Timeout bounds one Complete call including retries; 0 disables it.
	Timeout time.Duration
}

// DefaultRetryPolicy is three attempts starting at 2s, doubling, capped at 10s.
func DefaultRetryPolicy() retry.Policy {
	return retry.Exponential(3, 2*time.Second, 10*time.Second)
}

// Request is one completion call.
type Request struct {
	Prompt string
	// Credential overrides the process-wide fallback key.
	Credential string
	Model      string
	MaxTokens  int
}

// Completion is a successful completion.
type Completion struct {
	Text      string
	Model     string
	Attempts  int
	Usage     Usage
	Duration  time.Duration
	RequestID string
}

// Completer sends enhanced prompts to a runtime with retry and timeout.
type Completer struct {
	cfg     CompleterConfig
	factory RuntimeFactory
	log     zerolog.Logger
}

// NewCompleter resolves cfg.Provider from the runtime registry.
func NewCompleter(cfg CompleterConfig, log zerolog.Logger) (*Completer, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = ProviderOpenRouter
	}
	f, ok := LookupRuntime(name)
	if !ok {
		return nil, fmt.Errorf("provider not supported: %s (use %s)", name, strings.Join(Providers(), " or "))
	}
	cfg.Provider = name
	return NewCompleterWithFactory(cfg, f, log), nil
}

// NewCompleterWithFactory uses an explicit runtime factory.
func NewCompleterWithFactory(cfg CompleterConfig, f RuntimeFactory, log zerolog.Logger) *Completer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == nil {
		t := DefaultTemperature
		cfg.Temperature = &t
	}
	if cfg.Retry.MaxAttempts <= 0 {
		clock := cfg.Retry.Clock
		cfg.Retry = DefaultRetryPolicy()
		cfg.Retry.Clock = clock
	}
	return &Completer{cfg: cfg, factory: f, log: log.With().Str("component", "completer").Logger()}
}

// HasFallbackKey reports whether a process-wide key is configured.
func (c *Completer) HasFallbackKey() bool { return strings.TrimSpace(c.cfg.FallbackKey) != "" }

// DefaultModel returns the model used when a request names none.
func (c *Completer) DefaultModel() string { return c.cfg.Model }

// Complete sends the prompt and returns the narrative. Every failure is a *CompletionError.
func (c *Completer) Complete(ctx context.Context, req Request) (*Completion, error) {
	key := strings.TrimSpace(req.Credential)
	if key == "" {
		key = strings.TrimSpace(c.cfg.FallbackKey)
	}
	if key == "" {
		return nil, &CompletionError{Err: ErrNoCredential}
	}

	model := req.Model
	if model == "" {
		model = c.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	rc := c.cfg.Runtime
	rc.APIKey = key
	rt := c.factory(rc)

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	greq := GenerateRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: SystemInstruction},
			{Role: "user", Content: req.Prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: *c.cfg.Temperature,
	}

	policy := c.cfg.Retry
	policy.Retryable = Retryable
	policy.RetryAfter = retryAfter
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay).Str("model", model).Msg("completion attempt failed, retrying")
	}

	start := time.Now()
	var resp *GenerateResponse
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		r, err := rt.Generate(ctx, greq)
		if err != nil {
			return err
		}
		if strings.TrimSpace(r.Text()) == "" {
			return errEmptyResponse
		}
		resp = r
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		c.log.Error().Err(err).Int("attempts", attempts).Dur("duration", elapsed).Str("model", model).Msg("completion failed")
		return nil, &CompletionError{Attempts: attempts, Err: err}
	}
	c.log.Info().
		Int("attempts", attempts).
		Dur("duration", elapsed).
		Str("model", model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("completion finished")

	used := resp.Model
	if used == "" {
		used = model
	}
	return &Completion{
		Text:      resp.Text(),
		Model:     used,
		Attempts:  attempts,
		Usage:     resp.Usage,
		Duration:  elapsed,
		RequestID: resp.RequestID,
	}, nil
}
