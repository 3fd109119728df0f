package ai

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoCredential means neither the caller nor the process supplied an API key.
var ErrNoCredential = errors.New("no credential")

// CompletionError is the single failure type surfaced by Completer.
type CompletionError struct {
	Attempts int
	Err      error
}

func (e *CompletionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("completion failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("completion failed: %v", e.Err)
}

func (e *CompletionError) Unwrap() error { return e.Err }

// AuthError indicates authentication/authorization failures (401/403).
type AuthError struct{ *APIError }

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.APIError.Error())
}

// RateLimitError indicates 429 responses and may include a Retry-After.
type RateLimitError struct {
	*APIError
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: wait about %ds before retrying: %s", int(e.RetryAfter.Seconds()), e.APIError.Error())
	}
	return fmt.Sprintf("rate limited: %s", e.APIError.Error())
}

// ModelNotFoundError indicates the requested model is not available.
type ModelNotFoundError struct{ *APIError }

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model not found: %s", e.APIError.Error())
}

// BadRequestError indicates a 4xx request problem (e.g., 400 validation).
type BadRequestError struct{ *APIError }

func (e *BadRequestError) Error() string { return fmt.Sprintf("bad request: %s", e.APIError.Error()) }

// QuotaExceededError indicates billing/quota problems.
type QuotaExceededError struct{ *APIError }

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.APIError.Error())
}

// ServerError indicates 5xx errors from the provider.
type ServerError struct{ *APIError }

func (e *ServerError) Error() string { return fmt.Sprintf("provider error: %s", e.APIError.Error()) }

// UnreachableError indicates the endpoint could not be contacted.
type UnreachableError struct {
	Host string
	Err  error
}

func (e *UnreachableError) Error() string {
	if e == nil {
		return "unreachable"
	}
	if e.Host != "" {
		return fmt.Sprintf("endpoint unreachable at %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("endpoint unreachable: %v", e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// MalformedResponseError wraps a 2xx body that could not be decoded.
type MalformedResponseError struct{ Err error }

func (e *MalformedResponseError) Error() string { return fmt.Sprintf("malformed response: %v", e.Err) }
func (e *MalformedResponseError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNoCredential) {
		return false
	}
	var (
		authErr  *AuthError
		brErr    *BadRequestError
		nfErr    *ModelNotFoundError
		quotaErr *QuotaExceededError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &brErr), errors.As(err, &nfErr), errors.As(err, &quotaErr):
		return false
	}
	return true
}

// retryAfter exposes a provider's Retry-After hint to the retry policy.
func retryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
