package ai

import "context"

// Runtime is a single-attempt chat-completions backend.
type Runtime interface {
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResponse, error)
}

// Provider identifiers used across the CLI for selection.
const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"
)
