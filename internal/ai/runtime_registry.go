package ai

import (
	"sort"
	"time"
)

// RuntimeFactory builds a Runtime from the generic config below.
type RuntimeFactory func(RuntimeConfig) Runtime

// RuntimeConfig carries common knobs used by runtimes.
type RuntimeConfig struct {
	HTTPTimeout time.Duration
	APIKey      string
	// BaseURL overrides the provider endpoint (self-hosted gateways, tests).
	BaseURL string
}

var registry = map[string]RuntimeFactory{}

// RegisterRuntime registers a provider name with its factory.
func RegisterRuntime(name string, f RuntimeFactory) { registry[name] = f }

// GetRuntime creates a Runtime for the given provider if registered.
func GetRuntime(name string, cfg RuntimeConfig) (Runtime, bool) {
	if f, ok := registry[name]; ok {
		return f(cfg), true
	}
	return nil, false
}

// LookupRuntime returns the factory for a provider.
func LookupRuntime(name string) (RuntimeFactory, bool) {
	f, ok := registry[name]
	return f, ok
}

// Providers lists registered provider names.
func Providers() []string {
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	RegisterRuntime(ProviderOpenRouter, func(c RuntimeConfig) Runtime {
		return NewClientWithBaseURL(c.APIKey, c.HTTPTimeout, c.BaseURL)
	})
	RegisterRuntime(ProviderOpenAI, func(c RuntimeConfig) Runtime {
		return NewOpenAIRuntime(c.APIKey, c.BaseURL, c.HTTPTimeout)
	})
}
