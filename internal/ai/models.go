package ai

// Model metadata and simple pricing helpers for pre-flight warnings.
// Prices are approximate and should be checked against the provider.

type ModelInfo struct {
	Name          string
	ContextTokens int     // approximate context window
	InputPerK     float64 // USD per 1K input tokens
	OutputPerK    float64 // USD per 1K output tokens
}

var models = map[string]ModelInfo{
	"anthropic/claude-3.5-sonnet": {Name: "anthropic/claude-3.5-sonnet", ContextTokens: 200000, InputPerK: 0.003, OutputPerK: 0.015},
	"anthropic/claude-3-haiku":    {Name: "anthropic/claude-3-haiku", ContextTokens: 200000, InputPerK: 0.00025, OutputPerK: 0.00125},
	"openai/gpt-4o":               {Name: "openai/gpt-4o", ContextTokens: 128000, InputPerK: 0.005, OutputPerK: 0.015},
	"openai/gpt-4o-mini":          {Name: "openai/gpt-4o-mini", ContextTokens: 128000, InputPerK: 0.0006, OutputPerK: 0.0024},
	"gpt-4o":                      {Name: "gpt-4o", ContextTokens: 128000, InputPerK: 0.005, OutputPerK: 0.015},
	"gpt-4o-mini":                 {Name: "gpt-4o-mini", ContextTokens: 128000, InputPerK: 0.0006, OutputPerK: 0.0024},
	"google/gemini-1.5-pro":       {Name: "google/gemini-1.5-pro", ContextTokens: 1000000, InputPerK: 0.00125, OutputPerK: 0.005},
	"meta-llama/llama-3.1-70b-instruct": {
		Name:          "meta-llama/llama-3.1-70b-instruct",
		ContextTokens: 131072,
	},
}

// LookupModel returns ModelInfo and ok flag.
func LookupModel(name string) (ModelInfo, bool) {
	mi, ok := models[name]
	return mi, ok
}

// EstimateCostUSD estimates total cost in USD for given tokens using model pricing.
// If the model is unknown, returns 0 and ok=false.
func EstimateCostUSD(model string, promptTokens, completionTokens int) (float64, bool) {
	mi, ok := LookupModel(model)
	if !ok {
		return 0, false
	}
	inCost := (float64(promptTokens) / 1000.0) * mi.InputPerK
	outCost := (float64(completionTokens) / 1000.0) * mi.OutputPerK
	return inCost + outCost, true
}

// Catalog returns a shallow copy of the model catalog.
func Catalog() map[string]ModelInfo {
	out := make(map[string]ModelInfo, len(models))
	for k, v := range models {
		out[k] = v
	}
	return out
}
