package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/KaramelBytes/analyzethis/internal/ai"
	cfgpkg "github.com/KaramelBytes/analyzethis/internal/config"
	"github.com/KaramelBytes/analyzethis/internal/export"
	"github.com/KaramelBytes/analyzethis/internal/utils"
)

func selectModel(cfg *cfgpkg.Global, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if cfg != nil && cfg.DefaultModel != "" {
		return cfg.DefaultModel
	}
	return ai.DefaultModel
}

func selectMaxTokens(cfg *cfgpkg.Global, explicit int) int {
	if explicit > 0 {
		return explicit
	}
	if cfg != nil && cfg.MaxTokens > 0 {
		return cfg.MaxTokens
	}
	return ai.DefaultMaxTokens
}

func enforceBudget(estCost, limit float64) error {
	if limit > 0 && estCost > 0 && estCost > limit {
		return fmt.Errorf("estimated cost ~$%.4f exceeds budget limit ~$%.4f", estCost, limit)
	}
	return nil
}

// preflight prints context-window and cost warnings for a prompt and returns
// the estimated maximum cost (0 when the model is not in the catalog).
func preflight(w io.Writer, model, prompt string, maxTokens int, quiet bool) float64 {
	tokens := utils.CountTokens(prompt)
	if !quiet {
		fmt.Fprintf(w, "Tokens: prompt≈%d, max-tokens=%d\n", tokens, maxTokens)
	}
	mi, ok := ai.LookupModel(model)
	if !ok {
		return 0
	}
	if tokens+maxTokens > mi.ContextTokens && !quiet {
		fmt.Fprintf(w, "⚠ Prompt (%d tokens) + max-tokens (%d) exceeds %s context window (~%d tokens).\n",
			tokens, maxTokens, mi.Name, mi.ContextTokens)
	}
	cost, _ := ai.EstimateCostUSD(model, tokens, maxTokens)
	if !quiet {
		fmt.Fprintf(w, "Estimated max cost: ~$%.4f (in %.4f/out %.4f per 1K tokens)\n", cost, mi.InputPerK, mi.OutputPerK)
	}
	return cost
}

// explainCompletionError adds a user-facing hint to common failure classes.
func explainCompletionError(err error, model string) error {
	var (
		authErr *ai.AuthError
		rlErr   *ai.RateLimitError
		nfErr   *ai.ModelNotFoundError
		brErr   *ai.BadRequestError
		qErr    *ai.QuotaExceededError
		sErr    *ai.ServerError
		unreach *ai.UnreachableError
	)
	switch {
	case errors.Is(err, ai.ErrNoCredential):
		return fmt.Errorf("no API key: run 'analyzethis user set-key <key>', set OPENROUTER_API_KEY or add api_key in config (~/.analyzethis/config.yaml): %w", err)
	case errors.As(err, &unreach):
		return fmt.Errorf("endpoint unreachable. Check your network and provider settings: %w", err)
	case errors.As(err, &authErr):
		return fmt.Errorf("authentication failed: check your API key: %w", err)
	case errors.As(err, &rlErr):
		if rlErr.RetryAfter > 0 {
			return fmt.Errorf("rate limited, try again in ~%ds: %w", int(rlErr.RetryAfter.Seconds()), err)
		}
		return fmt.Errorf("rate limited by provider, please retry: %w", err)
	case errors.As(err, &nfErr):
		return fmt.Errorf("model not found (%s). Verify the model name or see 'analyzethis models show': %w", model, err)
	case errors.As(err, &brErr):
		return fmt.Errorf("request invalid. Try reducing the prompt or max-tokens: %w", err)
	case errors.As(err, &qErr):
		return fmt.Errorf("quota/billing issue. Check your provider account: %w", err)
	case errors.As(err, &sErr):
		return fmt.Errorf("provider appears unavailable (server error). Please retry later: %w", err)
	default:
		return err
	}
}

// writeExport writes an export file to path, or into dir under its own name
// when path is an existing directory or empty.
func writeExport(f export.File, path string) (string, error) {
	if path == "" {
		path = f.Name
	} else if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, f.Name)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := utils.EnsureDir(dir); err != nil {
			return "", err
		}
	}
	if err := utils.SafeWriteFile(path, f.Data); err != nil {
		return "", fmt.Errorf("write output: %w", err)
	}
	return path, nil
}
