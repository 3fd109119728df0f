package utils

// Token estimates for prompt sizing. The heuristic is ~4 characters per token,
// close enough for context-window warnings and cost previews.

// CountTokens estimates the number of tokens in the given text.
func CountTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	tokens := len([]rune(text)) / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// TokenBreakdown returns a breakdown of labeled sections to token counts.
func TokenBreakdown(sections map[string]string) map[string]int {
	out := make(map[string]int, len(sections))
	for k, v := range sections {
		out[k] = CountTokens(v)
	}
	return out
}
