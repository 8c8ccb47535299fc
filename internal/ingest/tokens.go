package ingest

import "unicode/utf8"

// EstimateTokens approximates the token count of text as ceil(runes/4),
// minimum 1 for non-empty text. The 4-chars-per-token ratio is the standard
// rough estimate for English prose and code; budgets built on it carry slack.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	runes := utf8.RuneCountInString(text)
	est := (runes + 3) / 4
	if est < 1 {
		est = 1
	}
	return est
}
