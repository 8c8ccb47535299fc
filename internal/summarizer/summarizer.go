// Package summarizer provides the text compression capability used by the
// consolidation engine. The default implementation is extractive and fully
// deterministic; the gemini implementation trades determinism for quality.
package summarizer

import (
	"context"
	"strings"

	"mnemo/internal/config"
	"mnemo/internal/ingest"
	"mnemo/internal/types"
)

// Summarizer compresses text toward a token target. Implementations aim for
// the target but may land within roughly twenty percent of it.
type Summarizer interface {
	Summarize(ctx context.Context, text string, targetTokens int) (string, error)
}

// FromConfig builds the configured implementation. An unknown provider or a
// gemini provider without a key falls back to extractive.
func FromConfig(cfg config.SummarizerConfig) Summarizer {
	if cfg.Provider == "gemini" && cfg.APIKey != "" {
		return NewGemini(cfg.APIKey, cfg.Model)
	}
	return Extractive{}
}

// Extractive summarizes by keeping leading sentences until the token target
// is met. No model involved, so consolidation stays reproducible.
type Extractive struct{}

// Summarize keeps whole sentences from the front of text until adding the
// next one would exceed targetTokens. At least one sentence always survives.
func (Extractive) Summarize(_ context.Context, text string, targetTokens int) (string, error) {
	if targetTokens <= 0 {
		return "", types.Errorf("summarizer.Summarize", types.KindInvalid, "target tokens must be positive")
	}
	text = strings.TrimSpace(text)
	if ingest.EstimateTokens(text) <= targetTokens {
		return text, nil
	}

	sentences := splitSentences(text)
	var (
		sb   strings.Builder
		used int
	)
	for i, s := range sentences {
		tok := ingest.EstimateTokens(s)
		if i > 0 && used+tok > targetTokens {
			break
		}
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(s)
		used += tok
	}
	return sb.String(), nil
}

// splitSentences breaks text on sentence-ending punctuation followed by
// whitespace. Newlines also terminate a sentence.
func splitSentences(text string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		end := false
		switch r {
		case '.', '!', '?':
			end = i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n'
		case '\n':
			end = true
		}
		if end {
			s := strings.TrimSpace(string(runes[start : i+1]))
			if s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}
