package summarizer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"
)

// Gemini summarizes through the Gemini API. The client is created on first
// use so construction never touches the network.
type Gemini struct {
	apiKey string
	model  string

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGemini builds a Gemini-backed summarizer.
func NewGemini(apiKey, model string) *Gemini {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Gemini{apiKey: apiKey, model: model}
}

func (g *Gemini) init(ctx context.Context) error {
	g.once.Do(func() {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: g.apiKey,
		})
		if err != nil {
			g.initErr = fmt.Errorf("failed to create GenAI client: %w", err)
			return
		}
		g.client = client
	})
	return g.initErr
}

// Summarize asks the model for a compression near targetTokens. The word
// budget in the prompt is derived from the usual 0.75 words-per-token ratio.
func (g *Gemini) Summarize(ctx context.Context, text string, targetTokens int) (string, error) {
	if err := g.init(ctx); err != nil {
		return "", err
	}

	words := targetTokens * 3 / 4
	prompt := fmt.Sprintf(
		"Summarize the following in at most %d words. Preserve concrete facts, names and decisions; drop narration.\n\n%s",
		words, text)

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("gemini summarize: %w", err)
	}
	out := strings.TrimSpace(result.Text())
	if out == "" {
		return "", fmt.Errorf("gemini summarize: empty response")
	}
	return out, nil
}
