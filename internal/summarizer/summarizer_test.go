package summarizer

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/config"
	"mnemo/internal/ingest"
	"mnemo/internal/types"
)

func TestExtractiveKeepsShortTextWhole(t *testing.T) {
	out, err := Extractive{}.Summarize(context.Background(), "Short enough already.", 100)
	require.NoError(t, err)
	assert.Equal(t, "Short enough already.", out)
}

func TestExtractiveCompressesTowardTarget(t *testing.T) {
	text := strings.Repeat("This sentence pads the narrative with detail. ", 30) +
		"The key decision was to shard by tenant."
	out, err := Extractive{}.Summarize(context.Background(), text, 20)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
	assert.Less(t, ingest.EstimateTokens(out), ingest.EstimateTokens(text))
	assert.True(t, strings.HasPrefix(text, out), "extractive keeps leading sentences")
}

func TestExtractiveAlwaysKeepsOneSentence(t *testing.T) {
	text := "One very long opening sentence that by itself is far over any small target budget we might set here."
	out, err := Extractive{}.Summarize(context.Background(), text, 2)
	require.NoError(t, err)
	assert.Equal(t, text, out)
}

func TestExtractiveRejectsBadTarget(t *testing.T) {
	_, err := Extractive{}.Summarize(context.Background(), "text", 0)
	assert.True(t, types.IsKind(err, types.KindInvalid))
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("First one. Second one!\nThird line without punctuation")
	require.Len(t, got, 3)
	assert.Equal(t, "First one.", got[0])
	assert.Equal(t, "Second one!", got[1])
	assert.Equal(t, "Third line without punctuation", got[2])
}

func TestFromConfigFallsBackToExtractive(t *testing.T) {
	s := FromConfig(config.SummarizerConfig{Provider: "gemini"})
	_, ok := s.(Extractive)
	assert.True(t, ok, "gemini without a key falls back")

	s = FromConfig(config.SummarizerConfig{Provider: "extractive"})
	_, ok = s.(Extractive)
	assert.True(t, ok)

	s = FromConfig(config.SummarizerConfig{Provider: "gemini", APIKey: "k"})
	_, ok = s.(*Gemini)
	assert.True(t, ok)
}
