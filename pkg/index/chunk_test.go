package index

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkTextEmpty(t *testing.T) {
	assert.Nil(t, ChunkText(""))
	assert.Nil(t, ChunkText("  \n\n  "))
}

func TestChunkTextShortSingleFragment(t *testing.T) {
	fragments := ChunkText("one short paragraph")
	require.Len(t, fragments, 1)
	assert.Equal(t, "one short paragraph", fragments[0])
}

func TestChunkTextPacksParagraphs(t *testing.T) {
	para := strings.Repeat("word ", 100) // ~500 bytes
	text := strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para) + "\n\n" + strings.TrimSpace(para)

	fragments := ChunkText(text)
	require.NotEmpty(t, fragments)
	for _, f := range fragments {
		assert.LessOrEqual(t, len(f), fragmentMax)
	}
	// Two ~500-byte paragraphs fit in one target-sized fragment; the third
	// starts a new one.
	assert.Len(t, fragments, 2)
}

func TestChunkTextHardSplitsOversizedParagraph(t *testing.T) {
	long := strings.TrimSpace(strings.Repeat("lorem ipsum dolor ", 300)) // ~5400 bytes, no blank lines
	fragments := ChunkText(long)
	require.Greater(t, len(fragments), 1)
	for _, f := range fragments {
		assert.LessOrEqual(t, len(f), fragmentMax)
		assert.NotEmpty(t, strings.TrimSpace(f))
	}
	// Splits land on spaces, not mid-word.
	for _, f := range fragments {
		assert.False(t, strings.HasPrefix(f, " "))
		assert.False(t, strings.HasSuffix(f, " "))
	}
}

func TestChunkTextNoContentLost(t *testing.T) {
	text := "alpha beta\n\ngamma delta\n\n" + strings.TrimSpace(strings.Repeat("epsilon ", 400))
	fragments := ChunkText(text)
	joined := strings.Join(fragments, " ")
	for _, word := range []string{"alpha", "beta", "gamma", "delta", "epsilon"} {
		assert.Contains(t, joined, word)
	}
}
