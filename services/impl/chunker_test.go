package impl

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragserve/config"
	"github.com/ragserve/services"
)

func testChunker(target, overlap, min int) *Chunker {
	return NewChunker(config.ChunkingConfig{
		TargetTokens:  target,
		OverlapTokens: overlap,
		MinTokens:     min,
		TokenizerID:   "simple",
	})
}

// wordRun builds "w<from> w<from+1> ... w<to>" with no sentence
// terminators and no capitals, so no snapping can occur.
func wordRun(from, to int) string {
	parts := make([]string, 0, to-from+1)
	for i := from; i <= to; i++ {
		parts = append(parts, fmt.Sprintf("w%d", i))
	}
	return strings.Join(parts, " ")
}

func TestChunker_Chunk_ShortDocumentSingleChunk(t *testing.T) {
	c := testChunker(10, 3, 4)

	chunks := c.Chunk([]services.Page{{Number: 1, Text: "only three tokens"}})

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, "only three tokens", chunks[0].Text)
	assert.Equal(t, 3, chunks[0].TokenCount)
	assert.Equal(t, 1, chunks[0].Page)
}

func TestChunker_Chunk_EmptyInput(t *testing.T) {
	c := testChunker(10, 3, 4)

	assert.Empty(t, c.Chunk(nil))
	assert.Empty(t, c.Chunk([]services.Page{}))
}

func TestChunker_Chunk_WindowsWithOverlap(t *testing.T) {
	c := testChunker(10, 3, 4)

	chunks := c.Chunk([]services.Page{{Number: 1, Text: wordRun(1, 20)}})

	require.Len(t, chunks, 3)
	assert.Equal(t, wordRun(1, 10), chunks[0].Text)
	assert.Equal(t, wordRun(8, 17), chunks[1].Text)
	assert.Equal(t, wordRun(15, 20), chunks[2].Text)
	assert.Equal(t, []int{10, 10, 6}, []int{chunks[0].TokenCount, chunks[1].TokenCount, chunks[2].TokenCount})
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
	}
}

func TestChunker_Chunk_SnapsToSentenceTerminator(t *testing.T) {
	c := testChunker(10, 3, 4)

	// Terminator after the 8th token; the first window would cut at 10
	// but snaps back to the sentence end.
	text := wordRun(1, 7) + " end. " + wordRun(9, 15)
	chunks := c.Chunk([]services.Page{{Number: 1, Text: text}})

	require.Len(t, chunks, 2)
	assert.Equal(t, 8, chunks[0].TokenCount)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "end."))
	assert.Equal(t, 10, chunks[1].TokenCount)
	assert.True(t, strings.HasPrefix(chunks[1].Text, "w6 "))
}

func TestChunker_Chunk_SnapsAtNewlineBeforeCapital(t *testing.T) {
	c := testChunker(10, 3, 4)

	text := wordRun(1, 7) + "\nNext " + wordRun(9, 14)
	chunks := c.Chunk([]services.Page{{Number: 1, Text: text}})

	require.Len(t, chunks, 2)
	assert.Equal(t, 7, chunks[0].TokenCount)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "w7"))
	assert.True(t, strings.HasPrefix(chunks[1].Text, "w5 "))
}

func TestChunker_Chunk_KeepsHardBoundaryWhenSnapTooShort(t *testing.T) {
	c := testChunker(10, 3, 4)

	// The only terminator sits before the minimum window size, so the
	// hard boundary at 10 tokens stands.
	text := "w1 w2 x. " + wordRun(4, 15)
	chunks := c.Chunk([]services.Page{{Number: 1, Text: text}})

	require.Len(t, chunks, 2)
	assert.Equal(t, 10, chunks[0].TokenCount)
}

func TestChunker_Chunk_PageOfFirstToken(t *testing.T) {
	c := testChunker(3, 0, 1)

	pages := []services.Page{
		{Number: 1, Text: "alpha beta gamma"},
		{Number: 2, Text: "delta epsilon"},
	}
	chunks := c.Chunk(pages)

	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0].Page)
	assert.Equal(t, "alpha beta gamma", chunks[0].Text)
	assert.Equal(t, 2, chunks[1].Page)
	assert.Equal(t, "delta epsilon", chunks[1].Text)
}

func TestChunker_Chunk_Deterministic(t *testing.T) {
	c := testChunker(10, 3, 4)
	pages := []services.Page{
		{Number: 1, Text: "First sentence here. Second sentence follows now.\nAnother line begins. " + wordRun(1, 30)},
	}

	first := c.Chunk(pages)
	second := c.Chunk(pages)

	assert.Equal(t, first, second)
}

func TestChunker_Chunk_OrdinalsDense(t *testing.T) {
	c := testChunker(10, 3, 4)

	chunks := c.Chunk([]services.Page{{Number: 1, Text: wordRun(1, 60)}})

	require.NotEmpty(t, chunks)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Ordinal)
		assert.GreaterOrEqual(t, ch.TokenCount, 1)
		assert.LessOrEqual(t, ch.TokenCount, 10)
	}
}

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Equal(t, 0, CountTokens("   "))
	assert.Equal(t, 3, CountTokens("one two three"))
	assert.Equal(t, 5, CountTokens("spread  across\nlines and\ttabs"))
}
