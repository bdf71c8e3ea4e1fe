package impl

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ragserve/config"
	"github.com/ragserve/services"
)

// TextChunk is one retrieval unit produced by the chunker. Ordinals are
// dense and 0-based within a document; Page is the page of the chunk's
// first token.
type TextChunk struct {
	Ordinal    int
	Text       string
	TokenCount int
	Page       int
}

// Chunker slices page-tagged text into overlapping token windows.
// The same input always yields the same chunks, which keeps re-ingestion
// of identical content idempotent.
type Chunker struct {
	target  int
	overlap int
	min     int
}

// NewChunker creates a chunker from the configured window sizes
func NewChunker(cfg config.ChunkingConfig) *Chunker {
	return &Chunker{
		target:  cfg.TargetTokens,
		overlap: cfg.OverlapTokens,
		min:     cfg.MinTokens,
	}
}

// CountTokens reports the token count of text under the whitespace
// tokenizer the chunker uses. Budget checks elsewhere count the same
// way so chunk sizes and context budgets agree.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

type pageToken struct {
	text string
	page int
	// lineStart marks the first token on a line; a capitalized
	// lineStart token acts as a sentence boundary for snapping.
	lineStart    bool
	endsSentence bool
}

// Chunk produces the chunk sequence for a document. Windows are at most
// target tokens; the end of each window snaps back to the nearest
// sentence boundary that keeps the chunk at or above the minimum size.
// Consecutive windows overlap so sentences near a cut appear on both
// sides. Documents shorter than the minimum produce exactly one chunk.
func (c *Chunker) Chunk(pages []services.Page) []TextChunk {
	tokens := tokenizePages(pages)
	if len(tokens) == 0 {
		return nil
	}

	var chunks []TextChunk
	var prevEnd int
	start := 0
	for start < len(tokens) {
		end := start + c.target
		if end >= len(tokens) {
			end = len(tokens)
		} else {
			end = c.snapToSentence(tokens, start, end)
		}

		chunks = append(chunks, c.buildChunk(tokens, len(chunks), start, end))

		if end == len(tokens) {
			// Drop a trailing runt that restates the previous
			// chunk's overlap and adds nothing new.
			last := len(chunks) - 1
			if last > 0 && chunks[last].TokenCount < c.min && end <= prevEnd {
				chunks = chunks[:last]
			}
			break
		}

		prevEnd = end
		next := end - c.overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// snapToSentence walks backward from the tentative end looking for the
// nearest sentence boundary that leaves at least min tokens in the
// window. Without one the hard token boundary stands.
func (c *Chunker) snapToSentence(tokens []pageToken, start, end int) int {
	floor := start + c.min
	for b := end; b >= floor; b-- {
		if sentenceBoundaryAfter(tokens, b-1) {
			return b
		}
	}
	return end
}

// sentenceBoundaryAfter reports whether a sentence ends between token i
// and token i+1: either token i ends with a terminator, or token i+1
// begins a new line with a capital letter.
func sentenceBoundaryAfter(tokens []pageToken, i int) bool {
	if tokens[i].endsSentence {
		return true
	}
	if i+1 < len(tokens) {
		next := tokens[i+1]
		return next.lineStart && startsUpper(next.text)
	}
	return false
}

func (c *Chunker) buildChunk(tokens []pageToken, ordinal, start, end int) TextChunk {
	parts := make([]string, 0, end-start)
	for _, t := range tokens[start:end] {
		parts = append(parts, t.text)
	}
	return TextChunk{
		Ordinal:    ordinal,
		Text:       strings.Join(parts, " "),
		TokenCount: end - start,
		Page:       tokens[start].page,
	}
}

func tokenizePages(pages []services.Page) []pageToken {
	var tokens []pageToken
	for _, p := range pages {
		for _, line := range strings.Split(p.Text, "\n") {
			for fi, field := range strings.Fields(line) {
				tokens = append(tokens, pageToken{
					text:         field,
					page:         p.Number,
					lineStart:    fi == 0,
					endsSentence: endsSentence(field),
				})
			}
		}
	}
	return tokens
}

func endsSentence(token string) bool {
	switch token[len(token)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

func startsUpper(token string) bool {
	r, _ := utf8.DecodeRuneInString(token)
	return unicode.IsUpper(r)
}
