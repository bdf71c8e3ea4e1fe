package impl

import (
	"strings"

	"github.com/ragserve/config"
	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

type compressorImpl struct {
	budget int
}

// NewContextCompressor creates the compressor that trims the reranked
// chunk list down to the configured context token budget.
func NewContextCompressor(cfg *config.ContextConfig) services.ContextCompressor {
	return &compressorImpl{budget: cfg.BudgetTokens}
}

// Compress walks the chunks in rerank order and keeps each one whose
// token count still fits the remaining budget. A chunk larger than the
// whole budget is admitted only as the first selection, truncated to
// the nearest sentence boundary inside the budget.
func (c *compressorImpl) Compress(chunks []models.RetrievedChunk) services.CompressedContext {
	result := services.CompressedContext{}
	if c.budget <= 0 {
		return result
	}

	used := 0
	for _, chunk := range chunks {
		n := chunk.TokenCount
		if n <= 0 {
			n = CountTokens(chunk.Content)
		}
		if used+n <= c.budget {
			chunk.TokenCount = n
			result.Chunks = append(result.Chunks, chunk)
			used += n
			continue
		}
		if n > c.budget && used == 0 {
			text, kept := truncateToSentence(chunk.Content, c.budget)
			chunk.Content = text
			chunk.TokenCount = kept
			result.Chunks = append(result.Chunks, chunk)
			result.Truncated = true
			used += kept
		}
	}
	result.TotalTokens = used
	return result
}

// truncateToSentence cuts text down to at most budget tokens, preferring
// the last sentence terminator inside the budget over a hard cut.
func truncateToSentence(text string, budget int) (string, int) {
	fields := strings.Fields(text)
	if len(fields) <= budget {
		return text, len(fields)
	}

	cut := budget
	for i := budget - 1; i >= 0; i-- {
		if endsSentence(fields[i]) {
			cut = i + 1
			break
		}
	}
	return strings.Join(fields[:cut], " "), cut
}
