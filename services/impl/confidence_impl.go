package impl

import (
	"strings"

	"github.com/ragserve/config"
	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

const (
	weightTopRerank      = 0.4
	weightMeanTop3Rerank = 0.2
	weightGrounding      = 0.3
)

// Phrases the model uses when the context does not hold the answer.
// Any of them forces the confidence level to none.
var insufficientPhrases = []string{
	"insufficient information",
	"not available in the provided document",
	"does not contain",
	"do not contain",
	"no relevant information",
	"unable to find",
	"cannot find",
	"don't have enough information",
}

type confidenceScorer struct {
	config *config.ConfidenceConfig
}

// NewConfidenceScorer creates the scorer that grades answers against
// the rerank scores and the selected context.
func NewConfidenceScorer(cfg *config.ConfidenceConfig) services.ConfidenceScorer {
	return &confidenceScorer{config: cfg}
}

// Score blends the top rerank score (0.4), the mean of the top three
// rerank scores (0.2) and the answer-to-context term overlap (0.3).
// Weights renormalize over whichever signals are present so a missing
// signal does not drag the score toward zero.
func (s *confidenceScorer) Score(answer string, context []models.RetrievedChunk) models.Confidence {
	if statesInsufficientInformation(answer) {
		return models.Confidence{Level: models.ConfidenceNone, Score: 0}
	}

	var weighted, total float64
	if len(context) > 0 {
		weighted += weightTopRerank * clamp01(context[0].RerankScore)
		total += weightTopRerank
		weighted += weightMeanTop3Rerank * meanRerankScore(context, 3)
		total += weightMeanTop3Rerank
	}
	if overlap, ok := answerGrounding(answer, context); ok {
		weighted += weightGrounding * overlap
		total += weightGrounding
	}
	if total == 0 {
		return models.Confidence{Level: models.ConfidenceNone, Score: 0}
	}

	score := weighted / total
	return models.Confidence{Level: s.level(score), Score: score}
}

func (s *confidenceScorer) level(score float64) models.ConfidenceLevel {
	switch {
	case score >= s.config.HighThreshold:
		return models.ConfidenceHigh
	case score >= s.config.MediumThreshold:
		return models.ConfidenceMedium
	case score >= s.config.LowThreshold:
		return models.ConfidenceLow
	default:
		return models.ConfidenceNone
	}
}

func statesInsufficientInformation(answer string) bool {
	lower := strings.ToLower(answer)
	for _, phrase := range insufficientPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func meanRerankScore(context []models.RetrievedChunk, n int) float64 {
	if n > len(context) {
		n = len(context)
	}
	var sum float64
	for _, chunk := range context[:n] {
		sum += clamp01(chunk.RerankScore)
	}
	return sum / float64(n)
}

// answerGrounding measures what share of the answer's substantive terms
// appear in the selected context. Short answers without any term of
// four letters or more carry no grounding signal.
func answerGrounding(answer string, context []models.RetrievedChunk) (float64, bool) {
	answerTerms := groundingTerms(answer)
	if len(answerTerms) == 0 || len(context) == 0 {
		return 0, false
	}

	contextTerms := make(map[string]struct{})
	for _, chunk := range context {
		for term := range groundingTerms(chunk.Content) {
			contextTerms[term] = struct{}{}
		}
	}

	matched := 0
	for term := range answerTerms {
		if _, ok := contextTerms[term]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(answerTerms)), true
}

func groundingTerms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, word := range wordRegex.FindAllString(strings.ToLower(text), -1) {
		if len(word) >= 4 {
			terms[word] = struct{}{}
		}
	}
	return terms
}
