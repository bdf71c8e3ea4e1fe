package impl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragserve/config"
	"github.com/ragserve/models"
)

func testConfidenceScorer() *confidenceScorer {
	return &confidenceScorer{config: &config.ConfidenceConfig{
		HighThreshold:   0.75,
		MediumThreshold: 0.5,
		LowThreshold:    0.25,
	}}
}

func scoredChunk(score float64, content string) models.RetrievedChunk {
	return models.RetrievedChunk{RerankScore: score, Content: content}
}

func TestConfidence_BlendsAllSignals(t *testing.T) {
	s := testConfidenceScorer()
	context := []models.RetrievedChunk{
		scoredChunk(0.9, "alpha bravo details here"),
		scoredChunk(0.8, "charlie details again"),
		scoredChunk(0.7, "more alpha content"),
	}

	// All answer terms appear in the context, so overlap is 1.0:
	// (0.4*0.9 + 0.2*0.8 + 0.3*1.0) / 0.9
	conf := s.Score("alpha bravo charlie details", context)

	require.InDelta(t, 0.9111, conf.Score, 1e-4)
	assert.Equal(t, models.ConfidenceHigh, conf.Level)
}

func TestConfidence_RenormalizesWhenGroundingAbsent(t *testing.T) {
	s := testConfidenceScorer()
	context := []models.RetrievedChunk{scoredChunk(0.6, "some context body")}

	// No answer term reaches four letters, so only the rerank signals
	// count and the score collapses to the rerank value.
	conf := s.Score("it is ok", context)

	require.InDelta(t, 0.6, conf.Score, 1e-9)
	assert.Equal(t, models.ConfidenceMedium, conf.Level)
}

func TestConfidence_NoContextScoresNone(t *testing.T) {
	s := testConfidenceScorer()

	conf := s.Score("a perfectly confident answer", nil)

	assert.Equal(t, models.ConfidenceNone, conf.Level)
	assert.Zero(t, conf.Score)
}

func TestConfidence_InsufficientInformationForcesNone(t *testing.T) {
	s := testConfidenceScorer()
	context := []models.RetrievedChunk{scoredChunk(0.95, "pricing details everywhere")}

	conf := s.Score("The provided documents do not contain information about pricing.", context)

	assert.Equal(t, models.ConfidenceNone, conf.Level)
	assert.Zero(t, conf.Score)
}

func TestConfidence_LevelThresholds(t *testing.T) {
	s := testConfidenceScorer()

	assert.Equal(t, models.ConfidenceHigh, s.level(0.75))
	assert.Equal(t, models.ConfidenceMedium, s.level(0.74))
	assert.Equal(t, models.ConfidenceMedium, s.level(0.5))
	assert.Equal(t, models.ConfidenceLow, s.level(0.49))
	assert.Equal(t, models.ConfidenceLow, s.level(0.25))
	assert.Equal(t, models.ConfidenceNone, s.level(0.24))
}

func TestAnswerGrounding(t *testing.T) {
	context := []models.RetrievedChunk{
		scoredChunk(0.5, "alpha bravo appears in the source"),
	}

	overlap, ok := answerGrounding("alpha bravo zulu9", context)
	require.True(t, ok)
	assert.InDelta(t, 2.0/3.0, overlap, 1e-9)

	_, ok = answerGrounding("no it is", context)
	assert.False(t, ok)

	_, ok = answerGrounding("alpha bravo", nil)
	assert.False(t, ok)
}

func TestMeanRerankScore(t *testing.T) {
	context := []models.RetrievedChunk{
		scoredChunk(1.0, ""),
		scoredChunk(0.5, ""),
	}

	assert.InDelta(t, 0.75, meanRerankScore(context, 3), 1e-9)

	// Out-of-range scores clamp before averaging.
	clamped := []models.RetrievedChunk{scoredChunk(1.5, ""), scoredChunk(-0.5, "")}
	assert.InDelta(t, 0.5, meanRerankScore(clamped, 3), 1e-9)
}
