package impl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragserve/config"
)

func lexicalReranker() *rerankerImpl {
	return &rerankerImpl{config: &config.RerankerConfig{Enabled: true, ModelID: "lexical-overlap"}}
}

func TestReranker_Rerank_LexicalPrefersRelevantText(t *testing.T) {
	r := lexicalReranker()
	query := "database replication strategies"
	texts := []string{
		strings.Repeat("filler words about cooking and gardening with no relevance at all ", 5),
		"This guide covers database replication strategies in depth, including synchronous and asynchronous modes of database replication used in production systems today.",
	}

	scores, err := r.Rerank(context.Background(), query, texts)

	require.NoError(t, err)
	require.Len(t, scores, 2)
	assert.Greater(t, scores[1], scores[0])
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestReranker_Rerank_EmptyInput(t *testing.T) {
	r := lexicalReranker()

	scores, err := r.Rerank(context.Background(), "query", nil)

	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestExactMatchScore(t *testing.T) {
	assert.Equal(t, 1.0, exactMatchScore("vector index", "the Vector Index layout is flat"))
	// "vector index" matches as a 2-gram out of 3 query words.
	assert.InDelta(t, 2.0/3.0, exactMatchScore("flat vector index", "rebuild the vector index nightly"), 1e-9)
	assert.Equal(t, 0.0, exactMatchScore("quantum entanglement", "notes on sourdough baking"))
}

func TestKeywordCoverageScore(t *testing.T) {
	queryTokens := map[string]bool{"vector": true, "index": true, "cache": true}

	assert.InDelta(t, 2.0/3.0, keywordCoverageScore(queryTokens, "the vector index layout"), 1e-9)
	assert.Equal(t, 0.0, keywordCoverageScore(map[string]bool{}, "anything"))
}

func TestTermDensityScore(t *testing.T) {
	queryTokens := map[string]bool{"cache": true}

	// 1 hit in 4 tokens: 0.25 * 10 capped at 1.
	assert.Equal(t, 1.0, termDensityScore(queryTokens, "the cache is warm"))
	// 1 hit in 20 tokens: 0.05 * 10 = 0.5.
	long := "cache " + strings.Repeat("word ", 19)
	assert.InDelta(t, 0.5, termDensityScore(queryTokens, strings.TrimSpace(long)), 1e-9)
}

func TestPositionBoost(t *testing.T) {
	queryTokens := map[string]bool{"target": true}

	assert.Equal(t, 1.0, positionBoost(queryTokens, "target appears first"))
	assert.InDelta(t, 1-2.0/50, positionBoost(queryTokens, "two words target follows"), 1e-9)
	far := strings.Repeat("pad ", 60) + "target"
	assert.Equal(t, 0.0, positionBoost(queryTokens, far))
}

func TestLengthScore(t *testing.T) {
	assert.Equal(t, 1.0, lengthScore(strings.Repeat("a", 500)))
	assert.InDelta(t, 0.5, lengthScore(strings.Repeat("a", 100)), 1e-9)
	assert.InDelta(t, 0.5, lengthScore(strings.Repeat("a", 4000)), 1e-9)
	assert.InDelta(t, 1000.0/1500, lengthScore(strings.Repeat("a", 1500)), 1e-9)
}

func TestReranker_Rerank_RemoteScores(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := rerankResponse{}
		// Reverse order with descending scores to prove positional mapping.
		for i := len(req.Documents) - 1; i >= 0; i-- {
			resp.Results = append(resp.Results, rerankResult{Index: i, RelevanceScore: float64(i) / 10})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	r := NewReranker(&config.RerankerConfig{Enabled: true, BaseURL: server.URL, ModelID: "ce-model", Timeout: 5})
	scores, err := r.Rerank(context.Background(), "query", []string{"a", "b", "c"})

	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.1, 0.2}, scores)
}

func TestReranker_Rerank_FallsBackWhenRemoteFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r := NewReranker(&config.RerankerConfig{Enabled: true, BaseURL: server.URL, ModelID: "ce-model", Timeout: 5})
	scores, err := r.Rerank(context.Background(), "database replication", []string{
		"database replication configuration and tuning for high availability setups across regions",
	})

	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.Greater(t, scores[0], 0.0)
}
