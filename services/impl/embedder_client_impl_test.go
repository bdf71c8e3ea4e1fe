package impl

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragserve/config"
	"github.com/ragserve/services"
)

func embedderConfig(baseURL string) *config.EmbeddingConfig {
	return &config.EmbeddingConfig{
		BaseURL:    baseURL,
		Model:      "test-model",
		Dimensions: 3,
		MaxBatch:   100,
		MaxTokens:  10000,
		Timeout:    5,
		MaxRetries: 2,
	}
}

// echoEmbeddings responds with one axis-aligned vector per input, in
// reverse index order to exercise the reordering path.
func echoEmbeddings(t *testing.T, dims int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := embeddingResponse{}
		for i := range req.Input {
			vec := make([]float32, dims)
			vec[i%dims] = float32(i + 1)
			resp.Data = append(resp.Data, embeddingData{Index: i, Embedding: vec})
		}
		for i, j := 0, len(resp.Data)-1; i < j; i, j = i+1, j-1 {
			resp.Data[i], resp.Data[j] = resp.Data[j], resp.Data[i]
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestEmbedderClient_Embed_NormalizesAndOrders(t *testing.T) {
	server := httptest.NewServer(echoEmbeddings(t, 3))
	defer server.Close()

	e := NewEmbedderClient(embedderConfig(server.URL))
	vectors, err := e.Embed(context.Background(), []string{"first text", "second text"})

	require.NoError(t, err)
	require.Len(t, vectors, 2)
	// Index 0 maps to axis 0, index 1 to axis 1, despite the reversed
	// response order.
	assert.InDelta(t, 1.0, float64(vectors[0][0]), 1e-6)
	assert.InDelta(t, 1.0, float64(vectors[1][1]), 1e-6)
	assert.InDelta(t, 1.0, vectorNorm(vectors[0]), 1e-6)
	assert.InDelta(t, 1.0, vectorNorm(vectors[1]), 1e-6)
}

func TestEmbedderClient_Embed_BatchesByCount(t *testing.T) {
	cfg := embedderConfig("http://unused")
	cfg.MaxBatch = 2

	c := &embedderClient{config: cfg, httpClient: http.DefaultClient}
	batches := c.batches([]string{"a", "b", "c", "d", "e"})

	require.Len(t, batches, 3)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, batches)
}

func TestEmbedderClient_Embed_BatchesByTokenBudget(t *testing.T) {
	cfg := embedderConfig("http://unused")
	cfg.MaxTokens = 6

	c := &embedderClient{config: cfg, httpClient: http.DefaultClient}
	batches := c.batches([]string{"a b c", "d e f", "g h i"})

	require.Len(t, batches, 2)
	assert.Equal(t, []string{"a b c", "d e f"}, batches[0])
	assert.Equal(t, []string{"g h i"}, batches[1])
}

func TestEmbedderClient_Embed_OversizeTextGoesAlone(t *testing.T) {
	cfg := embedderConfig("http://unused")
	cfg.MaxTokens = 2

	c := &embedderClient{config: cfg, httpClient: http.DefaultClient}
	batches := c.batches([]string{"one two three four", "x"})

	require.Len(t, batches, 2)
	assert.Equal(t, []string{"one two three four"}, batches[0])
	assert.Equal(t, []string{"x"}, batches[1])
}

func TestEmbedderClient_Embed_RetriesTransientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
			return
		}
		echoEmbeddings(t, 3)(w, r)
	}))
	defer server.Close()

	e := NewEmbedderClient(embedderConfig(server.URL))
	vectors, err := e.Embed(context.Background(), []string{"retry me"})

	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestEmbedderClient_Embed_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer server.Close()

	e := NewEmbedderClient(embedderConfig(server.URL))
	_, err := e.Embed(context.Background(), []string{"text"})

	require.Error(t, err)
	assert.True(t, services.IsKind(err, services.KindEmbeddingFailure))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestEmbedderClient_Embed_DimensionMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := embeddingResponse{Data: []embeddingData{{Index: 0, Embedding: []float32{1, 2}}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e := NewEmbedderClient(embedderConfig(server.URL))
	_, err := e.Embed(context.Background(), []string{"text"})

	require.Error(t, err)
	assert.True(t, services.IsKind(err, services.KindEmbeddingFailure))
}

func TestEmbedderClient_Embed_EmptyInput(t *testing.T) {
	e := NewEmbedderClient(embedderConfig("http://unused"))

	vectors, err := e.Embed(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestNullEmbedder_DeterministicUnitVectors(t *testing.T) {
	e := NewNullEmbedder(16)

	first, err := e.Embed(context.Background(), []string{"alpha", "beta", "alpha"})
	require.NoError(t, err)
	second, err := e.Embed(context.Background(), []string{"alpha", "beta", "alpha"})
	require.NoError(t, err)

	assert.Equal(t, 16, e.Dimensions())
	assert.Equal(t, first, second)
	assert.Equal(t, first[0], first[2])
	assert.NotEqual(t, first[0], first[1])
	for _, v := range first {
		assert.InDelta(t, 1.0, vectorNorm(v), 1e-3)
	}
}
