package impl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/ragserve/config"
	"github.com/ragserve/services"
)

type embedderClient struct {
	config     *config.EmbeddingConfig
	httpClient *http.Client
}

// NewEmbedderClient creates an embedder backed by an OpenAI-compatible
// /v1/embeddings endpoint.
func NewEmbedderClient(cfg *config.EmbeddingConfig) services.Embedder {
	return &embedderClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

func (c *embedderClient) Dimensions() int {
	return c.config.Dimensions
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

func (c *embedderClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for _, batch := range c.batches(texts) {
		vectors, err := c.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

// batches splits texts so each request stays under both the element
// count limit and the total token limit. A single text over the token
// limit still goes out alone; the provider decides how to handle it.
func (c *embedderClient) batches(texts []string) [][]string {
	var (
		batches [][]string
		current []string
		tokens  int
	)
	for _, text := range texts {
		t := CountTokens(text)
		if len(current) > 0 && (len(current) >= c.config.MaxBatch || tokens+t > c.config.MaxTokens) {
			batches = append(batches, current)
			current = nil
			tokens = 0
		}
		current = append(current, text)
		tokens += t
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func (c *embedderClient) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	jsonData, err := json.Marshal(embeddingRequest{Model: c.config.Model, Input: batch})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/embeddings", c.config.BaseURL)

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.config.APIKey != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.config.APIKey))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("embedding provider returned status %d: %s", resp.StatusCode, string(body))
			if resp.StatusCode == 429 || resp.StatusCode >= 500 {
				continue
			}
			return nil, services.WrapError(services.KindEmbeddingFailure, "embedding request rejected", lastErr)
		}

		var parsed embeddingResponse
		err = json.NewDecoder(resp.Body).Decode(&parsed)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to decode embedding response: %w", err)
			continue
		}

		return c.collectVectors(parsed, len(batch))
	}

	return nil, services.WrapError(services.KindEmbeddingFailure,
		fmt.Sprintf("embedding failed after %d attempts", c.config.MaxRetries+1), lastErr)
}

// collectVectors orders vectors by their declared index, validates
// dimensions, and L2-normalizes so the flat index can score with a
// plain dot product.
func (c *embedderClient) collectVectors(parsed embeddingResponse, want int) ([][]float32, error) {
	if len(parsed.Data) != want {
		return nil, services.NewError(services.KindEmbeddingFailure,
			fmt.Sprintf("embedding provider returned %d vectors for %d inputs", len(parsed.Data), want))
	}
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	vectors := make([][]float32, want)
	for i, d := range parsed.Data {
		if d.Index != i {
			return nil, services.NewError(services.KindEmbeddingFailure, "embedding response indexes are not dense")
		}
		if len(d.Embedding) != c.config.Dimensions {
			return nil, services.NewError(services.KindEmbeddingFailure,
				fmt.Sprintf("embedding has %d dimensions, expected %d", len(d.Embedding), c.config.Dimensions))
		}
		vectors[i] = l2Normalize(d.Embedding)
	}
	return vectors, nil
}

// retryBackoff doubles per attempt with up to 50% random jitter so
// concurrent ingests backing off from the same provider spread out.
func retryBackoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt-1)) * time.Second
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base + jitter
}

func l2Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

// NullEmbedder produces deterministic pseudo-embeddings derived from a
// hash of the text. It keeps development and tests independent of a
// live embedding provider; similarity scores are meaningless but
// stable across runs.
type NullEmbedder struct {
	dims int
}

// NewNullEmbedder creates a null embedder with the given dimensions
func NewNullEmbedder(dims int) *NullEmbedder {
	return &NullEmbedder{dims: dims}
}

func (e *NullEmbedder) Dimensions() int {
	return e.dims
}

func (e *NullEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = e.vector(text)
	}
	return vectors, nil
}

// vector stretches the SHA-256 digest of the text into dims lanes in
// [-1, 1] and L2-normalizes the result.
func (e *NullEmbedder) vector(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	v := make([]float32, e.dims)

	var block [32]byte
	for i := 0; i < e.dims; i++ {
		if i%8 == 0 {
			var counter [4]byte
			binary.BigEndian.PutUint32(counter[:], uint32(i/8))
			block = sha256.Sum256(append(seed[:], counter[:]...))
		}
		bits := binary.BigEndian.Uint32(block[(i%8)*4 : (i%8)*4+4])
		v[i] = float32(bits)/float32(math.MaxUint32)*2 - 1
	}
	return l2Normalize(v)
}
