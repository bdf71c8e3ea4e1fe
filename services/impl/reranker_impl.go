package impl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/ragserve/config"
	"github.com/ragserve/services"
)

type rerankerImpl struct {
	config     *config.RerankerConfig
	httpClient *http.Client
}

// NewReranker creates a reranker. With a base URL configured it calls a
// cross-encoder rerank endpoint and falls back to local lexical scoring
// when the call fails; without one it scores locally only.
func NewReranker(cfg *config.RerankerConfig) services.Reranker {
	return &rerankerImpl{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
	}
}

func (s *rerankerImpl) Rerank(ctx context.Context, query string, texts []string) ([]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if s.config.BaseURL != "" {
		scores, err := s.rerankRemote(ctx, query, texts)
		if err == nil {
			return scores, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("Cross-encoder rerank failed, using lexical scoring: %v", err)
	}
	return s.rerankLexical(query, texts), nil
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
}

type rerankResponse struct {
	Results []rerankResult `json:"results"`
}

func (s *rerankerImpl) rerankRemote(ctx context.Context, query string, texts []string) ([]float64, error) {
	jsonData, err := json.Marshal(rerankRequest{
		Model:     s.config.ModelID,
		Query:     query,
		Documents: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rerank request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/rerank", s.config.BaseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", s.config.APIKey))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call reranker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("reranker returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode rerank response: %w", err)
	}
	if len(parsed.Results) != len(texts) {
		return nil, fmt.Errorf("reranker returned %d scores for %d documents", len(parsed.Results), len(texts))
	}

	scores := make([]float64, len(texts))
	for _, r := range parsed.Results {
		if r.Index < 0 || r.Index >= len(texts) {
			return nil, fmt.Errorf("reranker returned out-of-range index %d", r.Index)
		}
		scores[r.Index] = clamp01(r.RelevanceScore)
	}
	return scores, nil
}

// rerankLexical scores each text against the query with five cheap
// signals: exact and n-gram phrase matches, keyword coverage, query
// term density, early-position boost, and a length preference.
func (s *rerankerImpl) rerankLexical(query string, texts []string) []float64 {
	queryTokens := make(map[string]bool)
	for _, t := range rerankTokens(query) {
		queryTokens[t] = true
	}

	scores := make([]float64, len(texts))
	for i, text := range texts {
		score := 0.25*exactMatchScore(query, text) +
			0.25*keywordCoverageScore(queryTokens, text) +
			0.20*termDensityScore(queryTokens, text) +
			0.15*positionBoost(queryTokens, text) +
			0.15*lengthScore(text)
		scores[i] = clamp01(score)
	}
	return scores
}

func rerankTokens(text string) []string {
	return wordRegex.FindAllString(strings.ToLower(text), -1)
}

// exactMatchScore is 1 for a full query phrase match, otherwise the
// fraction of the query covered by the longest matching n-gram.
func exactMatchScore(query, content string) float64 {
	q := strings.ToLower(query)
	c := strings.ToLower(content)
	if strings.Contains(c, q) {
		return 1.0
	}

	words := strings.Fields(q)
	for n := len(words); n >= 2; n-- {
		for i := 0; i+n <= len(words); i++ {
			if strings.Contains(c, strings.Join(words[i:i+n], " ")) {
				return float64(n) / float64(len(words))
			}
		}
	}
	return 0
}

func keywordCoverageScore(queryTokens map[string]bool, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	matched := make(map[string]bool)
	for _, t := range rerankTokens(content) {
		if queryTokens[t] {
			matched[t] = true
		}
	}
	return float64(len(matched)) / float64(len(queryTokens))
}

func termDensityScore(queryTokens map[string]bool, content string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	tokens := rerankTokens(content)
	if len(tokens) == 0 {
		return 0
	}
	count := 0
	for _, t := range tokens {
		if queryTokens[t] {
			count++
		}
	}
	return math.Min(1, float64(count)/float64(len(tokens))*10)
}

// positionBoost rewards content whose first query term shows up within
// the first 50 tokens.
func positionBoost(queryTokens map[string]bool, content string) float64 {
	tokens := rerankTokens(content)
	if len(tokens) == 0 || len(queryTokens) == 0 {
		return 0
	}
	limit := len(tokens)
	if limit > 50 {
		limit = 50
	}
	for i := 0; i < limit; i++ {
		if queryTokens[tokens[i]] {
			return 1 - float64(i)/50
		}
	}
	return 0
}

// lengthScore prefers medium-sized chunks: 200 to 1000 characters is
// ideal, shorter scales down linearly, longer decays toward 0.5.
func lengthScore(content string) float64 {
	length := float64(len(content))
	switch {
	case length >= 200 && length <= 1000:
		return 1.0
	case length < 200:
		return length / 200
	default:
		return math.Max(0.5, 1000/length)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
