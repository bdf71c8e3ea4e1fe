package impl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragserve/config"
	"github.com/ragserve/models"
	"github.com/ragserve/services"
)

func llmTestConfig(url string) *config.LLMConfig {
	return &config.LLMConfig{
		BaseURL:        url,
		APIKey:         "test-key",
		Model:          "test-model",
		MaxTokens:      100,
		Temperature:    0.1,
		Timeout:     5,
		MaxRetries:  1,
	}
}

func TestLLMClient_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.False(t, req.Stream)
		require.NotEmpty(t, req.Messages)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []chatChoice{{
				Message:      chatMessage{Role: "assistant", Content: "grounded answer"},
				FinishReason: "stop",
			}},
			Usage: chatUsage{PromptTokens: 42, CompletionTokens: 7, TotalTokens: 49},
		})
	}))
	defer server.Close()

	c := NewLLMClient(llmTestConfig(server.URL))
	completion, err := c.Complete(context.Background(), services.CompletionRequest{
		System:   "answer from context only",
		Messages: []models.ChatMessage{{Role: "user", Content: "what is the refund policy?"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "grounded answer", completion.Content)
	assert.Equal(t, 42, completion.TokensIn)
	assert.Equal(t, 7, completion.TokensOut)
	assert.Equal(t, "stop", completion.FinishReason)
}

func TestLLMClient_Complete_RetriesOn429(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(chatCompletionResponse{
			Choices: []chatChoice{{Message: chatMessage{Content: "ok"}}},
		})
	}))
	defer server.Close()

	c := NewLLMClient(llmTestConfig(server.URL))
	completion, err := c.Complete(context.Background(), services.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", completion.Content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestLLMClient_Complete_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	c := NewLLMClient(llmTestConfig(server.URL))
	_, err := c.Complete(context.Background(), services.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})

	require.Error(t, err)
	assert.True(t, services.IsKind(err, services.KindLLMFailure))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLLMClient_BuildRequestBoundsTokens(t *testing.T) {
	c := &llmClient{config: llmTestConfig("http://unused")}

	req := c.buildRequest(services.CompletionRequest{System: "sys", MaxTokens: 0}, false)
	assert.Equal(t, 100, req.MaxTokens)

	req = c.buildRequest(services.CompletionRequest{MaxTokens: 999999}, false)
	assert.Equal(t, 100, req.MaxTokens)

	req = c.buildRequest(services.CompletionRequest{MaxTokens: 50}, true)
	assert.Equal(t, 50, req.MaxTokens)
	assert.True(t, req.Stream)
}

func TestLLMClient_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewLLMClient(llmTestConfig(server.URL))
	deltas, err := c.Stream(context.Background(), services.CompletionRequest{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	var parts []string
	var final *services.Completion
	for delta := range deltas {
		require.NoError(t, delta.Err)
		if delta.Done {
			final = delta.Final
			continue
		}
		parts = append(parts, delta.Content)
	}

	assert.Equal(t, []string{"Hello", " world"}, parts)
	require.NotNil(t, final)
	assert.Equal(t, "Hello world", final.Content)
	assert.Equal(t, "stop", final.FinishReason)
	// No usage reported, so tokens out falls back to a count estimate.
	assert.Equal(t, 2, final.TokensOut)
}

func TestLLMClient_Stream_ReportsUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":3,\"total_tokens\":13}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewLLMClient(llmTestConfig(server.URL))
	deltas, err := c.Stream(context.Background(), services.CompletionRequest{})
	require.NoError(t, err)

	var final *services.Completion
	for delta := range deltas {
		if delta.Done {
			final = delta.Final
		}
	}

	require.NotNil(t, final)
	assert.Equal(t, 10, final.TokensIn)
	assert.Equal(t, 3, final.TokensOut)
}

func TestLLMClient_Stream_RejectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	c := NewLLMClient(llmTestConfig(server.URL))
	_, err := c.Stream(context.Background(), services.CompletionRequest{})

	require.Error(t, err)
	assert.True(t, services.IsKind(err, services.KindLLMFailure))
}

func TestNullLLM(t *testing.T) {
	n := NewNullLLM("the policy allows refunds within thirty days")

	completion, err := n.Complete(context.Background(), services.CompletionRequest{
		System:   "sys prompt",
		Messages: []models.ChatMessage{{Role: "user", Content: "refund policy?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "the policy allows refunds within thirty days", completion.Content)
	assert.Equal(t, 7, completion.TokensOut)
	assert.Equal(t, 4, completion.TokensIn)

	deltas, err := n.Stream(context.Background(), services.CompletionRequest{})
	require.NoError(t, err)

	var rebuilt string
	var final *services.Completion
	for delta := range deltas {
		if delta.Done {
			final = delta.Final
			continue
		}
		rebuilt += delta.Content
	}
	assert.Equal(t, "the policy allows refunds within thirty days", rebuilt)
	require.NotNil(t, final)
	assert.Equal(t, 7, final.TokensOut)
}
