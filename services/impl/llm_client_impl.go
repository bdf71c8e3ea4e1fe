package impl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ragserve/config"
	"github.com/ragserve/services"
)

type llmClient struct {
	config     *config.LLMConfig
	httpClient *http.Client
	// Streaming responses can outlive any fixed timeout, so the stream
	// client carries none and relies on request context cancellation.
	streamClient *http.Client
}

// NewLLMClient creates the chat-completions client used for answer
// generation. It speaks the OpenAI-style API so any compatible
// provider works.
func NewLLMClient(cfg *config.LLMConfig) services.LLMClient {
	return &llmClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		streamClient: &http.Client{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletionResponse struct {
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatStreamChoice struct {
	Delta        chatMessage `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type chatStreamChunk struct {
	Choices []chatStreamChoice `json:"choices"`
	Usage   *chatUsage         `json:"usage,omitempty"`
}

func (c *llmClient) ModelID() string {
	return c.config.Model
}

func (c *llmClient) Complete(ctx context.Context, req services.CompletionRequest) (*services.Completion, error) {
	jsonData, err := json.Marshal(c.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBackoff(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			log.Printf("Retrying LLM completion (attempt %d/%d)", attempt, c.config.MaxRetries)
		}

		httpReq, err := c.newCompletionRequest(ctx, jsonData)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		completion, retryable, err := parseCompletionResponse(resp)
		if err != nil {
			if !retryable {
				return nil, services.WrapError(services.KindLLMFailure, "completion request rejected", err)
			}
			lastErr = err
			continue
		}
		return completion, nil
	}
	return nil, services.WrapError(services.KindLLMFailure,
		fmt.Sprintf("completion failed after %d attempts", c.config.MaxRetries+1), lastErr)
}

// Stream opens a streamed completion. Connection-level failures are
// returned directly; failures after the stream starts arrive as the
// final delta's Err.
func (c *llmClient) Stream(ctx context.Context, req services.CompletionRequest) (<-chan services.CompletionDelta, error) {
	jsonData, err := json.Marshal(c.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	httpReq, err := c.newCompletionRequest(ctx, jsonData)
	if err != nil {
		return nil, err
	}

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, services.WrapError(services.KindLLMFailure, "failed to open completion stream", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, services.WrapError(services.KindLLMFailure, "completion stream rejected",
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	deltas := make(chan services.CompletionDelta)
	go c.readCompletionStream(resp.Body, deltas)
	return deltas, nil
}

func (c *llmClient) buildRequest(req services.CompletionRequest, stream bool) chatCompletionRequest {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	out := chatCompletionRequest{
		Model:       c.config.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      stream,
	}
	if out.MaxTokens <= 0 || out.MaxTokens > c.config.MaxTokens {
		out.MaxTokens = c.config.MaxTokens
	}
	return out
}

func (c *llmClient) newCompletionRequest(ctx context.Context, jsonData []byte) (*http.Request, error) {
	url := strings.TrimSuffix(c.config.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	return httpReq, nil
}

func parseCompletionResponse(resp *http.Response) (*services.Completion, bool, error) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
		retryable := resp.StatusCode == 429 || resp.StatusCode >= 500
		return nil, retryable, err
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, true, fmt.Errorf("failed to decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, true, fmt.Errorf("completion response contained no choices")
	}

	choice := parsed.Choices[0]
	return &services.Completion{
		Content:      choice.Message.Content,
		TokensIn:     parsed.Usage.PromptTokens,
		TokensOut:    parsed.Usage.CompletionTokens,
		FinishReason: choice.FinishReason,
	}, false, nil
}

func (c *llmClient) readCompletionStream(body io.ReadCloser, deltas chan<- services.CompletionDelta) {
	defer close(deltas)
	defer body.Close()

	var content strings.Builder
	var usage *chatUsage
	finishReason := ""

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			log.Printf("Skipping malformed stream chunk: %v", err)
			continue
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason != "" {
			finishReason = chunk.Choices[0].FinishReason
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			content.WriteString(delta)
			deltas <- services.CompletionDelta{Content: delta}
		}
	}

	if err := scanner.Err(); err != nil {
		deltas <- services.CompletionDelta{
			Err: services.WrapError(services.KindLLMFailure, "completion stream interrupted", err),
		}
		return
	}

	final := &services.Completion{
		Content:      content.String(),
		FinishReason: finishReason,
	}
	if usage != nil {
		final.TokensIn = usage.PromptTokens
		final.TokensOut = usage.CompletionTokens
	} else {
		// Providers do not always report usage on streams.
		final.TokensOut = CountTokens(final.Content)
	}
	deltas <- services.CompletionDelta{Done: true, Final: final}
}

// NullLLM returns a fixed answer without any network call. Degraded
// mode and tests use it in place of a live provider.
type NullLLM struct {
	Answer string
	Model  string
}

func NewNullLLM(answer string) *NullLLM {
	return &NullLLM{Answer: answer, Model: "null"}
}

func (n *NullLLM) ModelID() string {
	return n.Model
}

func (n *NullLLM) Complete(ctx context.Context, req services.CompletionRequest) (*services.Completion, error) {
	tokensIn := CountTokens(req.System)
	for _, m := range req.Messages {
		tokensIn += CountTokens(m.Content)
	}
	return &services.Completion{
		Content:      n.Answer,
		TokensIn:     tokensIn,
		TokensOut:    CountTokens(n.Answer),
		FinishReason: "stop",
	}, nil
}

func (n *NullLLM) Stream(ctx context.Context, req services.CompletionRequest) (<-chan services.CompletionDelta, error) {
	final, err := n.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	deltas := make(chan services.CompletionDelta)
	go func() {
		defer close(deltas)
		words := strings.Fields(n.Answer)
		for i, word := range words {
			if i < len(words)-1 {
				word += " "
			}
			select {
			case deltas <- services.CompletionDelta{Content: word}:
			case <-ctx.Done():
				return
			}
		}
		deltas <- services.CompletionDelta{Done: true, Final: final}
	}()
	return deltas, nil
}
