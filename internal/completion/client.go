// Package completion wraps the external text-completion service. The core
// treats it as an opaque Complete(prompt) call that may fail or time out;
// every caller has a deterministic fallback, so a failure here is never
// fatal to a request.
package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is the boundary contract for the text-completion service.
type Client interface {
	Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// HTTPClient calls an OpenAI-compatible /chat/completions endpoint.
type HTTPClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPClient creates a completion client for the given endpoint and model.
func NewHTTPClient(endpoint, apiKey, model string, timeout time.Duration) *HTTPClient {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client:   &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the prompt as a single user message and returns the first
// choice's content.
func (c *HTTPClient) Complete(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	body, _ := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})

	url := c.endpoint + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("completion: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return "", fmt.Errorf("completion: status %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("completion: decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}
