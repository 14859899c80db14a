// Package ollama talks to any OpenAI-compatible chat completions endpoint,
// Ollama being the default target.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PipeOpsHQ/procedure-engine/llm"
	"github.com/PipeOpsHQ/procedure-engine/types"
)

const (
	defaultModel   = "llama3.1:8b"
	defaultBaseURL = "http://127.0.0.1:11434"
)

type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if strings.TrimSpace(model) != "" {
			c.model = model
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if strings.TrimSpace(baseURL) != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

func WithAPIKey(apiKey string) Option {
	return func(c *Client) { c.apiKey = apiKey }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

func New(opts ...Option) (*Client, error) {
	c := &Client{
		model:   defaultModel,
		baseURL: defaultBaseURL,
		httpClient: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string { return "ollama" }

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	payload := chatRequest{
		Model:     model,
		Messages:  make([]chatMessage, 0, len(req.Messages)+1),
		MaxTokens: req.MaxOutputTokens,
	}
	if req.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: string(m.Role), Name: m.Name, Content: m.Content})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return types.Response{}, fmt.Errorf("failed to marshal ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return types.Response{}, fmt.Errorf("failed to create ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return types.Response{}, fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Response{}, fmt.Errorf("failed to read ollama response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return types.Response{}, fmt.Errorf("ollama API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var apiResp chatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return types.Response{}, fmt.Errorf("failed to decode ollama response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return types.Response{}, fmt.Errorf("ollama response had no choices")
	}

	var usage *types.Usage
	if apiResp.Usage.TotalTokens > 0 {
		usage = &types.Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
			TotalTokens:  apiResp.Usage.TotalTokens,
		}
	}

	return types.Response{
		Message: types.Message{Role: types.RoleAssistant, Content: apiResp.Choices[0].Message.Content},
		Usage:   usage,
	}, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

var _ llm.Provider = (*Client)(nil)
