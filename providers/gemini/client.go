package gemini

import (
	"context"
	"fmt"
	"math"
	"strings"

	"google.golang.org/genai"

	"github.com/PipeOpsHQ/procedure-engine/llm"
	"github.com/PipeOpsHQ/procedure-engine/types"
)

const defaultModel = "gemini-2.5-flash"

type Client struct {
	client *genai.Client
	model  string
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if strings.TrimSpace(model) != "" {
			c.model = model
		}
	}
}

func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	c := &Client{model: defaultModel}
	for _, opt := range opts {
		opt(c)
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c.client = gc
	return c, nil
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	config := &genai.GenerateContentConfig{}
	if req.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.MaxOutputTokens > 0 {
		config.MaxOutputTokens = clampInt32(req.MaxOutputTokens)
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, toGeminiContents(req.Messages), config)
	if err != nil {
		return types.Response{}, fmt.Errorf("gemini generation failed: %w", err)
	}
	return parseGeminiResponse(resp)
}

func parseGeminiResponse(resp *genai.GenerateContentResponse) (types.Response, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		if resp != nil && resp.PromptFeedback != nil && strings.TrimSpace(resp.PromptFeedback.BlockReasonMessage) != "" {
			return types.Response{}, fmt.Errorf("gemini returned no candidates: %s", strings.TrimSpace(resp.PromptFeedback.BlockReasonMessage))
		}
		return types.Response{}, fmt.Errorf("gemini returned no candidates")
	}

	var content strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought || part.Text == "" {
			continue
		}
		content.WriteString(part.Text)
	}

	var usage *types.Usage
	if resp.UsageMetadata != nil {
		usage = &types.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return types.Response{
		Message: types.Message{Role: types.RoleAssistant, Content: strings.TrimSpace(content.String())},
		Usage:   usage,
	}, nil
}

func clampInt32(v int) int32 {
	if v <= 0 {
		return 0
	}
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

// toGeminiContents maps the thread onto Gemini turns. Gemini only accepts
// user and model roles, so mid-thread system messages become tagged user turns.
func toGeminiContents(messages []types.Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case types.RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		case types.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		case types.RoleSystem:
			contents = append(contents, genai.NewContentFromText("[context] "+m.Content, genai.RoleUser))
		}
	}
	return contents
}

var _ llm.Provider = (*Client)(nil)
