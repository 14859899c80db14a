// Package echo is an offline provider that answers with the latest user turn.
package echo

import (
	"context"
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/procedure-engine/llm"
	"github.com/PipeOpsHQ/procedure-engine/types"
)

type Client struct {
	prefix string
}

type Option func(*Client)

func WithPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = prefix }
}

func New(opts ...Option) *Client {
	c := &Client{prefix: "echo: "}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return "echo" }

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	if err := ctx.Err(); err != nil {
		return types.Response{}, err
	}
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == types.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	if strings.TrimSpace(last) == "" {
		return types.Response{}, fmt.Errorf("echo: request has no user message")
	}
	words := len(strings.Fields(last))
	return types.Response{
		Message: types.Message{Role: types.RoleAssistant, Content: c.prefix + last},
		Usage:   &types.Usage{InputTokens: words, OutputTokens: words, TotalTokens: 2 * words},
	}, nil
}

var _ llm.Provider = (*Client)(nil)
