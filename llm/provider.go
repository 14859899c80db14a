package llm

import (
	"context"

	"github.com/PipeOpsHQ/procedure-engine/types"
)

// Provider generates one assistant message for a conversation.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}
