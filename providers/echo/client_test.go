package echo

import (
	"context"
	"testing"

	"github.com/PipeOpsHQ/procedure-engine/types"
)

func TestGenerate_EchoesLatestUserTurn(t *testing.T) {
	c := New(WithPrefix("> "))
	resp, err := c.Generate(context.Background(), types.Request{Messages: []types.Message{
		{Role: types.RoleUser, Content: "first"},
		{Role: types.RoleAssistant, Content: "reply"},
		{Role: types.RoleUser, Content: "second turn"},
	}})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Message.Content != "> second turn" {
		t.Fatalf("unexpected content %q", resp.Message.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 4 {
		t.Fatalf("unexpected usage %#v", resp.Usage)
	}
}

func TestGenerate_RequiresUserMessage(t *testing.T) {
	if _, err := New().Generate(context.Background(), types.Request{}); err == nil {
		t.Fatalf("expected error without user message")
	}
}
