package factory

import (
	"context"
	"fmt"

	"github.com/PipeOpsHQ/procedure-engine/internal/config"
	"github.com/PipeOpsHQ/procedure-engine/llm"
	echoprov "github.com/PipeOpsHQ/procedure-engine/providers/echo"
	geminiprov "github.com/PipeOpsHQ/procedure-engine/providers/gemini"
	ollamaprov "github.com/PipeOpsHQ/procedure-engine/providers/ollama"
)

func New(ctx context.Context, cfg config.Config) (llm.Provider, error) {
	switch cfg.Provider {
	case "echo", "":
		return echoprov.New(), nil

	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when AGENT_PROVIDER=gemini")
		}
		return geminiprov.New(ctx, cfg.GeminiAPIKey, geminiprov.WithModel(cfg.Model))

	case "ollama":
		return ollamaprov.New(
			ollamaprov.WithModel(cfg.Model),
			ollamaprov.WithBaseURL(cfg.OllamaBaseURL),
			ollamaprov.WithAPIKey(cfg.OllamaAPIKey),
		)
	}

	return nil, fmt.Errorf("unsupported AGENT_PROVIDER %q (use echo, gemini, or ollama)", cfg.Provider)
}
