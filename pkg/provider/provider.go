package provider

import (
	"context"
	"fmt"
	"log/slog"

	"voxgate/pkg/config"
	provideropenai "voxgate/pkg/provider/openai"
	"voxgate/pkg/provider/opencode"
	providertypes "voxgate/pkg/provider/types"
)

// Client is the conversational backend contract.
//
// PromptStreaming pushes incremental progress text into onProgress while the
// exchange is in flight; onProgress may be nil when the caller does not
// render progress. Progress is pushed by the provider, never polled.
type Client interface {
	Health(ctx context.Context) error
	CreateSession(ctx context.Context, title string) (string, error)
	PromptStreaming(ctx context.Context, sessionID string, prompt string, model string, agent string, onProgress providertypes.ProgressFunc) (providertypes.PromptResult, error)
}

func New(cfg *config.Config) (Client, error) {
	providerID := cfg.Backend.Provider
	if providerID == "" {
		providerID = "opencode"
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving provider client", "provider", providerID)

	switch providerID {
	case "opencode":
		return opencode.New(cfg)
	case "openai":
		return provideropenai.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
