package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	"pricegate/internal/config"
)

// DefaultActor is used when neither a flag nor a token names the caller.
const DefaultActor = "local-user"

type actorKey struct{}

// WithActor attaches the acting principal to ctx. Stores stamp ledger and
// audit rows with it.
func WithActor(ctx context.Context, actorID string) context.Context {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorID returns the actor attached to ctx or DefaultActor.
func ActorID(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return DefaultActor
}

// ResolveConfig picks the config for a workspace. An explicit path must
// exist; otherwise pricegate.yml is used when present and defaults when not.
func ResolveConfig(workspace, explicitPath string) (*config.Config, string, error) {
	if explicitPath != "" {
		cfg, err := config.LoadFile(explicitPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, "", fmt.Errorf("config %s not found", explicitPath)
			}
			return nil, "", fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		return cfg, explicitPath, nil
	}
	path := config.Path(workspace)
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		path = ""
	}
	return cfg, path, nil
}
