// Package app holds the small amount of wiring shared by the CLI and the
// server: resolving which session a command targets and loading the deck the
// workspace is configured for.
package app

import (
	"context"
	"errors"
	"fmt"

	"biasflow/internal/catalog"
	"biasflow/internal/config"
	"biasflow/internal/repo"
)

// ResolveSession picks the target session id: an explicit override wins,
// otherwise the single stored session is used.
func ResolveSession(ctx context.Context, sessionOverride string, r repo.Repo) (string, error) {
	if sessionOverride != "" {
		if _, err := r.GetSessionInfo(ctx, sessionOverride); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", fmt.Errorf("session %s not found", sessionOverride)
			}
			return "", err
		}
		return sessionOverride, nil
	}
	info, err := r.SingleSession(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no session exists; create one with bf session create")
		}
		return "", err
	}
	return info.ID, nil
}

// LoadCatalog loads the deck the config points at, falling back to the
// embedded default deck.
func LoadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg != nil && cfg.Deck.Path != "" {
		return catalog.FromFile(cfg.Deck.Path)
	}
	return catalog.Default()
}
