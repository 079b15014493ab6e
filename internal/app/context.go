package app

import (
	"context"
	"fmt"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/repo"
)

// ResolveConfig loads the workspace phaseline.yml, falling back to built-in
// defaults when the file is absent.
func ResolveConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default("phaseline")
	}
	return cfg, nil
}

// Bootstrap ensures the calling actor exists and holds the instance-wide
// owner role. Used on first run of a fresh workspace so the local user can
// manage the catalog before any project exists.
func Bootstrap(ctx context.Context, r repo.Repo, actorID string) error {
	if actorID == "" {
		actorID = "local-user"
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, repo.InstanceScope, actorID, "owner"); err != nil {
		return fmt.Errorf("assign owner: %w", err)
	}
	return tx.Commit()
}
