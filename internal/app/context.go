package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"agritrace/internal/config"
	"agritrace/internal/repo"
)

// ResolveConfig loads the program config, preferring the database copy,
// then the workspace YAML file, then seeded defaults. A config found on
// disk but not in the database is imported.
func ResolveConfig(ctx context.Context, workspace, programID, actorID string, r repo.Repo) (*config.Config, error) {
	if programID == "" {
		programID = "default"
	}
	cfg, err := r.GetProgramConfig(ctx, programID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	cfg, err = config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default(programID)
	}
	cfg.Program.ID = programID
	if err := r.UpsertProgramConfig(ctx, programID, cfg); err != nil {
		return nil, fmt.Errorf("seed program config: %w", err)
	}
	if err := seedActor(ctx, r, actorID); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedActor makes sure the local actor exists and holds the operator role so
// a fresh workspace is usable without an RBAC bootstrap step.
func seedActor(ctx context.Context, r repo.Repo, actorID string) error {
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
	if err := r.AssignRole(ctx, tx, actorID, "operator"); err != nil {
		return fmt.Errorf("assign operator role: %w", err)
	}
	return tx.Commit()
}
