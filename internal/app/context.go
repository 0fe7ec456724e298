package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gantry/internal/config"
	"gantry/internal/repo"
)

// ResolveProjectAndConfig picks the active project and loads its pipeline
// config from the DB. It prefers the override, then falls back to the single
// active project. Projects are created with `gantry init`, never implicitly;
// a missing config row is reseeded with the default pipeline so older
// workspaces keep working.
func ResolveProjectAndConfig(ctx context.Context, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			return "", nil, fmt.Errorf("project not specified; use --project or run 'gantry init'")
		}
		projectID = p.ID
	}
	if _, err := r.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil, fmt.Errorf("project %q not found; run 'gantry init --project %s'", projectID, projectID)
		}
		return "", nil, err
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
		now := time.Now().UTC().Format(time.RFC3339)
		if err := r.UpsertProjectConfig(ctx, projectID, now, cfg); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
