// Package app resolves the active org and configuration for CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pulseline/internal/config"
	"pulseline/internal/domain"
	"pulseline/internal/repo"
)

// ResolveOrgAndConfig picks the active org and ensures it exists in the DB,
// creating it on the fly if missing. It prefers the override, then the config
// file, then a single-org DB.
func ResolveOrgAndConfig(ctx context.Context, workspace, orgOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}

	orgID := orgOverride
	if orgID == "" && cfg != nil {
		orgID = cfg.Org.ID
	}
	if orgID == "" {
		orgs, err := r.ListOrgs(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(orgs) == 1 {
			orgID = orgs[0].ID
		} else {
			return "", nil, fmt.Errorf("org not specified; use --org or pulseline.yml")
		}
	}
	if cfg == nil {
		cfg = config.Default(orgID)
	}
	cfg.Org.ID = orgID

	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		name := cfg.Org.Name
		if name == "" {
			name = orgID
		}
		org := domain.Org{
			ID:        orgID,
			Name:      name,
			Status:    "active",
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := r.EnsureOrg(ctx, org); err != nil {
			return "", nil, fmt.Errorf("ensure org: %w", err)
		}
	}
	return orgID, cfg, nil
}
