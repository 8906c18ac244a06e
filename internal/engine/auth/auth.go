// Package auth carries the authenticated principal and evaluates role
// permissions from program config.
package auth

import (
	"context"

	"agritrace/internal/config"
)

type Principal struct {
	ActorID string
	Roles   []string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// Can reports whether any of the principal's roles grants the permission.
// With no roles configured, everything is allowed (single-operator setups).
func Can(cfg *config.Config, p Principal, permission string) bool {
	if cfg == nil || len(cfg.RBAC.Roles) == 0 {
		return true
	}
	for _, roleID := range p.Roles {
		role, ok := cfg.RBAC.Roles[roleID]
		if !ok {
			continue
		}
		for _, perm := range role.Permissions {
			if perm == permission {
				return true
			}
		}
	}
	return false
}

// Jurisdictions returns the union of jurisdictions the principal's roles are
// assigned. An empty result means unrestricted.
func Jurisdictions(cfg *config.Config, p Principal) []string {
	if cfg == nil {
		return nil
	}
	seen := map[string]bool{}
	var out []string
	for _, roleID := range p.Roles {
		for _, j := range cfg.RBAC.ReviewerJurisdictions[roleID] {
			if !seen[j] {
				seen[j] = true
				out = append(out, j)
			}
		}
	}
	return out
}
