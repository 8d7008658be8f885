// Package security carries the per-request caller identity consumed by
// admission checks.
package security

import (
	"context"

	"github.com/Vaibhavmurmu/runash.in-3-sub006/internal/models"
)

// Permissions granted to callers.
const (
	PermStreamRead    = "stream:read"
	PermStreamWrite   = "stream:write"
	PermQueueWrite    = "queue:write"
	PermQueueConsume  = "queue:consume"
	PermPresenceWrite = "presence:write"
	PermLogsRead      = "logs:read"
	PermMetricsWrite  = "metrics:write"
)

// Context describes the caller of a request.
type Context struct {
	UserID          string      `json:"userId"`
	Tier            models.Tier `json:"tier"`
	IsAuthenticated bool        `json:"isAuthenticated"`
	Permissions     []string    `json:"permissions"`
}

// Anonymous is the context of an unauthenticated caller.
func Anonymous() Context {
	return Context{Tier: models.TierFree}
}

// ForPrincipal builds the context of an authenticated principal.
func ForPrincipal(p *models.Principal) Context {
	tier := p.Tier
	if !tier.Valid() {
		tier = models.TierFree
	}
	return Context{
		UserID:          p.ID.String(),
		Tier:            tier,
		IsAuthenticated: true,
		Permissions:     permissionsFor(tier),
	}
}

func permissionsFor(tier models.Tier) []string {
	perms := []string{PermStreamRead, PermStreamWrite, PermQueueWrite, PermPresenceWrite}
	if tier != models.TierFree {
		perms = append(perms, PermMetricsWrite)
	}
	if tier == models.TierEnterprise {
		perms = append(perms, PermQueueConsume, PermLogsRead)
	}
	return perms
}

// Has reports whether the context grants perm.
func (c Context) Has(perm string) bool {
	if !c.IsAuthenticated {
		return false
	}
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithContext returns ctx carrying sc.
func WithContext(ctx context.Context, sc Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext returns the caller context, or Anonymous when none is set.
func FromContext(ctx context.Context) Context {
	sc, ok := ctx.Value(contextKey{}).(Context)
	if !ok {
		return Anonymous()
	}
	return sc
}
