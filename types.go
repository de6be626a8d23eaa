package relay

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/ctxutil"
)

// Plan codes understood by the quota and plan gates.
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// TenantPlan is the public representation of a tenant's subscription.
// No internal package types; safe to construct from outside the module.
type TenantPlan struct {
	PlanCode string
	Features map[string]bool
}

// TenantID returns the authenticated tenant of a request handled by a route
// added with WithExtraRoutes, or uuid.Nil when the request is unauthenticated.
func TenantID(ctx context.Context) uuid.UUID {
	return ctxutil.TenantIDFromContext(ctx)
}
