package relay

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// PlanResolver maps a tenant to its plan and feature flags.
// When provided via WithPlanResolver, replaces the tenant_plans table lookup.
// Unknown plan codes are treated as the free plan.
type PlanResolver interface {
	ResolvePlan(ctx context.Context, tenantID uuid.UUID) (TenantPlan, error)
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Routes share the mux, tenant auth, rate limiting and OTEL instrumentation
// with the built-in routes; use TenantID to read the caller's tenant.
// The function is called once during New() after all built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux)

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
