// Package billing resolves a tenant's plan and exposes the static plan table
// that sets monthly run quotas and default per-tool rate limits.
//
// Checkout and subscription webhooks live outside Relay; this package only
// reads the plan a tenant is on.
package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/model"
)

// Plan codes.
const (
	PlanFree       = "free"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// Plan defines limits for a subscription tier.
type Plan struct {
	Code               string
	Name               string
	MonthlyRunLimit    int // 0 = unlimited.
	RateLimitPerMinute int // Default per-tool limit; 0 = unlimited.
	rank               int
}

var plans = map[string]Plan{
	PlanFree: {
		Code:               PlanFree,
		Name:               "Free",
		MonthlyRunLimit:    100,
		RateLimitPerMinute: 5,
		rank:               0,
	},
	PlanPro: {
		Code:               PlanPro,
		Name:               "Pro",
		MonthlyRunLimit:    5_000,
		RateLimitPerMinute: 60,
		rank:               1,
	},
	PlanEnterprise: {
		Code:               PlanEnterprise,
		Name:               "Enterprise",
		MonthlyRunLimit:    0, // unlimited
		RateLimitPerMinute: 0,
		rank:               2,
	},
}

// GetPlan returns the plan definition for a plan code.
func GetPlan(code string) (Plan, bool) {
	p, ok := plans[code]
	return p, ok
}

// PlanFor returns the plan for code, falling back to free for unknown codes.
func PlanFor(code string) Plan {
	if p, ok := plans[code]; ok {
		return p
	}
	return plans[PlanFree]
}

// Satisfies reports whether a tenant on plan have may use something that
// requires plan min. An empty min is always satisfied; an unknown min never is.
func Satisfies(have, min string) bool {
	if min == "" {
		return true
	}
	want, ok := plans[min]
	if !ok {
		return false
	}
	return PlanFor(have).rank >= want.rank
}

// Resolver maps a tenant to its plan code and feature flags.
type Resolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID) (model.TenantPlan, error)
}

// PlanStore is the storage the default resolver reads from.
type PlanStore interface {
	GetTenantPlan(ctx context.Context, tenantID uuid.UUID) (model.TenantPlan, error)
}

// Service is the database-backed Resolver.
type Service struct {
	store  PlanStore
	logger *slog.Logger
}

// New creates a billing service reading tenant plans from store.
func New(store PlanStore, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Resolve returns the tenant's plan. Unknown plan codes are logged and
// treated as free so a bad row cannot grant unlimited usage.
func (s *Service) Resolve(ctx context.Context, tenantID uuid.UUID) (model.TenantPlan, error) {
	p, err := s.store.GetTenantPlan(ctx, tenantID)
	if err != nil {
		return model.TenantPlan{}, fmt.Errorf("billing: resolve plan: %w", err)
	}
	if _, ok := plans[p.PlanCode]; !ok {
		if s.logger != nil {
			s.logger.Warn("billing: unknown plan code, using free", "tenant_id", tenantID, "plan", p.PlanCode)
		}
		p.PlanCode = PlanFree
	}
	return p, nil
}
