// Package quota enforces per-tenant monthly run quotas and per-tool
// per-minute rate limits.
//
// Both checks count rows in the run registry itself rather than keeping
// counters in memory, so every replica sees the same numbers.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/billing"
	"github.com/ashita-ai/relay/internal/model"
)

// RateWindow is the trailing window the per-tool rate limit is measured over.
const RateWindow = 60 * time.Second

// RunCounter is the slice of the run registry the guard reads.
type RunCounter interface {
	CountRunsBetween(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int, error)
	CountTargetRunsSince(ctx context.Context, tenantID uuid.UUID, target string, since time.Time) (int, error)
}

// Status is the outcome of a limit check.
type Status struct {
	Allowed bool
	Used    int
	Limit   int // 0 = unlimited.
}

// Guard checks quotas and rate limits. Construct one with NewGuard and share it.
type Guard struct {
	runs     RunCounter
	resolver billing.Resolver
	now      func() time.Time
}

// NewGuard creates a Guard reading counts from runs and plans from resolver.
func NewGuard(runs RunCounter, resolver billing.Resolver) *Guard {
	return &Guard{runs: runs, resolver: resolver, now: time.Now}
}

// WithClock returns a copy of the guard that reads time from now.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	cp := *g
	cp.now = now
	return &cp
}

// CheckMonthlyQuota resolves the tenant's plan and checks its monthly quota.
func (g *Guard) CheckMonthlyQuota(ctx context.Context, tenantID uuid.UUID) (Status, error) {
	plan, err := g.resolver.Resolve(ctx, tenantID)
	if err != nil {
		return Status{}, fmt.Errorf("quota: %w", err)
	}
	return g.monthly(ctx, tenantID, billing.PlanFor(plan.PlanCode).MonthlyRunLimit)
}

func (g *Guard) monthly(ctx context.Context, tenantID uuid.UUID, limit int) (Status, error) {
	from, to := billing.PeriodBounds(g.now())
	used, err := g.runs.CountRunsBetween(ctx, tenantID, from, to)
	if err != nil {
		return Status{}, fmt.Errorf("quota: count monthly runs: %w", err)
	}
	return Status{Allowed: limit <= 0 || used < limit, Used: used, Limit: limit}, nil
}

// CheckRateLimit reports whether the tenant may start another run of toolSlug
// given limitPerMinute. A limit of zero or less never throttles.
func (g *Guard) CheckRateLimit(ctx context.Context, tenantID uuid.UUID, toolSlug string, limitPerMinute int) (bool, error) {
	st, err := g.rate(ctx, tenantID, toolSlug, limitPerMinute)
	return st.Allowed, err
}

func (g *Guard) rate(ctx context.Context, tenantID uuid.UUID, toolSlug string, limit int) (Status, error) {
	if limit <= 0 {
		return Status{Allowed: true}, nil
	}
	used, err := g.runs.CountTargetRunsSince(ctx, tenantID, toolSlug, g.now().UTC().Add(-RateWindow))
	if err != nil {
		return Status{}, fmt.Errorf("quota: count recent runs: %w", err)
	}
	return Status{Allowed: used < limit, Used: used, Limit: limit}, nil
}

// EffectiveRateLimit picks the per-minute limit for a tool: the tenant's
// override, else the tool's own default, else the plan default.
func EffectiveRateLimit(tool model.Tool, override *model.TenantToolConfig, planCode string) int {
	if override != nil && override.RateLimitPerMinute != nil {
		return *override.RateLimitPerMinute
	}
	if tool.RateLimitPerMinute != nil {
		return *tool.RateLimitPerMinute
	}
	return billing.PlanFor(planCode).RateLimitPerMinute
}

// Admit runs the monthly quota check and then the tool rate check. Rejections
// are *model.LimitError wrapping model.ErrQuotaExceeded or model.ErrRateLimited.
func (g *Guard) Admit(ctx context.Context, plan model.TenantPlan, tool model.Tool, override *model.TenantToolConfig) error {
	monthly, err := g.monthly(ctx, plan.TenantID, billing.PlanFor(plan.PlanCode).MonthlyRunLimit)
	if err != nil {
		return err
	}
	if !monthly.Allowed {
		return &model.LimitError{Kind: model.ErrQuotaExceeded, Used: monthly.Used, Limit: monthly.Limit}
	}

	rate, err := g.rate(ctx, plan.TenantID, tool.Slug, EffectiveRateLimit(tool, override, plan.PlanCode))
	if err != nil {
		return err
	}
	if !rate.Allowed {
		return &model.LimitError{Kind: model.ErrRateLimited, Used: rate.Used, Limit: rate.Limit}
	}
	return nil
}
