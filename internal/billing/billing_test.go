package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/relay/internal/model"
)

func TestGetPlan(t *testing.T) {
	tests := []struct {
		name     string
		planCode string
		wantOK   bool
		wantPlan Plan
	}{
		{"free plan", "free", true, Plan{Name: "Free", MonthlyRunLimit: 100, RateLimitPerMinute: 5}},
		{"pro plan", "pro", true, Plan{Name: "Pro", MonthlyRunLimit: 5_000, RateLimitPerMinute: 60}},
		{"enterprise plan", "enterprise", true, Plan{Name: "Enterprise", MonthlyRunLimit: 0, RateLimitPerMinute: 0}},
		{"unknown plan", "platinum", false, Plan{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, ok := GetPlan(tt.planCode)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantPlan.Name, plan.Name)
				assert.Equal(t, tt.wantPlan.MonthlyRunLimit, plan.MonthlyRunLimit)
				assert.Equal(t, tt.wantPlan.RateLimitPerMinute, plan.RateLimitPerMinute)
			}
		})
	}
}

func TestPlanForUnknownIsFree(t *testing.T) {
	assert.Equal(t, PlanFree, PlanFor("platinum").Code)
}

func TestSatisfies(t *testing.T) {
	assert.True(t, Satisfies(PlanFree, ""))
	assert.True(t, Satisfies(PlanPro, PlanFree))
	assert.True(t, Satisfies(PlanPro, PlanPro))
	assert.False(t, Satisfies(PlanFree, PlanPro))
	assert.True(t, Satisfies(PlanEnterprise, PlanPro))
	assert.False(t, Satisfies(PlanEnterprise, "platinum"))
	assert.False(t, Satisfies("bogus", PlanPro))
}

func TestPeriodBounds(t *testing.T) {
	start, end := PeriodBounds(time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), end)

	// Non-UTC input is normalized before truncation.
	tokyo := time.FixedZone("JST", 9*3600)
	start, _ = PeriodBounds(time.Date(2026, 5, 1, 3, 0, 0, 0, tokyo))
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), start)
}

func TestCurrentPeriod(t *testing.T) {
	assert.Equal(t, "2026-02", CurrentPeriod(time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC)))
}

type stubStore struct {
	plan model.TenantPlan
	err  error
}

func (s stubStore) GetTenantPlan(context.Context, uuid.UUID) (model.TenantPlan, error) {
	return s.plan, s.err
}

func TestResolve(t *testing.T) {
	tenant := uuid.New()

	svc := New(stubStore{plan: model.TenantPlan{TenantID: tenant, PlanCode: "pro"}}, nil)
	p, err := svc.Resolve(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, PlanPro, p.PlanCode)

	svc = New(stubStore{plan: model.TenantPlan{TenantID: tenant, PlanCode: "legacy-unlimited"}}, nil)
	p, err = svc.Resolve(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, PlanFree, p.PlanCode)

	boom := errors.New("db down")
	_, err = New(stubStore{err: boom}, nil).Resolve(context.Background(), tenant)
	assert.ErrorIs(t, err, boom)
}
