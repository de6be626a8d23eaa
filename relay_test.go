package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/relay/internal/billing"
)

type fixedPlans struct {
	plan TenantPlan
	err  error
}

func (f fixedPlans) ResolvePlan(context.Context, uuid.UUID) (TenantPlan, error) {
	return f.plan, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPlanResolverAdapter(t *testing.T) {
	tenant := uuid.New()

	t.Run("passes known plan through", func(t *testing.T) {
		a := &planResolverAdapter{r: fixedPlans{plan: TenantPlan{PlanCode: PlanPro, Features: map[string]bool{"crm": true}}}, logger: discardLogger()}
		p, err := a.Resolve(context.Background(), tenant)
		require.NoError(t, err)
		assert.Equal(t, tenant, p.TenantID)
		assert.Equal(t, billing.PlanPro, p.PlanCode)
		assert.True(t, p.HasFeature("crm"))
	})

	t.Run("unknown plan falls back to free", func(t *testing.T) {
		a := &planResolverAdapter{r: fixedPlans{plan: TenantPlan{PlanCode: "platinum"}}, logger: discardLogger()}
		p, err := a.Resolve(context.Background(), tenant)
		require.NoError(t, err)
		assert.Equal(t, billing.PlanFree, p.PlanCode)
	})

	t.Run("resolver error is wrapped", func(t *testing.T) {
		boom := errors.New("billing api down")
		a := &planResolverAdapter{r: fixedPlans{err: boom}, logger: discardLogger()}
		_, err := a.Resolve(context.Background(), tenant)
		assert.ErrorIs(t, err, boom)
	})
}

func TestOptionsAccumulate(t *testing.T) {
	o := resolvedOptions{}
	noopRoutes := func(*http.ServeMux) {}
	noopMW := func(h http.Handler) http.Handler { return h }
	for _, fn := range []Option{
		WithPort(9090),
		WithDatabaseURL("postgres://x"),
		WithCatalogPath("/etc/relay/catalog.yaml"),
		WithVersion("1.2.3"),
		WithExtraRoutes(noopRoutes),
		WithExtraRoutes(noopRoutes),
		WithMiddleware(noopMW),
		WithPlanResolver(fixedPlans{}),
	} {
		fn(&o)
	}

	assert.Equal(t, 9090, o.port)
	assert.Equal(t, "postgres://x", o.databaseURL)
	assert.Equal(t, "/etc/relay/catalog.yaml", o.catalogPath)
	assert.Equal(t, "1.2.3", o.version)
	assert.Len(t, o.routeRegistrars, 2)
	assert.Len(t, o.middlewares, 1)
	assert.NotNil(t, o.planResolver)
}

func TestPlanCodesMatchBilling(t *testing.T) {
	for _, code := range []string{PlanFree, PlanPro, PlanEnterprise} {
		_, ok := billing.GetPlan(code)
		assert.True(t, ok, code)
	}
}
