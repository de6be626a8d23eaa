package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/relay/internal/model"
	"github.com/ashita-ai/relay/internal/telemetry"
)

// StaleRunStore finalizes runs stuck in running and finds automation runs
// nobody dispatched.
type StaleRunStore interface {
	ReapStaleRuns(ctx context.Context, olderThan time.Time) (int64, error)
	ListStaleReceived(ctx context.Context, olderThan time.Time, limit int) ([]model.Run, error)
}

// ResumeFunc dispatches or finalizes a run stuck in received.
type ResumeFunc func(ctx context.Context, run model.Run) (model.Run, error)

const resumeBatch = 100

// Reaper periodically times out runs left running past their dispatch
// budget, e.g. after a replica crashed mid-dispatch or an engine never sent
// its asynchronous callback. With a ResumeFunc it also hands automation runs
// stuck in received back to the orchestrator.
type Reaper struct {
	store    StaleRunStore
	resume   ResumeFunc
	budget   time.Duration
	schedule cronlib.Schedule
	logger   *slog.Logger
	now      func() time.Time

	cron    *cronlib.Cron
	cancel  context.CancelFunc
	reaped  metric.Int64Counter
	resumed metric.Int64Counter
}

// NewReaper parses spec (standard five-field cron or a descriptor such as
// "@every 1m") and returns a stopped Reaper.
func NewReaper(store StaleRunStore, spec string, budget time.Duration, logger *slog.Logger) (*Reaper, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("orchestrator: reaper budget must be positive, got %s", budget)
	}
	parser := cronlib.NewParser(cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: reaper schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		store:    store,
		budget:   budget,
		schedule: sched,
		logger:   logger,
		now:      time.Now,
	}
	meter := telemetry.Meter("relay/orchestrator")
	r.reaped, _ = meter.Int64Counter("relay.runs.reaped",
		metric.WithDescription("Runs timed out by the stale-run reaper"),
	)
	r.resumed, _ = meter.Int64Counter("relay.runs.resumed",
		metric.WithDescription("Undispatched automation runs handed back by the reaper"),
	)
	return r, nil
}

// WithResume sets the function used for automation runs left in received
// longer than the budget. Without one those runs are left alone.
func (r *Reaper) WithResume(fn ResumeFunc) *Reaper {
	r.resume = fn
	return r
}

// Start schedules sweeps until Stop is called or ctx is canceled.
func (r *Reaper) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.cron = cronlib.New(cronlib.WithChain(cronlib.SkipIfStillRunning(cronlib.DiscardLogger)))
	r.cron.Schedule(r.schedule, cronlib.FuncJob(func() {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reaper: sweep failed", "error", err)
		}
	}))
	r.cron.Start()
	r.logger.Info("reaper: started", "budget", r.budget)
}

// Stop halts scheduling and waits for a running sweep to return.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	r.cancel()
	<-r.cron.Stop().Done()
	r.logger.Info("reaper: stopped")
}

// Sweep reaps runs that started before now minus the budget, then resumes
// automation runs received before that cutoff. It returns the number reaped.
func (r *Reaper) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.budget)
	n, err := r.store.ReapStaleRuns(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.reaped.Add(ctx, n)
		r.logger.Warn("reaper: timed out stale runs", "count", n, "budget", r.budget)
	}
	if r.resume == nil {
		return n, nil
	}

	stuck, err := r.store.ListStaleReceived(ctx, cutoff, resumeBatch)
	if err != nil {
		return n, err
	}
	for _, run := range stuck {
		if _, err := r.resume(ctx, run); err != nil {
			if errors.Is(err, model.ErrShuttingDown) {
				return n, nil
			}
			r.logger.Error("reaper: resume run", "run_id", run.ID, "tenant_id", run.TenantID, "error", err)
			continue
		}
		r.resumed.Add(ctx, 1)
	}
	if len(stuck) > 0 {
		r.logger.Warn("reaper: resumed undispatched automation runs", "count", len(stuck))
	}
	return n, nil
}
