package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ashita-ai/relay/internal/model"
)

// memRuns is an in-memory RunStore with the registry's state rules.
type memRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]model.Run
	now  func() time.Time
}

func newMemRuns() *memRuns {
	return &memRuns{runs: map[uuid.UUID]model.Run{}, now: time.Now}
}

func (m *memRuns) add(nr model.NewRun) model.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := model.Run{
		ID:        uuid.New(),
		TenantID:  nr.TenantID,
		Kind:      nr.Kind,
		Target:    nr.Target,
		Status:    nr.InitialStatus(),
		Input:     nr.Input,
		CreatedAt: m.now(),
	}
	if nr.IdempotencyKey != "" {
		k := nr.IdempotencyKey
		r.IdempotencyKey = &k
	}
	m.runs[r.ID] = r
	return r
}

func (m *memRuns) get(id uuid.UUID) model.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runs[id]
}

func (m *memRuns) MarkRunning(_ context.Context, _, id uuid.UUID) (model.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return model.Run{}, false, model.ErrNotFound
	}
	if r.Status != model.RunStatusQueued && r.Status != model.RunStatusReceived {
		return r, false, nil
	}
	now := m.now()
	r.Status = model.RunStatusRunning
	r.StartedAt = &now
	m.runs[id] = r
	return r, true, nil
}

func (m *memRuns) RecordAttempt(_ context.Context, _, id uuid.UUID, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[id]
	if attempts > r.Attempts {
		r.Attempts = attempts
	}
	m.runs[id] = r
	return nil
}

func (m *memRuns) SetExecutionID(_ context.Context, _, id uuid.UUID, execID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.runs[id]
	r.ExternalExecutionID = &execID
	m.runs[id] = r
	return nil
}

func (m *memRuns) finish(id uuid.UUID, status model.RunStatus, output json.RawMessage, runErr *model.RunError, usage model.Usage, execID string) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return model.Run{}, errors.New("no such run")
	}
	// Postgres refuses invalid UTF-8 and NUL in text and jsonb.
	if runErr != nil && !storable(runErr.Message) || !storable(string(output)) || !storable(execID) {
		return model.Run{}, errors.New("invalid byte sequence for encoding \"UTF8\"")
	}
	now := m.now()
	r.Status = status
	r.Output = output
	r.Error = runErr
	r.Usage = usage
	if execID != "" {
		r.ExternalExecutionID = &execID
	}
	if r.FinishedAt == nil {
		r.FinishedAt = &now
	}
	m.runs[id] = r
	return r, nil
}

func (m *memRuns) MarkSuccess(_ context.Context, _, id uuid.UUID, output json.RawMessage, usage model.Usage, execID string) (model.Run, error) {
	return m.finish(id, model.RunStatusSuccess, output, nil, usage, execID)
}

func (m *memRuns) MarkFailed(_ context.Context, _, id uuid.UUID, kind model.FailureKind, message string, usage model.Usage, execID string) (model.Run, error) {
	return m.finish(id, model.RunStatusFailed, nil, &model.RunError{Kind: kind, Message: message}, usage, execID)
}

func (m *memRuns) MarkTimeout(_ context.Context, _, id uuid.UUID, message, execID string) (model.Run, error) {
	return m.finish(id, model.RunStatusTimeout, nil, &model.RunError{Kind: model.FailureTimeout, Message: message}, model.Usage{}, execID)
}

func storable(s string) bool {
	return utf8.ValidString(s) && !strings.Contains(s, "\x00") && !strings.Contains(s, `\u0000`)
}

type fakePersister struct {
	mu    sync.Mutex
	calls int
	err   error
	got   []model.ArtifactInput
}

func (p *fakePersister) Persist(_ context.Context, tenantID, runID uuid.UUID, _ string, inputs []model.ArtifactInput) ([]model.Artifact, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.got = append(p.got, inputs...)
	if p.err != nil {
		return nil, p.err
	}
	out := make([]model.Artifact, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, model.Artifact{ID: uuid.New(), TenantID: tenantID, RunID: runID, Name: in.Name})
	}
	return out, nil
}

// recordingSleep records requested delays without sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}
