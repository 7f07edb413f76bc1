package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/conductor/pkg/checkpoint"
	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
	"github.com/meridianlabs/conductor/pkg/guard"
	"github.com/meridianlabs/conductor/pkg/observability"
	"github.com/meridianlabs/conductor/pkg/surface"
	"github.com/meridianlabs/conductor/pkg/wal"
)

var alice = guard.Principal{TenantID: "t1", UserID: "u1"}

// activeSessions admits every (tenant, session) pair as u1's ACTIVE session.
type activeSessions struct{}

func (activeSessions) RequireActive(ctx context.Context, tenantID, sessionID string) (contracts.Session, error) {
	return contracts.Session{
		SessionID: sessionID,
		TenantID:  tenantID,
		UserID:    "u1",
		Status:    contracts.SessionActive,
	}, nil
}

// closedSessions refuses every session.
type closedSessions struct{}

func (closedSessions) RequireActive(context.Context, string, string) (contracts.Session, error) {
	return contracts.Session{}, faults.StateConflict("session is EXPIRED")
}

// stubHandler is a scriptable step handler.
type stubHandler struct {
	mu           sync.Mutex
	name         string
	failuresLeft int   // transient failures before success
	execErr      error // permanent error on every attempt when set
	compErr      error
	compHook     func() // runs inside Compensate, before it returns
	execCalls    int
	compCalls    int
	recorder     *callRecorder
	block        chan struct{} // when set, Execute waits before returning
	started      chan struct{} // signaled once Execute has begun
}

type callRecorder struct {
	mu    sync.Mutex
	comps []string
}

func (r *callRecorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.comps = append(r.comps, name)
}

func (r *callRecorder) compensations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.comps))
	copy(out, r.comps)
	return out
}

func (h *stubHandler) Execute(ctx context.Context, ec ExecutionContext) (json.RawMessage, error) {
	h.mu.Lock()
	h.execCalls++
	block := h.block
	started := h.started
	if h.execErr != nil {
		h.mu.Unlock()
		return nil, h.execErr
	}
	if h.failuresLeft > 0 {
		h.failuresLeft--
		h.mu.Unlock()
		return nil, errors.New("collaborator hiccup")
	}
	h.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return json.Marshal(map[string]string{"step": h.name})
}

func (h *stubHandler) Compensate(ctx context.Context, ec ExecutionContext) error {
	h.mu.Lock()
	h.compCalls++
	hook := h.compHook
	h.mu.Unlock()
	if h.recorder != nil {
		h.recorder.record(h.name)
	}
	if hook != nil {
		hook()
	}
	return h.compErr
}

func (h *stubHandler) executions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.execCalls
}

func (h *stubHandler) compensations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.compCalls
}

type fixture struct {
	log      wal.Log
	surface  *surface.Surface
	engine   *Engine
	registry *Registry
}

func newFixture(t *testing.T, log wal.Log, sessions SessionChecker) *fixture {
	t.Helper()
	if log == nil {
		log = wal.NewMemoryLog()
	}
	if sessions == nil {
		sessions = activeSessions{}
	}
	surf := surface.New(log, checkpoint.NewMemoryStore())
	require.NoError(t, surf.Rebuild(context.Background()))

	registry := NewRegistry()
	engine := NewEngine(surface.NewCommitter(log, surf), surf, registry, sessions, nil, Options{
		Retry: RetryPolicy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 0, MaxAttempts: 3},
	}).WithSleep(func(context.Context, time.Duration) error { return nil })

	return &fixture{log: log, surface: surf, engine: engine, registry: registry}
}

func submit(t *testing.T, f *fixture, intentType contracts.IntentType) string {
	t.Helper()
	id, err := f.engine.Submit(context.Background(), alice, contracts.Intent{
		IntentType: intentType,
		Realm:      "analytics",
		SessionID:  "s1",
		TenantID:   "t1",
		Payload:    json.RawMessage(`{"k":"v"}`),
	})
	require.NoError(t, err)
	return id
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, nil, nil)
	a := &stubHandler{name: "a"}
	b := &stubHandler{name: "b"}
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.a", Handler: a},
		StepDefinition{Ref: "realm.b", Handler: b},
	))

	id := submit(t, f, contracts.IntentRealmTask)
	f.engine.Drain()

	exec, err := f.engine.Status(context.Background(), alice, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompleted, exec.Status)
	require.Len(t, exec.Steps, 2)
	for _, step := range exec.Steps {
		assert.Equal(t, contracts.StepSucceeded, step.Status)
		assert.Equal(t, 1, step.AttemptCount)
	}

	var result map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(exec.Result, &result))
	assert.Contains(t, result, "realm.a")
	assert.Contains(t, result, "realm.b")

	assert.Equal(t, 1, a.executions())
	assert.Equal(t, 1, b.executions())
	assert.Equal(t, 0, a.compensations())
}

func TestTransientFailureRetries(t *testing.T) {
	f := newFixture(t, nil, nil)
	flaky := &stubHandler{name: "flaky", failuresLeft: 2}
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.flaky", Handler: flaky}))

	id := submit(t, f, contracts.IntentRealmTask)
	f.engine.Drain()

	exec, err := f.engine.Status(context.Background(), alice, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompleted, exec.Status)
	assert.Equal(t, 3, exec.Steps[0].AttemptCount)
	assert.Equal(t, 3, flaky.executions())
}

func TestRetryExhaustionCompensatesInReverseOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := &callRecorder{}
	a := &stubHandler{name: "a", recorder: rec}
	b := &stubHandler{name: "b", recorder: rec}
	broken := &stubHandler{name: "broken", recorder: rec, execErr: errors.New("always down")}
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.a", Handler: a},
		StepDefinition{Ref: "realm.b", Handler: b},
		StepDefinition{Ref: "realm.broken", Handler: broken},
	))

	id := submit(t, f, contracts.IntentRealmTask)
	f.engine.Drain()

	exec, err := f.engine.Status(context.Background(), alice, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompensated, exec.Status)
	assert.Contains(t, exec.Error, "exhausted retries")

	// All bounded attempts were spent on the broken step.
	assert.Equal(t, 3, broken.executions())
	assert.Equal(t, contracts.StepFailed, exec.Steps[2].Status)

	// Succeeded steps compensated in strict reverse order; the failed step
	// is never compensated.
	assert.Equal(t, []string{"b", "a"}, rec.compensations())
	assert.Equal(t, 0, broken.compensations())
	assert.Equal(t, contracts.StepCompensated, exec.Steps[0].Status)
	assert.Equal(t, contracts.StepCompensated, exec.Steps[1].Status)
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	f := newFixture(t, nil, nil)
	invalid := &stubHandler{name: "invalid", execErr: faults.Validation("payload malformed")}
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.invalid", Handler: invalid}))

	id := submit(t, f, contracts.IntentRealmTask)
	f.engine.Drain()

	exec, err := f.engine.Status(context.Background(), alice, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompensated, exec.Status)
	assert.Equal(t, 1, invalid.executions(), "VALIDATION faults get no retries")
}

func TestCompensationFailureIsRecordedAndDoesNotBlock(t *testing.T) {
	f := newFixture(t, nil, nil)
	rec := &callRecorder{}
	a := &stubHandler{name: "a", recorder: rec}
	b := &stubHandler{name: "b", recorder: rec, compErr: errors.New("cleanup refused")}
	broken := &stubHandler{name: "broken", execErr: errors.New("always down")}
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.a", Handler: a},
		StepDefinition{Ref: "realm.b", Handler: b},
		StepDefinition{Ref: "realm.broken", Handler: broken},
	))

	id := submit(t, f, contracts.IntentRealmTask)
	f.engine.Drain()

	exec, err := f.engine.Status(context.Background(), alice, "t1", id)
	require.NoError(t, err)

	// b's compensation failed but a's still ran; the terminal status is
	// COMPENSATED regardless.
	assert.Equal(t, contracts.ExecutionCompensated, exec.Status)
	assert.Equal(t, []string{"b", "a"}, rec.compensations())
	require.Len(t, exec.CompensationFailures, 1)
	assert.Equal(t, "realm.b", exec.CompensationFailures[0].HandlerRef)
	assert.Contains(t, exec.CompensationFailures[0].Error, "cleanup refused")
	assert.Equal(t, contracts.StepCompensationFailed, exec.Steps[1].Status)
	assert.Equal(t, contracts.StepCompensated, exec.Steps[0].Status)
}

func TestCancellationBetweenSteps(t *testing.T) {
	f := newFixture(t, nil, nil)
	started := make(chan struct{}, 1)
	proceed := make(chan struct{})
	first := &stubHandler{name: "first", started: started, block: proceed}
	second := &stubHandler{name: "second"}
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.first", Handler: first},
		StepDefinition{Ref: "realm.second", Handler: second},
	))

	id := submit(t, f, contracts.IntentRealmTask)

	// Cancel while the first step is mid-flight: the step must finish, the
	// second must never start.
	<-started
	require.NoError(t, f.engine.Cancel(context.Background(), alice, "t1", id))
	close(proceed)
	f.engine.Drain()

	exec, err := f.engine.Status(context.Background(), alice, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompensated, exec.Status)
	assert.Equal(t, 1, first.executions())
	assert.Equal(t, 0, second.executions(), "cancellation honored between steps")
	assert.Equal(t, 1, first.compensations())
	assert.True(t, exec.CancellationRequested)
}

func TestCancelTerminalExecutionConflicts(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.a", Handler: &stubHandler{name: "a"}}))

	id := submit(t, f, contracts.IntentRealmTask)
	f.engine.Drain()

	err := f.engine.Cancel(context.Background(), alice, "t1", id)
	assert.True(t, faults.IsStateConflict(err))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.a", Handler: &stubHandler{name: "a"}}))

	ctx := context.Background()

	_, err := f.engine.Submit(ctx, alice, contracts.Intent{
		IntentType: "DROP_TABLES", SessionID: "s1", TenantID: "t1",
	})
	assert.True(t, faults.IsValidation(err))

	_, err = f.engine.Submit(ctx, alice, contracts.Intent{
		IntentType: contracts.IntentRealmTask, TenantID: "t1",
	})
	assert.True(t, faults.IsValidation(err))

	_, err = f.engine.Submit(ctx, guard.Principal{TenantID: "t2", UserID: "u1"}, contracts.Intent{
		IntentType: contracts.IntentRealmTask, SessionID: "s1", TenantID: "t1",
	})
	assert.True(t, faults.IsPermissionDenied(err))

	// No step plan registered for the type.
	_, err = f.engine.Submit(ctx, alice, contracts.Intent{
		IntentType: contracts.IntentSolutionBuild, SessionID: "s1", TenantID: "t1",
	})
	assert.True(t, faults.IsValidation(err))
}

func TestSubmitRefusesInactiveSession(t *testing.T) {
	f := newFixture(t, nil, closedSessions{})
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.a", Handler: &stubHandler{name: "a"}}))

	_, err := f.engine.Submit(context.Background(), alice, contracts.Intent{
		IntentType: contracts.IntentRealmTask, SessionID: "s1", TenantID: "t1",
	})
	assert.True(t, faults.IsStateConflict(err))
}

func TestSubmitRefusesForeignSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.a", Handler: &stubHandler{name: "a"}}))

	mallory := guard.Principal{TenantID: "t1", UserID: "u2"}
	_, err := f.engine.Submit(context.Background(), mallory, contracts.Intent{
		IntentType: contracts.IntentRealmTask, SessionID: "s1", TenantID: "t1",
	})
	assert.True(t, faults.IsPermissionDenied(err))
}

func TestSubmitHaltsWhenLogUnavailable(t *testing.T) {
	faulty := wal.NewFaultyLog(wal.NewMemoryLog())
	f := newFixture(t, faulty, nil)
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.a", Handler: &stubHandler{name: "a"}}))

	faulty.SetUnavailable(true)
	_, err := f.engine.Submit(context.Background(), alice, contracts.Intent{
		IntentType: contracts.IntentRealmTask, SessionID: "s1", TenantID: "t1",
	})
	assert.True(t, faults.IsFatal(err))

	// Nothing committed, nothing projected, nothing scheduled.
	f.engine.Drain()
	faulty.SetUnavailable(false)
	assert.Equal(t, 0, faulty.Appends())
}

func TestStatusMasksCrossTenant(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.a", Handler: &stubHandler{name: "a"}}))

	id := submit(t, f, contracts.IntentRealmTask)
	f.engine.Drain()

	mallory := guard.Principal{TenantID: "t2", UserID: "m1"}
	_, err := f.engine.Status(context.Background(), mallory, "t2", id)
	assert.True(t, faults.IsNotFound(err))
}

func TestStepTelemetryRecordedAcrossRetries(t *testing.T) {
	provider, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)

	log := wal.NewMemoryLog()
	surf := surface.New(log, checkpoint.NewMemoryStore())
	require.NoError(t, surf.Rebuild(context.Background()))
	registry := NewRegistry()
	engine := NewEngine(surface.NewCommitter(log, surf), surf, registry, activeSessions{}, nil, Options{
		Retry:     RetryPolicy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 0, MaxAttempts: 3},
		Telemetry: provider,
	}).WithSleep(func(context.Context, time.Duration) error { return nil })

	// One failed and one successful attempt exercise both duration outcomes
	// plus the step span.
	flaky := &stubHandler{name: "flaky", failuresLeft: 1}
	require.NoError(t, registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.flaky", Handler: flaky}))

	id, err := engine.Submit(context.Background(), alice, contracts.Intent{
		IntentType: contracts.IntentRealmTask, SessionID: "s1", TenantID: "t1",
	})
	require.NoError(t, err)
	engine.Drain()

	exec, err := engine.Status(context.Background(), alice, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompleted, exec.Status)
	assert.Equal(t, 2, exec.Steps[0].AttemptCount)
}

func TestCompensationCommitFailureIsLogged(t *testing.T) {
	faulty := wal.NewFaultyLog(wal.NewMemoryLog())
	surf := surface.New(faulty, checkpoint.NewMemoryStore())
	require.NoError(t, surf.Rebuild(context.Background()))

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	registry := NewRegistry()
	engine := NewEngine(surface.NewCommitter(faulty, surf), surf, registry, activeSessions{}, logger, Options{
		Retry: RetryPolicy{BaseMs: 1, MaxMs: 2, MaxJitterMs: 0, MaxAttempts: 1},
	}).WithSleep(func(context.Context, time.Duration) error { return nil })

	// The log goes down mid-compensation: the compensating action itself ran,
	// but the record of it cannot be committed.
	a := &stubHandler{name: "a", compHook: func() { faulty.SetUnavailable(true) }}
	broken := &stubHandler{name: "broken", execErr: faults.Validation("bad payload")}
	require.NoError(t, registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.a", Handler: a},
		StepDefinition{Ref: "realm.broken", Handler: broken},
	))

	_, err := engine.Submit(context.Background(), alice, contracts.Intent{
		IntentType: contracts.IntentRealmTask, SessionID: "s1", TenantID: "t1",
	})
	require.NoError(t, err)
	engine.Drain()

	assert.Equal(t, 1, a.compensations())
	assert.Contains(t, buf.String(), "compensation record commit failed")
}

func TestRecoveredSurfaceMatchesLiveState(t *testing.T) {
	f := newFixture(t, nil, nil)
	require.NoError(t, f.registry.Register(contracts.IntentRealmTask,
		StepDefinition{Ref: "realm.a", Handler: &stubHandler{name: "a"}}))

	id := submit(t, f, contracts.IntentRealmTask)
	f.engine.Drain()

	// A projection rebuilt from the log alone agrees with the live one.
	rebuilt := surface.New(f.log, checkpoint.NewMemoryStore())
	require.NoError(t, rebuilt.Rebuild(context.Background()))

	live, err := f.surface.Fingerprint("t1")
	require.NoError(t, err)
	recovered, err := rebuilt.Fingerprint("t1")
	require.NoError(t, err)
	assert.Equal(t, live, recovered)

	exec, err := rebuilt.GetExecution(context.Background(), "t1", id)
	require.NoError(t, err)
	assert.Equal(t, contracts.ExecutionCompleted, exec.Status)
}
