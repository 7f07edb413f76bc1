package saga

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
	"github.com/meridianlabs/conductor/pkg/guard"
	"github.com/meridianlabs/conductor/pkg/lifecycle"
	"github.com/meridianlabs/conductor/pkg/observability"
	"github.com/meridianlabs/conductor/pkg/surface"
	"github.com/meridianlabs/conductor/pkg/wal"
)

// SessionChecker admits intents only against ACTIVE sessions.
type SessionChecker interface {
	RequireActive(ctx context.Context, tenantID, sessionID string) (contracts.Session, error)
}

// Options tune the engine.
type Options struct {
	Retry       RetryPolicy
	StepTimeout time.Duration
	Workers     int
	// Telemetry records a span per step and a duration sample per handler
	// attempt; may be nil.
	Telemetry *observability.Provider
}

// Engine runs executions. Many executions proceed in parallel across and
// within tenants; steps inside one execution run strictly in sequence. The
// engine holds no lock across a step handler invocation.
type Engine struct {
	committer *surface.Committer
	surface   *surface.Surface
	registry  *Registry
	sessions  SessionChecker
	logger    *slog.Logger
	telemetry *observability.Provider

	retry       RetryPolicy
	stepTimeout time.Duration
	workers     chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a saga engine.
func NewEngine(committer *surface.Committer, surf *surface.Surface, registry *Registry, sessions SessionChecker, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		committer:   committer,
		surface:     surf,
		registry:    registry,
		sessions:    sessions,
		logger:      logger,
		telemetry:   opts.Telemetry,
		retry:       opts.Retry,
		stepTimeout: opts.StepTimeout,
		workers:     make(chan struct{}, opts.Workers),
		baseCtx:     baseCtx,
		cancel:      cancel,
		clock:       time.Now,
		sleep:       sleepCtx,
	}
}

// WithClock overrides the clock for testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// WithSleep overrides the backoff sleeper for testing.
func (e *Engine) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Engine {
	e.sleep = sleep
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Submit accepts an intent, commits the execution record and schedules the
// run. Acceptance is synchronous; execution proceeds asynchronously.
func (e *Engine) Submit(ctx context.Context, p guard.Principal, intent contracts.Intent) (string, error) {
	if err := guard.CheckTenant(p, intent.TenantID); err != nil {
		return "", err
	}
	if !intent.IntentType.Known() {
		return "", faults.Validation("unknown intent type %q", intent.IntentType)
	}
	if intent.SessionID == "" {
		return "", faults.Validation("intent requires session_id")
	}
	sess, err := e.sessions.RequireActive(ctx, intent.TenantID, intent.SessionID)
	if err != nil {
		return "", err
	}
	if p.UserID != "" && sess.UserID != p.UserID {
		return "", faults.PermissionDenied("session belongs to a different user")
	}
	plan, err := e.registry.Plan(intent.IntentType)
	if err != nil {
		return "", err
	}

	now := e.clock().UTC()
	exec := contracts.Execution{
		ExecutionID: uuid.New().String(),
		TenantID:    intent.TenantID,
		SessionID:   intent.SessionID,
		IntentType:  intent.IntentType,
		Realm:       intent.Realm,
		Status:      contracts.ExecutionSubmitted,
		Steps:       make([]contracts.SagaStep, 0, len(plan)),
		SubmittedAt: now,
	}
	for _, def := range plan {
		exec.Steps = append(exec.Steps, contracts.SagaStep{
			StepID:     uuid.New().String(),
			HandlerRef: def.Ref,
			Status:     contracts.StepPending,
		})
	}

	_, err = e.committer.Commit(ctx, intent.TenantID, wal.Record{
		EntryType: contracts.EntryExecutionSubmitted,
		DedupKey:  "execution-submitted/" + exec.ExecutionID,
		Payload:   contracts.ExecutionSubmittedEvent{Execution: exec},
	})
	if err != nil {
		return "", err
	}

	ec := ExecutionContext{
		TenantID:    exec.TenantID,
		SessionID:   exec.SessionID,
		ExecutionID: exec.ExecutionID,
		IntentType:  exec.IntentType,
		Realm:       exec.Realm,
		Payload:     intent.Payload,
		Outputs:     make(map[string]json.RawMessage),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case e.workers <- struct{}{}:
			defer func() { <-e.workers }()
		case <-e.baseCtx.Done():
			return
		}
		e.run(exec, plan, ec)
	}()

	return exec.ExecutionID, nil
}

// Cancel requests cancellation of a running execution. The engine honors it
// between steps, never mid-step.
func (e *Engine) Cancel(ctx context.Context, p guard.Principal, tenantID, executionID string) error {
	if err := guard.CheckTenant(p, tenantID); err != nil {
		return err
	}
	exec, err := e.surface.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return faults.StateConflict("execution %s is already %s", executionID, exec.Status)
	}

	_, err = e.committer.Commit(ctx, tenantID, wal.Record{
		EntryType: contracts.EntryCancellationRequested,
		DedupKey:  "execution-cancel/" + executionID,
		Payload: contracts.CancellationRequestedEvent{
			ExecutionID: executionID,
			RequestedBy: p.UserID,
			At:          e.clock().UTC(),
		},
	})
	return err
}

// Status is a pure read against the state surface.
func (e *Engine) Status(ctx context.Context, p guard.Principal, tenantID, executionID string) (contracts.Execution, error) {
	if err := guard.CheckTenant(p, tenantID); err != nil {
		return contracts.Execution{}, err
	}
	return e.surface.GetExecution(ctx, tenantID, executionID)
}

// Drain waits for in-flight executions to finish.
func (e *Engine) Drain() { e.wg.Wait() }

// Stop cancels the engine's base context and waits for workers.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) run(exec contracts.Execution, plan []StepDefinition, ec ExecutionContext) {
	ctx := e.baseCtx
	tenantID := exec.TenantID

	if err := e.commitStatus(ctx, tenantID, exec.ExecutionID, contracts.ExecutionRunning, nil, "", nil); err != nil {
		e.logger.Error("execution failed to start", "execution_id", exec.ExecutionID, "error", err)
		return
	}

	var succeeded []int
	for i, def := range plan {
		if e.cancellationRequested(ctx, tenantID, exec.ExecutionID) {
			e.compensate(ctx, exec, plan, ec, succeeded, "cancellation requested")
			return
		}

		step := &exec.Steps[i]
		output, attempts, err := e.runStep(ctx, def, step, ec)
		step.AttemptCount = attempts
		if err != nil {
			if faults.IsFatal(err) {
				e.logger.Error("durable log unavailable; halting execution", "execution_id", exec.ExecutionID, "error", err)
				return
			}
			e.failAndCompensate(ctx, exec, plan, ec, succeeded, step, err)
			return
		}

		ec.Outputs[def.Ref] = output
		succeeded = append(succeeded, i)
	}

	result, _ := json.Marshal(ec.Outputs)
	if err := e.commitStatus(ctx, tenantID, exec.ExecutionID, contracts.ExecutionCompleted, result, "", nil); err != nil {
		e.logger.Error("completion commit failed", "execution_id", exec.ExecutionID, "error", err)
		return
	}
	e.logger.Info("execution completed", "tenant_id", tenantID, "execution_id", exec.ExecutionID)
}

// runStep invokes the handler with bounded attempts and a per-attempt
// timeout. Returns the committed output on success. One span covers the
// step including its retries; every handler attempt records a duration
// sample.
func (e *Engine) runStep(ctx context.Context, def StepDefinition, step *contracts.SagaStep, ec ExecutionContext) (json.RawMessage, int, error) {
	if e.telemetry != nil {
		var span trace.Span
		ctx, span = e.telemetry.StartSpan(ctx, "saga.step",
			attribute.String("handler.ref", def.Ref),
			attribute.String("execution.id", ec.ExecutionID),
			attribute.String("tenant.id", ec.TenantID),
		)
		defer span.End()
	}

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		startedAt := time.Now()
		output, err := def.Handler.Execute(attemptCtx, ec)
		cancel()
		if e.telemetry != nil {
			e.telemetry.RecordStepDuration(ctx, def.Ref, time.Since(startedAt), err == nil)
		}

		if err == nil {
			commitErr := e.commitStep(ctx, ec.TenantID, contracts.EntryStepSucceeded, contracts.StepEvent{
				ExecutionID:  ec.ExecutionID,
				StepID:       step.StepID,
				HandlerRef:   step.HandlerRef,
				Status:       contracts.StepSucceeded,
				AttemptCount: attempt,
				Output:       output,
				At:           e.clock().UTC(),
			})
			if commitErr != nil {
				return nil, attempt, commitErr
			}
			return output, attempt, nil
		}

		lastErr = err
		if !faults.Retryable(err) {
			return nil, attempt, e.recordStepFailure(ctx, ec, step, attempt, err)
		}
		if attempt < e.retry.MaxAttempts {
			delay := Backoff(ec.ExecutionID, step.StepID, attempt, e.retry)
			if err := e.sleep(ctx, delay); err != nil {
				break
			}
		}
	}
	return nil, e.retry.MaxAttempts, e.recordStepFailure(ctx, ec, step, e.retry.MaxAttempts, lastErr)
}

// recordStepFailure commits the STEP_FAILED entry and returns the original
// step error (or the commit's FATAL fault, which takes precedence).
func (e *Engine) recordStepFailure(ctx context.Context, ec ExecutionContext, step *contracts.SagaStep, attempts int, stepErr error) error {
	commitErr := e.commitStep(ctx, ec.TenantID, contracts.EntryStepFailed, contracts.StepEvent{
		ExecutionID:  ec.ExecutionID,
		StepID:       step.StepID,
		HandlerRef:   step.HandlerRef,
		Status:       contracts.StepFailed,
		AttemptCount: attempts,
		Error:        stepErr.Error(),
		At:           e.clock().UTC(),
	})
	if commitErr != nil && faults.IsFatal(commitErr) {
		return commitErr
	}
	return stepErr
}

func (e *Engine) failAndCompensate(ctx context.Context, exec contracts.Execution, plan []StepDefinition, ec ExecutionContext, succeeded []int, step *contracts.SagaStep, stepErr error) {
	reason := "step " + step.HandlerRef + " exhausted retries: " + stepErr.Error()
	if err := e.commitStatus(ctx, exec.TenantID, exec.ExecutionID, contracts.ExecutionFailed, nil, reason, nil); err != nil {
		e.logger.Error("failure commit failed", "execution_id", exec.ExecutionID, "error", err)
		return
	}
	e.compensate(ctx, exec, plan, ec, succeeded, reason)
}

// compensate runs the compensating actions of previously succeeded steps in
// strict reverse order. Compensation failures are recorded and never block
// the remaining reverse steps; the terminal status is COMPENSATED
// regardless.
func (e *Engine) compensate(ctx context.Context, exec contracts.Execution, plan []StepDefinition, ec ExecutionContext, succeeded []int, reason string) {
	tenantID := exec.TenantID
	if err := e.commitStatus(ctx, tenantID, exec.ExecutionID, contracts.ExecutionCompensating, nil, reason, nil); err != nil {
		e.logger.Error("compensating commit failed", "execution_id", exec.ExecutionID, "error", err)
		return
	}

	var failures []contracts.CompensationFailure
	for i := len(succeeded) - 1; i >= 0; i-- {
		idx := succeeded[i]
		def := plan[idx]
		step := exec.Steps[idx]

		compCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
		err := def.Handler.Compensate(compCtx, ec)
		cancel()

		now := e.clock().UTC()
		if err != nil {
			failures = append(failures, contracts.CompensationFailure{
				StepID:     step.StepID,
				HandlerRef: step.HandlerRef,
				Error:      err.Error(),
				OccurredAt: now,
			})
			if cerr := e.commitStep(ctx, tenantID, contracts.EntryCompensationFailed, contracts.StepEvent{
				ExecutionID:  ec.ExecutionID,
				StepID:       step.StepID,
				HandlerRef:   step.HandlerRef,
				Status:       contracts.StepCompensationFailed,
				AttemptCount: step.AttemptCount,
				Error:        err.Error(),
				At:           now,
			}); cerr != nil {
				e.logger.Error("compensation record commit failed",
					"execution_id", ec.ExecutionID, "step_id", step.StepID, "error", cerr)
			}
			continue
		}
		if cerr := e.commitStep(ctx, tenantID, contracts.EntryStepCompensated, contracts.StepEvent{
			ExecutionID:  ec.ExecutionID,
			StepID:       step.StepID,
			HandlerRef:   step.HandlerRef,
			Status:       contracts.StepCompensated,
			AttemptCount: step.AttemptCount,
			At:           now,
		}); cerr != nil {
			e.logger.Error("compensation record commit failed",
				"execution_id", ec.ExecutionID, "step_id", step.StepID, "error", cerr)
		}
	}

	if err := e.commitStatus(ctx, tenantID, exec.ExecutionID, contracts.ExecutionCompensated, nil, reason, failures); err != nil {
		e.logger.Error("compensated commit failed", "execution_id", exec.ExecutionID, "error", err)
		return
	}
	e.logger.Info("execution compensated",
		"tenant_id", tenantID, "execution_id", exec.ExecutionID,
		"compensation_failures", len(failures))
}

func (e *Engine) cancellationRequested(ctx context.Context, tenantID, executionID string) bool {
	exec, err := e.surface.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return false
	}
	return exec.CancellationRequested
}

func (e *Engine) commitStatus(ctx context.Context, tenantID, executionID string, status contracts.ExecutionStatus, result json.RawMessage, errMsg string, failures []contracts.CompensationFailure) error {
	current, err := e.surface.GetExecution(ctx, tenantID, executionID)
	if err != nil {
		return err
	}
	event, err := statusEvent(status)
	if err != nil {
		return err
	}
	if _, err := lifecycle.Execution(ctx, current.Status, event); err != nil {
		return err
	}

	entryType := statusEntryType(status)
	_, err = e.committer.Commit(ctx, tenantID, wal.Record{
		EntryType: entryType,
		DedupKey:  "execution-status/" + executionID + "/" + string(status),
		Payload: contracts.ExecutionStatusEvent{
			ExecutionID:          executionID,
			Status:               status,
			Result:               result,
			Error:                errMsg,
			CompensationFailures: failures,
			At:                   e.clock().UTC(),
		},
	})
	return err
}

func (e *Engine) commitStep(ctx context.Context, tenantID string, entryType contracts.EntryType, ev contracts.StepEvent) error {
	_, err := e.committer.Commit(ctx, tenantID, wal.Record{
		EntryType: entryType,
		DedupKey:  "step/" + ev.ExecutionID + "/" + ev.StepID + "/" + string(ev.Status),
		Payload:   ev,
	})
	return err
}

func statusEvent(status contracts.ExecutionStatus) (string, error) {
	switch status {
	case contracts.ExecutionRunning:
		return lifecycle.EventStart, nil
	case contracts.ExecutionCompleted:
		return lifecycle.EventComplete, nil
	case contracts.ExecutionFailed:
		return lifecycle.EventFail, nil
	case contracts.ExecutionCompensating:
		return lifecycle.EventCompensate, nil
	case contracts.ExecutionCompensated:
		return lifecycle.EventCompensated, nil
	default:
		return "", faults.StateConflict("no transition to status %s", status)
	}
}

func statusEntryType(status contracts.ExecutionStatus) contracts.EntryType {
	switch status {
	case contracts.ExecutionRunning:
		return contracts.EntryExecutionRunning
	case contracts.ExecutionCompleted:
		return contracts.EntryExecutionCompleted
	case contracts.ExecutionFailed:
		return contracts.EntryExecutionFailed
	case contracts.ExecutionCompensating:
		return contracts.EntryExecutionCompensating
	default:
		return contracts.EntryExecutionCompensated
	}
}
