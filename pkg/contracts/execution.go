package contracts

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the lifecycle state of a tracked intent run.
type ExecutionStatus string

const (
	ExecutionSubmitted    ExecutionStatus = "SUBMITTED"
	ExecutionRunning      ExecutionStatus = "RUNNING"
	ExecutionCompleted    ExecutionStatus = "COMPLETED"
	ExecutionFailed       ExecutionStatus = "FAILED"
	ExecutionCompensating ExecutionStatus = "COMPENSATING"
	ExecutionCompensated  ExecutionStatus = "COMPENSATED"
)

// Terminal reports whether the execution can make no further progress.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionCompensated
}

// StepStatus is the lifecycle state of a single saga step.
type StepStatus string

const (
	StepPending            StepStatus = "PENDING"
	StepRunning            StepStatus = "RUNNING"
	StepSucceeded          StepStatus = "SUCCEEDED"
	StepFailed             StepStatus = "FAILED"
	StepCompensated        StepStatus = "COMPENSATED"
	StepCompensationFailed StepStatus = "COMPENSATION_FAILED"
)

// SagaStep is one unit of work inside an execution. Mutated only by the
// saga engine, and only through committed log entries.
type SagaStep struct {
	StepID       string          `json:"step_id"`
	HandlerRef   string          `json:"handler_ref"`
	Status       StepStatus      `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	Output       json.RawMessage `json:"output,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// CompensationFailure records a best-effort cleanup step that itself failed.
// Failures never block the remaining reverse steps; they are attached to the
// terminal execution record for operator inspection.
type CompensationFailure struct {
	StepID     string    `json:"step_id"`
	HandlerRef string    `json:"handler_ref"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Execution is the tracked run of one intent.
type Execution struct {
	ExecutionID           string                `json:"execution_id"`
	TenantID              string                `json:"tenant_id"`
	SessionID             string                `json:"session_id"`
	IntentType            IntentType            `json:"intent_type"`
	Realm                 string                `json:"realm"`
	Status                ExecutionStatus       `json:"status"`
	Steps                 []SagaStep            `json:"steps"`
	Result                json.RawMessage       `json:"result,omitempty"`
	Error                 string                `json:"error,omitempty"`
	CompensationFailures  []CompensationFailure `json:"compensation_failures,omitempty"`
	CancellationRequested bool                  `json:"cancellation_requested"`
	SubmittedAt           time.Time             `json:"submitted_at"`
	FinishedAt            time.Time             `json:"finished_at,omitempty"`
}
