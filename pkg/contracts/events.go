package contracts

import (
	"encoding/json"
	"time"
)

// EntryType tags a committed state transition in the durable log.
type EntryType string

const (
	EntrySessionCreated     EntryType = "SESSION_CREATED"
	EntrySessionExpired     EntryType = "SESSION_EXPIRED"
	EntrySessionInvalidated EntryType = "SESSION_INVALIDATED"

	EntryContractCreated    EntryType = "CONTRACT_CREATED"
	EntryContractAuthorized EntryType = "CONTRACT_AUTHORIZED"
	EntryContractExpired    EntryType = "CONTRACT_EXPIRED"

	EntryExecutionSubmitted    EntryType = "EXECUTION_SUBMITTED"
	EntryExecutionRunning      EntryType = "EXECUTION_RUNNING"
	EntryStepSucceeded         EntryType = "STEP_SUCCEEDED"
	EntryStepFailed            EntryType = "STEP_FAILED"
	EntryExecutionCompleted    EntryType = "EXECUTION_COMPLETED"
	EntryExecutionFailed       EntryType = "EXECUTION_FAILED"
	EntryCancellationRequested EntryType = "CANCELLATION_REQUESTED"
	EntryExecutionCompensating EntryType = "EXECUTION_COMPENSATING"
	EntryStepCompensated       EntryType = "STEP_COMPENSATED"
	EntryCompensationFailed    EntryType = "COMPENSATION_FAILED"
	EntryExecutionCompensated  EntryType = "EXECUTION_COMPENSATED"
)

// SessionCreatedEvent is the payload of EntrySessionCreated.
type SessionCreatedEvent struct {
	Session Session `json:"session"`
}

// SessionClosedEvent is the payload of EntrySessionExpired and
// EntrySessionInvalidated.
type SessionClosedEvent struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason,omitempty"`
	ClosedAt  time.Time `json:"closed_at"`
}

// ContractCreatedEvent is the payload of EntryContractCreated.
type ContractCreatedEvent struct {
	Contract BoundaryContract `json:"contract"`
}

// ContractAuthorizedEvent is the payload of EntryContractAuthorized.
type ContractAuthorizedEvent struct {
	ContractID   string               `json:"contract_id"`
	Scope        MaterializationScope `json:"scope"`
	AuthorizedAt time.Time            `json:"authorized_at"`
}

// ContractExpiredEvent is the payload of EntryContractExpired.
type ContractExpiredEvent struct {
	ContractID string    `json:"contract_id"`
	ExpiredAt  time.Time `json:"expired_at"`
}

// ExecutionSubmittedEvent is the payload of EntryExecutionSubmitted.
type ExecutionSubmittedEvent struct {
	Execution Execution `json:"execution"`
}

// ExecutionStatusEvent is the payload of the execution status transitions
// (RUNNING, COMPLETED, FAILED, COMPENSATING, COMPENSATED).
type ExecutionStatusEvent struct {
	ExecutionID          string                `json:"execution_id"`
	Status               ExecutionStatus       `json:"status"`
	Result               json.RawMessage       `json:"result,omitempty"`
	Error                string                `json:"error,omitempty"`
	CompensationFailures []CompensationFailure `json:"compensation_failures,omitempty"`
	At                   time.Time             `json:"at"`
}

// StepEvent is the payload of per-step transitions.
type StepEvent struct {
	ExecutionID  string          `json:"execution_id"`
	StepID       string          `json:"step_id"`
	HandlerRef   string          `json:"handler_ref"`
	Status       StepStatus      `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	At           time.Time       `json:"at"`
}

// CancellationRequestedEvent is the payload of EntryCancellationRequested.
type CancellationRequestedEvent struct {
	ExecutionID string    `json:"execution_id"`
	RequestedBy string    `json:"requested_by,omitempty"`
	At          time.Time `json:"at"`
}
