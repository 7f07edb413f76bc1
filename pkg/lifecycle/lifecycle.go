// Package lifecycle declares the legal state machines for sessions,
// executions, saga steps and boundary contracts.
//
// Transition tables are expressed with looplab/fsm so every mutation path
// consults the same closed definition; an illegal transition surfaces as a
// STATE_CONFLICT fault before anything is committed.
package lifecycle

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
)

// Event names shared by the transition tables.
const (
	EventExpire     = "expire"
	EventInvalidate = "invalidate"

	EventStart       = "start"
	EventComplete    = "complete"
	EventFail        = "fail"
	EventCompensate  = "compensate"
	EventCompensated = "compensated"

	EventAuthorize = "authorize"
)

func sessionEvents() fsm.Events {
	return fsm.Events{
		{Name: EventExpire, Src: []string{string(contracts.SessionActive)}, Dst: string(contracts.SessionExpired)},
		{Name: EventInvalidate, Src: []string{string(contracts.SessionActive)}, Dst: string(contracts.SessionInvalidated)},
	}
}

func executionEvents() fsm.Events {
	return fsm.Events{
		{Name: EventStart, Src: []string{string(contracts.ExecutionSubmitted)}, Dst: string(contracts.ExecutionRunning)},
		{Name: EventComplete, Src: []string{string(contracts.ExecutionRunning)}, Dst: string(contracts.ExecutionCompleted)},
		{Name: EventFail, Src: []string{string(contracts.ExecutionRunning)}, Dst: string(contracts.ExecutionFailed)},
		{Name: EventCompensate, Src: []string{
			string(contracts.ExecutionFailed),
			string(contracts.ExecutionRunning), // cancellation path skips FAILED
		}, Dst: string(contracts.ExecutionCompensating)},
		{Name: EventCompensated, Src: []string{string(contracts.ExecutionCompensating)}, Dst: string(contracts.ExecutionCompensated)},
	}
}

func contractEvents() fsm.Events {
	return fsm.Events{
		{Name: EventAuthorize, Src: []string{string(contracts.ContractPending)}, Dst: string(contracts.ContractActive)},
		{Name: EventExpire, Src: []string{string(contracts.ContractPending)}, Dst: string(contracts.ContractExpired)},
	}
}

func transition(ctx context.Context, events fsm.Events, current, event string) (string, error) {
	m := fsm.NewFSM(current, events, nil)
	if err := m.Event(ctx, event); err != nil {
		return "", faults.StateConflict("illegal transition %q from %s", event, current)
	}
	return m.Current(), nil
}

// Session applies event to a session status.
func Session(ctx context.Context, current contracts.SessionStatus, event string) (contracts.SessionStatus, error) {
	next, err := transition(ctx, sessionEvents(), string(current), event)
	if err != nil {
		return current, err
	}
	return contracts.SessionStatus(next), nil
}

// Execution applies event to an execution status.
func Execution(ctx context.Context, current contracts.ExecutionStatus, event string) (contracts.ExecutionStatus, error) {
	next, err := transition(ctx, executionEvents(), string(current), event)
	if err != nil {
		return current, err
	}
	return contracts.ExecutionStatus(next), nil
}

// Contract applies event to a boundary contract status.
func Contract(ctx context.Context, current contracts.ContractStatus, event string) (contracts.ContractStatus, error) {
	next, err := transition(ctx, contractEvents(), string(current), event)
	if err != nil {
		return current, err
	}
	return contracts.ContractStatus(next), nil
}

// ContractCan reports whether event is legal for the contract status without
// committing anything. Authorization uses this as its pre-append check.
func ContractCan(current contracts.ContractStatus, event string) bool {
	return fsm.NewFSM(string(current), contractEvents(), nil).Can(event)
}
