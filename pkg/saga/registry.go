// Package saga decomposes accepted intents into ordered steps, executes
// them through pluggable realm handlers, and compensates on failure.
package saga

import (
	"context"
	"encoding/json"

	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
)

// ExecutionContext is the accumulated context handed to every step handler.
// Outputs holds the committed output of each previously succeeded step,
// keyed by handler ref.
type ExecutionContext struct {
	TenantID    string
	SessionID   string
	ExecutionID string
	IntentType  contracts.IntentType
	Realm       string
	Payload     json.RawMessage
	Outputs     map[string]json.RawMessage
}

// StepHandler is realm-supplied execution logic for one step. Execute must
// be safely re-invocable: a step may be retried after a transient failure
// or replayed after a crash. Compensate undoes a previously succeeded
// Execute and is likewise best-effort idempotent.
type StepHandler interface {
	Execute(ctx context.Context, ec ExecutionContext) (json.RawMessage, error)
	Compensate(ctx context.Context, ec ExecutionContext) error
}

// StepDefinition binds a handler ref to its implementation.
type StepDefinition struct {
	Ref     string
	Handler StepHandler
}

// Registry maps the closed intent enum to ordered step plans. Plans are
// registered from typed configuration at startup; there is no name-based or
// reflective dispatch.
type Registry struct {
	plans map[contracts.IntentType][]StepDefinition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plans: make(map[contracts.IntentType][]StepDefinition)}
}

// Register installs the step plan for an intent type.
func (r *Registry) Register(t contracts.IntentType, steps ...StepDefinition) error {
	if !t.Known() {
		return faults.Validation("unknown intent type %q", t)
	}
	if len(steps) == 0 {
		return faults.Validation("intent type %q requires at least one step", t)
	}
	if _, dup := r.plans[t]; dup {
		return faults.Validation("intent type %q already registered", t)
	}
	for _, s := range steps {
		if s.Ref == "" || s.Handler == nil {
			return faults.Validation("step definitions require ref and handler")
		}
	}
	r.plans[t] = steps
	return nil
}

// Plan returns the ordered step plan for an intent type.
func (r *Registry) Plan(t contracts.IntentType) ([]StepDefinition, error) {
	steps, ok := r.plans[t]
	if !ok {
		return nil, faults.Validation("no step plan registered for intent type %q", t)
	}
	return steps, nil
}
