// Package realm holds the built-in step handlers shipped with the core.
// Realm-specific handlers (parsing, embedding, analytics) live outside this
// repository and plug into the same registry.
package realm

import (
	"context"
	"encoding/json"

	"github.com/meridianlabs/conductor/pkg/boundary"
	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
	"github.com/meridianlabs/conductor/pkg/guard"
	"github.com/meridianlabs/conductor/pkg/saga"
)

// IntakeStepRef names the built-in intake step.
const IntakeStepRef = "boundary.intake"

// intakePayload is the RESOURCE_INTAKE intent payload.
type intakePayload struct {
	ResourceID  string            `json:"resource_id"`
	Kind        string            `json:"kind"`
	ContentHash string            `json:"content_hash,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// intakeOutput is the committed step output.
type intakeOutput struct {
	ResourceID string `json:"resource_id"`
	ContractID string `json:"boundary_contract_id"`
	Status     string `json:"status"`
}

// IntakeHandler records a PENDING boundary contract for an inbound
// resource. Materialization stays a separate, explicit client call; intake
// never activates anything.
type IntakeHandler struct {
	contracts *boundary.Store
}

// NewIntakeHandler creates the handler.
func NewIntakeHandler(contracts *boundary.Store) *IntakeHandler {
	return &IntakeHandler{contracts: contracts}
}

// Execute implements saga.StepHandler. Re-invocation after a crash creates
// a second pending contract; the orphan expires by TTL and is never
// visible, so the retry stays safe.
func (h *IntakeHandler) Execute(ctx context.Context, ec saga.ExecutionContext) (json.RawMessage, error) {
	var p intakePayload
	if err := json.Unmarshal(ec.Payload, &p); err != nil {
		return nil, faults.Validation("intake payload malformed: %v", err)
	}
	if p.ResourceID == "" {
		return nil, faults.Validation("intake payload requires resource_id")
	}

	c, err := h.contracts.CreatePending(ctx, systemPrincipal(ec.TenantID), ec.TenantID, contracts.ResourceDescriptor{
		ResourceID:  p.ResourceID,
		Kind:        p.Kind,
		ContentHash: p.ContentHash,
		Labels:      p.Labels,
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(intakeOutput{
		ResourceID: p.ResourceID,
		ContractID: c.ContractID,
		Status:     string(c.Status),
	})
}

// Compensate implements saga.StepHandler. A pending contract that is never
// authorized expires by TTL and is invisible throughout, so there is
// nothing to undo.
func (h *IntakeHandler) Compensate(ctx context.Context, ec saga.ExecutionContext) error {
	return nil
}

func systemPrincipal(tenantID string) guard.Principal {
	return guard.Principal{TenantID: tenantID, UserID: "system"}
}

// RegisterBuiltins installs the built-in step plans on a registry.
func RegisterBuiltins(reg *saga.Registry, store *boundary.Store) error {
	return reg.Register(contracts.IntentResourceIntake, saga.StepDefinition{
		Ref:     IntakeStepRef,
		Handler: NewIntakeHandler(store),
	})
}
