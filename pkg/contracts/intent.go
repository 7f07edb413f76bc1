package contracts

import "encoding/json"

// IntentType is the closed set of operations clients may request.
// Step decomposition is keyed by this tag; unknown types are rejected at the
// gateway, never dispatched by name lookup.
type IntentType string

const (
	IntentResourceIntake  IntentType = "RESOURCE_INTAKE"
	IntentResourceRelease IntentType = "RESOURCE_RELEASE"
	IntentSolutionBuild   IntentType = "SOLUTION_BUILD"
	IntentRealmTask       IntentType = "REALM_TASK"
)

// KnownIntentTypes enumerates every accepted intent type.
func KnownIntentTypes() []IntentType {
	return []IntentType{
		IntentResourceIntake,
		IntentResourceRelease,
		IntentSolutionBuild,
		IntentRealmTask,
	}
}

// Known reports whether t is a member of the closed intent enum.
func (t IntentType) Known() bool {
	for _, k := range KnownIntentTypes() {
		if t == k {
			return true
		}
	}
	return false
}

// Intent is a client-declared request for an operation, scoped to a session.
// It is consumed exactly once by the gateway.
type Intent struct {
	IntentType IntentType      `json:"intent_type"`
	Realm      string          `json:"realm"`
	SessionID  string          `json:"session_id"`
	TenantID   string          `json:"tenant_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}
