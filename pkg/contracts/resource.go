package contracts

import "time"

// ContractStatus is the lifecycle state of a boundary contract.
type ContractStatus string

const (
	ContractPending ContractStatus = "PENDING"
	ContractActive  ContractStatus = "ACTIVE"
	ContractExpired ContractStatus = "EXPIRED"
)

// MaterializationScope is the authorization boundary a resource is
// restricted to once its contract is active. Set exactly once.
type MaterializationScope struct {
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id,omitempty"`
	SolutionID string `json:"solution_id,omitempty"`
}

// Matches reports whether a requester scope may see a resource bound to s.
// The user must match; session and solution are checked only when the
// materialized scope pinned them.
func (s MaterializationScope) Matches(requester MaterializationScope) bool {
	if s.UserID != requester.UserID {
		return false
	}
	if s.SessionID != "" && s.SessionID != requester.SessionID {
		return false
	}
	if s.SolutionID != "" && s.SolutionID != requester.SolutionID {
		return false
	}
	return true
}

// ResourceDescriptor identifies the gated resource behind a contract.
type ResourceDescriptor struct {
	ResourceID  string            `json:"resource_id"`
	Kind        string            `json:"kind"`
	ContentHash string            `json:"content_hash,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// BoundaryContract gates a resource's visibility until a client explicitly
// authorizes materialization into a scope. PENDING -> ACTIVE happens at most
// once; PENDING contracts expire after a configured TTL.
type BoundaryContract struct {
	ContractID string                `json:"contract_id"`
	TenantID   string                `json:"tenant_id"`
	Resource   ResourceDescriptor    `json:"resource"`
	Status     ContractStatus        `json:"status"`
	Scope      *MaterializationScope `json:"scope,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
}
