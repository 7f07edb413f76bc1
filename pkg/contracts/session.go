package contracts

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "ACTIVE"
	SessionExpired     SessionStatus = "EXPIRED"
	SessionInvalidated SessionStatus = "INVALIDATED"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionExpired || s == SessionInvalidated
}

// Session is a bound, time-limited user context under a tenant.
// TenantID and UserID are immutable after creation.
type Session struct {
	SessionID  string            `json:"session_id"`
	TenantID   string            `json:"tenant_id"`
	UserID     string            `json:"user_id"`
	Context    map[string]string `json:"context,omitempty"`
	Status     SessionStatus     `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
	LastSeenAt time.Time         `json:"last_seen_at"`
}

// SessionCreationContract is the admission check input shared by every
// session-creating path: the declared action and identifiers must be
// mutually consistent before creation is attempted.
type SessionCreationContract struct {
	Action    string `json:"action"`
	SessionID string `json:"session_id,omitempty"`
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
}
