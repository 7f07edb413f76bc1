// Package guard enforces the tenant isolation contract.
//
// Every state-surface, session and boundary entry point calls into this
// package before touching data: a tenant mismatch is rejected pre-commit,
// never filtered after the fact.
package guard

import (
	"github.com/meridianlabs/conductor/pkg/faults"
)

// Principal is the verified identity asserted by the external
// authenticator. The core trusts the pair; it never verifies credentials.
type Principal struct {
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

// RequireTenant rejects empty tenant identifiers.
func RequireTenant(tenantID string) error {
	if tenantID == "" {
		return faults.Validation("tenant_id must not be empty")
	}
	return nil
}

// CheckTenant verifies the caller's tenant matches the tenant a call is
// addressed to. Mismatch is a PERMISSION_DENIED fault.
func CheckTenant(p Principal, tenantID string) error {
	if err := RequireTenant(tenantID); err != nil {
		return err
	}
	if p.TenantID != tenantID {
		return faults.PermissionDenied("caller tenant does not match request tenant")
	}
	return nil
}

// CheckOwnership verifies a fetched record belongs to the requesting tenant.
// Cross-tenant hits are masked as NOT_FOUND so existence never leaks.
func CheckOwnership(recordTenantID, requestTenantID, what string) error {
	if recordTenantID != requestTenantID {
		return faults.NotFound("%s not found", what)
	}
	return nil
}
