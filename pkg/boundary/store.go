// Package boundary tracks two-phase resource materialization contracts.
//
// Phase 1 (intake) records a PENDING contract with no scope. Phase 2
// (authorize) transitions it to ACTIVE with a scope, exactly once: the
// losing side of a concurrent double-authorize gets a STATE_CONFLICT fault.
// Pending contracts that outlive their TTL expire and can never be
// authorized afterwards.
package boundary

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/conductor/pkg/audit"
	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
	"github.com/meridianlabs/conductor/pkg/guard"
	"github.com/meridianlabs/conductor/pkg/lifecycle"
	"github.com/meridianlabs/conductor/pkg/surface"
	"github.com/meridianlabs/conductor/pkg/wal"
)

const authorizeStripes = 64

// Store is the boundary contract store.
type Store struct {
	committer  *surface.Committer
	surface    *surface.Surface
	auditor    audit.Logger
	logger     *slog.Logger
	pendingTTL time.Duration
	clock      func() time.Time

	// stripes serialize authorize per contract id; the dedup-key uniqueness
	// on CONTRACT_AUTHORIZED in the log is the durable backstop.
	stripes [authorizeStripes]sync.Mutex
}

// NewStore creates a boundary contract store.
func NewStore(committer *surface.Committer, surf *surface.Surface, auditor audit.Logger, logger *slog.Logger, pendingTTL time.Duration) *Store {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		committer:  committer,
		surface:    surf,
		auditor:    auditor,
		logger:     logger,
		pendingTTL: pendingTTL,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

func (s *Store) stripe(contractID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(contractID))
	return &s.stripes[h.Sum32()%authorizeStripes]
}

// CreatePending records a new PENDING contract gating the resource.
func (s *Store) CreatePending(ctx context.Context, p guard.Principal, tenantID string, resource contracts.ResourceDescriptor) (contracts.BoundaryContract, error) {
	if err := guard.CheckTenant(p, tenantID); err != nil {
		s.auditor.Record(p.TenantID, p.UserID, audit.EventDenied, "contract.create", resource.ResourceID, nil)
		return contracts.BoundaryContract{}, err
	}
	if resource.ResourceID == "" {
		return contracts.BoundaryContract{}, faults.Validation("resource_descriptor requires resource_id")
	}

	c := contracts.BoundaryContract{
		ContractID: uuid.New().String(),
		TenantID:   tenantID,
		Resource:   resource,
		Status:     contracts.ContractPending,
		CreatedAt:  s.clock().UTC(),
	}

	_, err := s.committer.Commit(ctx, tenantID, wal.Record{
		EntryType: contracts.EntryContractCreated,
		DedupKey:  "contract-created/" + c.ContractID,
		Payload:   contracts.ContractCreatedEvent{Contract: c},
	})
	if err != nil {
		return contracts.BoundaryContract{}, err
	}

	s.auditor.Record(tenantID, p.UserID, audit.EventMutation, "contract.create", c.ContractID, nil)
	return c, nil
}

// AuthorizeMaterialization transitions a PENDING contract to ACTIVE with the
// given scope, at most once per contract. Concurrent callers race for a
// per-contract stripe; whoever reads PENDING first appends, everyone else
// observes ACTIVE (or loses the dedup-key race in the log) and gets a
// STATE_CONFLICT fault.
func (s *Store) AuthorizeMaterialization(ctx context.Context, p guard.Principal, contractID, tenantID string, scope contracts.MaterializationScope) (contracts.MaterializationScope, error) {
	if err := guard.CheckTenant(p, tenantID); err != nil {
		s.auditor.Record(p.TenantID, p.UserID, audit.EventDenied, "contract.authorize", contractID, nil)
		return contracts.MaterializationScope{}, err
	}
	if scope.UserID == "" {
		return contracts.MaterializationScope{}, faults.Validation("materialization scope requires user_id")
	}

	mu := s.stripe(contractID)
	mu.Lock()
	defer mu.Unlock()

	c, err := s.surface.GetContract(ctx, tenantID, contractID)
	if err != nil {
		return contracts.MaterializationScope{}, err
	}
	if s.lapsed(c) {
		// TTL elapsed but the sweep has not run yet; authorization must
		// already refuse.
		return contracts.MaterializationScope{}, faults.StateConflict("contract %s is expired", contractID)
	}
	if !lifecycle.ContractCan(c.Status, lifecycle.EventAuthorize) {
		return contracts.MaterializationScope{}, faults.StateConflict("contract %s is %s; materialization is authorized at most once", contractID, c.Status)
	}

	now := s.clock().UTC()
	_, err = s.committer.Commit(ctx, tenantID, wal.Record{
		EntryType: contracts.EntryContractAuthorized,
		DedupKey:  "contract-authorized/" + contractID,
		Payload: contracts.ContractAuthorizedEvent{
			ContractID:   contractID,
			Scope:        scope,
			AuthorizedAt: now,
		},
	})
	if err != nil {
		return contracts.MaterializationScope{}, err
	}

	s.auditor.Record(tenantID, p.UserID, audit.EventMutation, "contract.authorize", contractID, map[string]string{
		"scope_user":     scope.UserID,
		"scope_session":  scope.SessionID,
		"scope_solution": scope.SolutionID,
	})
	s.logger.Info("contract authorized", "tenant_id", tenantID, "contract_id", contractID, "user_id", scope.UserID)
	return scope, nil
}

// ListResources returns the resources visible to the requester: ACTIVE
// contracts whose materialized scope matches. PENDING, EXPIRED and
// foreign-scoped contracts are never returned.
func (s *Store) ListResources(ctx context.Context, p guard.Principal, tenantID string, requester contracts.MaterializationScope) ([]contracts.BoundaryContract, error) {
	if err := guard.CheckTenant(p, tenantID); err != nil {
		s.auditor.Record(p.TenantID, p.UserID, audit.EventDenied, "contract.list", tenantID, nil)
		return nil, err
	}

	all, err := s.surface.ListContracts(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	visible := make([]contracts.BoundaryContract, 0, len(all))
	for _, c := range all {
		if c.Status != contracts.ContractActive || c.Scope == nil {
			continue
		}
		if !c.Scope.Matches(requester) {
			continue
		}
		visible = append(visible, c)
	}
	return visible, nil
}

// SweepExpired marks every PENDING contract past its TTL as EXPIRED.
// Returns the number of contracts expired.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	if s.pendingTTL <= 0 {
		return 0, nil
	}
	tenants, err := s.committer.Log().Tenants(ctx)
	if err != nil {
		return 0, err
	}

	now := s.clock().UTC()
	expired := 0
	for _, tenantID := range tenants {
		all, err := s.surface.ListContracts(ctx, tenantID)
		if err != nil {
			return expired, err
		}
		for _, c := range all {
			if c.Status != contracts.ContractPending || !s.lapsed(c) {
				continue
			}
			mu := s.stripe(c.ContractID)
			mu.Lock()
			current, err := s.surface.GetContract(ctx, tenantID, c.ContractID)
			if err != nil || current.Status != contracts.ContractPending {
				mu.Unlock()
				continue // authorized or already expired since listing
			}
			_, err = s.committer.Commit(ctx, tenantID, wal.Record{
				EntryType: contracts.EntryContractExpired,
				DedupKey:  "contract-expired/" + c.ContractID,
				Payload:   contracts.ContractExpiredEvent{ContractID: c.ContractID, ExpiredAt: now},
			})
			mu.Unlock()
			if err != nil {
				if faults.IsStateConflict(err) {
					continue // another sweeper won
				}
				return expired, err
			}
			expired++
			s.logger.Info("contract expired", "tenant_id", tenantID, "contract_id", c.ContractID)
		}
	}
	return expired, nil
}

func (s *Store) lapsed(c contracts.BoundaryContract) bool {
	if s.pendingTTL <= 0 || c.Status != contracts.ContractPending {
		return false
	}
	return s.clock().UTC().Sub(c.CreatedAt) >= s.pendingTTL
}
