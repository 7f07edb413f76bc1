// Package surface maintains the queryable projection derived from the
// write-ahead log.
//
// The projection is never authoritative: its entire content is rebuildable
// by replaying the log. A checkpoint pairs an offset with a state snapshot;
// on rebuild the snapshot is restored and only the log suffix behind it is
// replayed, and a tenant without a usable snapshot replays from offset zero.
// Until a rebuild has completed, every read is refused (fail-closed, no
// stale serving). Apply is idempotent keyed by the entry dedup key, so
// replaying an already-applied suffix after a crash is a no-op.
package surface

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/meridianlabs/conductor/pkg/checkpoint"
	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
	"github.com/meridianlabs/conductor/pkg/wal"
)

// tenantState is the projected state of one tenant.
type tenantState struct {
	sessions   map[string]*contracts.Session
	executions map[string]*contracts.Execution
	contracts  map[string]*contracts.BoundaryContract
	applied    map[string]struct{}
	offset     uint64
}

func newTenantState() *tenantState {
	return &tenantState{
		sessions:   make(map[string]*contracts.Session),
		executions: make(map[string]*contracts.Execution),
		contracts:  make(map[string]*contracts.BoundaryContract),
		applied:    make(map[string]struct{}),
	}
}

// tenantSnapshot is the serialized form of a tenantState, written alongside
// the checkpoint offset. An offset is meaningless without the state at that
// offset, so the pair travels together.
type tenantSnapshot struct {
	Sessions   map[string]*contracts.Session          `json:"sessions"`
	Executions map[string]*contracts.Execution        `json:"executions"`
	Contracts  map[string]*contracts.BoundaryContract `json:"contracts"`
	Applied    []string                               `json:"applied"`
	Offset     uint64                                 `json:"offset"`
}

func (ts *tenantState) snapshot() ([]byte, error) {
	applied := make([]string, 0, len(ts.applied))
	for key := range ts.applied {
		applied = append(applied, key)
	}
	sort.Strings(applied)
	return json.Marshal(tenantSnapshot{
		Sessions:   ts.sessions,
		Executions: ts.executions,
		Contracts:  ts.contracts,
		Applied:    applied,
		Offset:     ts.offset,
	})
}

func restoreTenantState(raw []byte) (*tenantState, error) {
	var snap tenantSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	ts := newTenantState()
	if snap.Sessions != nil {
		ts.sessions = snap.Sessions
	}
	if snap.Executions != nil {
		ts.executions = snap.Executions
	}
	if snap.Contracts != nil {
		ts.contracts = snap.Contracts
	}
	for _, key := range snap.Applied {
		ts.applied[key] = struct{}{}
	}
	ts.offset = snap.Offset
	return ts, nil
}

// Surface is the derived, tenant-scoped read model.
type Surface struct {
	mu          sync.RWMutex
	ready       bool
	tenants     map[string]*tenantState
	log         wal.Log
	checkpoints checkpoint.Store
}

// New creates a surface over the given log and checkpoint store. Reads are
// refused until Rebuild has run.
func New(log wal.Log, checkpoints checkpoint.Store) *Surface {
	return &Surface{
		tenants:     make(map[string]*tenantState),
		log:         log,
		checkpoints: checkpoints,
	}
}

// Rebuild restores every tenant partition and opens the surface for reads.
// A tenant already projected in memory replays only the suffix past its
// applied offset; a fresh tenant restores the checkpoint snapshot and
// replays past it, or replays the whole partition when no usable snapshot
// exists. Safe to call again after a crash; re-applied entries are dropped
// by the dedup index.
func (s *Surface) Rebuild(ctx context.Context) error {
	tenants, err := s.log.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: list tenants: %w", err)
	}

	for _, tenantID := range tenants {
		from := s.restoreTenant(ctx, tenantID)
		err = s.log.Replay(ctx, tenantID, from, func(e wal.Entry) error {
			return s.Apply(e)
		})
		if err != nil {
			return fmt.Errorf("rebuild: replay tenant %s: %w", tenantID, err)
		}
	}

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

// restoreTenant returns the offset the tenant's replay starts at, seeding
// the in-memory state from the checkpoint snapshot when the tenant is not
// projected yet. A missing, unreadable, or corrupt checkpoint only costs a
// full replay; the offset is never trusted without its snapshot.
func (s *Surface) restoreTenant(ctx context.Context, tenantID string) uint64 {
	s.mu.RLock()
	ts := s.tenants[tenantID]
	s.mu.RUnlock()
	if ts != nil {
		return ts.offset + 1
	}

	cp, err := s.checkpoints.Get(ctx, tenantID)
	if err != nil || cp.Offset == 0 || len(cp.State) == 0 {
		return 0
	}
	restored, err := restoreTenantState(cp.State)
	if err != nil {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tenants[tenantID] != nil {
		// Lost the race against a concurrent Apply; replay everything.
		return 0
	}
	s.tenants[tenantID] = restored
	return cp.Offset + 1
}

// Ready reports whether the surface serves reads.
func (s *Surface) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ready
}

func (s *Surface) requireReady() error {
	if !s.ready {
		return faults.Transient(nil, "state surface is rebuilding; reads refused")
	}
	return nil
}

// SaveCheckpoints persists every tenant's applied offset together with the
// state snapshot at that offset.
func (s *Surface) SaveCheckpoints(ctx context.Context) error {
	s.mu.RLock()
	saved := make(map[string]checkpoint.Checkpoint, len(s.tenants))
	for tenantID, ts := range s.tenants {
		raw, err := ts.snapshot()
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("checkpoint tenant %s: %w", tenantID, err)
		}
		saved[tenantID] = checkpoint.Checkpoint{Offset: ts.offset, State: raw}
	}
	s.mu.RUnlock()

	for tenantID, cp := range saved {
		if err := s.checkpoints.Set(ctx, tenantID, cp); err != nil {
			return err
		}
	}
	return nil
}

// Apply projects one committed entry. Duplicate application of the same
// entry (same dedup key) is a no-op.
func (s *Surface) Apply(e wal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.tenants[e.TenantID]
	if ts == nil {
		ts = newTenantState()
		s.tenants[e.TenantID] = ts
	}

	key := e.DedupKey
	if key == "" {
		key = fmt.Sprintf("offset/%d", e.Offset)
	}
	if _, done := ts.applied[key]; done {
		return nil
	}

	if err := s.project(ts, e); err != nil {
		return err
	}

	ts.applied[key] = struct{}{}
	if e.Offset > ts.offset {
		ts.offset = e.Offset
	}
	return nil
}

//nolint:gocognit // one arm per entry type
func (s *Surface) project(ts *tenantState, e wal.Entry) error {
	switch e.EntryType {
	case contracts.EntrySessionCreated:
		var ev contracts.SessionCreatedEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("corrupt %s payload at offset %d: %w", e.EntryType, e.Offset, err)
		}
		sess := ev.Session
		ts.sessions[sess.SessionID] = &sess

	case contracts.EntrySessionExpired, contracts.EntrySessionInvalidated:
		var ev contracts.SessionClosedEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("corrupt %s payload at offset %d: %w", e.EntryType, e.Offset, err)
		}
		if sess := ts.sessions[ev.SessionID]; sess != nil {
			if e.EntryType == contracts.EntrySessionExpired {
				sess.Status = contracts.SessionExpired
			} else {
				sess.Status = contracts.SessionInvalidated
			}
		}

	case contracts.EntryContractCreated:
		var ev contracts.ContractCreatedEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("corrupt %s payload at offset %d: %w", e.EntryType, e.Offset, err)
		}
		c := ev.Contract
		ts.contracts[c.ContractID] = &c

	case contracts.EntryContractAuthorized:
		var ev contracts.ContractAuthorizedEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("corrupt %s payload at offset %d: %w", e.EntryType, e.Offset, err)
		}
		if c := ts.contracts[ev.ContractID]; c != nil {
			scope := ev.Scope
			c.Status = contracts.ContractActive
			c.Scope = &scope
		}

	case contracts.EntryContractExpired:
		var ev contracts.ContractExpiredEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("corrupt %s payload at offset %d: %w", e.EntryType, e.Offset, err)
		}
		if c := ts.contracts[ev.ContractID]; c != nil && c.Status == contracts.ContractPending {
			c.Status = contracts.ContractExpired
		}

	case contracts.EntryExecutionSubmitted:
		var ev contracts.ExecutionSubmittedEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("corrupt %s payload at offset %d: %w", e.EntryType, e.Offset, err)
		}
		ex := ev.Execution
		ts.executions[ex.ExecutionID] = &ex
		// Intent submission counts as session activity for idle expiry.
		if sess := ts.sessions[ex.SessionID]; sess != nil {
			sess.LastSeenAt = ex.SubmittedAt
		}

	case contracts.EntryExecutionRunning,
		contracts.EntryExecutionCompleted,
		contracts.EntryExecutionFailed,
		contracts.EntryExecutionCompensating,
		contracts.EntryExecutionCompensated:
		var ev contracts.ExecutionStatusEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("corrupt %s payload at offset %d: %w", e.EntryType, e.Offset, err)
		}
		if ex := ts.executions[ev.ExecutionID]; ex != nil {
			ex.Status = ev.Status
			if len(ev.Result) > 0 {
				ex.Result = ev.Result
			}
			if ev.Error != "" {
				ex.Error = ev.Error
			}
			if len(ev.CompensationFailures) > 0 {
				ex.CompensationFailures = ev.CompensationFailures
			}
			if ev.Status.Terminal() || ev.Status == contracts.ExecutionFailed {
				ex.FinishedAt = ev.At
			}
		}

	case contracts.EntryStepSucceeded,
		contracts.EntryStepFailed,
		contracts.EntryStepCompensated,
		contracts.EntryCompensationFailed:
		var ev contracts.StepEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("corrupt %s payload at offset %d: %w", e.EntryType, e.Offset, err)
		}
		ex := ts.executions[ev.ExecutionID]
		if ex == nil {
			return nil
		}
		for i := range ex.Steps {
			if ex.Steps[i].StepID != ev.StepID {
				continue
			}
			ex.Steps[i].Status = ev.Status
			ex.Steps[i].AttemptCount = ev.AttemptCount
			if len(ev.Output) > 0 {
				ex.Steps[i].Output = ev.Output
			}
			if ev.Error != "" {
				ex.Steps[i].LastError = ev.Error
			}
			break
		}
		if e.EntryType == contracts.EntryCompensationFailed {
			ex.CompensationFailures = append(ex.CompensationFailures, contracts.CompensationFailure{
				StepID:     ev.StepID,
				HandlerRef: ev.HandlerRef,
				Error:      ev.Error,
				OccurredAt: ev.At,
			})
		}

	case contracts.EntryCancellationRequested:
		var ev contracts.CancellationRequestedEvent
		if err := json.Unmarshal(e.Payload, &ev); err != nil {
			return fmt.Errorf("corrupt %s payload at offset %d: %w", e.EntryType, e.Offset, err)
		}
		if ex := ts.executions[ev.ExecutionID]; ex != nil {
			ex.CancellationRequested = true
		}

	default:
		return fmt.Errorf("unknown entry type %q at offset %d", e.EntryType, e.Offset)
	}
	return nil
}

// GetSession returns a tenant's session. Tenant mismatch or absence is
// NOT_FOUND.
func (s *Surface) GetSession(ctx context.Context, tenantID, sessionID string) (contracts.Session, error) {
	if err := guardTenant(tenantID); err != nil {
		return contracts.Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireReady(); err != nil {
		return contracts.Session{}, err
	}

	ts := s.tenants[tenantID]
	if ts == nil {
		return contracts.Session{}, faults.NotFound("session %s not found", sessionID)
	}
	sess := ts.sessions[sessionID]
	if sess == nil {
		return contracts.Session{}, faults.NotFound("session %s not found", sessionID)
	}
	return *sess, nil
}

// ListSessions returns every session of one tenant.
func (s *Surface) ListSessions(ctx context.Context, tenantID string) ([]contracts.Session, error) {
	if err := guardTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	ts := s.tenants[tenantID]
	if ts == nil {
		return nil, nil
	}
	out := make([]contracts.Session, 0, len(ts.sessions))
	for _, sess := range ts.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// GetExecution returns a tenant's execution by id.
func (s *Surface) GetExecution(ctx context.Context, tenantID, executionID string) (contracts.Execution, error) {
	if err := guardTenant(tenantID); err != nil {
		return contracts.Execution{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireReady(); err != nil {
		return contracts.Execution{}, err
	}

	ts := s.tenants[tenantID]
	if ts == nil {
		return contracts.Execution{}, faults.NotFound("execution %s not found", executionID)
	}
	ex := ts.executions[executionID]
	if ex == nil {
		return contracts.Execution{}, faults.NotFound("execution %s not found", executionID)
	}
	return cloneExecution(*ex), nil
}

// GetContract returns a tenant's boundary contract by id.
func (s *Surface) GetContract(ctx context.Context, tenantID, contractID string) (contracts.BoundaryContract, error) {
	if err := guardTenant(tenantID); err != nil {
		return contracts.BoundaryContract{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireReady(); err != nil {
		return contracts.BoundaryContract{}, err
	}

	ts := s.tenants[tenantID]
	if ts == nil {
		return contracts.BoundaryContract{}, faults.NotFound("contract %s not found", contractID)
	}
	c := ts.contracts[contractID]
	if c == nil {
		return contracts.BoundaryContract{}, faults.NotFound("contract %s not found", contractID)
	}
	return cloneContract(*c), nil
}

// ListContracts returns every boundary contract of one tenant.
func (s *Surface) ListContracts(ctx context.Context, tenantID string) ([]contracts.BoundaryContract, error) {
	if err := guardTenant(tenantID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireReady(); err != nil {
		return nil, err
	}

	ts := s.tenants[tenantID]
	if ts == nil {
		return nil, nil
	}
	out := make([]contracts.BoundaryContract, 0, len(ts.contracts))
	for _, c := range ts.contracts {
		out = append(out, cloneContract(*c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out, nil
}

// Fingerprint hashes one tenant's projected state. Two surfaces built from
// the same log prefix produce the same fingerprint.
func (s *Surface) Fingerprint(tenantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts := s.tenants[tenantID]
	if ts == nil {
		ts = newTenantState()
	}
	snapshot := struct {
		Sessions   map[string]*contracts.Session          `json:"sessions"`
		Executions map[string]*contracts.Execution        `json:"executions"`
		Contracts  map[string]*contracts.BoundaryContract `json:"contracts"`
	}{ts.sessions, ts.executions, ts.contracts}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

func guardTenant(tenantID string) error {
	if tenantID == "" {
		return faults.Validation("tenant_id must not be empty")
	}
	return nil
}

func cloneExecution(ex contracts.Execution) contracts.Execution {
	steps := make([]contracts.SagaStep, len(ex.Steps))
	copy(steps, ex.Steps)
	ex.Steps = steps
	if len(ex.CompensationFailures) > 0 {
		failures := make([]contracts.CompensationFailure, len(ex.CompensationFailures))
		copy(failures, ex.CompensationFailures)
		ex.CompensationFailures = failures
	}
	return ex
}

func cloneContract(c contracts.BoundaryContract) contracts.BoundaryContract {
	if c.Scope != nil {
		scope := *c.Scope
		c.Scope = &scope
	}
	return c
}
