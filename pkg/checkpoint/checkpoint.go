// Package checkpoint persists per-tenant projection checkpoints: the last
// applied offset together with a serialized snapshot of the projected state
// at that offset. A restarted surface restores the snapshot and replays only
// the log suffix behind it.
//
// Checkpoints are an optimization, never a source of truth: a missing or
// unreadable checkpoint only means replaying from offset zero, which the
// projection's idempotent apply makes safe. An offset is never used without
// its snapshot; the pair is written and read as one unit.
package checkpoint

import (
	"context"
	"sync"
)

// Checkpoint is one tenant's recovery point: the snapshot holds the
// projected state as of Offset.
type Checkpoint struct {
	Offset uint64 `json:"offset"`
	State  []byte `json:"state"`
}

// Store persists per-tenant checkpoints.
type Store interface {
	// Get returns the tenant's checkpoint, or a zero Checkpoint when none
	// has been saved.
	Get(ctx context.Context, tenantID string) (Checkpoint, error)
	// Set records the tenant's checkpoint, replacing any previous one.
	Set(ctx context.Context, tenantID string, cp Checkpoint) error
}

// MemoryStore is an in-process Store for tests and dev runs.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]Checkpoint)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, tenantID string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints[tenantID], nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, tenantID string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := make([]byte, len(cp.State))
	copy(state, cp.State)
	s.checkpoints[tenantID] = Checkpoint{Offset: cp.Offset, State: state}
	return nil
}
