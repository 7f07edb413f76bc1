package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meridianlabs/conductor/pkg/faults"
)

// partition holds one tenant's ordered entries plus its dedup index.
type partition struct {
	entries  []Entry
	dedup    map[string]uint64
	headHash string
}

// MemoryLog is an in-process Log for tests and single-node dev runs.
// Entries are hash-chained per tenant partition.
type MemoryLog struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	clock      func() time.Time
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		partitions: make(map[string]*partition),
		clock:      time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, tenantID string, rec Record) (Entry, error) {
	if tenantID == "" {
		return Entry{}, faults.Validation("wal append requires tenant_id")
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return Entry{}, faults.Validation("wal payload not serializable: %v", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	p := l.partitions[tenantID]
	if p == nil {
		p = &partition{dedup: make(map[string]uint64), headHash: GenesisHash}
		l.partitions[tenantID] = p
	}

	if rec.DedupKey != "" {
		if _, exists := p.dedup[rec.DedupKey]; exists {
			return Entry{}, faults.StateConflict("entry %q already committed: %v", rec.DedupKey, ErrDuplicateDedupKey)
		}
	}

	offset := uint64(len(p.entries)) + 1
	entry := Entry{
		Offset:      offset,
		TenantID:    tenantID,
		EntryType:   rec.EntryType,
		DedupKey:    rec.DedupKey,
		Payload:     payload,
		ContentHash: HashEntry(offset, rec.EntryType, rec.DedupKey, payload, p.headHash),
		PrevHash:    p.headHash,
		AppendedAt:  l.clock().UTC(),
	}

	p.entries = append(p.entries, entry)
	p.headHash = entry.ContentHash
	if rec.DedupKey != "" {
		p.dedup[rec.DedupKey] = offset
	}
	return entry, nil
}

// Replay implements Log.
func (l *MemoryLog) Replay(ctx context.Context, tenantID string, from uint64, fn func(Entry) error) error {
	l.mu.RLock()
	p := l.partitions[tenantID]
	var snapshot []Entry
	if p != nil {
		snapshot = make([]Entry, len(p.entries))
		copy(snapshot, p.entries)
	}
	l.mu.RUnlock()

	for _, e := range snapshot {
		if e.Offset < from {
			continue
		}
		if err := ctx.Err(); err != nil {
			return faults.Transient(err, "replay interrupted for tenant %s", tenantID)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// Tenants implements Log.
func (l *MemoryLog) Tenants(ctx context.Context) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tenants := make([]string, 0, len(l.partitions))
	for t := range l.partitions {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// Head implements Log.
func (l *MemoryLog) Head(ctx context.Context, tenantID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p := l.partitions[tenantID]
	if p == nil {
		return 0, nil
	}
	return uint64(len(p.entries)), nil
}

// Verify walks the hash chain of one tenant partition.
func (l *MemoryLog) Verify(tenantID string) (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p := l.partitions[tenantID]
	if p == nil {
		return true, "empty partition"
	}
	prevHash := GenesisHash
	for i, e := range p.entries {
		if e.PrevHash != prevHash {
			return false, fmt.Sprintf("chain broken at offset %d", i+1)
		}
		if HashEntry(e.Offset, e.EntryType, e.DedupKey, e.Payload, e.PrevHash) != e.ContentHash {
			return false, fmt.Sprintf("hash mismatch at offset %d", i+1)
		}
		prevHash = e.ContentHash
	}
	return true, "chain verified"
}
