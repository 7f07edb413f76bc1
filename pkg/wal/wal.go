// Package wal defines the durable write-ahead log: the single source of
// truth for every committed state transition.
//
// Entries are append-only, never mutated, and totally ordered per tenant
// partition. Nothing in the system may treat an operation as committed
// before its entry has been durably appended.
package wal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/meridianlabs/conductor/pkg/contracts"
)

// GenesisHash seeds the per-partition hash chain.
const GenesisHash = "genesis"

// ErrDuplicateDedupKey is returned by Append when an entry with the same
// dedup key was already committed to the tenant partition. Deterministic
// dedup keys turn the log into the atomic check-then-append primitive for
// exactly-once transitions.
var ErrDuplicateDedupKey = errors.New("wal: duplicate dedup key")

// Entry is an immutable record of one state transition.
type Entry struct {
	Offset      uint64              `json:"offset"`
	TenantID    string              `json:"tenant_id"`
	EntryType   contracts.EntryType `json:"entry_type"`
	DedupKey    string              `json:"dedup_key"`
	Payload     json.RawMessage     `json:"payload"`
	ContentHash string              `json:"content_hash"`
	PrevHash    string              `json:"prev_hash"`
	AppendedAt  time.Time           `json:"appended_at"`
}

// Record is the caller-supplied portion of an entry; offset, hashes and
// timestamp are assigned by the log on append.
type Record struct {
	EntryType contracts.EntryType
	DedupKey  string
	Payload   any
}

// Log is the durable append-only log, partitioned by tenant.
type Log interface {
	// Append durably persists the record before returning its offset.
	// Returns a FATAL fault when the backing store is unavailable and a
	// STATE_CONFLICT fault wrapping ErrDuplicateDedupKey on dedup reuse.
	Append(ctx context.Context, tenantID string, rec Record) (Entry, error)

	// Replay streams entries for one tenant in offset order, starting at
	// from (inclusive). fn returning an error stops the replay.
	Replay(ctx context.Context, tenantID string, from uint64, fn func(Entry) error) error

	// Tenants lists every tenant partition present in the log.
	Tenants(ctx context.Context) ([]string, error)

	// Head returns the highest committed offset for the tenant partition,
	// or 0 when the partition is empty.
	Head(ctx context.Context, tenantID string) (uint64, error)
}

// HashEntry computes the content hash binding an entry to its predecessor.
func HashEntry(offset uint64, entryType contracts.EntryType, dedupKey string, payload json.RawMessage, prevHash string) string {
	hashInput := struct {
		Offset   uint64              `json:"offset"`
		Type     contracts.EntryType `json:"type"`
		Dedup    string              `json:"dedup"`
		Payload  json.RawMessage     `json:"payload"`
		PrevHash string              `json:"prev"`
	}{offset, entryType, dedupKey, payload, prevHash}

	raw, _ := json.Marshal(hashInput)
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:])
}
