// Package walsqlite persists the write-ahead log in SQLite.
//
// One table holds every tenant partition; the (tenant_id, offset) primary
// key gives per-tenant total order and the (tenant_id, dedup_key) unique
// index is the atomic check-then-append primitive relied on by contract
// authorization.
package walsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
	"github.com/meridianlabs/conductor/pkg/wal"
)

// Store is a durable wal.Log backed by SQLite. The store is the single
// writer for its database file; appends from any number of goroutines
// serialize through writeMu instead of racing on SQLite's file lock.
type Store struct {
	db      *sql.DB
	clock   func() time.Time
	writeMu sync.Mutex
}

// Open opens (or creates) the log database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open wal db: %w", err)
	}
	return New(db)
}

// New wraps an existing database handle and runs migrations.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for testing.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.clock = clock
	return s
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle so sibling stores (checkpoints) can share the file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS wal_entries (
		tenant_id    TEXT NOT NULL,
		"offset"     INTEGER NOT NULL,
		entry_type   TEXT NOT NULL,
		dedup_key    TEXT,
		payload      JSON NOT NULL,
		content_hash TEXT NOT NULL,
		prev_hash    TEXT NOT NULL,
		appended_at  TEXT NOT NULL,
		PRIMARY KEY (tenant_id, "offset")
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_wal_dedup
		ON wal_entries (tenant_id, dedup_key)
		WHERE dedup_key IS NOT NULL AND dedup_key != '';`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append implements wal.Log. Concurrent appenders queue on the write mutex,
// so the offset read and the insert of the assigned offset are atomic; a
// deferred SQLite transaction alone would fail the lock upgrade under
// contention instead of queueing.
func (s *Store) Append(ctx context.Context, tenantID string, rec wal.Record) (wal.Entry, error) {
	if tenantID == "" {
		return wal.Entry{}, faults.Validation("wal append requires tenant_id")
	}
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return wal.Entry{}, faults.Validation("wal payload not serializable: %v", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wal.Entry{}, faults.Fatal(err, "durable log unavailable")
	}
	defer func() { _ = tx.Rollback() }()

	var offset uint64
	var prevHash string
	row := tx.QueryRowContext(ctx, `
		SELECT "offset", content_hash FROM wal_entries
		WHERE tenant_id = ? ORDER BY "offset" DESC LIMIT 1`, tenantID)
	switch err := row.Scan(&offset, &prevHash); err {
	case nil:
	case sql.ErrNoRows:
		offset, prevHash = 0, wal.GenesisHash
	default:
		return wal.Entry{}, faults.Fatal(err, "durable log unavailable")
	}

	entry := wal.Entry{
		Offset:     offset + 1,
		TenantID:   tenantID,
		EntryType:  rec.EntryType,
		DedupKey:   rec.DedupKey,
		Payload:    payload,
		PrevHash:   prevHash,
		AppendedAt: s.clock().UTC(),
	}
	entry.ContentHash = wal.HashEntry(entry.Offset, entry.EntryType, entry.DedupKey, entry.Payload, entry.PrevHash)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wal_entries
			(tenant_id, "offset", entry_type, dedup_key, payload, content_hash, prev_hash, appended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TenantID, entry.Offset, string(entry.EntryType), nullable(entry.DedupKey),
		string(entry.Payload), entry.ContentHash, entry.PrevHash,
		entry.AppendedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isDedupViolation(err) {
			return wal.Entry{}, faults.StateConflict("entry %q already committed: %v", rec.DedupKey, wal.ErrDuplicateDedupKey)
		}
		return wal.Entry{}, faults.Fatal(err, "durable log unavailable")
	}

	if err := tx.Commit(); err != nil {
		return wal.Entry{}, faults.Fatal(err, "durable log commit failed")
	}
	return entry, nil
}

// Replay implements wal.Log.
func (s *Store) Replay(ctx context.Context, tenantID string, from uint64, fn func(wal.Entry) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT "offset", entry_type, dedup_key, payload, content_hash, prev_hash, appended_at
		FROM wal_entries
		WHERE tenant_id = ? AND "offset" >= ?
		ORDER BY "offset" ASC`, tenantID, from)
	if err != nil {
		return faults.Transient(err, "wal replay query failed for tenant %s", tenantID)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var e wal.Entry
		var entryType, appendedAt string
		var dedup sql.NullString
		var payload string
		if err := rows.Scan(&e.Offset, &entryType, &dedup, &payload, &e.ContentHash, &e.PrevHash, &appendedAt); err != nil {
			return faults.Transient(err, "wal replay scan failed")
		}
		e.TenantID = tenantID
		e.EntryType = contracts.EntryType(entryType)
		e.DedupKey = dedup.String
		e.Payload = json.RawMessage(payload)
		if ts, perr := time.Parse(time.RFC3339Nano, appendedAt); perr == nil {
			e.AppendedAt = ts
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return faults.Transient(err, "wal replay cursor failed")
	}
	return nil
}

// Tenants implements wal.Log.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM wal_entries ORDER BY tenant_id`)
	if err != nil {
		return nil, faults.Transient(err, "wal tenant listing failed")
	}
	defer func() { _ = rows.Close() }()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, faults.Transient(err, "wal tenant scan failed")
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Transient(err, "wal tenant cursor failed")
	}
	return tenants, nil
}

// Head implements wal.Log.
func (s *Store) Head(ctx context.Context, tenantID string) (uint64, error) {
	var head sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX("offset") FROM wal_entries WHERE tenant_id = ?`, tenantID)
	if err := row.Scan(&head); err != nil {
		return 0, faults.Transient(err, "wal head query failed")
	}
	if !head.Valid {
		return 0, nil
	}
	return uint64(head.Int64), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isDedupViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// there is no exported sentinel for SQLITE_CONSTRAINT_UNIQUE. Only the
	// dedup index maps to STATE_CONFLICT; a (tenant_id, offset) collision is
	// a real failure.
	return err != nil &&
		strings.Contains(err.Error(), "UNIQUE constraint failed") &&
		strings.Contains(err.Error(), "wal_entries.dedup_key")
}
