package checkpoint

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/meridianlabs/conductor/pkg/faults"
)

// SQLiteStore persists checkpoints next to the durable log.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps db and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS surface_checkpoints (
		tenant_id TEXT PRIMARY KEY,
		"offset"  INTEGER NOT NULL,
		state     BLOB NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, tenantID string) (Checkpoint, error) {
	var cp Checkpoint
	row := s.db.QueryRowContext(ctx,
		`SELECT "offset", state FROM surface_checkpoints WHERE tenant_id = ?`, tenantID)
	switch err := row.Scan(&cp.Offset, &cp.State); err {
	case nil:
		return cp, nil
	case sql.ErrNoRows:
		return Checkpoint{}, nil
	default:
		return Checkpoint{}, faults.Transient(err, "checkpoint read failed for tenant %s", tenantID)
	}
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, tenantID string, cp Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO surface_checkpoints (tenant_id, "offset", state) VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET "offset" = excluded."offset", state = excluded.state`,
		tenantID, cp.Offset, cp.State)
	if err != nil {
		return faults.Transient(err, "checkpoint write failed for tenant %s", tenantID)
	}
	return nil
}
