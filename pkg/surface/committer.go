package surface

import (
	"context"

	"github.com/meridianlabs/conductor/pkg/wal"
)

// Committer is the single write path: append to the durable log, then apply
// the committed entry to the projection. No in-memory state is mutated
// before the append succeeds, so a FATAL append error leaves the surface
// untouched and the operation uncommitted.
type Committer struct {
	log     wal.Log
	surface *Surface
}

// NewCommitter pairs a log with the surface it feeds.
func NewCommitter(log wal.Log, s *Surface) *Committer {
	return &Committer{log: log, surface: s}
}

// Commit appends rec and projects the resulting entry.
func (c *Committer) Commit(ctx context.Context, tenantID string, rec wal.Record) (wal.Entry, error) {
	entry, err := c.log.Append(ctx, tenantID, rec)
	if err != nil {
		return wal.Entry{}, err
	}
	if err := c.surface.Apply(entry); err != nil {
		// The entry is durably committed; a projection error here is a bug,
		// not a lost write. Rebuild replays it.
		return entry, err
	}
	return entry, nil
}

// Log exposes the underlying durable log.
func (c *Committer) Log() wal.Log { return c.log }

// Surface exposes the projection fed by this committer.
func (c *Committer) Surface() *Surface { return c.surface }
