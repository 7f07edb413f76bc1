// Package session manages the session lifecycle: creation, lookup, explicit
// invalidation and idle expiry.
//
// Sessions bind a (tenant, user) pair for a limited time. The pair is
// immutable after creation and a terminal session never returns to ACTIVE.
package session

import (
	"context"
	"log/slog"
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

// ActionCreateSession is the declared action accepted by ValidateCreation.
const ActionCreateSession = "create_session"

// Manager owns session state transitions. Every mutation appends to the
// durable log before the projection is touched.
type Manager struct {
	committer   *surface.Committer
	surface     *surface.Surface
	auditor     audit.Logger
	logger      *slog.Logger
	idleTimeout time.Duration
	clock       func() time.Time
}

// NewManager creates a session manager.
func NewManager(committer *surface.Committer, surf *surface.Surface, auditor audit.Logger, logger *slog.Logger, idleTimeout time.Duration) *Manager {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		committer:   committer,
		surface:     surf,
		auditor:     auditor,
		logger:      logger,
		idleTimeout: idleTimeout,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// ValidateCreation is the single admission check shared by all
// session-creating paths: the declared action and identifiers must be
// mutually consistent before creation is attempted.
func (m *Manager) ValidateCreation(c contracts.SessionCreationContract) error {
	if c.Action != ActionCreateSession {
		return faults.Validation("declared action %q does not create sessions", c.Action)
	}
	if c.TenantID == "" {
		return faults.Validation("tenant_id must not be empty")
	}
	if c.UserID == "" {
		return faults.Validation("user_id must not be empty")
	}
	if c.SessionID != "" {
		return faults.Validation("session_id must not be preassigned by the caller")
	}
	return nil
}

// Create validates the request, commits a SESSION_CREATED entry and returns
// the new ACTIVE session.
func (m *Manager) Create(ctx context.Context, p guard.Principal, tenantID, userID string, sessionContext map[string]string) (contracts.Session, error) {
	if err := guard.CheckTenant(p, tenantID); err != nil {
		m.auditor.Record(p.TenantID, p.UserID, audit.EventDenied, "session.create", tenantID, nil)
		return contracts.Session{}, err
	}
	if err := m.ValidateCreation(contracts.SessionCreationContract{
		Action:   ActionCreateSession,
		TenantID: tenantID,
		UserID:   userID,
	}); err != nil {
		return contracts.Session{}, err
	}
	if p.UserID != "" && p.UserID != userID {
		m.auditor.Record(tenantID, p.UserID, audit.EventDenied, "session.create", userID, nil)
		return contracts.Session{}, faults.PermissionDenied("caller may not create sessions for other users")
	}

	now := m.clock().UTC()
	sess := contracts.Session{
		SessionID:  uuid.New().String(),
		TenantID:   tenantID,
		UserID:     userID,
		Context:    sessionContext,
		Status:     contracts.SessionActive,
		CreatedAt:  now,
		LastSeenAt: now,
	}

	_, err := m.committer.Commit(ctx, tenantID, wal.Record{
		EntryType: contracts.EntrySessionCreated,
		DedupKey:  "session-created/" + sess.SessionID,
		Payload:   contracts.SessionCreatedEvent{Session: sess},
	})
	if err != nil {
		return contracts.Session{}, err
	}

	m.auditor.Record(tenantID, userID, audit.EventMutation, "session.create", sess.SessionID, nil)
	m.logger.Info("session created", "tenant_id", tenantID, "session_id", sess.SessionID)
	return sess, nil
}

// Get returns the session, masking cross-tenant hits as NOT_FOUND.
func (m *Manager) Get(ctx context.Context, p guard.Principal, tenantID, sessionID string) (contracts.Session, error) {
	if err := guard.CheckTenant(p, tenantID); err != nil {
		return contracts.Session{}, err
	}
	return m.surface.GetSession(ctx, tenantID, sessionID)
}

// RequireActive returns the session if it is ACTIVE and not past its idle
// deadline. A swept-but-not-yet-expired session is refused here without a
// log append; the sweep owns the durable transition.
func (m *Manager) RequireActive(ctx context.Context, tenantID, sessionID string) (contracts.Session, error) {
	sess, err := m.surface.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return contracts.Session{}, err
	}
	if sess.Status != contracts.SessionActive {
		return contracts.Session{}, faults.StateConflict("session %s is %s", sessionID, sess.Status)
	}
	if m.idleTimeout > 0 && m.clock().UTC().Sub(sess.LastSeenAt) >= m.idleTimeout {
		return contracts.Session{}, faults.StateConflict("session %s is idle past its deadline", sessionID)
	}
	return sess, nil
}

// Invalidate revokes an ACTIVE session (terminal).
func (m *Manager) Invalidate(ctx context.Context, p guard.Principal, tenantID, sessionID, reason string) error {
	if err := guard.CheckTenant(p, tenantID); err != nil {
		return err
	}
	sess, err := m.surface.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if _, err := lifecycle.Session(ctx, sess.Status, lifecycle.EventInvalidate); err != nil {
		return err
	}

	now := m.clock().UTC()
	_, err = m.committer.Commit(ctx, tenantID, wal.Record{
		EntryType: contracts.EntrySessionInvalidated,
		DedupKey:  "session-invalidated/" + sessionID,
		Payload:   contracts.SessionClosedEvent{SessionID: sessionID, Reason: reason, ClosedAt: now},
	})
	if err != nil {
		return err
	}

	m.auditor.Record(tenantID, p.UserID, audit.EventMutation, "session.invalidate", sessionID, map[string]string{"reason": reason})
	return nil
}

// SweepIdle expires every ACTIVE session idle past the timeout. Returns the
// number of sessions expired.
func (m *Manager) SweepIdle(ctx context.Context) (int, error) {
	if m.idleTimeout <= 0 {
		return 0, nil
	}
	tenants, err := m.committer.Log().Tenants(ctx)
	if err != nil {
		return 0, err
	}

	now := m.clock().UTC()
	expired := 0
	for _, tenantID := range tenants {
		sessions, err := m.surface.ListSessions(ctx, tenantID)
		if err != nil {
			return expired, err
		}
		for _, sess := range sessions {
			if sess.Status != contracts.SessionActive {
				continue
			}
			if now.Sub(sess.LastSeenAt) < m.idleTimeout {
				continue
			}
			_, err := m.committer.Commit(ctx, tenantID, wal.Record{
				EntryType: contracts.EntrySessionExpired,
				DedupKey:  "session-expired/" + sess.SessionID,
				Payload:   contracts.SessionClosedEvent{SessionID: sess.SessionID, Reason: "idle timeout", ClosedAt: now},
			})
			if err != nil {
				if faults.IsStateConflict(err) {
					continue // another sweeper won
				}
				return expired, err
			}
			expired++
			m.logger.Info("session expired", "tenant_id", tenantID, "session_id", sess.SessionID)
		}
	}
	return expired, nil
}
