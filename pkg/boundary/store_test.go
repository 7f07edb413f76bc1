package boundary

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/conductor/pkg/checkpoint"
	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
	"github.com/meridianlabs/conductor/pkg/guard"
	"github.com/meridianlabs/conductor/pkg/surface"
	"github.com/meridianlabs/conductor/pkg/wal"
)

const pendingTTL = 15 * time.Minute

type fixture struct {
	store   *Store
	surface *surface.Surface
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }

	log := wal.NewMemoryLog().WithClock(clock)
	f.surface = surface.New(log, checkpoint.NewMemoryStore())
	require.NoError(t, f.surface.Rebuild(context.Background()))
	committer := surface.NewCommitter(log, f.surface)
	f.store = NewStore(committer, f.surface, nil, nil, pendingTTL).WithClock(clock)
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

var (
	alice = guard.Principal{TenantID: "t1", UserID: "u1"}
	doc   = contracts.ResourceDescriptor{ResourceID: "r1", Kind: "document"}
)

func TestCreatePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.store.CreatePending(ctx, alice, "t1", doc)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ContractID)
	assert.Equal(t, contracts.ContractPending, c.Status)
	assert.Nil(t, c.Scope)
}

func TestPendingResourcesAreInvisible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CreatePending(ctx, alice, "t1", doc)
	require.NoError(t, err)

	visible, err := f.store.ListResources(ctx, alice, "t1", contracts.MaterializationScope{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestAuthorizeMaterialization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.store.CreatePending(ctx, alice, "t1", doc)
	require.NoError(t, err)

	scope := contracts.MaterializationScope{UserID: "u1", SessionID: "s1"}
	got, err := f.store.AuthorizeMaterialization(ctx, alice, c.ContractID, "t1", scope)
	require.NoError(t, err)
	assert.Equal(t, scope, got)

	visible, err := f.store.ListResources(ctx, alice, "t1", contracts.MaterializationScope{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, "r1", visible[0].Resource.ResourceID)
}

func TestAuthorizeAtMostOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.store.CreatePending(ctx, alice, "t1", doc)
	require.NoError(t, err)

	scope := contracts.MaterializationScope{UserID: "u1"}
	_, err = f.store.AuthorizeMaterialization(ctx, alice, c.ContractID, "t1", scope)
	require.NoError(t, err)

	// The second authorize must lose, even with a different scope.
	_, err = f.store.AuthorizeMaterialization(ctx, alice, c.ContractID, "t1",
		contracts.MaterializationScope{UserID: "u2"})
	assert.True(t, faults.IsStateConflict(err))

	got, err := f.surface.GetContract(ctx, "t1", c.ContractID)
	require.NoError(t, err)
	require.NotNil(t, got.Scope)
	assert.Equal(t, "u1", got.Scope.UserID, "winning scope must be untouched")
}

func TestConcurrentAuthorizeAdmitsExactlyOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.store.CreatePending(ctx, alice, "t1", doc)
	require.NoError(t, err)

	const goroutines = 16
	var wg sync.WaitGroup
	errs := make(chan error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.store.AuthorizeMaterialization(ctx, alice, c.ContractID, "t1",
				contracts.MaterializationScope{UserID: "u1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	won := 0
	for err := range errs {
		if err == nil {
			won++
		} else {
			assert.True(t, faults.IsStateConflict(err), "loser got %v", err)
		}
	}
	assert.Equal(t, 1, won)
}

func TestAuthorizeRequiresScopeUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.store.CreatePending(ctx, alice, "t1", doc)
	require.NoError(t, err)

	_, err = f.store.AuthorizeMaterialization(ctx, alice, c.ContractID, "t1", contracts.MaterializationScope{})
	assert.True(t, faults.IsValidation(err))
}

func TestAuthorizeUnknownContract(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.AuthorizeMaterialization(context.Background(), alice, "nope", "t1",
		contracts.MaterializationScope{UserID: "u1"})
	assert.True(t, faults.IsNotFound(err))
}

func TestExpiredContractCannotBeAuthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.store.CreatePending(ctx, alice, "t1", doc)
	require.NoError(t, err)

	// Past the TTL, authorize refuses even before the sweep has run.
	f.advance(pendingTTL + time.Second)
	_, err = f.store.AuthorizeMaterialization(ctx, alice, c.ContractID, "t1",
		contracts.MaterializationScope{UserID: "u1"})
	assert.True(t, faults.IsStateConflict(err))

	n, err := f.store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.surface.GetContract(ctx, "t1", c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, contracts.ContractExpired, got.Status)

	// Still refused after the durable transition.
	_, err = f.store.AuthorizeMaterialization(ctx, alice, c.ContractID, "t1",
		contracts.MaterializationScope{UserID: "u1"})
	assert.True(t, faults.IsStateConflict(err))
}

func TestSweepSkipsFreshAndActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale, err := f.store.CreatePending(ctx, alice, "t1", doc)
	require.NoError(t, err)

	active, err := f.store.CreatePending(ctx, alice, "t1",
		contracts.ResourceDescriptor{ResourceID: "r2", Kind: "document"})
	require.NoError(t, err)
	_, err = f.store.AuthorizeMaterialization(ctx, alice, active.ContractID, "t1",
		contracts.MaterializationScope{UserID: "u1"})
	require.NoError(t, err)

	f.advance(pendingTTL + time.Second)
	fresh, err := f.store.CreatePending(ctx, alice, "t1",
		contracts.ResourceDescriptor{ResourceID: "r3", Kind: "document"})
	require.NoError(t, err)

	n, err := f.store.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for id, want := range map[string]contracts.ContractStatus{
		stale.ContractID:  contracts.ContractExpired,
		active.ContractID: contracts.ContractActive,
		fresh.ContractID:  contracts.ContractPending,
	} {
		got, err := f.surface.GetContract(ctx, "t1", id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "contract %s", id)
	}
}

func TestListResourcesScopeMatching(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// One resource pinned to (u1, s1), one pinned to u1 only.
	pinned, err := f.store.CreatePending(ctx, alice, "t1", doc)
	require.NoError(t, err)
	_, err = f.store.AuthorizeMaterialization(ctx, alice, pinned.ContractID, "t1",
		contracts.MaterializationScope{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)

	userWide, err := f.store.CreatePending(ctx, alice, "t1",
		contracts.ResourceDescriptor{ResourceID: "r2", Kind: "document"})
	require.NoError(t, err)
	_, err = f.store.AuthorizeMaterialization(ctx, alice, userWide.ContractID, "t1",
		contracts.MaterializationScope{UserID: "u1"})
	require.NoError(t, err)

	// Same user, matching session: sees both.
	visible, err := f.store.ListResources(ctx, alice, "t1",
		contracts.MaterializationScope{UserID: "u1", SessionID: "s1"})
	require.NoError(t, err)
	assert.Len(t, visible, 2)

	// Same user, different session: only the session-unpinned resource.
	visible, err = f.store.ListResources(ctx, alice, "t1",
		contracts.MaterializationScope{UserID: "u1", SessionID: "s2"})
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Equal(t, userWide.ContractID, visible[0].ContractID)

	// Different user under the same tenant: nothing.
	bob := guard.Principal{TenantID: "t1", UserID: "u2"}
	visible, err = f.store.ListResources(ctx, bob, "t1",
		contracts.MaterializationScope{UserID: "u2", SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestCrossTenantAccessDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.store.CreatePending(ctx, alice, "t1", doc)
	require.NoError(t, err)

	mallory := guard.Principal{TenantID: "t2", UserID: "m1"}
	_, err = f.store.AuthorizeMaterialization(ctx, mallory, c.ContractID, "t1",
		contracts.MaterializationScope{UserID: "m1"})
	assert.True(t, faults.IsPermissionDenied(err))

	// Addressing the caller's own tenant with a foreign contract id masks
	// existence entirely.
	_, err = f.store.AuthorizeMaterialization(ctx, mallory, c.ContractID, "t2",
		contracts.MaterializationScope{UserID: "m1"})
	assert.True(t, faults.IsNotFound(err))
}
