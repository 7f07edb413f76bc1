package walsqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianlabs/conductor/pkg/checkpoint"
	"github.com/meridianlabs/conductor/pkg/contracts"
	"github.com/meridianlabs/conductor/pkg/faults"
	"github.com/meridianlabs/conductor/pkg/wal"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "wal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store.WithClock(func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})
}

func TestAppendAndReplay(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	var hashes []string
	for i := 0; i < 3; i++ {
		e, err := store.Append(ctx, "t1", wal.Record{
			EntryType: contracts.EntrySessionCreated,
			Payload:   map[string]int{"n": i},
		})
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), e.Offset)
		hashes = append(hashes, e.ContentHash)
	}

	var replayed []wal.Entry
	require.NoError(t, store.Replay(ctx, "t1", 0, func(e wal.Entry) error {
		replayed = append(replayed, e)
		return nil
	}))
	require.Len(t, replayed, 3)

	// The chain survives the round trip through SQLite.
	assert.Equal(t, wal.GenesisHash, replayed[0].PrevHash)
	assert.Equal(t, hashes[0], replayed[1].PrevHash)
	assert.Equal(t, hashes[1], replayed[2].PrevHash)
	for i, e := range replayed {
		assert.Equal(t, hashes[i], e.ContentHash)
		assert.Equal(t, hashes[i],
			wal.HashEntry(e.Offset, e.EntryType, e.DedupKey, e.Payload, e.PrevHash))
	}
}

func TestDedupUniqueConstraint(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	rec := wal.Record{EntryType: contracts.EntryContractAuthorized, DedupKey: "contract-authorized/c1"}
	_, err := store.Append(ctx, "t1", rec)
	require.NoError(t, err)

	_, err = store.Append(ctx, "t1", rec)
	assert.True(t, faults.IsStateConflict(err))

	// Empty dedup keys are not unique with each other.
	_, err = store.Append(ctx, "t1", wal.Record{EntryType: contracts.EntrySessionCreated})
	require.NoError(t, err)
	_, err = store.Append(ctx, "t1", wal.Record{EntryType: contracts.EntrySessionCreated})
	require.NoError(t, err)

	// Same key, other tenant partition: allowed.
	_, err = store.Append(ctx, "t2", rec)
	assert.NoError(t, err)
}

func TestHeadAndTenants(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	head, err := store.Head(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)

	for _, tenant := range []string{"t1", "t1", "t2"} {
		_, err := store.Append(ctx, tenant, wal.Record{EntryType: contracts.EntrySessionCreated})
		require.NoError(t, err)
	}

	head, err = store.Head(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)

	tenants, err := store.Tenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, tenants)
}

func TestReplayFromOffset(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := store.Append(ctx, "t1", wal.Record{EntryType: contracts.EntrySessionCreated, Payload: i})
		require.NoError(t, err)
	}

	var offsets []uint64
	require.NoError(t, store.Replay(ctx, "t1", 3, func(e wal.Entry) error {
		offsets = append(offsets, e.Offset)
		return nil
	}))
	assert.Equal(t, []uint64{3, 4}, offsets)
}

func TestConcurrentAppendsSerialize(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Append(ctx, "t1", wal.Record{
				EntryType: contracts.EntrySessionCreated,
				DedupKey:  fmt.Sprintf("session-created/s%d", i),
			})
		}(i)
	}
	wg.Wait()

	// Every writer commits; contention queues instead of failing.
	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}

	head, err := store.Head(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(writers), head)

	// The partition is a gap-free total order with an intact hash chain.
	prev := wal.GenesisHash
	var next uint64 = 1
	require.NoError(t, store.Replay(ctx, "t1", 0, func(e wal.Entry) error {
		assert.Equal(t, next, e.Offset)
		assert.Equal(t, prev, e.PrevHash)
		prev = e.ContentHash
		next++
		return nil
	}))
}

func TestConcurrentDedupAdmitsExactlyOne(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	const writers = 16

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Append(ctx, "t1", wal.Record{
				EntryType: contracts.EntryContractAuthorized,
				DedupKey:  "contract-authorized/c1",
			})
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case faults.IsStateConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected fault: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)
}

func TestLogSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	entry, err := store.Append(ctx, "t1", wal.Record{
		EntryType: contracts.EntrySessionCreated,
		DedupKey:  "session-created/s1",
	})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	head, err := reopened.Head(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, entry.Offset, head)

	// The dedup constraint persists across restarts.
	_, err = reopened.Append(ctx, "t1", wal.Record{
		EntryType: contracts.EntrySessionCreated,
		DedupKey:  "session-created/s1",
	})
	assert.True(t, faults.IsStateConflict(err))
}

func TestCheckpointStoreSharesHandle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	cps, err := checkpoint.NewSQLiteStore(store.DB())
	require.NoError(t, err)

	require.NoError(t, cps.Set(ctx, "t1", checkpoint.Checkpoint{Offset: 7, State: []byte(`{"sessions":{}}`)}))
	got, err := cps.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Offset)
	assert.Equal(t, []byte(`{"sessions":{}}`), got.State)

	got, err = cps.Get(ctx, "t9")
	require.NoError(t, err)
	assert.Equal(t, checkpoint.Checkpoint{}, got)
}
