package materialize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
	"github.com/bjmayor/finance-permission-system/pkg/storage/memory"
)

func seedBackend(t *testing.T) *memory.MemoryBackend {
	t.Helper()

	ds := memory.New()
	ds.WriteUser(&storage.User{ID: 1, Name: "root", Role: storage.RoleAdmin})
	ds.WriteUser(&storage.User{ID: 2, Name: "lead", Role: storage.RoleSupervisor, ParentID: 1})
	ds.WriteUser(&storage.User{ID: 3, Name: "ann", Role: storage.RoleStaff, ParentID: 2})
	ds.WriteUser(&storage.User{ID: 4, Name: "bob", Role: storage.RoleStaff, ParentID: 2})
	ds.WriteUser(&storage.User{ID: 9, Name: "eve", Role: storage.RoleStaff})
	ds.BuildHierarchyClosure()

	ds.WriteOrder(500, 3)
	ds.WriteOrder(501, 9)
	ds.WriteCustomer(700, 3)

	ds.WriteFund(storage.Fund{FundID: 100, HandleBy: 3, OrderID: 500, Amount: 10})
	ds.WriteFund(storage.Fund{FundID: 101, HandleBy: 4, Amount: 20})
	ds.WriteFund(storage.Fund{FundID: 102, HandleBy: 9, CustomerID: 700, Amount: 30})
	ds.WriteFund(storage.Fund{FundID: 103, HandleBy: 9, OrderID: 501, Amount: 40})

	return ds
}

func waitDone(t *testing.T, p *Pipeline, id string) {
	t.Helper()

	p.mu.Lock()
	r := p.runs[id]
	p.mu.Unlock()
	require.NotNil(t, r)

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("rebuild did not finish in time")
	}
}

func TestRebuildPublishesSnapshot(t *testing.T) {
	ds := seedBackend(t)
	p := New(ds)
	ctx := context.Background()

	id, err := p.Rebuild(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	waitDone(t, p, id)

	st, err := p.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatePublished, st.State)
	require.Empty(t, st.Error)
	require.False(t, st.FinishedAt.IsZero())
	require.Equal(t, int64(8), st.RowsByType[permission.TypeHandle])
	require.Equal(t, int64(4), st.RowsByType[permission.TypeOrder])
	require.Equal(t, int64(3), st.RowsByType[permission.TypeCustomer])

	has, err := ds.HasSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, has)

	facts, err := ds.ListSnapshotFacts(ctx, 2, nil)
	require.NoError(t, err)
	require.Len(t, facts, 4)

	types := make(map[uint64][]permission.Type)
	for _, f := range facts {
		types[f.Fund.FundID] = append(types[f.Fund.FundID], f.Type)
	}
	require.ElementsMatch(t, []permission.Type{permission.TypeHandle, permission.TypeOrder}, types[100])
	require.ElementsMatch(t, []permission.Type{permission.TypeHandle}, types[101])
	require.ElementsMatch(t, []permission.Type{permission.TypeCustomer}, types[102])
}

func TestRebuildCancelledRequestDoesNotAbort(t *testing.T) {
	p := New(seedBackend(t))

	ctx, cancel := context.WithCancel(context.Background())
	id, err := p.Rebuild(ctx)
	require.NoError(t, err)
	cancel()
	waitDone(t, p, id)

	st, err := p.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatePublished, st.State)
}

type blockingStore struct {
	*memory.MemoryBackend
	release chan struct{}
}

func (b *blockingStore) StageSnapshot(ctx context.Context) error {
	<-b.release
	return b.MemoryBackend.StageSnapshot(ctx)
}

func TestRebuildCoalescesConcurrentTriggers(t *testing.T) {
	ds := &blockingStore{MemoryBackend: seedBackend(t), release: make(chan struct{})}
	p := New(ds)
	ctx := context.Background()

	first, err := p.Rebuild(ctx)
	require.NoError(t, err)

	second, err := p.Rebuild(ctx)
	require.NoError(t, err)
	require.Equal(t, first, second)

	close(ds.release)
	waitDone(t, p, first)

	// a finished rebuild no longer coalesces
	third, err := p.Rebuild(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first, third)
	waitDone(t, p, third)
}

func TestStatusUnknownRebuild(t *testing.T) {
	p := New(seedBackend(t))

	_, err := p.Status("01J0000000000000000000000")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

type failingLoadStore struct {
	*memory.MemoryBackend
	err error
}

func (f *failingLoadStore) LoadSnapshotDimension(ctx context.Context, tp permission.Type) (int64, error) {
	if tp == permission.TypeOrder {
		return 0, f.err
	}
	return f.MemoryBackend.LoadSnapshotDimension(ctx, tp)
}

func TestRebuildFailureKeepsPublishedSnapshot(t *testing.T) {
	ds := seedBackend(t)
	ctx := context.Background()

	p := New(ds)
	id, err := p.Rebuild(ctx)
	require.NoError(t, err)
	waitDone(t, p, id)

	before, err := ds.SnapshotCountsByType(ctx)
	require.NoError(t, err)

	boom := errors.New("disk full")
	failing := New(&failingLoadStore{MemoryBackend: ds, err: boom})
	failedID, err := failing.Rebuild(ctx)
	require.NoError(t, err)
	waitDone(t, failing, failedID)

	st, err := failing.Status(failedID)
	require.NoError(t, err)
	require.Equal(t, StateFailed, st.State)
	require.Contains(t, st.Error, "disk full")

	after, err := ds.SnapshotCountsByType(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRebuildCollapsePairs(t *testing.T) {
	ds := seedBackend(t)
	p := New(ds, WithRetentionPolicy(CollapsePairs))
	ctx := context.Background()

	id, err := p.Rebuild(ctx)
	require.NoError(t, err)
	waitDone(t, p, id)

	st, err := p.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatePublished, st.State)

	// funds reachable through several dimensions keep a single pair row
	require.Positive(t, st.RowsCollapsed)

	facts, err := ds.ListSnapshotFacts(ctx, 2, nil)
	require.NoError(t, err)
	seen := make(map[uint64]int)
	for _, f := range facts {
		seen[f.Fund.FundID]++
	}
	for fundID, n := range seen {
		require.Equal(t, 1, n, "fund %d has duplicate pair rows", fundID)
	}
}
