package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

func seedBackend(t *testing.T) *MemoryBackend {
	t.Helper()

	ds := New()
	ds.WriteUser(&storage.User{ID: 1, Name: "root admin", Role: storage.RoleAdmin, Department: "hq"})
	ds.WriteUser(&storage.User{ID: 2, Name: "east lead", Role: storage.RoleSupervisor, Department: "east", ParentID: 1})
	ds.WriteUser(&storage.User{ID: 3, Name: "east clerk", Role: storage.RoleStaff, Department: "east", ParentID: 2})
	ds.WriteUser(&storage.User{ID: 4, Name: "south clerk", Role: storage.RoleStaff, Department: "south", ParentID: 1})
	ds.BuildHierarchyClosure()

	ds.WriteOrder(2001, 3)
	ds.WriteOrder(2002, 2)
	ds.WriteCustomer(3001, 3)
	ds.WriteCustomer(3002, 4)

	ds.WriteFund(storage.Fund{FundID: 1001, HandleBy: 3, OrderID: 2001, CustomerID: 3001, Amount: 50000})
	ds.WriteFund(storage.Fund{FundID: 1002, HandleBy: 2, OrderID: 2002, CustomerID: 3002, Amount: 80000})
	ds.WriteFund(storage.Fund{FundID: 1003, HandleBy: 4, Amount: 60000})

	return ds
}

func TestSubordinatesOfIsReflexive(t *testing.T) {
	ds := seedBackend(t)
	ctx := context.Background()

	subs, err := ds.SubordinatesOf(ctx, 2, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3}, subs)

	// staff with no reports still sees themselves
	subs, err = ds.SubordinatesOf(ctx, 4, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{4}, subs)
}

func TestSubordinatesOfDepthBound(t *testing.T) {
	ds := seedBackend(t)
	ctx := context.Background()

	all, err := ds.SubordinatesOf(ctx, 1, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3, 4}, all)

	direct, err := ds.SubordinatesOf(ctx, 1, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 4}, direct)
}

func TestSubordinatesOfUnknownSupervisor(t *testing.T) {
	ds := seedBackend(t)

	_, err := ds.SubordinatesOf(context.Background(), 99, 0)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRelationLookupsDenormalizeHandler(t *testing.T) {
	ds := seedBackend(t)
	ctx := context.Background()

	funds, err := ds.ListFundsByHandlers(ctx, []uint64{3})
	require.NoError(t, err)
	require.Len(t, funds, 1)
	require.Equal(t, uint64(1001), funds[0].FundID)
	require.Equal(t, "east clerk", funds[0].HandlerName)
	require.Equal(t, "east", funds[0].Department)
}

func TestRelationLookupsRespectBatchCeiling(t *testing.T) {
	ds := New(WithBatchSize(2))

	_, err := ds.ListFundsByHandlers(context.Background(), []uint64{1, 2, 3})
	require.ErrorIs(t, err, storage.ErrBatchTooLarge)
}

func TestOrderAndCustomerExpansion(t *testing.T) {
	ds := seedBackend(t)
	ctx := context.Background()

	orderIDs, err := ds.ListOrderIDsByOwners(ctx, []uint64{2, 3})
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{2001, 2002}, orderIDs)

	funds, err := ds.ListFundsByOrderIDs(ctx, orderIDs)
	require.NoError(t, err)
	require.Len(t, funds, 2)

	customerIDs, err := ds.ListCustomerIDsByAdmins(ctx, []uint64{4})
	require.NoError(t, err)
	require.Equal(t, []uint64{3002}, customerIDs)
}

func TestSnapshotLifecycle(t *testing.T) {
	ds := seedBackend(t)
	ctx := context.Background()

	has, err := ds.HasSnapshot(ctx)
	require.NoError(t, err)
	require.False(t, has)

	_, err = ds.ListSnapshotFacts(ctx, 2, nil)
	require.ErrorIs(t, err, storage.ErrNoPublishedSnapshot)

	require.NoError(t, ds.StageSnapshot(ctx))
	for _, typ := range permission.Types() {
		_, err := ds.LoadSnapshotDimension(ctx, typ)
		require.NoError(t, err)
	}
	require.NoError(t, ds.IndexSnapshot(ctx))

	staged, err := ds.StagedSnapshotCountsByType(ctx)
	require.NoError(t, err)
	require.NotZero(t, staged[permission.TypeHandle])

	require.NoError(t, ds.PublishSnapshot(ctx, "01TESTGENERATION"))

	has, err = ds.HasSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, has)

	published, err := ds.SnapshotCountsByType(ctx)
	require.NoError(t, err)
	require.Equal(t, staged, published)

	// supervisor 2 reaches fund 1001 through handle, order and customer
	facts, err := ds.ListSnapshotFacts(ctx, 2, nil)
	require.NoError(t, err)
	byType := make(map[permission.Type]int)
	for _, f := range facts {
		if f.Fund.FundID == 1001 {
			byType[f.Type]++
		}
	}
	require.Equal(t, map[permission.Type]int{
		permission.TypeHandle:   1,
		permission.TypeOrder:    1,
		permission.TypeCustomer: 1,
	}, byType)

	handle := permission.TypeHandle
	filtered, err := ds.ListSnapshotFacts(ctx, 2, &handle)
	require.NoError(t, err)
	for _, f := range filtered {
		require.Equal(t, permission.TypeHandle, f.Type)
	}
}

func TestSnapshotLoadWithoutStage(t *testing.T) {
	ds := seedBackend(t)

	_, err := ds.LoadSnapshotDimension(context.Background(), permission.TypeHandle)
	require.ErrorIs(t, err, storage.ErrNoStagedSnapshot)
}

func TestCollapseSnapshotToPairs(t *testing.T) {
	ds := seedBackend(t)
	ctx := context.Background()

	require.NoError(t, ds.StageSnapshot(ctx))
	for _, typ := range permission.Types() {
		_, err := ds.LoadSnapshotDimension(ctx, typ)
		require.NoError(t, err)
	}

	removed, err := ds.CollapseSnapshotToPairs(ctx)
	require.NoError(t, err)
	require.Positive(t, removed)

	require.NoError(t, ds.PublishSnapshot(ctx, "01TESTGENERATION"))

	facts, err := ds.ListSnapshotFacts(ctx, 2, nil)
	require.NoError(t, err)
	seen := make(map[uint64]int)
	for _, f := range facts {
		seen[f.Fund.FundID]++
	}
	for fundID, n := range seen {
		require.Equalf(t, 1, n, "fund %d appears %d times after collapse", fundID, n)
	}
}

func TestRevokeFund(t *testing.T) {
	ds := seedBackend(t)
	ctx := context.Background()

	require.NoError(t, ds.StageSnapshot(ctx))
	for _, typ := range permission.Types() {
		_, err := ds.LoadSnapshotDimension(ctx, typ)
		require.NoError(t, err)
	}
	require.NoError(t, ds.IndexSnapshot(ctx))
	require.NoError(t, ds.PublishSnapshot(ctx, "01TESTGENERATION"))

	// fund 1001 is visible to 1 (admin chain), 2 and 3
	affected, err := ds.RevokeFund(ctx, 1001)
	require.NoError(t, err)
	require.Equal(t, int64(3), affected)

	facts, err := ds.ListSnapshotFacts(ctx, 2, nil)
	require.NoError(t, err)
	for _, f := range facts {
		require.NotEqual(t, uint64(1001), f.Fund.FundID)
	}

	// idempotent: nothing left to revoke
	affected, err = ds.RevokeFund(ctx, 1001)
	require.NoError(t, err)
	require.Zero(t, affected)
}
