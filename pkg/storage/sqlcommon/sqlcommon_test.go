package sqlcommon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/require"

	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

func handleError(err error, _ ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("sql error: %w", err)
}

type testDialect struct{}

func (testDialect) Name() string { return "postgres" }

func (testDialect) CreateStageStatements() []string {
	return []string{"DROP TABLE IF EXISTS finance_permission_stage", "CREATE TABLE finance_permission_stage (mv_id INT)"}
}

func (testDialect) LoadDimensionStatement(t permission.Type) string {
	return LoadDimensionSQL(t)
}

func (testDialect) CollapseStatement() string { return CollapseSQL() }

func (testDialect) IndexStatements(stageID string) []string { return IndexSQL(stageID) }

func (testDialect) PublishStatements() []string { return PublishSQL() }

func newDatastore(t *testing.T) (*Datastore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stbl := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db)
	dbInfo := NewDBInfo(db, stbl, handleError, "postgres")
	return NewDatastore(dbInfo, testDialect{}, NewConfig()), mock
}

func TestGetUser(t *testing.T) {
	ds, mock := newDatastore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, role, department, parent_id FROM users WHERE id = $1")).
		WithArgs(uint64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "role", "department", "parent_id"}).
			AddRow(2, "lead", "supervisor", "sales", 1))

	u, err := ds.GetUser(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, &storage.User{ID: 2, Name: "lead", Role: storage.RoleSupervisor, Department: "sales", ParentID: 1}, u)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserNotFound(t *testing.T) {
	ds, mock := newDatastore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, role, department, parent_id FROM users WHERE id = $1")).
		WithArgs(uint64(42)).
		WillReturnError(sql.ErrNoRows)

	_, err := ds.GetUser(context.Background(), 42)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubordinatesOfBoundsDepth(t *testing.T) {
	ds, mock := newDatastore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM users WHERE id = $1")).
		WithArgs(uint64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(2))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT subordinate_id FROM user_hierarchy WHERE user_id = $1 AND depth <= $2 ORDER BY subordinate_id")).
		WithArgs(uint64(2), 1).
		WillReturnRows(sqlmock.NewRows([]string{"subordinate_id"}).AddRow(2).AddRow(3))

	subs, err := ds.SubordinatesOf(context.Background(), 2, 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{2, 3}, subs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubordinatesOfEmptyClosureIsReflexive(t *testing.T) {
	ds, mock := newDatastore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM users WHERE id = $1")).
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT subordinate_id FROM user_hierarchy WHERE user_id = $1 ORDER BY subordinate_id")).
		WithArgs(uint64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"subordinate_id"}))

	subs, err := ds.SubordinatesOf(context.Background(), 7, 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{7}, subs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListFundsByHandlers(t *testing.T) {
	ds, mock := newDatastore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT f.fund_id, f.handle_by, f.order_id, f.customer_id, f.amount, u.name, u.department "+
			"FROM financial_funds f LEFT JOIN users u ON u.id = f.handle_by "+
			"WHERE f.handle_by IN ($1,$2) ORDER BY f.fund_id")).
		WithArgs(uint64(3), uint64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"fund_id", "handle_by", "order_id", "customer_id", "amount", "name", "department"}).
			AddRow(100, 3, 500, nil, 12.5, "ann", "sales").
			AddRow(101, 4, nil, nil, 20.0, "bob", nil))

	funds, err := ds.ListFundsByHandlers(context.Background(), []uint64{3, 4})
	require.NoError(t, err)
	require.Equal(t, []storage.Fund{
		{FundID: 100, HandleBy: 3, OrderID: 500, Amount: 12.5, HandlerName: "ann", Department: "sales"},
		{FundID: 101, HandleBy: 4, Amount: 20.0, HandlerName: "bob"},
	}, funds)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchCeilingIsEnforced(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	stbl := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db)
	ds := NewDatastore(NewDBInfo(db, stbl, handleError, "postgres"), testDialect{}, NewConfig(WithBatchSize(2)))

	oversized := []uint64{1, 2, 3}
	_, err = ds.ListFundsByHandlers(context.Background(), oversized)
	require.ErrorIs(t, err, storage.ErrBatchTooLarge)
	_, err = ds.ListOrderIDsByOwners(context.Background(), oversized)
	require.ErrorIs(t, err, storage.ErrBatchTooLarge)
	_, err = ds.ListCustomerIDsByAdmins(context.Background(), oversized)
	require.ErrorIs(t, err, storage.ErrBatchTooLarge)
}

func TestSnapshotLifecycle(t *testing.T) {
	ds, mock := newDatastore(t)
	ctx := context.Background()

	_, err := ds.LoadSnapshotDimension(ctx, permission.TypeHandle)
	require.ErrorIs(t, err, storage.ErrNoStagedSnapshot)

	for _, stmt := range (testDialect{}).CreateStageStatements() {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, ds.StageSnapshot(ctx))

	mock.ExpectExec(regexp.QuoteMeta(LoadDimensionSQL(permission.TypeHandle))).
		WillReturnResult(sqlmock.NewResult(0, 8))
	n, err := ds.LoadSnapshotDimension(ctx, permission.TypeHandle)
	require.NoError(t, err)
	require.Equal(t, int64(8), n)

	for _, stmt := range IndexSQL(ds.stageID) {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, ds.IndexSnapshot(ctx))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT permission_type, COUNT(*) FROM finance_permission_stage GROUP BY permission_type")).
		WillReturnRows(sqlmock.NewRows([]string{"permission_type", "count"}).AddRow("handle", 8))
	counts, err := ds.StagedSnapshotCountsByType(ctx)
	require.NoError(t, err)
	require.Equal(t, map[permission.Type]int64{permission.TypeHandle: 8}, counts)

	for _, stmt := range PublishSQL() {
		mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec(regexp.QuoteMeta("UPDATE snapshot_meta SET generation_id = $1, published_at = $2 WHERE id = $3")).
		WithArgs("01TESTGENERATION", sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, ds.PublishSnapshot(ctx, "01TESTGENERATION"))

	// publishing consumes the staged snapshot
	_, err = ds.LoadSnapshotDimension(ctx, permission.TypeHandle)
	require.ErrorIs(t, err, storage.ErrNoStagedSnapshot)

	require.NoError(t, mock.ExpectationsWereMet())
}

// Two full rebuild cycles against the same datastore. The published table
// keeps the index names of the build that produced it, so the second cycle
// must build its indexes under fresh names or it aborts on postgres and
// sqlite, where index names are database-global.
func TestSnapshotRebuildRepeats(t *testing.T) {
	ds, mock := newDatastore(t)
	ctx := context.Background()

	var stageIDs []string
	for _, generation := range []string{"01GENFIRST", "01GENSECOND"} {
		for _, stmt := range (testDialect{}).CreateStageStatements() {
			mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
		}
		require.NoError(t, ds.StageSnapshot(ctx))
		stageIDs = append(stageIDs, ds.stageID)

		mock.ExpectExec(regexp.QuoteMeta(LoadDimensionSQL(permission.TypeHandle))).
			WillReturnResult(sqlmock.NewResult(0, 8))
		_, err := ds.LoadSnapshotDimension(ctx, permission.TypeHandle)
		require.NoError(t, err)

		for _, stmt := range IndexSQL(ds.stageID) {
			mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
		}
		require.NoError(t, ds.IndexSnapshot(ctx))

		for _, stmt := range PublishSQL() {
			mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
		}
		mock.ExpectExec(regexp.QuoteMeta("UPDATE snapshot_meta SET generation_id = $1, published_at = $2 WHERE id = $3")).
			WithArgs(generation, sqlmock.AnyArg(), 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, ds.PublishSnapshot(ctx, generation))
	}

	require.NotEqual(t, stageIDs[0], stageIDs[1], "consecutive rebuilds must not reuse index names")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIndexNamesAreStageScoped(t *testing.T) {
	first := IndexSQL("01aaaa")
	second := IndexSQL("01bbbb")
	require.Len(t, first, 5)
	for i := range first {
		require.NotEqual(t, first[i], second[i])
		require.Contains(t, first[i], "idx_fp_01aaaa_")
		require.Contains(t, second[i], "idx_fp_01bbbb_")
	}
}

func TestRevokeFund(t *testing.T) {
	ds, mock := newDatastore(t)
	ctx := context.Background()

	metaQuery := regexp.QuoteMeta("SELECT generation_id FROM snapshot_meta WHERE id = $1")

	mock.ExpectQuery(metaQuery).WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"generation_id"}).AddRow("01TESTGENERATION"))
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(DISTINCT supervisor_id) FROM finance_permission_mv WHERE fund_id = $1")).
		WithArgs(uint64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM finance_permission_mv WHERE fund_id = $1")).
		WithArgs(uint64(100)).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	affected, err := ds.RevokeFund(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, int64(3), affected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeFundWithoutSnapshot(t *testing.T) {
	ds, mock := newDatastore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT generation_id FROM snapshot_meta WHERE id = $1")).
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"generation_id"}).AddRow(nil))

	_, err := ds.RevokeFund(context.Background(), 100)
	require.ErrorIs(t, err, storage.ErrNoPublishedSnapshot)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasSnapshot(t *testing.T) {
	ds, mock := newDatastore(t)
	ctx := context.Background()

	metaQuery := regexp.QuoteMeta("SELECT generation_id FROM snapshot_meta WHERE id = $1")

	mock.ExpectQuery(metaQuery).WithArgs(1).WillReturnError(sql.ErrNoRows)
	has, err := ds.HasSnapshot(ctx)
	require.NoError(t, err)
	require.False(t, has)

	mock.ExpectQuery(metaQuery).WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"generation_id"}).AddRow("01TESTGENERATION"))
	has, err = ds.HasSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, has)

	require.NoError(t, mock.ExpectationsWereMet())
}
