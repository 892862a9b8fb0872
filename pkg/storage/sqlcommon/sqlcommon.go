// Package sqlcommon holds the engine-neutral SQL implementation of
// [storage.FinanceDatastore]. The engine packages contribute a driver, a
// placeholder format, an error translator and the dialect-specific snapshot
// DDL; everything else lives here.
package sqlcommon

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"

	"github.com/bjmayor/finance-permission-system/internal/build"
	"github.com/bjmayor/finance-permission-system/pkg/logger"
	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

var tracer = otel.Tracer("pkg/storage/sqlcommon")

// Config defines the configuration parameters for setting up and managing
// a sql connection.
type Config struct {
	Username string
	Password string
	Logger   logger.Logger

	BatchSize int

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	ExportMetrics bool
}

// DatastoreOption defines a function type used for configuring a Config.
type DatastoreOption func(*Config)

// WithUsername returns a DatastoreOption that sets the username in the Config.
func WithUsername(username string) DatastoreOption {
	return func(cfg *Config) {
		cfg.Username = username
	}
}

// WithPassword returns a DatastoreOption that sets the password in the Config.
func WithPassword(password string) DatastoreOption {
	return func(cfg *Config) {
		cfg.Password = password
	}
}

// WithLogger returns a DatastoreOption that sets the Logger in the Config.
func WithLogger(l logger.Logger) DatastoreOption {
	return func(cfg *Config) {
		cfg.Logger = l
	}
}

// WithBatchSize returns a DatastoreOption that sets the ceiling enforced on
// set-membership lookups.
func WithBatchSize(n int) DatastoreOption {
	return func(cfg *Config) {
		cfg.BatchSize = n
	}
}

// WithMaxOpenConns returns a DatastoreOption that sets the
// maximum number of open connections in the Config.
func WithMaxOpenConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxOpenConns = c
	}
}

// WithMaxIdleConns returns a DatastoreOption that sets the
// maximum number of idle connections in the Config.
func WithMaxIdleConns(c int) DatastoreOption {
	return func(cfg *Config) {
		cfg.MaxIdleConns = c
	}
}

// WithConnMaxIdleTime returns a DatastoreOption that sets
// the maximum idle time for a connection in the Config.
func WithConnMaxIdleTime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxIdleTime = d
	}
}

// WithConnMaxLifetime returns a DatastoreOption that sets
// the maximum lifetime for a connection in the Config.
func WithConnMaxLifetime(d time.Duration) DatastoreOption {
	return func(cfg *Config) {
		cfg.ConnMaxLifetime = d
	}
}

// WithMetrics returns a DatastoreOption that enables the export of
// connection pool metrics.
func WithMetrics() DatastoreOption {
	return func(cfg *Config) {
		cfg.ExportMetrics = true
	}
}

// NewConfig creates a new Config instance with default values and applies
// any provided DatastoreOption modifications.
func NewConfig(opts ...DatastoreOption) *Config {
	cfg := &Config{}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = logger.NewNoopLogger()
	}

	if cfg.BatchSize == 0 {
		cfg.BatchSize = storage.DefaultBatchSize
	}

	return cfg
}

type errorHandlerFn func(error, ...interface{}) error

// DBInfo encapsulates DB information for use in common methods.
type DBInfo struct {
	db             *sql.DB
	stbl           sq.StatementBuilderType
	HandleSQLError errorHandlerFn
}

// NewDBInfo constructs a [DBInfo] object.
func NewDBInfo(db *sql.DB, stbl sq.StatementBuilderType, errorHandler errorHandlerFn, dialect string) *DBInfo {
	if err := goose.SetDialect(dialect); err != nil {
		panic("failed to set database dialect: " + err.Error())
	}

	return &DBInfo{
		db:             db,
		stbl:           stbl,
		HandleSQLError: errorHandler,
	}
}

// IsReady pings the database and checks the migration revision.
func IsReady(ctx context.Context, db *sql.DB) (storage.ReadinessStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	// do ping first to ensure we have a better error message
	// if the error is due to a connection issue.
	if pingErr := db.PingContext(ctx); pingErr != nil {
		return storage.ReadinessStatus{}, pingErr
	}

	revision, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return storage.ReadinessStatus{}, err
	}

	if revision < build.MinimumSupportedDatastoreSchemaRevision {
		return storage.ReadinessStatus{
			Message: "datastore requires migrations: at revision '" +
				strconv.FormatInt(revision, 10) +
				"', but requires '" +
				strconv.FormatInt(build.MinimumSupportedDatastoreSchemaRevision, 10) +
				"'. Run 'financeperm migrate'.",
			IsReady: false,
		}, nil
	}
	return storage.ReadinessStatus{
		IsReady: true,
	}, nil
}

// Dialect supplies the statements that cannot be written portably: the
// staging DDL, the per-dimension bulk loads and the publish swap.
type Dialect interface {
	// Name is the goose dialect name.
	Name() string

	// CreateStageStatements drops any leftover staging table and creates a
	// fresh, index-free one.
	CreateStageStatements() []string

	// LoadDimensionStatement is the INSERT ... SELECT that materializes one
	// dimension for every supervisor at once.
	LoadDimensionStatement(t permission.Type) string

	// CollapseStatement removes duplicate (supervisor, fund) rows from the
	// staging table, keeping the lowest row id.
	CollapseStatement() string

	// IndexStatements build the read-path indexes over the staging table.
	// stageID scopes the index names so consecutive rebuilds cannot collide
	// with the names the published snapshot still carries.
	IndexStatements(stageID string) []string

	// PublishStatements swap the staged table into the published position.
	PublishStatements() []string
}

// Datastore is the shared SQL implementation of storage.FinanceDatastore.
// Engine packages embed it and supply the pieces via New.
type Datastore struct {
	dbInfo    *DBInfo
	dialect   Dialect
	logger    logger.Logger
	batchSize int

	// staged tracks whether this process has a staging table it created and
	// has not yet published, so callers get ErrNoStagedSnapshot instead of a
	// raw missing-table error. stageID is written before the staged.Store
	// and read after the staged.Load, which orders the accesses.
	staged  atomic.Bool
	stageID string
}

// NewDatastore builds the shared datastore core.
func NewDatastore(dbInfo *DBInfo, dialect Dialect, cfg *Config) *Datastore {
	return &Datastore{
		dbInfo:    dbInfo,
		dialect:   dialect,
		logger:    cfg.Logger,
		batchSize: cfg.BatchSize,
	}
}

// IsReady see [storage.FinanceDatastore].IsReady.
func (d *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	return IsReady(ctx, d.dbInfo.db)
}

// Close closes the underlying database connection.
func (d *Datastore) Close() {
	_ = d.dbInfo.db.Close()
}

func (d *Datastore) checkBatch(ids []uint64) error {
	if len(ids) > d.batchSize {
		return storage.ErrBatchTooLarge
	}
	return nil
}

// GetUser see [storage.HierarchyReader].GetUser.
func (d *Datastore) GetUser(ctx context.Context, id uint64) (*storage.User, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.GetUser")
	defer span.End()

	row := d.dbInfo.stbl.
		Select("id", "name", "role", "department", "parent_id").
		From("users").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx)

	var u storage.User
	var department sql.NullString
	var parentID sql.NullInt64
	if err := row.Scan(&u.ID, &u.Name, &u.Role, &department, &parentID); err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}
	u.Department = department.String
	if parentID.Valid {
		u.ParentID = uint64(parentID.Int64)
	}
	return &u, nil
}

// ListUserIDs see [storage.HierarchyReader].ListUserIDs.
func (d *Datastore) ListUserIDs(ctx context.Context) ([]uint64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.ListUserIDs")
	defer span.End()

	rows, err := d.dbInfo.stbl.
		Select("id").
		From("users").
		OrderBy("id").
		QueryContext(ctx)
	if err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	return scanIDs(rows, d.dbInfo)
}

// SubordinatesOf see [storage.HierarchyReader].SubordinatesOf. The closure
// table carries a depth-0 row for every user, so the result is reflexive by
// construction.
func (d *Datastore) SubordinatesOf(ctx context.Context, supervisorID uint64, maxDepth int) ([]uint64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.SubordinatesOf")
	defer span.End()

	var exists uint64
	err := d.dbInfo.stbl.
		Select("id").
		From("users").
		Where(sq.Eq{"id": supervisorID}).
		QueryRowContext(ctx).
		Scan(&exists)
	if err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}

	sb := d.dbInfo.stbl.
		Select("subordinate_id").
		From("user_hierarchy").
		Where(sq.Eq{"user_id": supervisorID}).
		OrderBy("subordinate_id")
	if maxDepth > 0 {
		sb = sb.Where(sq.LtOrEq{"depth": maxDepth})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	ids, err := scanIDs(rows, d.dbInfo)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		// a user without closure rows still sees itself
		ids = []uint64{supervisorID}
	}
	return ids, nil
}

func scanIDs(rows *sql.Rows, dbInfo *DBInfo) ([]uint64, error) {
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, dbInfo.HandleSQLError(err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, dbInfo.HandleSQLError(err)
	}
	return ids, nil
}

// fundColumns are the financial_funds columns plus the handler display
// fields denormalized from users.
var fundColumns = []string{
	"f.fund_id", "f.handle_by", "f.order_id", "f.customer_id", "f.amount",
	"u.name", "u.department",
}

func (d *Datastore) queryFunds(ctx context.Context, where sq.Sqlizer) ([]storage.Fund, error) {
	rows, err := d.dbInfo.stbl.
		Select(fundColumns...).
		From("financial_funds f").
		LeftJoin("users u ON u.id = f.handle_by").
		Where(where).
		OrderBy("f.fund_id").
		QueryContext(ctx)
	if err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	var funds []storage.Fund
	for rows.Next() {
		f, err := scanFund(rows)
		if err != nil {
			return nil, d.dbInfo.HandleSQLError(err)
		}
		funds = append(funds, f)
	}
	if err := rows.Err(); err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}
	return funds, nil
}

func scanFund(rows *sql.Rows) (storage.Fund, error) {
	var f storage.Fund
	var orderID, customerID sql.NullInt64
	var handlerName, department sql.NullString
	err := rows.Scan(&f.FundID, &f.HandleBy, &orderID, &customerID, &f.Amount, &handlerName, &department)
	if err != nil {
		return storage.Fund{}, err
	}
	if orderID.Valid {
		f.OrderID = uint64(orderID.Int64)
	}
	if customerID.Valid {
		f.CustomerID = uint64(customerID.Int64)
	}
	f.HandlerName = handlerName.String
	f.Department = department.String
	return f, nil
}

// ListFundsByHandlers see [storage.RelationReader].ListFundsByHandlers.
func (d *Datastore) ListFundsByHandlers(ctx context.Context, handlerIDs []uint64) ([]storage.Fund, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.ListFundsByHandlers")
	defer span.End()

	if err := d.checkBatch(handlerIDs); err != nil {
		return nil, err
	}
	if len(handlerIDs) == 0 {
		return nil, nil
	}
	return d.queryFunds(ctx, sq.Eq{"f.handle_by": handlerIDs})
}

// ListFundsByOrderIDs see [storage.RelationReader].ListFundsByOrderIDs.
func (d *Datastore) ListFundsByOrderIDs(ctx context.Context, orderIDs []uint64) ([]storage.Fund, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.ListFundsByOrderIDs")
	defer span.End()

	if err := d.checkBatch(orderIDs); err != nil {
		return nil, err
	}
	if len(orderIDs) == 0 {
		return nil, nil
	}
	return d.queryFunds(ctx, sq.Eq{"f.order_id": orderIDs})
}

// ListFundsByCustomerIDs see [storage.RelationReader].ListFundsByCustomerIDs.
func (d *Datastore) ListFundsByCustomerIDs(ctx context.Context, customerIDs []uint64) ([]storage.Fund, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.ListFundsByCustomerIDs")
	defer span.End()

	if err := d.checkBatch(customerIDs); err != nil {
		return nil, err
	}
	if len(customerIDs) == 0 {
		return nil, nil
	}
	return d.queryFunds(ctx, sq.Eq{"f.customer_id": customerIDs})
}

// ListOrderIDsByOwners see [storage.RelationReader].ListOrderIDsByOwners.
func (d *Datastore) ListOrderIDsByOwners(ctx context.Context, ownerIDs []uint64) ([]uint64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.ListOrderIDsByOwners")
	defer span.End()

	if err := d.checkBatch(ownerIDs); err != nil {
		return nil, err
	}
	if len(ownerIDs) == 0 {
		return nil, nil
	}

	rows, err := d.dbInfo.stbl.
		Select("id").
		From("orders").
		Where(sq.Eq{"user_id": ownerIDs}).
		OrderBy("id").
		QueryContext(ctx)
	if err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	return scanIDs(rows, d.dbInfo)
}

// ListCustomerIDsByAdmins see [storage.RelationReader].ListCustomerIDsByAdmins.
func (d *Datastore) ListCustomerIDsByAdmins(ctx context.Context, adminIDs []uint64) ([]uint64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.ListCustomerIDsByAdmins")
	defer span.End()

	if err := d.checkBatch(adminIDs); err != nil {
		return nil, err
	}
	if len(adminIDs) == 0 {
		return nil, nil
	}

	rows, err := d.dbInfo.stbl.
		Select("id").
		From("customers").
		Where(sq.Eq{"admin_id": adminIDs}).
		OrderBy("id").
		QueryContext(ctx)
	if err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	return scanIDs(rows, d.dbInfo)
}

// StageSnapshot see [storage.SnapshotStore].StageSnapshot.
func (d *Datastore) StageSnapshot(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.StageSnapshot")
	defer span.End()

	for _, stmt := range d.dialect.CreateStageStatements() {
		if _, err := d.dbInfo.db.ExecContext(ctx, stmt); err != nil {
			return d.dbInfo.HandleSQLError(err)
		}
	}
	d.stageID = strings.ToLower(ulid.Make().String())
	d.staged.Store(true)
	return nil
}

// LoadSnapshotDimension see [storage.SnapshotStore].LoadSnapshotDimension.
func (d *Datastore) LoadSnapshotDimension(ctx context.Context, t permission.Type) (int64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.LoadSnapshotDimension")
	defer span.End()

	if !d.staged.Load() {
		return 0, storage.ErrNoStagedSnapshot
	}

	res, err := d.dbInfo.db.ExecContext(ctx, d.dialect.LoadDimensionStatement(t))
	if err != nil {
		return 0, d.dbInfo.HandleSQLError(err)
	}
	return res.RowsAffected()
}

// CollapseSnapshotToPairs see [storage.SnapshotStore].CollapseSnapshotToPairs.
func (d *Datastore) CollapseSnapshotToPairs(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.CollapseSnapshotToPairs")
	defer span.End()

	if !d.staged.Load() {
		return 0, storage.ErrNoStagedSnapshot
	}

	res, err := d.dbInfo.db.ExecContext(ctx, d.dialect.CollapseStatement())
	if err != nil {
		return 0, d.dbInfo.HandleSQLError(err)
	}
	return res.RowsAffected()
}

// IndexSnapshot see [storage.SnapshotStore].IndexSnapshot.
func (d *Datastore) IndexSnapshot(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.IndexSnapshot")
	defer span.End()

	if !d.staged.Load() {
		return storage.ErrNoStagedSnapshot
	}

	for _, stmt := range d.dialect.IndexStatements(d.stageID) {
		if _, err := d.dbInfo.db.ExecContext(ctx, stmt); err != nil {
			return d.dbInfo.HandleSQLError(err)
		}
	}
	return nil
}

func (d *Datastore) countsByType(ctx context.Context, table string) (map[permission.Type]int64, error) {
	rows, err := d.dbInfo.stbl.
		Select("permission_type", "COUNT(*)").
		From(table).
		GroupBy("permission_type").
		QueryContext(ctx)
	if err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[permission.Type]int64, 3)
	for rows.Next() {
		var tag string
		var n int64
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, d.dbInfo.HandleSQLError(err)
		}
		t, err := permission.ParseType(tag)
		if err != nil {
			return nil, err
		}
		counts[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}
	return counts, nil
}

// StagedSnapshotCountsByType see [storage.SnapshotStore].StagedSnapshotCountsByType.
func (d *Datastore) StagedSnapshotCountsByType(ctx context.Context) (map[permission.Type]int64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.StagedSnapshotCountsByType")
	defer span.End()

	if !d.staged.Load() {
		return nil, storage.ErrNoStagedSnapshot
	}
	return d.countsByType(ctx, "finance_permission_stage")
}

// PublishSnapshot see [storage.SnapshotStore].PublishSnapshot. The swap is
// a drop-and-rename: the previous snapshot drops together with its
// stage-scoped indexes, and the staged table keeps its own.
func (d *Datastore) PublishSnapshot(ctx context.Context, generationID string) error {
	ctx, span := tracer.Start(ctx, "sqlcommon.PublishSnapshot")
	defer span.End()

	if !d.staged.Load() {
		return storage.ErrNoStagedSnapshot
	}

	for _, stmt := range d.dialect.PublishStatements() {
		if _, err := d.dbInfo.db.ExecContext(ctx, stmt); err != nil {
			return d.dbInfo.HandleSQLError(err)
		}
	}

	now := time.Now().UTC()
	_, err := d.dbInfo.stbl.
		Update("snapshot_meta").
		Set("generation_id", generationID).
		Set("published_at", now).
		Where(sq.Eq{"id": 1}).
		ExecContext(ctx)
	if err != nil {
		return d.dbInfo.HandleSQLError(err)
	}

	d.staged.Store(false)
	return nil
}

// publishedGeneration returns the published generation id, or
// ErrNoPublishedSnapshot when none has been published yet.
func (d *Datastore) publishedGeneration(ctx context.Context) (string, error) {
	var generationID sql.NullString
	err := d.dbInfo.stbl.
		Select("generation_id").
		From("snapshot_meta").
		Where(sq.Eq{"id": 1}).
		QueryRowContext(ctx).
		Scan(&generationID)
	if err != nil {
		return "", d.dbInfo.HandleSQLError(err)
	}
	if !generationID.Valid || generationID.String == "" {
		return "", storage.ErrNoPublishedSnapshot
	}
	return generationID.String, nil
}

// HasSnapshot see [storage.SnapshotStore].HasSnapshot.
func (d *Datastore) HasSnapshot(ctx context.Context) (bool, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.HasSnapshot")
	defer span.End()

	_, err := d.publishedGeneration(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNoPublishedSnapshot) || errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// snapshotColumns are the published fact columns in scan order.
var snapshotColumns = []string{
	"supervisor_id", "fund_id", "handle_by", "handler_name", "department",
	"order_id", "customer_id", "amount", "permission_type", "last_updated",
}

// ListSnapshotFacts see [storage.SnapshotStore].ListSnapshotFacts.
func (d *Datastore) ListSnapshotFacts(ctx context.Context, supervisorID uint64, typeFilter *permission.Type) ([]storage.AccessFact, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.ListSnapshotFacts")
	defer span.End()

	if _, err := d.publishedGeneration(ctx); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNoPublishedSnapshot
		}
		return nil, err
	}

	sb := d.dbInfo.stbl.
		Select(snapshotColumns...).
		From("finance_permission_mv").
		Where(sq.Eq{"supervisor_id": supervisorID}).
		OrderBy("fund_id", "permission_type")
	if typeFilter != nil {
		sb = sb.Where(sq.Eq{"permission_type": typeFilter.String()})
	}

	rows, err := sb.QueryContext(ctx)
	if err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	var facts []storage.AccessFact
	for rows.Next() {
		var fact storage.AccessFact
		var orderID, customerID sql.NullInt64
		var handlerName, department sql.NullString
		var tag string
		err := rows.Scan(
			&fact.SupervisorID,
			&fact.Fund.FundID,
			&fact.Fund.HandleBy,
			&handlerName,
			&department,
			&orderID,
			&customerID,
			&fact.Fund.Amount,
			&tag,
			&fact.LastUpdated,
		)
		if err != nil {
			return nil, d.dbInfo.HandleSQLError(err)
		}
		fact.Fund.HandlerName = handlerName.String
		fact.Fund.Department = department.String
		if orderID.Valid {
			fact.Fund.OrderID = uint64(orderID.Int64)
		}
		if customerID.Valid {
			fact.Fund.CustomerID = uint64(customerID.Int64)
		}
		fact.Type, err = permission.ParseType(tag)
		if err != nil {
			return nil, err
		}
		facts = append(facts, fact)
	}
	if err := rows.Err(); err != nil {
		return nil, d.dbInfo.HandleSQLError(err)
	}
	return facts, nil
}

// SnapshotCountsByType see [storage.SnapshotStore].SnapshotCountsByType.
func (d *Datastore) SnapshotCountsByType(ctx context.Context) (map[permission.Type]int64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.SnapshotCountsByType")
	defer span.End()

	if _, err := d.publishedGeneration(ctx); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrNoPublishedSnapshot
		}
		return nil, err
	}
	return d.countsByType(ctx, "finance_permission_mv")
}

// RevokeFund see [storage.SnapshotStore].RevokeFund.
func (d *Datastore) RevokeFund(ctx context.Context, fundID uint64) (int64, error) {
	ctx, span := tracer.Start(ctx, "sqlcommon.RevokeFund")
	defer span.End()

	if _, err := d.publishedGeneration(ctx); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, storage.ErrNoPublishedSnapshot
		}
		return 0, err
	}

	txn, err := d.dbInfo.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, d.dbInfo.HandleSQLError(err)
	}
	defer func() {
		_ = txn.Rollback()
	}()

	var affected int64
	err = d.dbInfo.stbl.
		Select("COUNT(DISTINCT supervisor_id)").
		From("finance_permission_mv").
		Where(sq.Eq{"fund_id": fundID}).
		RunWith(txn).
		QueryRowContext(ctx).
		Scan(&affected)
	if err != nil {
		return 0, d.dbInfo.HandleSQLError(err)
	}

	_, err = d.dbInfo.stbl.
		Delete("finance_permission_mv").
		Where(sq.Eq{"fund_id": fundID}).
		RunWith(txn).
		ExecContext(ctx)
	if err != nil {
		return 0, d.dbInfo.HandleSQLError(err)
	}

	if err := txn.Commit(); err != nil {
		return 0, d.dbInfo.HandleSQLError(err)
	}
	return affected, nil
}
