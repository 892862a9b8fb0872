// Package mysql provides the MySQL-backed [storage.FinanceDatastore].
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/bjmayor/finance-permission-system/internal/build"
	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
	"github.com/bjmayor/finance-permission-system/pkg/storage/sqlcommon"
)

// Datastore is a MySQL implementation of storage.FinanceDatastore.
type Datastore struct {
	*sqlcommon.Datastore

	db               *sql.DB
	dbStatsCollector prometheus.Collector
}

var _ storage.FinanceDatastore = (*Datastore)(nil)

// initDB initializes a new mysql database connection.
func initDB(uri string, cfg *sqlcommon.Config) (*sql.DB, error) {
	dsnCfg, err := mysql.ParseDSN(uri)
	if err != nil {
		return nil, fmt.Errorf("parse mysql connection dsn: %w", err)
	}

	if cfg.Username != "" {
		dsnCfg.User = cfg.Username
	}
	if cfg.Password != "" {
		dsnCfg.Passwd = cfg.Password
	}
	// timestamps are scanned into time.Time
	dsnCfg.ParseTime = true

	db, err := sql.Open("mysql", dsnCfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("initialize mysql connection: %w", err)
	}

	if cfg.MaxIdleConns != 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// configureDB waits for the database and optionally registers pool metrics.
func configureDB(db *sql.DB, cfg *sqlcommon.Config) (prometheus.Collector, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 1 * time.Minute
	attempt := 1
	err := backoff.Retry(func() error {
		err := db.PingContext(context.Background())
		if err != nil {
			cfg.Logger.Info("waiting for database", zap.Int("attempt", attempt))
			attempt++
			return err
		}
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	var collector prometheus.Collector
	if cfg.ExportMetrics {
		collector = collectors.NewDBStatsCollector(db, build.ProjectName)
		if err := prometheus.Register(collector); err != nil {
			return nil, fmt.Errorf("initialize metrics: %w", err)
		}
	}

	return collector, nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	db, err := initDB(uri, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize mysql connection: %w", err)
	}
	return NewWithDB(db, cfg)
}

// NewWithDB creates a new [Datastore] storage with the provided database
// connection.
func NewWithDB(db *sql.DB, cfg *sqlcommon.Config) (*Datastore, error) {
	collector, err := configureDB(db, cfg)
	if err != nil {
		return nil, fmt.Errorf("configure db: %w", err)
	}

	stbl := sq.StatementBuilder.RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl, HandleSQLError, "mysql")

	return &Datastore{
		Datastore:        sqlcommon.NewDatastore(dbInfo, dialect{}, cfg),
		db:               db,
		dbStatsCollector: collector,
	}, nil
}

// Close see [storage.FinanceDatastore].Close.
func (d *Datastore) Close() {
	if d.dbStatsCollector != nil {
		prometheus.Unregister(d.dbStatsCollector)
	}
	d.Datastore.Close()
}

// HandleSQLError processes an SQL error and converts it into a more
// specific error type based on the nature of the SQL error.
func HandleSQLError(err error, _ ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return fmt.Errorf("sql error: %w", err)
}

type dialect struct{}

func (dialect) Name() string { return "mysql" }

func (dialect) CreateStageStatements() []string {
	return []string{
		"DROP TABLE IF EXISTS finance_permission_stage",
		`CREATE TABLE finance_permission_stage (
  mv_id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
  supervisor_id BIGINT UNSIGNED NOT NULL,
  fund_id BIGINT UNSIGNED NOT NULL,
  handle_by BIGINT UNSIGNED NOT NULL,
  handler_name VARCHAR(255),
  department VARCHAR(255),
  order_id BIGINT UNSIGNED,
  customer_id BIGINT UNSIGNED,
  amount DOUBLE NOT NULL DEFAULT 0,
  permission_type ENUM('handle','order','customer') NOT NULL,
  last_updated DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	}
}

func (dialect) LoadDimensionStatement(t permission.Type) string {
	return sqlcommon.LoadDimensionSQL(t)
}

func (dialect) CollapseStatement() string { return sqlcommon.CollapseSQL() }

func (dialect) IndexStatements(stageID string) []string { return sqlcommon.IndexSQL(stageID) }

func (dialect) PublishStatements() []string { return sqlcommon.PublishSQL() }
