// Package sqlite provides the SQLite-backed [storage.FinanceDatastore],
// used for single-node deployments and local development.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	_ "modernc.org/sqlite" // cgo-free sqlite driver

	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
	"github.com/bjmayor/finance-permission-system/pkg/storage/sqlcommon"
)

// Datastore is a SQLite implementation of storage.FinanceDatastore.
type Datastore struct {
	*sqlcommon.Datastore

	db *sql.DB
}

var _ storage.FinanceDatastore = (*Datastore)(nil)

// PrepareDSN enables WAL journaling and busy-timeout defaults unless the
// caller already set them, so concurrent readers survive the bulk loads.
func PrepareDSN(uri string) (string, error) {
	if !strings.Contains(uri, "?") {
		uri += "?"
	}
	query, err := url.ParseQuery(strings.SplitN(uri, "?", 2)[1])
	if err != nil {
		return uri, err
	}
	foundJournalMode := false
	foundBusyTimeout := false
	for _, pragma := range query["_pragma"] {
		if strings.HasPrefix(pragma, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(pragma, "busy_timeout") {
			foundBusyTimeout = true
		}
	}
	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}
	return strings.SplitN(uri, "?", 2)[0] + "?" + query.Encode(), nil
}

// New creates a new [Datastore] storage.
func New(uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}
	return NewWithDB(db, cfg)
}

// NewWithDB creates a new [Datastore] storage with the provided database
// connection.
func NewWithDB(db *sql.DB, cfg *sqlcommon.Config) (*Datastore, error) {
	stbl := sq.StatementBuilder.RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl, HandleSQLError, "sqlite3")

	return &Datastore{
		Datastore: sqlcommon.NewDatastore(dbInfo, dialect{}, cfg),
		db:        db,
	}, nil
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

func (dialect) Name() string { return "sqlite3" }

func (dialect) CreateStageStatements() []string {
	return []string{
		"DROP TABLE IF EXISTS finance_permission_stage",
		`CREATE TABLE finance_permission_stage (
  mv_id INTEGER PRIMARY KEY AUTOINCREMENT,
  supervisor_id INTEGER NOT NULL,
  fund_id INTEGER NOT NULL,
  handle_by INTEGER NOT NULL,
  handler_name TEXT,
  department TEXT,
  order_id INTEGER,
  customer_id INTEGER,
  amount REAL NOT NULL DEFAULT 0,
  permission_type TEXT NOT NULL CHECK (permission_type IN ('handle','order','customer')),
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
