// Package storage declares the datastore contract consumed by the
// permission resolution engine and the bulk materialization pipeline.
package storage

import (
	"context"
	"time"

	"github.com/bjmayor/finance-permission-system/pkg/permission"
)

const (
	// DefaultPageSize is the page size applied when a request does not set one.
	DefaultPageSize = 50

	// MaxPageSize bounds a single page of results.
	MaxPageSize = 1000

	// DefaultBatchSize is the ceiling on identifiers passed to a single
	// set-membership lookup. Large IN-lists are split into chunks of at most
	// this size before they reach an engine.
	DefaultBatchSize = 1000
)

// Role is the coarse user role that selects how the closure is expanded.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleStaff      Role = "staff"
)

// User is an organizational member. ParentID of zero means no supervisor.
type User struct {
	ID         uint64
	Name       string
	Role       Role
	Department string
	ParentID   uint64
}

// Fund is a financial record together with the denormalized handler fields
// needed for display. OrderID and CustomerID are zero when absent.
type Fund struct {
	FundID      uint64
	HandleBy    uint64
	OrderID     uint64
	CustomerID  uint64
	Amount      float64
	HandlerName string
	Department  string
}

// AccessFact is a single (supervisor, fund, permission type) authorization
// tuple. In the real-time path facts live only for the request; in the bulk
// path they are persisted as snapshot rows.
type AccessFact struct {
	SupervisorID uint64
	Fund         Fund
	Type         permission.Type
	LastUpdated  time.Time
}

// HierarchyReader provides read-only access to the precomputed
// reflexive-transitive supervisor closure.
type HierarchyReader interface {
	// GetUser returns ErrNotFound when no user with the id exists.
	GetUser(ctx context.Context, id uint64) (*User, error)

	// SubordinatesOf returns the reflexive-transitive closure of supervisorID,
	// always including supervisorID itself. maxDepth of zero means unbounded.
	// It returns ErrNotFound only when the supervisor identity itself is
	// absent; an empty hierarchy yields the singleton {supervisorID}.
	SubordinatesOf(ctx context.Context, supervisorID uint64, maxDepth int) ([]uint64, error)

	// ListUserIDs returns every user id, used for admin-scope resolution.
	ListUserIDs(ctx context.Context) ([]uint64, error)
}

// RelationReader provides the bounded set-membership lookups the three
// dimension resolvers are built on. Callers guarantee the identifier slices
// respect the configured batch ceiling; implementations never re-chunk.
type RelationReader interface {
	// ListFundsByHandlers returns funds whose handler is in handlerIDs.
	ListFundsByHandlers(ctx context.Context, handlerIDs []uint64) ([]Fund, error)

	// ListOrderIDsByOwners returns ids of orders owned by any of ownerIDs.
	ListOrderIDsByOwners(ctx context.Context, ownerIDs []uint64) ([]uint64, error)

	// ListFundsByOrderIDs returns funds attached to any of orderIDs.
	ListFundsByOrderIDs(ctx context.Context, orderIDs []uint64) ([]Fund, error)

	// ListCustomerIDsByAdmins returns ids of customers administered by any of adminIDs.
	ListCustomerIDsByAdmins(ctx context.Context, adminIDs []uint64) ([]uint64, error)

	// ListFundsByCustomerIDs returns funds attached to any of customerIDs.
	ListFundsByCustomerIDs(ctx context.Context, customerIDs []uint64) ([]Fund, error)
}

// SnapshotStore manages the durable materialization of the access relation.
// The staged snapshot is never visible to readers until Publish succeeds;
// a failed rebuild leaves the previously published snapshot untouched.
type SnapshotStore interface {
	// StageSnapshot allocates a fresh, index-free staging area, discarding
	// any leftovers from an aborted rebuild.
	StageSnapshot(ctx context.Context) error

	// LoadSnapshotDimension appends, for every supervisor at once, the access
	// facts of a single dimension to the staging area and returns the number
	// of rows written.
	LoadSnapshotDimension(ctx context.Context, t permission.Type) (int64, error)

	// CollapseSnapshotToPairs rewrites the staging area to one row per
	// (supervisor, fund) pair, dropping the per-type breakdown. Returns the
	// number of rows removed.
	CollapseSnapshotToPairs(ctx context.Context) (int64, error)

	// IndexSnapshot builds the read-path indexes over the staging area.
	// Deferred until after loading: index maintenance during row-by-row
	// insertion dominates pipeline time at these volumes.
	IndexSnapshot(ctx context.Context) error

	// StagedSnapshotCountsByType reports per-dimension row counts of the
	// staging area, used to verify a rebuild before publication.
	StagedSnapshotCountsByType(ctx context.Context) (map[permission.Type]int64, error)

	// PublishSnapshot atomically swaps the staged snapshot into the published
	// position identified by generationID, replacing any prior snapshot.
	PublishSnapshot(ctx context.Context, generationID string) error

	// HasSnapshot reports whether a published snapshot exists.
	HasSnapshot(ctx context.Context) (bool, error)

	// ListSnapshotFacts returns the published facts for one supervisor,
	// optionally restricted to a single dimension (nil means all).
	ListSnapshotFacts(ctx context.Context, supervisorID uint64, typeFilter *permission.Type) ([]AccessFact, error)

	// SnapshotCountsByType reports per-dimension row counts of the published
	// snapshot.
	SnapshotCountsByType(ctx context.Context) (map[permission.Type]int64, error)

	// RevokeFund deletes every published access fact referencing fundID and
	// returns the number of distinct supervisors that lost access.
	RevokeFund(ctx context.Context, fundID uint64) (int64, error)
}

// ReadinessStatus expresses the readiness of a datastore.
type ReadinessStatus struct {
	// Message is a human-friendly status message, may be empty.
	Message string

	IsReady bool
}

// FinanceDatastore is the full storage contract of the system.
type FinanceDatastore interface {
	HierarchyReader
	RelationReader
	SnapshotStore

	// IsReady reports whether the datastore is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close releases any resources held by the datastore.
	Close()
}
