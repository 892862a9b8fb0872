// Package server implements the permission resolution API: real-time
// hierarchy-aware access resolution, bulk snapshot rebuilds and revocation.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/bjmayor/finance-permission-system/internal/accessset"
	"github.com/bjmayor/finance-permission-system/internal/batch"
	"github.com/bjmayor/finance-permission-system/internal/build"
	"github.com/bjmayor/finance-permission-system/internal/hierarchy"
	"github.com/bjmayor/finance-permission-system/internal/materialize"
	"github.com/bjmayor/finance-permission-system/internal/resolver"
	"github.com/bjmayor/finance-permission-system/pkg/logger"
	"github.com/bjmayor/finance-permission-system/pkg/permission"
	serverErrors "github.com/bjmayor/finance-permission-system/pkg/server/errors"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

var tracer = otel.Tracer("pkg/server")

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: build.ProjectName,
	Name:      "request_duration_seconds",
	Help:      "Duration of API requests.",
	Buckets:   prometheus.DefBuckets,
}, []string{"method"})

// Server is the resolution engine behind every transport.
type Server struct {
	ds        storage.FinanceDatastore
	hierarchy *hierarchy.Reader
	resolver  *resolver.Resolver
	pipeline  *materialize.Pipeline
	logger    logger.Logger

	maxDepth  int
	batchSize int
	retention materialize.RetentionPolicy
	cacheTTL  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMaxHierarchyDepth bounds closure expansion. Zero means unbounded.
func WithMaxHierarchyDepth(depth int) Option {
	return func(s *Server) {
		s.maxDepth = depth
	}
}

// WithBatchSize overrides the lookup chunk ceiling.
func WithBatchSize(n int) Option {
	return func(s *Server) {
		s.batchSize = n
	}
}

// WithRetentionPolicy selects the snapshot row shape.
func WithRetentionPolicy(p materialize.RetentionPolicy) Option {
	return func(s *Server) {
		s.retention = p
	}
}

// WithHierarchyCacheTTL overrides the closure cache freshness window.
func WithHierarchyCacheTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.cacheTTL = ttl
	}
}

// New builds a Server over the given datastore.
func New(ds storage.FinanceDatastore, opts ...Option) (*Server, error) {
	s := &Server{
		ds:        ds,
		logger:    logger.NewNoopLogger(),
		batchSize: storage.DefaultBatchSize,
		retention: materialize.RetainTriples,
	}

	for _, opt := range opts {
		opt(s)
	}

	hierarchyOpts := []hierarchy.ReaderOption{hierarchy.WithLogger(s.logger)}
	if s.cacheTTL > 0 {
		hierarchyOpts = append(hierarchyOpts, hierarchy.WithCacheTTL(s.cacheTTL))
	}
	reader, err := hierarchy.NewReader(ds, hierarchyOpts...)
	if err != nil {
		return nil, err
	}
	s.hierarchy = reader

	s.resolver = resolver.New(ds,
		resolver.WithLogger(s.logger),
		resolver.WithCoordinator(batch.NewCoordinator(
			batch.WithBatchSize(s.batchSize),
			batch.WithLogger(s.logger),
		)),
	)
	s.pipeline = materialize.New(ds,
		materialize.WithLogger(s.logger),
		materialize.WithRetentionPolicy(s.retention),
	)

	return s, nil
}

// Close releases server resources. The datastore is owned by the caller.
func (s *Server) Close() {
	s.hierarchy.Close()
}

// IsReady reports whether the server can take traffic.
func (s *Server) IsReady(ctx context.Context) (bool, error) {
	status, err := s.ds.IsReady(ctx)
	if err != nil {
		return false, err
	}
	return status.IsReady, nil
}

// ResolveAccessRequest asks for the funds a user may view.
type ResolveAccessRequest struct {
	UserID uint64

	// Types restricts the dimensions consulted; empty means all three.
	Types []permission.Type

	Page     int
	PageSize int
	SortBy   string
	Order    string

	// MaxDepth bounds the closure for this request only; zero defers to the
	// server-wide setting.
	MaxDepth int

	// PreferSnapshot reads from the published snapshot when the user is a
	// supervisor and one exists, falling back to live resolution otherwise.
	PreferSnapshot bool
}

// AccessRecord is one visible fund with its denormalized handler fields and
// every permission type that granted access.
type AccessRecord struct {
	FundID          uint64   `json:"fund_id"`
	OrderID         uint64   `json:"order_id,omitempty"`
	CustomerID      uint64   `json:"customer_id,omitempty"`
	Amount          float64  `json:"amount"`
	HandleBy        uint64   `json:"handle_by"`
	HandlerName     string   `json:"handler_name"`
	Department      string   `json:"department,omitempty"`
	PermissionTypes []string `json:"permission_types"`
}

// ResolveAccessResponse is a page of the deduplicated access set.
type ResolveAccessResponse struct {
	UserID     uint64         `json:"user_id"`
	Role       storage.Role   `json:"role"`
	Records    []AccessRecord `json:"records"`
	Total      int            `json:"total"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
	Source     string         `json:"source"`
	TookMillis int64          `json:"took_ms"`
}

const (
	sourceLive     = "live"
	sourceSnapshot = "snapshot"
)

// ResolveAccess computes the deduplicated, paginated set of funds the user
// may view. Admins see everything, supervisors see their closure's funds,
// staff see their own. The answer is complete or an error, never silently
// partial.
func (s *Server) ResolveAccess(ctx context.Context, req *ResolveAccessRequest) (*ResolveAccessResponse, error) {
	ctx, span := tracer.Start(ctx, "server.ResolveAccess")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("ResolveAccess").Observe(time.Since(start).Seconds())
	}()

	if req.UserID == 0 {
		return nil, serverErrors.InvalidArgument("user_id is required")
	}
	if req.PageSize > storage.MaxPageSize {
		return nil, serverErrors.InvalidArgument("page_size exceeds the maximum of %d", storage.MaxPageSize)
	}
	page, pageSize := req.Page, req.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = storage.DefaultPageSize
	}
	sortKey, err := accessset.ParseSortKey(req.SortBy)
	if err != nil {
		return nil, serverErrors.InvalidArgument("%v", err)
	}
	sortOrder, err := accessset.ParseSortOrder(req.Order)
	if err != nil {
		return nil, serverErrors.InvalidArgument("%v", err)
	}
	for _, t := range req.Types {
		if !t.IsValid() {
			return nil, serverErrors.InvalidArgument("unknown permission type: %d", t)
		}
	}

	user, err := s.ds.GetUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, serverErrors.UserNotFound(req.UserID)
		}
		return nil, serverErrors.Internal(err)
	}

	set := accessset.NewStore()
	defer set.Release()

	source := sourceLive
	if s.tryResolveFromSnapshot(ctx, req, user, set) {
		source = sourceSnapshot
	} else if err := s.resolveLive(ctx, req, user, set); err != nil {
		return nil, err
	}

	records, total := set.Page(sortKey, sortOrder, page, pageSize)

	resp := &ResolveAccessResponse{
		UserID:     user.ID,
		Role:       user.Role,
		Records:    make([]AccessRecord, 0, len(records)),
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		Source:     source,
		TookMillis: time.Since(start).Milliseconds(),
	}
	for _, r := range records {
		resp.Records = append(resp.Records, AccessRecord{
			FundID:          r.FundID,
			OrderID:         r.OrderID,
			CustomerID:      r.CustomerID,
			Amount:          r.Amount,
			HandleBy:        r.HandleBy,
			HandlerName:     r.HandlerName,
			Department:      r.Department,
			PermissionTypes: r.Types.Strings(),
		})
	}

	s.logger.DebugWithContext(ctx, "access resolved",
		zap.Uint64("user_id", user.ID),
		zap.String("role", string(user.Role)),
		zap.String("source", source),
		zap.Int("total", total),
		zap.Duration("took", time.Since(start)),
	)
	return resp, nil
}

// tryResolveFromSnapshot serves a supervisor from the published snapshot.
// It reports false when the snapshot path does not apply, in which case the
// set is untouched and live resolution proceeds.
func (s *Server) tryResolveFromSnapshot(ctx context.Context, req *ResolveAccessRequest, user *storage.User, set *accessset.Store) bool {
	if !req.PreferSnapshot || user.Role != storage.RoleSupervisor {
		return false
	}

	var typeFilter *permission.Type
	if len(req.Types) == 1 {
		typeFilter = &req.Types[0]
	}

	facts, err := s.ds.ListSnapshotFacts(ctx, user.ID, typeFilter)
	if err != nil {
		if !errors.Is(err, storage.ErrNoPublishedSnapshot) {
			s.logger.WarnWithContext(ctx, "snapshot read failed, falling back to live resolution",
				zap.Uint64("user_id", user.ID), zap.Error(err))
		}
		return false
	}

	wanted := permission.Mask(0)
	for _, t := range req.Types {
		wanted = wanted.With(t)
	}
	for _, f := range facts {
		if wanted != 0 && !wanted.Has(f.Type) {
			continue
		}
		set.AddFact(f)
	}
	return true
}

func (s *Server) resolveLive(ctx context.Context, req *ResolveAccessRequest, user *storage.User, set *accessset.Store) error {
	closure, err := s.closureFor(ctx, req, user)
	if err != nil {
		return err
	}

	if len(req.Types) == 0 {
		if err := s.resolver.ResolveAll(ctx, closure, set); err != nil {
			return serverErrors.FromResolution(err)
		}
		return nil
	}
	for _, t := range req.Types {
		if err := s.resolver.Resolve(ctx, t, closure, set); err != nil {
			return serverErrors.FromResolution(err)
		}
	}
	return nil
}

// closureFor expands the user identity into the set of user ids whose funds
// are in scope, per role.
func (s *Server) closureFor(ctx context.Context, req *ResolveAccessRequest, user *storage.User) ([]uint64, error) {
	switch user.Role {
	case storage.RoleAdmin:
		ids, err := s.ds.ListUserIDs(ctx)
		if err != nil {
			return nil, serverErrors.Internal(err)
		}
		return ids, nil
	case storage.RoleSupervisor:
		maxDepth := req.MaxDepth
		if maxDepth == 0 {
			maxDepth = s.maxDepth
		}
		subs, err := s.hierarchy.SubordinatesOf(ctx, user.ID, maxDepth)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, serverErrors.UserNotFound(user.ID)
			}
			return nil, serverErrors.Internal(err)
		}
		return subs, nil
	default:
		// staff scope is reflexive: their own funds only
		return []uint64{user.ID}, nil
	}
}

// RebuildResponse reports the rebuild a trigger mapped onto.
type RebuildResponse struct {
	RebuildID string `json:"rebuild_id"`
	State     string `json:"state"`
}

// RebuildSnapshot starts a bulk snapshot rebuild, or returns the one
// already running. It never waits for completion.
func (s *Server) RebuildSnapshot(ctx context.Context) (*RebuildResponse, error) {
	ctx, span := tracer.Start(ctx, "server.RebuildSnapshot")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("RebuildSnapshot").Observe(time.Since(start).Seconds())
	}()

	id, err := s.pipeline.Rebuild(ctx)
	if err != nil {
		return nil, serverErrors.Internal(err)
	}
	st, err := s.pipeline.Status(id)
	if err != nil {
		return nil, serverErrors.Internal(err)
	}
	return &RebuildResponse{RebuildID: id, State: string(st.State)}, nil
}

// RebuildStatusResponse is the observable progress of one rebuild.
type RebuildStatusResponse struct {
	RebuildID     string           `json:"rebuild_id"`
	State         string           `json:"state"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
	RowsByType    map[string]int64 `json:"rows_by_type"`
	RowsCollapsed int64            `json:"rows_collapsed,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// RebuildStatus reports the state of a rebuild by id.
func (s *Server) RebuildStatus(ctx context.Context, rebuildID string) (*RebuildStatusResponse, error) {
	_, span := tracer.Start(ctx, "server.RebuildStatus")
	defer span.End()

	st, err := s.pipeline.Status(rebuildID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, serverErrors.RebuildNotFound(rebuildID)
		}
		return nil, serverErrors.Internal(err)
	}

	resp := &RebuildStatusResponse{
		RebuildID:     st.RebuildID,
		State:         string(st.State),
		StartedAt:     st.StartedAt,
		RowsByType:    make(map[string]int64, len(st.RowsByType)),
		RowsCollapsed: st.RowsCollapsed,
		Error:         st.Error,
	}
	if !st.FinishedAt.IsZero() {
		finished := st.FinishedAt
		resp.FinishedAt = &finished
	}
	for t, n := range st.RowsByType {
		resp.RowsByType[t.String()] = n
	}
	return resp, nil
}

// RevokeResponse reports the blast radius of a revocation.
type RevokeResponse struct {
	FundID              uint64 `json:"fund_id"`
	SupervisorsAffected int64  `json:"supervisors_affected"`
}

// Revoke removes every published access fact for the fund. Revoking a fund
// nobody can see succeeds with zero affected supervisors.
func (s *Server) Revoke(ctx context.Context, fundID uint64) (*RevokeResponse, error) {
	ctx, span := tracer.Start(ctx, "server.Revoke")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("Revoke").Observe(time.Since(start).Seconds())
	}()

	if fundID == 0 {
		return nil, serverErrors.InvalidArgument("fund_id is required")
	}

	affected, err := s.ds.RevokeFund(ctx, fundID)
	if err != nil {
		if errors.Is(err, storage.ErrNoPublishedSnapshot) {
			return nil, serverErrors.SnapshotUnavailable(err)
		}
		return nil, serverErrors.Internal(err)
	}

	s.logger.InfoWithContext(ctx, "fund access revoked",
		zap.Uint64("fund_id", fundID),
		zap.Int64("supervisors_affected", affected),
	)
	return &RevokeResponse{FundID: fundID, SupervisorsAffected: affected}, nil
}
