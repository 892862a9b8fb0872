// Package materialize drives the bulk snapshot rebuild: stage, load the
// three dimensions, optionally collapse to pairs, index, verify, publish.
// A rebuild runs detached from the request that started it and readers
// keep the previously published snapshot until the swap.
package materialize

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/bjmayor/finance-permission-system/internal/build"
	"github.com/bjmayor/finance-permission-system/internal/concurrency"
	"github.com/bjmayor/finance-permission-system/pkg/logger"
	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

var tracer = otel.Tracer("internal/materialize")

var (
	rebuildsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "snapshot_rebuilds_started_total",
		Help:      "Total number of snapshot rebuilds started.",
	})
	rebuildsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "snapshot_rebuilds_finished_total",
		Help:      "Total number of snapshot rebuilds finished, by outcome.",
	}, []string{"outcome"})
	rebuildInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "snapshot_rebuild_in_flight",
		Help:      "Whether a snapshot rebuild is currently running.",
	})
)

// State is the pipeline phase a rebuild is in.
type State string

const (
	StateStaging       State = "staging"
	StateLoading       State = "loading"
	StateDeduplicating State = "deduplicating"
	StateIndexing      State = "indexing"
	StatePublished     State = "published"
	StateFailed        State = "failed"
)

// RetentionPolicy selects the shape of the published rows.
type RetentionPolicy int

const (
	// RetainTriples keeps one row per (supervisor, fund, type) so reads can
	// filter by dimension without a rebuild.
	RetainTriples RetentionPolicy = iota

	// CollapsePairs rewrites the staged rows to one per (supervisor, fund),
	// trading the per-type breakdown for a smaller snapshot.
	CollapsePairs
)

// Status is the observable progress of one rebuild.
type Status struct {
	RebuildID  string
	State      State
	StartedAt  time.Time
	FinishedAt time.Time

	// RowsByType is the number of rows each dimension loaded.
	RowsByType map[permission.Type]int64

	// RowsCollapsed is the number of duplicate pair rows removed, zero
	// under RetainTriples.
	RowsCollapsed int64

	Error string
}

type run struct {
	status Status
	done   chan struct{}
}

// Pipeline serializes rebuilds and tracks their statuses. At most one
// rebuild is in flight; requesting another while one runs returns the
// running rebuild's id.
type Pipeline struct {
	ds     storage.SnapshotStore
	logger logger.Logger
	policy RetentionPolicy
	maxAge time.Duration

	mu      sync.Mutex
	runs    map[string]*run
	current string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithRetentionPolicy selects RetainTriples or CollapsePairs.
func WithRetentionPolicy(policy RetentionPolicy) Option {
	return func(p *Pipeline) {
		p.policy = policy
	}
}

// WithTimeout bounds a single rebuild. Zero means unbounded.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		p.maxAge = d
	}
}

// New builds a Pipeline over the given snapshot store.
func New(ds storage.SnapshotStore, opts ...Option) *Pipeline {
	p := &Pipeline{
		ds:     ds,
		logger: logger.NewNoopLogger(),
		policy: RetainTriples,
		runs:   make(map[string]*run),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Rebuild starts a snapshot rebuild and returns its id without waiting for
// completion. If a rebuild is already in flight its id is returned instead,
// so concurrent triggers coalesce onto one run. The rebuild is detached
// from ctx: cancelling the originating request does not abort it.
func (p *Pipeline) Rebuild(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != "" {
		return p.current, nil
	}

	id := ulid.Make().String()
	r := &run{
		status: Status{
			RebuildID:  id,
			State:      StateStaging,
			StartedAt:  time.Now().UTC(),
			RowsByType: make(map[permission.Type]int64),
		},
		done: make(chan struct{}),
	}
	p.runs[id] = r
	p.current = id

	rebuildsStarted.Inc()
	rebuildInFlight.Set(1)

	runCtx := context.WithoutCancel(ctx)
	var cancel context.CancelFunc = func() {}
	if p.maxAge > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, p.maxAge)
	}

	go func() {
		defer cancel()
		p.execute(runCtx, r)

		p.mu.Lock()
		p.current = ""
		p.mu.Unlock()

		rebuildInFlight.Set(0)
		close(r.done)
	}()

	return id, nil
}

// Status returns a copy of the status of the given rebuild, or
// storage.ErrNotFound for an unknown id.
func (p *Pipeline) Status(rebuildID string) (Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.runs[rebuildID]
	if !ok {
		return Status{}, storage.ErrNotFound
	}
	st := r.status
	st.RowsByType = make(map[permission.Type]int64, len(r.status.RowsByType))
	for t, n := range r.status.RowsByType {
		st.RowsByType[t] = n
	}
	return st, nil
}

func (p *Pipeline) setState(r *run, s State) {
	p.mu.Lock()
	r.status.State = s
	p.mu.Unlock()
}

func (p *Pipeline) fail(ctx context.Context, r *run, err error) {
	p.logger.ErrorWithContext(ctx, "snapshot rebuild failed",
		zap.String("rebuild_id", r.status.RebuildID),
		zap.String("state", string(r.status.State)),
		zap.Error(err),
	)
	rebuildsFinished.WithLabelValues("failed").Inc()

	p.mu.Lock()
	r.status.State = StateFailed
	r.status.Error = err.Error()
	r.status.FinishedAt = time.Now().UTC()
	p.mu.Unlock()
}

func (p *Pipeline) execute(ctx context.Context, r *run) {
	ctx, span := tracer.Start(ctx, "materialize.execute")
	defer span.End()

	start := time.Now()

	if err := p.ds.StageSnapshot(ctx); err != nil {
		p.fail(ctx, r, fmt.Errorf("stage: %w", err))
		return
	}

	p.setState(r, StateLoading)
	loaded := make(map[permission.Type]int64, len(permission.Types()))
	var loadedMu sync.Mutex

	pool := concurrency.NewPool(ctx, len(permission.Types()))
	for _, t := range permission.Types() {
		t := t
		pool.Go(func(ctx context.Context) error {
			n, err := p.ds.LoadSnapshotDimension(ctx, t)
			if err != nil {
				return fmt.Errorf("load %s dimension: %w", t, err)
			}
			loadedMu.Lock()
			loaded[t] = n
			loadedMu.Unlock()
			return nil
		})
	}
	if err := pool.Wait(); err != nil {
		p.fail(ctx, r, err)
		return
	}

	p.mu.Lock()
	for t, n := range loaded {
		r.status.RowsByType[t] = n
	}
	p.mu.Unlock()

	if p.policy == CollapsePairs {
		p.setState(r, StateDeduplicating)
		removed, err := p.ds.CollapseSnapshotToPairs(ctx)
		if err != nil {
			p.fail(ctx, r, fmt.Errorf("collapse: %w", err))
			return
		}
		p.mu.Lock()
		r.status.RowsCollapsed = removed
		p.mu.Unlock()
	}

	p.setState(r, StateIndexing)
	if err := p.ds.IndexSnapshot(ctx); err != nil {
		p.fail(ctx, r, fmt.Errorf("index: %w", err))
		return
	}

	if err := p.verify(ctx, loaded); err != nil {
		p.fail(ctx, r, err)
		return
	}

	if err := p.ds.PublishSnapshot(ctx, r.status.RebuildID); err != nil {
		p.fail(ctx, r, fmt.Errorf("publish: %w", err))
		return
	}

	p.mu.Lock()
	r.status.State = StatePublished
	r.status.FinishedAt = time.Now().UTC()
	p.mu.Unlock()

	rebuildsFinished.WithLabelValues("published").Inc()
	p.logger.InfoWithContext(ctx, "snapshot rebuild published",
		zap.String("rebuild_id", r.status.RebuildID),
		zap.Duration("took", time.Since(start)),
		zap.Int64("handle_rows", loaded[permission.TypeHandle]),
		zap.Int64("order_rows", loaded[permission.TypeOrder]),
		zap.Int64("customer_rows", loaded[permission.TypeCustomer]),
	)
}

// verify cross-checks the staged row counts against what the load phase
// reported before the snapshot becomes visible. Under CollapsePairs the
// per-type breakdown no longer exists, so only totals are compared.
func (p *Pipeline) verify(ctx context.Context, loaded map[permission.Type]int64) error {
	staged, err := p.ds.StagedSnapshotCountsByType(ctx)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	if p.policy == CollapsePairs {
		var stagedTotal, loadedTotal int64
		for _, n := range staged {
			stagedTotal += n
		}
		for _, n := range loaded {
			loadedTotal += n
		}
		if stagedTotal > loadedTotal {
			return fmt.Errorf("verify: staged %d rows exceed %d loaded", stagedTotal, loadedTotal)
		}
		return nil
	}

	for _, t := range permission.Types() {
		if staged[t] != loaded[t] {
			return fmt.Errorf("verify: %s dimension staged %d rows, loaded %d", t, staged[t], loaded[t])
		}
	}
	return nil
}
