// Package resolver expands a user closure into the funds it may view,
// one dimension at a time. Handle access is a direct handler match; order
// and customer access resolve in two stages, closure to intermediate ids
// to funds, with every stage batched.
package resolver

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/bjmayor/finance-permission-system/internal/batch"
	"github.com/bjmayor/finance-permission-system/internal/build"
	"github.com/bjmayor/finance-permission-system/internal/concurrency"
	"github.com/bjmayor/finance-permission-system/pkg/logger"
	"github.com/bjmayor/finance-permission-system/pkg/permission"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

var tracer = otel.Tracer("internal/resolver")

var factsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: build.ProjectName,
	Name:      "facts_resolved_total",
	Help:      "Total number of access facts resolved, by permission type.",
}, []string{"permission_type"})

// Sink receives resolved facts. Implementations must be safe for
// concurrent use and idempotent per (fund, type): dimensions and batches
// merge into it in no particular order.
type Sink interface {
	Add(f storage.Fund, t permission.Type)
}

// Resolver runs the per-dimension expansions over a relation source.
type Resolver struct {
	ds     storage.RelationReader
	coord  *batch.Coordinator
	logger logger.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCoordinator replaces the batch coordinator.
func WithCoordinator(c *batch.Coordinator) Option {
	return func(r *Resolver) {
		r.coord = c
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// New builds a Resolver over ds.
func New(ds storage.RelationReader, opts ...Option) *Resolver {
	r := &Resolver{
		ds:     ds,
		coord:  batch.NewCoordinator(),
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ResolveHandle adds a fact for every fund handled by a member of userIDs.
func (r *Resolver) ResolveHandle(ctx context.Context, userIDs []uint64, sink Sink) error {
	ctx, span := tracer.Start(ctx, "resolver.ResolveHandle")
	defer span.End()

	err := r.coord.Run(ctx, userIDs, func(ctx context.Context, chunk []uint64) error {
		funds, err := r.ds.ListFundsByHandlers(ctx, chunk)
		if err != nil {
			return err
		}
		for _, f := range funds {
			sink.Add(f, permission.TypeHandle)
		}
		factsResolved.WithLabelValues(permission.TypeHandle.String()).Add(float64(len(funds)))
		return nil
	})
	if err != nil {
		return fmt.Errorf("resolve handle dimension: %w", err)
	}
	return nil
}

// ResolveOrder adds a fact for every fund attached to an order owned by a
// member of userIDs.
func (r *Resolver) ResolveOrder(ctx context.Context, userIDs []uint64, sink Sink) error {
	ctx, span := tracer.Start(ctx, "resolver.ResolveOrder")
	defer span.End()

	orderIDs, err := r.expand(ctx, userIDs, r.ds.ListOrderIDsByOwners)
	if err != nil {
		return fmt.Errorf("resolve order dimension: owners: %w", err)
	}

	err = r.resolveFunds(ctx, orderIDs, r.ds.ListFundsByOrderIDs, permission.TypeOrder, sink)
	if err != nil {
		return fmt.Errorf("resolve order dimension: funds: %w", err)
	}
	return nil
}

// ResolveCustomer adds a fact for every fund attached to a customer
// administered by a member of userIDs.
func (r *Resolver) ResolveCustomer(ctx context.Context, userIDs []uint64, sink Sink) error {
	ctx, span := tracer.Start(ctx, "resolver.ResolveCustomer")
	defer span.End()

	customerIDs, err := r.expand(ctx, userIDs, r.ds.ListCustomerIDsByAdmins)
	if err != nil {
		return fmt.Errorf("resolve customer dimension: admins: %w", err)
	}

	err = r.resolveFunds(ctx, customerIDs, r.ds.ListFundsByCustomerIDs, permission.TypeCustomer, sink)
	if err != nil {
		return fmt.Errorf("resolve customer dimension: funds: %w", err)
	}
	return nil
}

// ResolveAll runs the three dimensions concurrently against the same sink.
// The sink's idempotence makes the merge order irrelevant; a fund reachable
// through several dimensions surfaces once, carrying every type that
// reached it.
func (r *Resolver) ResolveAll(ctx context.Context, userIDs []uint64, sink Sink) error {
	ctx, span := tracer.Start(ctx, "resolver.ResolveAll")
	defer span.End()

	p := concurrency.NewPool(ctx, len(permission.Types()))
	p.Go(func(ctx context.Context) error {
		return r.ResolveHandle(ctx, userIDs, sink)
	})
	p.Go(func(ctx context.Context) error {
		return r.ResolveOrder(ctx, userIDs, sink)
	})
	p.Go(func(ctx context.Context) error {
		return r.ResolveCustomer(ctx, userIDs, sink)
	})
	return p.Wait()
}

// Resolve runs a single dimension.
func (r *Resolver) Resolve(ctx context.Context, t permission.Type, userIDs []uint64, sink Sink) error {
	switch t {
	case permission.TypeHandle:
		return r.ResolveHandle(ctx, userIDs, sink)
	case permission.TypeOrder:
		return r.ResolveOrder(ctx, userIDs, sink)
	case permission.TypeCustomer:
		return r.ResolveCustomer(ctx, userIDs, sink)
	default:
		return fmt.Errorf("unknown permission type: %d", t)
	}
}

// expand batches userIDs through lookup and concatenates the intermediate
// ids. Owner chunks are disjoint and each intermediate row has exactly one
// owner, so the concatenation carries no duplicates.
func (r *Resolver) expand(ctx context.Context, userIDs []uint64, lookup func(ctx context.Context, ids []uint64) ([]uint64, error)) ([]uint64, error) {
	var mu sync.Mutex
	var out []uint64

	err := r.coord.Run(ctx, userIDs, func(ctx context.Context, chunk []uint64) error {
		ids, err := lookup(ctx, chunk)
		if err != nil {
			return err
		}
		mu.Lock()
		out = append(out, ids...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Resolver) resolveFunds(ctx context.Context, ids []uint64, lookup func(ctx context.Context, ids []uint64) ([]storage.Fund, error), t permission.Type, sink Sink) error {
	return r.coord.Run(ctx, ids, func(ctx context.Context, chunk []uint64) error {
		funds, err := lookup(ctx, chunk)
		if err != nil {
			return err
		}
		for _, f := range funds {
			sink.Add(f, t)
		}
		factsResolved.WithLabelValues(t.String()).Add(float64(len(funds)))
		return nil
	})
}
