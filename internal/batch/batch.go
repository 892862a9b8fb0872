// Package batch bounds the size of identifier sets handed to storage
// lookups. An unbounded subordinate set cannot be passed as a single filter
// condition without risking statement-size ceilings in the underlying store,
// so the coordinator partitions it into chunks of at most batchSize and
// dispatches them on a bounded worker pool.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/bjmayor/finance-permission-system/internal/build"
	"github.com/bjmayor/finance-permission-system/internal/concurrency"
	"github.com/bjmayor/finance-permission-system/pkg/logger"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

const (
	// DefaultBatchSize keeps a single lookup well under common
	// placeholder-count limits.
	DefaultBatchSize = 1000

	// DefaultMaxWorkers bounds concurrent chunks per dimension so a wide
	// hierarchy cannot saturate the shared store.
	DefaultMaxWorkers = 4

	// DefaultMaxRetries is the per-chunk retry budget for transient errors.
	DefaultMaxRetries = 3

	defaultInitialInterval = 10 * time.Millisecond
)

var (
	batchesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "batches_dispatched_total",
		Help:      "Total number of identifier batches dispatched to storage.",
	})
	batchRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "batch_retries_total",
		Help:      "Total number of per-batch retry attempts after a transient failure.",
	})
	batchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "batch_failures_total",
		Help:      "Total number of batches that failed after retry exhaustion.",
	})
)

// FailurePolicy selects how the coordinator reacts when a chunk fails after
// retry exhaustion.
type FailurePolicy int

const (
	// FailFast cancels sibling chunks on the first exhausted failure.
	// The request path uses this: a partial authorization answer is never
	// returned as if complete.
	FailFast FailurePolicy = iota

	// Collect lets sibling chunks finish and reports every failure at the
	// end, used where a degraded answer is diagnosable (verification runs).
	Collect
)

// ChunkError describes one chunk that failed after retry exhaustion.
type ChunkError struct {
	// Offset is the index of the first identifier of the chunk in the input.
	Offset int
	// Size is the number of identifiers in the chunk.
	Size int
	Err  error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("batch at offset %d (%d ids): %v", e.Offset, e.Size, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// PartialError reports that some chunks failed while others succeeded.
// Callers must not treat the accumulated result as a complete answer.
type PartialError struct {
	Failed    []*ChunkError
	Succeeded int
	Total     int
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("partial result: %d/%d batches failed", len(e.Failed), e.Total)
}

// Coordinator partitions identifier sets and runs per-chunk lookups.
type Coordinator struct {
	batchSize       int
	maxWorkers      int
	maxRetries      uint64
	initialInterval time.Duration
	policy          FailurePolicy
	logger          logger.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithBatchSize sets the chunk ceiling.
func WithBatchSize(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithMaxWorkers sets the concurrent chunk limit.
func WithMaxWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxWorkers = n
		}
	}
}

// WithMaxRetries sets the per-chunk retry budget.
func WithMaxRetries(n uint64) Option {
	return func(c *Coordinator) {
		c.maxRetries = n
	}
}

// WithInitialRetryInterval sets the first backoff interval.
func WithInitialRetryInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.initialInterval = d
	}
}

// WithFailurePolicy selects FailFast or Collect.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// NewCoordinator builds a Coordinator with the given options.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		batchSize:       DefaultBatchSize,
		maxWorkers:      DefaultMaxWorkers,
		maxRetries:      DefaultMaxRetries,
		initialInterval: defaultInitialInterval,
		policy:          FailFast,
		logger:          logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BatchSize exposes the configured chunk ceiling.
func (c *Coordinator) BatchSize() int {
	return c.batchSize
}

// Partition splits ids into consecutive chunks of at most size elements.
// The input order is preserved; the result aliases the input slice.
func Partition(ids []uint64, size int) [][]uint64 {
	if size <= 0 || len(ids) == 0 {
		return nil
	}
	chunks := make([][]uint64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

// Run partitions ids and invokes fn once per chunk, at most maxWorkers
// concurrently. fn must merge its own results into a shared, idempotent
// accumulator; merge order across chunks carries no meaning.
func (c *Coordinator) Run(ctx context.Context, ids []uint64, fn func(ctx context.Context, chunk []uint64) error) error {
	chunks := Partition(ids, c.batchSize)
	if len(chunks) == 0 {
		return nil
	}

	switch c.policy {
	case Collect:
		return c.runCollect(ctx, chunks, fn)
	default:
		return c.runFailFast(ctx, chunks, fn)
	}
}

func (c *Coordinator) runFailFast(ctx context.Context, chunks [][]uint64, fn func(ctx context.Context, chunk []uint64) error) error {
	p := concurrency.NewPool(ctx, c.maxWorkers)
	offset := 0
	for _, chunk := range chunks {
		chunk := chunk
		chunkOffset := offset
		offset += len(chunk)

		p.Go(func(ctx context.Context) error {
			if err := c.runChunk(ctx, chunk, fn); err != nil {
				return &ChunkError{Offset: chunkOffset, Size: len(chunk), Err: err}
			}
			return nil
		})
	}
	return p.Wait()
}

func (c *Coordinator) runCollect(ctx context.Context, chunks [][]uint64, fn func(ctx context.Context, chunk []uint64) error) error {
	p := concurrency.NewCollectingPool(ctx, c.maxWorkers)

	failures := make([]*ChunkError, len(chunks))
	offset := 0
	for i, chunk := range chunks {
		i, chunk := i, chunk
		chunkOffset := offset
		offset += len(chunk)

		p.Go(func(ctx context.Context) error {
			if err := c.runChunk(ctx, chunk, fn); err != nil {
				failures[i] = &ChunkError{Offset: chunkOffset, Size: len(chunk), Err: err}
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	var failed []*ChunkError
	for _, f := range failures {
		if f != nil {
			failed = append(failed, f)
		}
	}
	if len(failed) > 0 {
		return &PartialError{
			Failed:    failed,
			Succeeded: len(chunks) - len(failed),
			Total:     len(chunks),
		}
	}
	return nil
}

func (c *Coordinator) runChunk(ctx context.Context, chunk []uint64, fn func(ctx context.Context, chunk []uint64) error) error {
	batchesDispatched.Inc()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialInterval

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			batchRetries.Inc()
		}
		err := fn(ctx, chunk)
		if err != nil {
			c.logger.WarnWithContext(ctx, "batch lookup failed",
				zap.Int("attempt", attempt),
				zap.Int("batch_size", len(chunk)),
				zap.Error(err),
			)
			if !retryable(err) {
				return backoff.Permanent(err)
			}
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx))
	if err != nil {
		batchFailures.Inc()
	}
	return err
}

// retryable reports whether a chunk error can heal on retry. A rejected
// batch shape or a missing row is a stable answer from the store, not a
// transient fault, and retrying it only burns the budget.
func retryable(err error) bool {
	switch {
	case errors.Is(err, storage.ErrBatchTooLarge),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}
