// Package hierarchy reads the precomputed supervisor closure and fronts it
// with a small read-through cache, since the same supervisor's closure is
// requested on every resolution for that supervisor.
package hierarchy

import (
	"context"
	"strconv"
	"time"

	"github.com/Yiling-J/theine-go"
	"go.opentelemetry.io/otel"

	"github.com/bjmayor/finance-permission-system/pkg/logger"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

var tracer = otel.Tracer("internal/hierarchy")

const (
	defaultCacheSize = 10_000
	defaultCacheTTL  = 10 * time.Second
)

// Reader resolves the reflexive-transitive subordinate set of a supervisor.
type Reader struct {
	ds       storage.HierarchyReader
	logger   logger.Logger
	cache    *theine.Cache[string, []uint64]
	cacheTTL time.Duration
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) ReaderOption {
	return func(r *Reader) {
		r.logger = l
	}
}

// WithCacheTTL overrides how long a cached closure stays fresh.
func WithCacheTTL(ttl time.Duration) ReaderOption {
	return func(r *Reader) {
		r.cacheTTL = ttl
	}
}

// NewReader builds a Reader over the given closure source.
func NewReader(ds storage.HierarchyReader, opts ...ReaderOption) (*Reader, error) {
	r := &Reader{
		ds:       ds,
		logger:   logger.NewNoopLogger(),
		cacheTTL: defaultCacheTTL,
	}

	for _, opt := range opts {
		opt(r)
	}

	cache, err := theine.NewBuilder[string, []uint64](defaultCacheSize).Build()
	if err != nil {
		return nil, err
	}
	r.cache = cache

	return r, nil
}

// Close releases the cache resources.
func (r *Reader) Close() {
	r.cache.Close()
}

func cacheKey(supervisorID uint64, maxDepth int) string {
	return strconv.FormatUint(supervisorID, 10) + ":" + strconv.Itoa(maxDepth)
}

// SubordinatesOf returns the reflexive-transitive closure of supervisorID,
// including supervisorID itself. maxDepth of zero means unbounded. A missing
// supervisor yields storage.ErrNotFound; an empty hierarchy is a valid
// singleton answer, not an error.
func (r *Reader) SubordinatesOf(ctx context.Context, supervisorID uint64, maxDepth int) ([]uint64, error) {
	ctx, span := tracer.Start(ctx, "hierarchy.SubordinatesOf")
	defer span.End()

	key := cacheKey(supervisorID, maxDepth)
	if subs, ok := r.cache.Get(key); ok {
		return cloneIDs(subs), nil
	}

	subs, err := r.ds.SubordinatesOf(ctx, supervisorID, maxDepth)
	if err != nil {
		return nil, err
	}

	r.cache.SetWithTTL(key, subs, int64(len(subs)+1), r.cacheTTL)
	return cloneIDs(subs), nil
}

// cloneIDs keeps the cached slice private: callers own what they get back.
func cloneIDs(ids []uint64) []uint64 {
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}
