package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPartition(t *testing.T) {
	ids := []uint64{1, 2, 3, 4, 5}

	require.Nil(t, Partition(nil, 2))
	require.Nil(t, Partition(ids, 0))

	chunks := Partition(ids, 2)
	require.Equal(t, [][]uint64{{1, 2}, {3, 4}, {5}}, chunks)

	chunks = Partition(ids, 5)
	require.Equal(t, [][]uint64{{1, 2, 3, 4, 5}}, chunks)

	chunks = Partition(ids, 100)
	require.Equal(t, [][]uint64{{1, 2, 3, 4, 5}}, chunks)
}

func collect(t *testing.T, c *Coordinator, ids []uint64) map[uint64]int {
	t.Helper()

	var mu sync.Mutex
	seen := make(map[uint64]int)
	err := c.Run(context.Background(), ids, func(ctx context.Context, chunk []uint64) error {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range chunk {
			seen[id]++
		}
		return nil
	})
	require.NoError(t, err)
	return seen
}

func TestRunBatchSizeIndependence(t *testing.T) {
	ids := make([]uint64, 0, 257)
	for i := uint64(1); i <= 257; i++ {
		ids = append(ids, i)
	}

	bySize1 := collect(t, NewCoordinator(WithBatchSize(1)), ids)
	bySize64 := collect(t, NewCoordinator(WithBatchSize(64)), ids)
	byOneShot := collect(t, NewCoordinator(WithBatchSize(1000)), ids)

	require.Equal(t, bySize1, bySize64)
	require.Equal(t, bySize1, byOneShot)
	for _, id := range ids {
		require.Equal(t, 1, bySize1[id])
	}
}

func TestRunEmptyInput(t *testing.T) {
	c := NewCoordinator()
	err := c.Run(context.Background(), nil, func(ctx context.Context, chunk []uint64) error {
		t.Fatal("fn must not run for an empty input")
		return nil
	})
	require.NoError(t, err)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	c := NewCoordinator(WithBatchSize(10), WithMaxRetries(3))

	var mu sync.Mutex
	attempts := 0
	err := c.Run(context.Background(), []uint64{1, 2, 3}, func(ctx context.Context, chunk []uint64) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	c := NewCoordinator(WithBatchSize(10), WithMaxRetries(3))

	var mu sync.Mutex
	attempts := 0
	err := c.Run(context.Background(), []uint64{1, 2, 3}, func(ctx context.Context, chunk []uint64) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return storage.ErrBatchTooLarge
	})
	require.ErrorIs(t, err, storage.ErrBatchTooLarge)
	require.Equal(t, 1, attempts, "a rejected batch shape cannot heal on retry")

	attempts = 0
	err = c.Run(context.Background(), []uint64{1, 2, 3}, func(ctx context.Context, chunk []uint64) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return fmt.Errorf("lookup: %w", storage.ErrNotFound)
	})
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.Equal(t, 1, attempts)
}

func TestRunFailFastSurfacesChunkError(t *testing.T) {
	c := NewCoordinator(WithBatchSize(2), WithMaxRetries(0))

	boom := errors.New("storage down")
	err := c.Run(context.Background(), []uint64{1, 2, 3, 4}, func(ctx context.Context, chunk []uint64) error {
		if chunk[0] == 3 {
			return boom
		}
		return nil
	})
	require.Error(t, err)

	var chunkErr *ChunkError
	require.ErrorAs(t, err, &chunkErr)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, chunkErr.Offset)
	require.Equal(t, 2, chunkErr.Size)
}

func TestRunCollectReportsPartialResult(t *testing.T) {
	c := NewCoordinator(
		WithBatchSize(1),
		WithMaxRetries(0),
		WithFailurePolicy(Collect),
	)

	boom := errors.New("storage down")
	var mu sync.Mutex
	var succeeded []uint64
	err := c.Run(context.Background(), []uint64{1, 2, 3, 4}, func(ctx context.Context, chunk []uint64) error {
		if chunk[0]%2 == 0 {
			return boom
		}
		mu.Lock()
		defer mu.Unlock()
		succeeded = append(succeeded, chunk...)
		return nil
	})

	var partial *PartialError
	require.ErrorAs(t, err, &partial)
	require.Len(t, partial.Failed, 2)
	require.Equal(t, 2, partial.Succeeded)
	require.Equal(t, 4, partial.Total)
	require.ElementsMatch(t, []uint64{1, 3}, succeeded)
}

func TestRunHonorsCancellation(t *testing.T) {
	c := NewCoordinator(WithBatchSize(1), WithMaxWorkers(1))

	ctx, cancel := context.WithCancel(context.Background())
	err := c.Run(ctx, []uint64{1, 2, 3, 4, 5}, func(ctx context.Context, chunk []uint64) error {
		cancel()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.Canceled)
}
