package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalQueueProcessesAllJobs(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[uuid.UUID]int)

	q := NewLocalQueue(3, 10, func(ctx context.Context, jobId uuid.UUID) error {
		mu.Lock()
		defer mu.Unlock()
		seen[jobId]++
		return nil
	})

	ids := make([]uuid.UUID, 0, 20)
	for i := 0; i < 20; i++ {
		id := uuid.New()
		ids = append(ids, id)
		require.NoError(t, q.Submit(context.Background(), id))
	}

	q.Stop()

	assert.Len(t, seen, len(ids))
	for _, id := range ids {
		assert.Equal(t, 1, seen[id])
	}
}

func TestLocalQueueHandlerErrorsDoNotStopWorkers(t *testing.T) {
	var count atomic.Int32

	q := NewLocalQueue(1, 5, func(ctx context.Context, jobId uuid.UUID) error {
		count.Add(1)
		return errors.New("processing failed")
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Submit(context.Background(), uuid.New()))
	}
	q.Stop()

	assert.Equal(t, int32(5), count.Load())
}

func TestLocalQueueSubmitAfterStop(t *testing.T) {
	q := NewLocalQueue(1, 1, func(ctx context.Context, jobId uuid.UUID) error { return nil })
	q.Stop()
	q.Stop()

	assert.ErrorIs(t, q.Submit(context.Background(), uuid.New()), ErrQueueClosed)
}

func TestLocalQueueSubmitRespectsContext(t *testing.T) {
	release := make(chan struct{})
	q := NewLocalQueue(1, 0, func(ctx context.Context, jobId uuid.UUID) error {
		<-release
		return nil
	})

	// The single worker blocks on the first job, so the unbuffered channel stays full.
	require.NoError(t, q.Submit(context.Background(), uuid.New()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Submit(ctx, uuid.New()), context.DeadlineExceeded)

	close(release)
	q.Stop()
}
