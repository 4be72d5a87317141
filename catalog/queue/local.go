package queue

import (
	"context"
	"log/slog"
	"sync"
	"trapper/utils/logging"

	"github.com/google/uuid"
)

// LocalQueue runs upload jobs on a fixed pool of goroutines inside the
// catalog process.
type LocalQueue struct {
	jobs    chan uuid.UUID
	handler Handler

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLocalQueue(workers, buffer int, handler Handler) *LocalQueue {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &LocalQueue{
		jobs:    make(chan uuid.UUID, buffer),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work(i)
	}

	slog.Info("started local upload queue", "workers", workers, "buffer", buffer)
	return q
}

func (q *LocalQueue) work(worker int) {
	defer q.wg.Done()
	for jobId := range q.jobs {
		if err := q.handler(q.ctx, jobId); err != nil {
			slog.Error("upload job failed", "job_id", jobId, "worker", worker, "error", err, "code", logging.UPLOAD_PROCESS)
		}
	}
}

func (q *LocalQueue) Submit(ctx context.Context, jobId uuid.UUID) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- jobId:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new submissions, lets the workers finish every queued job and
// waits for them to exit.
func (q *LocalQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
}
