package tests

import (
	"context"
	"log/slog"
	"sync"
	"trapper/catalog/queue"

	"github.com/google/uuid"
)

// QueueStub records submitted jobs. When a handler is set it runs the job
// synchronously, standing in for a worker.
type QueueStub struct {
	mu        sync.Mutex
	submitted []uuid.UUID
	err       error
	handler   queue.Handler
}

func newQueueStub() *QueueStub {
	return &QueueStub{}
}

func (q *QueueStub) Submit(ctx context.Context, jobId uuid.UUID) error {
	q.mu.Lock()
	if q.err != nil {
		q.mu.Unlock()
		return q.err
	}
	q.submitted = append(q.submitted, jobId)
	handler := q.handler
	q.mu.Unlock()

	if handler != nil {
		if err := handler(ctx, jobId); err != nil {
			slog.Error("queue stub: job failed", "job_id", jobId, "error", err)
		}
	}
	return nil
}

func (q *QueueStub) Fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.err = err
}

func (q *QueueStub) SetHandler(handler queue.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

func (q *QueueStub) Submitted() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]uuid.UUID{}, q.submitted...)
}
