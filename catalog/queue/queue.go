package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrQueueClosed = errors.New("queue is closed")

// Queue hands an upload job id to the processing system. Submit returns once
// the id is enqueued and never waits for processing.
type Queue interface {
	Submit(ctx context.Context, jobId uuid.UUID) error
}

// Handler processes a single upload job on the consumer side.
type Handler func(ctx context.Context, jobId uuid.UUID) error
