package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"trapper/utils/logging"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRedisKey  = "trapper:upload_jobs"
	redisPollTimeout = 5 * time.Second
)

type RedisArgs struct {
	Addr     string
	Username string
	Password string
	DB       int
}

func NewRedisClient(args RedisArgs) (*redis.Client, error) {
	addr := args.Addr
	if addr == "" {
		addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: args.Username,
		Password: args.Password,
		DB:       args.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error connecting to redis at %v: %w", addr, err)
	}
	return client, nil
}

// RedisQueue pushes job ids onto a redis list consumed by trapper_worker.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Submit(ctx context.Context, jobId uuid.UUID) error {
	if err := q.client.RPush(ctx, q.key, jobId.String()).Err(); err != nil {
		slog.Error("error pushing upload job to redis", "job_id", jobId, "key", q.key, "error", err, "code", logging.UPLOAD_SUBMIT)
		return fmt.Errorf("error submitting upload job %v: %w", jobId, err)
	}
	return nil
}

// Consume pops job ids until ctx is cancelled. Handler errors are logged and
// do not stop the loop.
func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := q.client.BLPop(ctx, redisPollTimeout, q.key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("error popping upload job from redis", "key", q.key, "error", err)
			return fmt.Errorf("error reading from upload queue: %w", err)
		}

		// BLPOP replies with [key, value].
		if len(res) != 2 {
			slog.Error("unexpected redis reply", "reply", res)
			continue
		}

		jobId, err := uuid.Parse(res[1])
		if err != nil {
			slog.Error("invalid job id in upload queue", "value", res[1], "error", err)
			continue
		}

		if err := handler(ctx, jobId); err != nil {
			slog.Error("upload job failed", "job_id", jobId, "error", err, "code", logging.UPLOAD_PROCESS)
		}
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
