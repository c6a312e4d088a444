package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"syndicate-go/internal/syndicate"
)

// KeyPrefix namespaces every key the Redis queue writes.
const KeyPrefix = "syndicate:queue:"

// redisStore keeps jobs in three Redis lists: pending, processing and dead.
// New jobs are LPUSHed and claimed with RPOPLPUSH, so the pending list is
// FIFO and a claimed job is never out of Redis.
type redisStore struct {
	client     *redis.Client
	pending    string
	processing string
	dead       string
}

// NewRedisQueue connects to redisURL (redis://host:port/db) and returns a
// queue stored under KeyPrefix+name.
func NewRedisQueue(ctx context.Context, redisURL, name string, maxAttempts int, logger syndicate.Logger) (*JobQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newJobQueue(newRedisStore(client, name), maxAttempts, logger), nil
}

func newRedisStore(client *redis.Client, name string) *redisStore {
	base := KeyPrefix + name
	return &redisStore{
		client:     client,
		pending:    base,
		processing: base + ":processing",
		dead:       base + ":dead",
	}
}

func (r *redisStore) Push(ctx context.Context, job syndicate.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	return r.client.LPush(ctx, r.pending, raw).Err()
}

func (r *redisStore) Claim(ctx context.Context) (*claim, error) {
	raw, err := r.client.RPopLPush(ctx, r.pending, r.processing).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job syndicate.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// An undecodable entry can never succeed; park it with the dead jobs.
		pipe := r.client.TxPipeline()
		pipe.LRem(ctx, r.processing, 1, raw)
		pipe.LPush(ctx, r.dead, raw)
		if _, perr := pipe.Exec(ctx); perr != nil {
			return nil, fmt.Errorf("decoding job: %w (parking failed: %v)", err, perr)
		}
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &claim{job: job, raw: raw}, nil
}

func (r *redisStore) Ack(ctx context.Context, c *claim) error {
	return r.client.LRem(ctx, r.processing, 1, c.raw).Err()
}

func (r *redisStore) Requeue(ctx context.Context, c *claim, job syndicate.Job) error {
	return r.move(ctx, c, r.pending, job)
}

func (r *redisStore) Bury(ctx context.Context, c *claim, job syndicate.Job) error {
	return r.move(ctx, c, r.dead, job)
}

// move replaces the in-flight entry with job on the destination list in one
// transaction.
func (r *redisStore) move(ctx context.Context, c *claim, dest string, job syndicate.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, r.processing, 1, c.raw)
	pipe.LPush(ctx, dest, raw)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisStore) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := r.client.RPopLPush(ctx, r.processing, r.pending).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (r *redisStore) Len(ctx context.Context) (int, error) {
	n, err := r.client.LLen(ctx, r.pending).Result()
	return int(n), err
}

func (r *redisStore) Dead(ctx context.Context) ([]syndicate.Job, error) {
	raws, err := r.client.LRange(ctx, r.dead, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]syndicate.Job, 0, len(raws))
	for _, raw := range raws {
		var job syndicate.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *redisStore) Close() error {
	return r.client.Close()
}
