package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syndicate-go/internal/config"
	"syndicate-go/internal/syndicate"
)

// newQueues returns one queue per store so every behaviour is checked
// against both implementations.
func newQueues(t *testing.T, maxAttempts int) map[string]*JobQueue {
	t.Helper()

	mr := miniredis.RunT(t)
	rq, err := NewRedisQueue(context.Background(), "redis://"+mr.Addr()+"/0", "test", maxAttempts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rq.Close() })

	return map[string]*JobQueue{
		"memory": NewMemoryQueue(maxAttempts, nil),
		"redis":  rq,
	}
}

func job(id string) syndicate.Job {
	return syndicate.Job{DatasetID: id, Topic: "create", ProfileID: "portal"}
}

func TestJobQueue_FIFO(t *testing.T) {
	for name, q := range newQueues(t, 3) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"a", "b", "c"} {
				require.NoError(t, q.Enqueue(ctx, job(id)))
			}
			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			var seen []string
			for {
				ok, err := q.ProcessNext(ctx, func(_ context.Context, j syndicate.Job) error {
					seen = append(seen, j.DatasetID)
					return nil
				})
				require.NoError(t, err)
				if !ok {
					break
				}
			}
			assert.Equal(t, []string{"a", "b", "c"}, seen)

			n, err = q.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestJobQueue_EmptyQueue(t *testing.T) {
	for name, q := range newQueues(t, 3) {
		t.Run(name, func(t *testing.T) {
			called := false
			ok, err := q.ProcessNext(context.Background(), func(context.Context, syndicate.Job) error {
				called = true
				return nil
			})
			require.NoError(t, err)
			assert.False(t, ok)
			assert.False(t, called)
		})
	}
}

func TestJobQueue_RetryThenDeadLetter(t *testing.T) {
	for name, q := range newQueues(t, 2) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			boom := errors.New("remote unavailable")
			require.NoError(t, q.Enqueue(ctx, job("a")))
			require.NoError(t, q.Enqueue(ctx, job("b")))

			var attempts []int
			fail := func(_ context.Context, j syndicate.Job) error {
				if j.DatasetID == "a" {
					attempts = append(attempts, j.Attempts)
					return boom
				}
				return nil
			}

			// a fails and goes behind b
			ok, err := q.ProcessNext(ctx, fail)
			assert.True(t, ok)
			assert.ErrorIs(t, err, boom)

			ok, err = q.ProcessNext(ctx, fail)
			assert.True(t, ok)
			require.NoError(t, err)

			// second failure reaches the limit
			ok, err = q.ProcessNext(ctx, fail)
			assert.True(t, ok)
			assert.ErrorIs(t, err, boom)

			assert.Equal(t, []int{0, 1}, attempts)

			n, err := q.Len(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)

			dead, err := q.DeadLetters(ctx)
			require.NoError(t, err)
			require.Len(t, dead, 1)
			assert.Equal(t, "a", dead[0].DatasetID)
			assert.Equal(t, 2, dead[0].Attempts)
		})
	}
}

func TestJobQueue_SettlesAfterCancel(t *testing.T) {
	for name, q := range newQueues(t, 3) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			require.NoError(t, q.Enqueue(ctx, job("a")))

			ok, err := q.ProcessNext(ctx, func(ctx context.Context, _ syndicate.Job) error {
				cancel()
				return ctx.Err()
			})
			assert.True(t, ok)
			assert.ErrorIs(t, err, context.Canceled)

			n, err := q.Len(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, n, "failed job is back in the queue")
		})
	}
}

func TestMemoryStore_Recover(t *testing.T) {
	ctx := context.Background()
	store := &memoryStore{inflight: make(map[string]syndicate.Job)}
	q := newJobQueue(store, 3, nil)
	require.NoError(t, q.Enqueue(ctx, job("a")))

	c, err := store.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, c)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	l, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, l)
}

func TestRedisStore_Recover(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := newRedisStore(client, "crash")
	q := newJobQueue(store, 3, nil)
	defer q.Close()

	require.NoError(t, q.Enqueue(ctx, job("a")))
	require.NoError(t, q.Enqueue(ctx, job("b")))

	// simulate a worker that claimed a job and died
	c, err := store.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", c.job.DatasetID)

	processing, err := mr.List(KeyPrefix + "crash:processing")
	require.NoError(t, err)
	assert.Len(t, processing, 1)

	n, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	l, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, l)
	assert.False(t, mr.Exists(KeyPrefix+"crash:processing"))
}

func TestRedisStore_UndecodableEntry(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := newJobQueue(newRedisStore(client, "bad"), 3, nil)
	defer q.Close()

	_, err := mr.Lpush(KeyPrefix+"bad", "{not json")
	require.NoError(t, err)

	_, err = q.ProcessNext(ctx, func(context.Context, syndicate.Job) error { return nil })
	require.Error(t, err)

	dead, err := mr.List(KeyPrefix + "bad:dead")
	require.NoError(t, err)
	assert.Equal(t, []string{"{not json"}, dead)
}

func TestNewRedisQueue_Errors(t *testing.T) {
	_, err := NewRedisQueue(context.Background(), "not-a-url", "q", 3, nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisQueue(context.Background(), "redis://"+addr, "q", 3, nil)
	assert.Error(t, err)
}

func TestNewQueueFromConfig(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		cfg := config.NewConfig(t.TempDir())
		q, err := NewQueueFromConfig(ctx, cfg, nil)
		require.NoError(t, err)
		assert.IsType(t, &memoryStore{}, q.store)
		assert.Equal(t, config.DefaultMaxAttempts, q.maxAttempts)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.NewConfig(t.TempDir())
		cfg.Queue.Type = "redis"
		cfg.Queue.Name = "jobs"
		cfg.Queue.RedisURL = "redis://" + mr.Addr()
		cfg.Queue.MaxAttempts = 5

		q, err := NewQueueFromConfig(ctx, cfg, nil)
		require.NoError(t, err)
		defer q.Close()
		assert.Equal(t, 5, q.maxAttempts)

		require.NoError(t, q.Enqueue(ctx, job("a")))
		assert.True(t, mr.Exists(KeyPrefix+"jobs"))
	})

	t.Run("redis without url", func(t *testing.T) {
		cfg := config.NewConfig(t.TempDir())
		cfg.Queue.Type = "redis"
		_, err := NewQueueFromConfig(ctx, cfg, nil)
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := config.NewConfig(t.TempDir())
		cfg.Queue.Type = "kafka"
		_, err := NewQueueFromConfig(ctx, cfg, nil)
		assert.Error(t, err)
	})
}
