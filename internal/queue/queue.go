// Package queue implements the syndication job queue with at-least-once
// delivery: a job is claimed, handed to the caller, and only removed once
// the caller reports success. Failed jobs go back to the tail with their
// attempt count raised, until the attempt limit moves them to a dead-letter
// list.
package queue

import (
	"context"
	"fmt"
	"sync"

	"syndicate-go/internal/syndicate"
)

// DefaultMaxAttempts is used when no attempt limit is configured.
const DefaultMaxAttempts = 3

// claim is a job taken from the head of the queue and not yet settled.
type claim struct {
	job syndicate.Job
	raw string // store-specific handle used to settle the claim
}

// jobStore abstracts the storage mechanics of a queue. Stores must make
// each call atomic; ordering of concurrent callers is up to the store.
type jobStore interface {
	// Push appends a job to the tail of the pending list.
	Push(ctx context.Context, job syndicate.Job) error

	// Claim moves the head job to the in-flight set and returns it.
	// Returns nil if nothing is pending.
	Claim(ctx context.Context) (*claim, error)

	// Ack removes a settled claim from the in-flight set.
	Ack(ctx context.Context, c *claim) error

	// Requeue replaces a claim with job at the tail of the pending list.
	Requeue(ctx context.Context, c *claim, job syndicate.Job) error

	// Bury replaces a claim with job on the dead-letter list.
	Bury(ctx context.Context, c *claim, job syndicate.Job) error

	// Recover moves every in-flight claim back to pending and returns
	// how many were moved.
	Recover(ctx context.Context) (int, error)

	Len(ctx context.Context) (int, error)
	Dead(ctx context.Context) ([]syndicate.Job, error)
	Close() error
}

// JobQueue implements syndicate.Queue on top of a jobStore. All retry
// policy lives here.
type JobQueue struct {
	store       jobStore
	maxAttempts int
	logger      syndicate.Logger
	closeOnce   sync.Once
}

var _ syndicate.Queue = (*JobQueue)(nil)

func newJobQueue(store jobStore, maxAttempts int, logger syndicate.Logger) *JobQueue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = syndicate.NewNopLogger()
	}
	return &JobQueue{store: store, maxAttempts: maxAttempts, logger: logger}
}

// Enqueue appends a job to the tail of the queue.
func (q *JobQueue) Enqueue(ctx context.Context, job syndicate.Job) error {
	if err := q.store.Push(ctx, job); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// ProcessNext claims the head job and calls fn with it.
// If fn returns nil, the job is removed (committed).
// If fn returns an error, the job is re-queued at the tail with Attempts
// incremented, or dead-lettered once it has failed maxAttempts times.
// Returns false with no error if the queue is empty.
func (q *JobQueue) ProcessNext(ctx context.Context, fn syndicate.JobFunc) (bool, error) {
	c, err := q.store.Claim(ctx)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if c == nil {
		return false, nil
	}

	// Settling must survive cancellation of the caller's context, or a
	// claimed job would be stranded in flight.
	settle := context.WithoutCancel(ctx)

	ferr := fn(ctx, c.job)
	if ferr == nil {
		if err := q.store.Ack(settle, c); err != nil {
			return true, fmt.Errorf("acknowledging job: %w", err)
		}
		return true, nil
	}

	job := c.job
	job.Attempts++
	if job.Attempts >= q.maxAttempts {
		q.logger.Error("job dead-lettered", "dataset", job.DatasetID, "profile", job.ProfileID, "attempts", job.Attempts, "error", ferr)
		if err := q.store.Bury(settle, c, job); err != nil {
			return true, fmt.Errorf("dead-lettering job: %w (job error: %v)", err, ferr)
		}
		return true, ferr
	}

	q.logger.Warn("job failed, requeued", "dataset", job.DatasetID, "profile", job.ProfileID, "attempts", job.Attempts, "error", ferr)
	if err := q.store.Requeue(settle, c, job); err != nil {
		return true, fmt.Errorf("requeueing job: %w (job error: %v)", err, ferr)
	}
	return true, ferr
}

// Len returns the number of pending jobs.
func (q *JobQueue) Len(ctx context.Context) (int, error) {
	return q.store.Len(ctx)
}

// DeadLetters returns jobs that exhausted their attempts, newest first.
func (q *JobQueue) DeadLetters(ctx context.Context) ([]syndicate.Job, error) {
	return q.store.Dead(ctx)
}

// Recover returns jobs left in flight by a crashed worker to the queue.
func (q *JobQueue) Recover(ctx context.Context) (int, error) {
	n, err := q.store.Recover(ctx)
	if err != nil {
		return n, fmt.Errorf("recovering in-flight jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info("recovered in-flight jobs", "count", n)
	}
	return n, nil
}

// Close releases queue resources.
func (q *JobQueue) Close() error {
	var err error
	q.closeOnce.Do(func() { err = q.store.Close() })
	return err
}
