package syndicate

import "context"

// Job is one unit of reconciliation work for a (dataset, profile) pair.
type Job struct {
	DatasetID string `json:"dataset_id"`
	Topic     string `json:"topic"`
	ProfileID string `json:"profile_id"`
	Attempts  int    `json:"attempts"`
}

// JobFunc handles a dequeued job. Returning an error leaves the job to the
// queue's retry policy.
type JobFunc func(ctx context.Context, job Job) error

// Queue is the asynchronous work queue reconciliation jobs are scheduled on.
type Queue interface {
	// Enqueue appends a job to the tail of the queue.
	Enqueue(ctx context.Context, job Job) error

	// ProcessNext takes the job at the head of the queue and calls fn with it.
	// If fn returns nil the job is removed. If fn fails, the job is re-queued
	// with Attempts incremented, or dead-lettered once the queue's attempt
	// limit is reached, and fn's error is returned.
	// Returns false with no error when the queue is empty.
	ProcessNext(ctx context.Context, fn JobFunc) (bool, error)

	// Len returns the number of pending jobs.
	Len(ctx context.Context) (int, error)

	// Close releases queue resources.
	Close() error
}

// Metrics receives reconciliation outcomes.
type Metrics interface {
	ObserveReconcile(profileID string, topic Topic, outcome string, seconds float64)
	ObserveGroupSync(profileID string, kind GroupKind, outcome string)
	ObserveJob(outcome string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveReconcile(string, Topic, string, float64) {}
func (nopMetrics) ObserveGroupSync(string, GroupKind, string)      {}
func (nopMetrics) ObserveJob(string)                               {}
