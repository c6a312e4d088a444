package syndicate

import (
	"context"
	"fmt"
)

// Scheduler runs or enqueues reconciliation of one (dataset, profile) pair.
type Scheduler interface {
	Schedule(ctx context.Context, datasetID string, topic Topic, p *Profile) error
}

// QueueScheduler enqueues reconciliation jobs for asynchronous workers.
type QueueScheduler struct {
	Queue Queue
}

func (q *QueueScheduler) Schedule(ctx context.Context, datasetID string, topic Topic, p *Profile) error {
	job := Job{DatasetID: datasetID, Topic: topic.String(), ProfileID: p.ID}
	if err := q.Queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("enqueueing %s for %s: %w", datasetID, p.ID, err)
	}
	return nil
}

// InlineScheduler reconciles immediately in the calling goroutine.
type InlineScheduler struct {
	Service *Service
}

func (i *InlineScheduler) Schedule(ctx context.Context, datasetID string, topic Topic, p *Profile) error {
	_, err := i.Service.Reconcile(ctx, datasetID, topic, p)
	return err
}

// RunJob resolves the job's profile and reconciles its dataset.
func (s *Service) RunJob(ctx context.Context, job Job) error {
	p, err := s.profiles.Get(job.ProfileID)
	if err != nil {
		return fmt.Errorf("resolving profile %s: %w", job.ProfileID, err)
	}
	topic, err := ParseTopic(job.Topic)
	if err != nil {
		return err
	}

	s.logger.Info("sync dataset", "dataset", job.DatasetID, "topic", job.Topic, "profile", p.ID, "attempt", job.Attempts+1)
	_, err = s.Reconcile(ctx, job.DatasetID, topic, p)
	return err
}
