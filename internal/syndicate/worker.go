package syndicate

import (
	"context"
	"fmt"
	"time"
)

// DefaultIdleInterval is how long a worker waits before polling an empty queue again.
const DefaultIdleInterval = time.Second

// Worker drains a queue, reconciling one job at a time. A failing job is
// logged and handed back to the queue's retry policy; it never stops the worker.
type Worker struct {
	queue   Queue
	service *Service
	idle    time.Duration
	logger  Logger
}

func NewWorker(queue Queue, service *Service, idle time.Duration) *Worker {
	if idle <= 0 {
		idle = DefaultIdleInterval
	}
	return &Worker{queue: queue, service: service, idle: idle, logger: service.logger}
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")
	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		ok, err := w.step(ctx)
		if ok && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(w.idle):
		}
	}
}

// Drain processes jobs until the queue is empty and returns how many
// succeeded and failed. Failed jobs go back to the queue, so Drain stops
// after at most limit jobs when limit is positive.
func (w *Worker) Drain(ctx context.Context, limit int) (succeeded, failed int, err error) {
	for limit <= 0 || succeeded+failed < limit {
		if err := ctx.Err(); err != nil {
			return succeeded, failed, err
		}
		n, qerr := w.queue.Len(ctx)
		if qerr != nil {
			return succeeded, failed, fmt.Errorf("checking queue: %w", qerr)
		}
		if n == 0 {
			break
		}

		ok, err := w.step(ctx)
		switch {
		case !ok && err == nil:
			return succeeded, failed, nil
		case err != nil:
			failed++
		default:
			succeeded++
		}
	}
	return succeeded, failed, nil
}

func (w *Worker) step(ctx context.Context) (bool, error) {
	ok, err := w.queue.ProcessNext(ctx, w.service.RunJob)
	switch {
	case err != nil:
		w.service.metrics.ObserveJob("error")
		w.logger.Error("sync job failed", "error", err)
	case ok:
		w.service.metrics.ObserveJob("success")
	}
	return ok, err
}
