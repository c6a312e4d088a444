package syndicate

import (
	"context"
	"errors"
	"fmt"

	"syndicate-go/internal/model"
)

// Operation is a local dataset lifecycle event.
type Operation string

const (
	OperationNew     Operation = "new"
	OperationChanged Operation = "changed"
	OperationDeleted Operation = "deleted"
)

// TopicFor maps a lifecycle event to a syndication topic.
func TopicFor(op Operation) Topic {
	switch op {
	case OperationNew:
		return TopicCreate
	case OperationChanged:
		return TopicUpdate
	default:
		return TopicUnknown
	}
}

// Notifier turns local lifecycle events into scheduled reconciliations.
type Notifier struct {
	service       *Service
	scheduler     Scheduler
	syncOnChanges bool
	logger        Logger
}

// NewNotifier creates a Notifier. When syncOnChanges is false only datasets
// in the deleted state are processed.
func NewNotifier(service *Service, scheduler Scheduler, syncOnChanges bool) *Notifier {
	return &Notifier{
		service:       service,
		scheduler:     scheduler,
		syncOnChanges: syncOnChanges,
		logger:        service.logger,
	}
}

// OnChange schedules reconciliation of d for every eligible profile.
// A deleted dataset is always processed, as an update, so that profile
// logic can reflect the deletion remotely; the remote copy is never deleted.
// A scheduling failure for one profile does not stop the others.
func (n *Notifier) OnChange(ctx context.Context, d *model.Dataset, op Operation) error {
	deleted := d.State == model.StateDeleted
	if !deleted && (op == "" || !n.syncOnChanges) {
		return nil
	}

	topic := TopicFor(op)
	if deleted && topic != TopicCreate {
		topic = TopicUpdate
	}
	if topic == TopicUnknown {
		n.logger.Debug("notification topic for operation is not defined", "operation", string(op), "dataset", d.ID)
		return nil
	}

	var errs []error
	for _, p := range n.service.ProfilesFor(d) {
		n.logger.Debug("syndicate dataset", "dataset", d.ID, "remote", p.RemoteURL, "topic", topic.String())
		if err := n.scheduler.Schedule(ctx, d.ID, topic, p); err != nil {
			n.logger.Error("scheduling syndication failed", "dataset", d.ID, "profile", p.ID, "error", err)
			errs = append(errs, fmt.Errorf("profile %s: %w", p.ID, err))
		}
	}
	return errors.Join(errs...)
}

// NotifySync re-runs the notifier for a stored dataset as if it had changed.
// Unknown datasets are ignored.
func (n *Notifier) NotifySync(ctx context.Context, idOrName string) error {
	d, err := n.service.catalog.GetDataset(ctx, idOrName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("loading dataset %s: %w", idOrName, err)
	}
	return n.OnChange(ctx, d, OperationChanged)
}
