package syndicate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clock supplies attempt timestamps and reconcile durations.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator names attempt records and new local rows.
type IDGenerator interface {
	New() string
}

// UUIDGenerator hands out random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.NewString() }

type operationIDKey struct{}

// WithOperationID tags ctx with the sync operation attempts belong to.
func WithOperationID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, operationIDKey{}, id)
}

// OperationID returns the sync operation id carried by ctx, or 0.
func OperationID(ctx context.Context) int64 {
	id, _ := ctx.Value(operationIDKey{}).(int64)
	return id
}

// GetHistory returns the most recent sync operations, newest first.
func (s *Service) GetHistory(ctx context.Context, limit int) ([]*SyncOperation, error) {
	if s.history == nil {
		return nil, fmt.Errorf("no history store configured")
	}
	ops, err := s.history.ListSyncOperations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	return ops, nil
}

// recordAttempt stores the outcome of a reconciliation. Failures to record
// are logged and never change the reconciliation result.
func (s *Service) recordAttempt(ctx context.Context, idOrName string, topic Topic, p *Profile, res *Result, rerr error) {
	if s.history == nil {
		return
	}

	a := &Attempt{
		ID:          s.idgen.New(),
		OperationID: OperationID(ctx),
		DatasetID:   idOrName,
		ProfileID:   p.ID,
		Topic:       topic,
		Status:      "success",
		CreatedAt:   s.clock.Now(),
	}
	if res != nil {
		a.DatasetID = res.LocalID
		a.ResolvedTopic = res.Topic
		a.RemoteID = res.RemoteID
	}
	if rerr != nil {
		a.Status = "error"
		a.Error = rerr.Error()
	}

	if err := s.history.RecordAttempt(context.WithoutCancel(ctx), a); err != nil {
		s.logger.Warn("recording sync attempt failed", "dataset", a.DatasetID, "profile", p.ID, "error", err)
	}
}
