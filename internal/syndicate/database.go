package syndicate

import (
	"context"
	"database/sql"
	"time"

	"syndicate-go/internal/model"
)

// Catalog is the read/write surface of the local catalog used during
// reconciliation.
type Catalog interface {
	// GetDataset returns a dataset by id or name, with extras, resources,
	// tags and its owning organization loaded. Returns ErrNotFound if absent.
	GetDataset(ctx context.Context, idOrName string) (*model.Dataset, error)

	// ListDatasets returns the datasets matching any of the given ids or
	// names, or every dataset when idsOrNames is empty.
	ListDatasets(ctx context.Context, idsOrNames []string) ([]*model.Dataset, error)

	// GetGroup returns a group or organization by id or name.
	// Returns ErrNotFound if absent.
	GetGroup(ctx context.Context, idOrName string) (*model.Group, error)

	// SetDatasetExtra writes key=value on the dataset, replacing the value
	// of an existing extra instead of adding a second one.
	SetDatasetExtra(ctx context.Context, datasetID, key, value string) error

	// Reindex makes the latest state of a dataset visible to readers.
	Reindex(ctx context.Context, datasetID string) error
}

// SyncOperation is one recorded CLI or worker run.
type SyncOperation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string
	StartedAt  time.Time
	FinishedAt sql.NullTime
}

// Attempt is the outcome of a single reconciliation call.
type Attempt struct {
	ID            string
	OperationID   int64
	DatasetID     string
	ProfileID     string
	Topic         Topic
	ResolvedTopic Topic
	RemoteID      string
	Status        string // "success" or "error"
	Error         string
	CreatedAt     time.Time
}

// History records sync operations and reconciliation attempts.
type History interface {
	CreateSyncOperation(ctx context.Context, operation, parameters string) (*SyncOperation, error)
	FinishSyncOperation(ctx context.Context, id int64, status string) error
	ListSyncOperations(ctx context.Context, limit int) ([]*SyncOperation, error)
	RecordAttempt(ctx context.Context, attempt *Attempt) error
	ListAttempts(ctx context.Context, datasetID string) ([]*Attempt, error)
}

// Database is the full local storage used by the application.
type Database interface {
	Catalog
	History

	// SaveDataset inserts or replaces a dataset with its extras, resources
	// and tags. created reports whether the dataset did not exist before.
	SaveDataset(ctx context.Context, d *model.Dataset) (created bool, err error)

	// SaveGroup inserts or replaces a group or organization.
	SaveGroup(ctx context.Context, g *model.Group) error

	// CheckMigrations verifies that the schema is at the latest version.
	CheckMigrations() error

	// Close closes the database connection.
	Close() error
}
