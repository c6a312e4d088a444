package app

// SyncOperation tracks a CLI operation that may write to a remote catalog.
// Operations are created in memory with ID=0. Only commands that reconcile
// or change the local catalog persist them, giving them an auto-increment
// ID from the database that reconciliation attempts are filed under.
type SyncOperation struct {
	ID         int64
	Operation  string
	Parameters string
	Status     string // "success" or "error"
}

// NewSyncOperation creates a new in-memory sync operation.
func NewSyncOperation(operation, parameters string) *SyncOperation {
	return &SyncOperation{
		Operation:  operation,
		Parameters: parameters,
		Status:     "success",
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *SyncOperation) Persisted() bool {
	return op.ID != 0
}

// Fail marks the operation as failed. It is recorded when the app closes.
func (op *SyncOperation) Fail() {
	op.Status = "error"
}
