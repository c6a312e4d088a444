package testutil

import (
	"testing"

	"syndicate-go/internal/database"
)

// NewTestDatabase creates a new in-memory SQLite catalog with migrations applied,
// using the fixed test clock and sequential ids.
// The database is automatically closed when the test completes.
func NewTestDatabase(t *testing.T) *database.SQLiteDatabase {
	t.Helper()

	db, err := database.NewSQLiteDatabase(":memory:", FixedClock(), NewStubIDGenerator())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return db
}
