package database

import (
	"fmt"
	"os"
	"path/filepath"

	"syndicate-go/internal/config"
	"syndicate-go/internal/syndicate"
)

// DatabaseFile is the catalog file name inside data_dir.
const DatabaseFile = "catalog.db"

// NewDatabaseFromConfig creates a Database implementation based on the database config type.
// In-memory databases are migrated immediately since they start empty.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, clock syndicate.Clock, idgen syndicate.IDGenerator) (*SQLiteDatabase, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
		return NewSQLiteDatabase(filepath.Join(cfg.DataDir, DatabaseFile), clock, idgen)
	case "memory":
		db, err := NewSQLiteDatabase(":memory:", clock, idgen)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
