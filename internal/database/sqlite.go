package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"syndicate-go/internal/database/migrations"
	"syndicate-go/internal/model"
	"syndicate-go/internal/syndicate"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the Database interface using SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	path  string
	clock syndicate.Clock
	idgen syndicate.IDGenerator
}

// NewSQLiteDatabase creates a new SQLite database connection.
// path can be a file path or ":memory:" for in-memory database.
// A nil clock or idgen selects the real implementation.
func NewSQLiteDatabase(path string, clock syndicate.Clock, idgen syndicate.IDGenerator) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = syndicate.RealClock{}
	}
	if idgen == nil {
		idgen = syndicate.UUIDGenerator{}
	}
	return &SQLiteDatabase{db: db, path: path, clock: clock, idgen: idgen}, nil
}

// OpenConnection opens a SQLite connection with foreign keys enforced.
// A single connection is kept open so that ":memory:" databases are shared
// by every query.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Migrate applies pending schema migrations.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Dataset operations

const datasetColumns = `id, name, title, notes, url, version, license_id, author, author_email,
	maintainer, maintainer_email, private, state, type, owner_org, metadata_created, metadata_modified`

func (s *SQLiteDatabase) GetDataset(ctx context.Context, idOrName string) (*model.Dataset, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+datasetColumns+" FROM datasets WHERE id = ? OR name = ? ORDER BY id = ? DESC LIMIT 1",
		idOrName, idOrName, idOrName)
	d, err := scanDataset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("dataset %s: %w", idOrName, syndicate.ErrNotFound)
		}
		return nil, fmt.Errorf("finding dataset: %w", err)
	}
	if err := s.loadDatasetRelations(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *SQLiteDatabase) ListDatasets(ctx context.Context, idsOrNames []string) ([]*model.Dataset, error) {
	query := "SELECT " + datasetColumns + " FROM datasets"
	var args []any
	if len(idsOrNames) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?,", len(idsOrNames)), ",")
		query += " WHERE id IN (" + marks + ") OR name IN (" + marks + ")"
		for n := 0; n < 2; n++ {
			for _, v := range idsOrNames {
				args = append(args, v)
			}
		}
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing datasets: %w", err)
	}
	var result []*model.Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning dataset: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("listing datasets: %w", err)
	}
	rows.Close()

	// Relations are loaded after the cursor is closed: the pool holds a
	// single connection.
	for _, d := range result {
		if err := s.loadDatasetRelations(ctx, d); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *SQLiteDatabase) SaveDataset(ctx context.Context, d *model.Dataset) (bool, error) {
	if d.Name == "" {
		return false, fmt.Errorf("dataset name is required")
	}
	if d.ID == "" {
		d.ID = s.idgen.New()
	}
	if d.State == "" {
		d.State = model.StateActive
	}
	if d.Type == "" {
		d.Type = "dataset"
	}
	now := s.clock.Now()
	if d.MetadataCreated.IsZero() {
		d.MetadataCreated = now
	}
	d.MetadataModified = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if d.Organization != nil {
		if err := s.saveGroup(ctx, tx, d.Organization); err != nil {
			return false, err
		}
		d.OwnerOrg = d.Organization.ID
	}

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM datasets WHERE id = ?", d.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking dataset: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO datasets (`+datasetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, title = excluded.title, notes = excluded.notes,
			url = excluded.url, version = excluded.version, license_id = excluded.license_id,
			author = excluded.author, author_email = excluded.author_email,
			maintainer = excluded.maintainer, maintainer_email = excluded.maintainer_email,
			private = excluded.private, state = excluded.state, type = excluded.type,
			owner_org = excluded.owner_org, metadata_modified = excluded.metadata_modified`,
		d.ID, d.Name, d.Title, d.Notes, d.URL, d.Version, d.LicenseID, d.Author, d.AuthorEmail,
		d.Maintainer, d.MaintainerEmail, d.Private, d.State, d.Type, nullString(d.OwnerOrg),
		d.MetadataCreated, d.MetadataModified)
	if err != nil {
		return false, fmt.Errorf("saving dataset: %w", err)
	}

	for _, table := range []string{"dataset_extras", "resources", "dataset_tags"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE dataset_id = ?", d.ID); err != nil {
			return false, fmt.Errorf("clearing %s: %w", table, err)
		}
	}
	for _, key := range d.ExtraKeys() {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO dataset_extras (dataset_id, key, value) VALUES (?, ?, ?)",
			d.ID, key, d.Extras[key])
		if err != nil {
			return false, fmt.Errorf("saving extra %s: %w", key, err)
		}
	}
	for i := range d.Resources {
		r := &d.Resources[i]
		if r.ID == "" {
			r.ID = s.idgen.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO resources (id, dataset_id, position, url, name, description, format, size, hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				dataset_id = excluded.dataset_id, position = excluded.position, url = excluded.url,
				name = excluded.name, description = excluded.description, format = excluded.format,
				size = excluded.size, hash = excluded.hash`,
			r.ID, d.ID, i, r.URL, r.Name, r.Description, r.Format, r.Size, r.Hash)
		if err != nil {
			return false, fmt.Errorf("saving resource %s: %w", r.ID, err)
		}
	}
	for _, tag := range d.Tags {
		_, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO dataset_tags (dataset_id, name) VALUES (?, ?)", d.ID, tag)
		if err != nil {
			return false, fmt.Errorf("saving tag %s: %w", tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing transaction: %w", err)
	}
	return exists == 0, nil
}

// SetDatasetExtra upserts a single extra. The (dataset_id, key) uniqueness
// constraint guarantees one value per key.
func (s *SQLiteDatabase) SetDatasetExtra(ctx context.Context, datasetID, key, value string) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dataset_extras (dataset_id, key, value, state)
		SELECT id, ?, ?, 'active' FROM datasets WHERE id = ?
		ON CONFLICT(dataset_id, key) DO UPDATE SET value = excluded.value, state = 'active'`,
		key, value, datasetID)
	if err != nil {
		return fmt.Errorf("setting extra %s on %s: %w", key, datasetID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dataset %s: %w", datasetID, syndicate.ErrNotFound)
	}
	return nil
}

// Reindex bumps the modification time so readers see the latest state.
func (s *SQLiteDatabase) Reindex(ctx context.Context, datasetID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE datasets SET metadata_modified = ? WHERE id = ?", s.clock.Now(), datasetID)
	if err != nil {
		return fmt.Errorf("reindexing dataset %s: %w", datasetID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dataset %s: %w", datasetID, syndicate.ErrNotFound)
	}
	return nil
}

func (s *SQLiteDatabase) loadDatasetRelations(ctx context.Context, d *model.Dataset) error {
	d.Extras = map[string]string{}
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM dataset_extras WHERE dataset_id = ? AND state = 'active' ORDER BY key", d.ID)
	if err != nil {
		return fmt.Errorf("loading extras: %w", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return fmt.Errorf("scanning extra: %w", err)
		}
		d.Extras[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading extras: %w", err)
	}

	d.Resources = nil
	rows, err = s.db.QueryContext(ctx, `
		SELECT id, url, name, description, format, size, hash
		FROM resources WHERE dataset_id = ? ORDER BY position`, d.ID)
	if err != nil {
		return fmt.Errorf("loading resources: %w", err)
	}
	for rows.Next() {
		var r model.Resource
		if err := rows.Scan(&r.ID, &r.URL, &r.Name, &r.Description, &r.Format, &r.Size, &r.Hash); err != nil {
			rows.Close()
			return fmt.Errorf("scanning resource: %w", err)
		}
		d.Resources = append(d.Resources, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading resources: %w", err)
	}

	d.Tags = nil
	rows, err = s.db.QueryContext(ctx, "SELECT name FROM dataset_tags WHERE dataset_id = ? ORDER BY name", d.ID)
	if err != nil {
		return fmt.Errorf("loading tags: %w", err)
	}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			rows.Close()
			return fmt.Errorf("scanning tag: %w", err)
		}
		d.Tags = append(d.Tags, tag)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("loading tags: %w", err)
	}

	d.Organization = nil
	if d.OwnerOrg != "" {
		org, err := s.GetGroup(ctx, d.OwnerOrg)
		if err != nil && !errors.Is(err, syndicate.ErrNotFound) {
			return err
		}
		d.Organization = org
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDataset(row rowScanner) (*model.Dataset, error) {
	var d model.Dataset
	var owner sql.NullString
	err := row.Scan(&d.ID, &d.Name, &d.Title, &d.Notes, &d.URL, &d.Version, &d.LicenseID,
		&d.Author, &d.AuthorEmail, &d.Maintainer, &d.MaintainerEmail, &d.Private, &d.State,
		&d.Type, &owner, &d.MetadataCreated, &d.MetadataModified)
	if err != nil {
		return nil, err
	}
	d.OwnerOrg = owner.String
	return &d, nil
}

// Group operations

func (s *SQLiteDatabase) GetGroup(ctx context.Context, idOrName string) (*model.Group, error) {
	var g model.Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, title, description, image_url, is_organization, type, state, created_at
		FROM catalog_groups WHERE id = ? OR name = ? ORDER BY id = ? DESC LIMIT 1`,
		idOrName, idOrName, idOrName).
		Scan(&g.ID, &g.Name, &g.Title, &g.Description, &g.ImageURL, &g.IsOrganization, &g.Type, &g.State, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("group %s: %w", idOrName, syndicate.ErrNotFound)
		}
		return nil, fmt.Errorf("finding group: %w", err)
	}
	return &g, nil
}

func (s *SQLiteDatabase) SaveGroup(ctx context.Context, g *model.Group) error {
	return s.saveGroup(ctx, s.db, g)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// saveGroup upserts g. A group given only by name reuses the id of the
// stored group with that name.
func (s *SQLiteDatabase) saveGroup(ctx context.Context, db querier, g *model.Group) error {
	if g.Name == "" {
		return fmt.Errorf("group name is required")
	}
	if g.ID == "" {
		err := db.QueryRowContext(ctx, "SELECT id FROM catalog_groups WHERE name = ?", g.Name).Scan(&g.ID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			g.ID = s.idgen.New()
		case err != nil:
			return fmt.Errorf("finding group %s: %w", g.Name, err)
		}
	}
	if g.State == "" {
		g.State = model.StateActive
	}
	if g.Type == "" {
		g.Type = "group"
		if g.IsOrganization {
			g.Type = "organization"
		}
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = s.clock.Now()
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO catalog_groups (id, name, title, description, image_url, is_organization, type, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, title = excluded.title, description = excluded.description,
			image_url = excluded.image_url, is_organization = excluded.is_organization,
			type = excluded.type, state = excluded.state`,
		g.ID, g.Name, g.Title, g.Description, g.ImageURL, g.IsOrganization, g.Type, g.State, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving group %s: %w", g.Name, err)
	}
	return nil
}

// Sync history

func (s *SQLiteDatabase) CreateSyncOperation(ctx context.Context, operation, parameters string) (*syndicate.SyncOperation, error) {
	op := &syndicate.SyncOperation{
		Operation:  operation,
		Parameters: parameters,
		Status:     "running",
		StartedAt:  s.clock.Now(),
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO sync_operations (operation, parameters, status, started_at) VALUES (?, ?, ?, ?)",
		op.Operation, op.Parameters, op.Status, op.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("creating sync operation: %w", err)
	}
	if op.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("creating sync operation: %w", err)
	}
	return op, nil
}

func (s *SQLiteDatabase) FinishSyncOperation(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_operations SET status = ?, finished_at = ? WHERE id = ?",
		status, s.clock.Now(), id)
	if err != nil {
		return fmt.Errorf("finishing sync operation: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListSyncOperations(ctx context.Context, limit int) ([]*syndicate.SyncOperation, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, parameters, status, started_at, finished_at
		FROM sync_operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	defer rows.Close()

	var result []*syndicate.SyncOperation
	for rows.Next() {
		var op syndicate.SyncOperation
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Status, &op.StartedAt, &op.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning sync operation: %w", err)
		}
		result = append(result, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sync operations: %w", err)
	}
	return result, nil
}

func (s *SQLiteDatabase) RecordAttempt(ctx context.Context, a *syndicate.Attempt) error {
	if a.ID == "" {
		a.ID = s.idgen.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now()
	}
	var opID sql.NullInt64
	if a.OperationID != 0 {
		opID = sql.NullInt64{Int64: a.OperationID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_attempts
			(id, operation_id, dataset_id, profile_id, topic, resolved_topic, remote_id, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, opID, a.DatasetID, a.ProfileID, a.Topic.String(), topicColumn(a.ResolvedTopic),
		a.RemoteID, a.Status, a.Error, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording sync attempt: %w", err)
	}
	return nil
}

// ListAttempts returns the attempts for one dataset, or all attempts when
// datasetID is empty, oldest first.
func (s *SQLiteDatabase) ListAttempts(ctx context.Context, datasetID string) ([]*syndicate.Attempt, error) {
	query := `SELECT id, operation_id, dataset_id, profile_id, topic, resolved_topic, remote_id, status, error, created_at
		FROM sync_attempts`
	var args []any
	if datasetID != "" {
		query += " WHERE dataset_id = ?"
		args = append(args, datasetID)
	}
	query += " ORDER BY created_at, rowid"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sync attempts: %w", err)
	}
	defer rows.Close()

	var result []*syndicate.Attempt
	for rows.Next() {
		var a syndicate.Attempt
		var opID sql.NullInt64
		var topic, resolved string
		err := rows.Scan(&a.ID, &opID, &a.DatasetID, &a.ProfileID, &topic, &resolved,
			&a.RemoteID, &a.Status, &a.Error, &a.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning sync attempt: %w", err)
		}
		a.OperationID = opID.Int64
		a.Topic, _ = syndicate.ParseTopic(topic)
		a.ResolvedTopic, _ = syndicate.ParseTopic(resolved)
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sync attempts: %w", err)
	}
	return result, nil
}

func topicColumn(t syndicate.Topic) string {
	if t == syndicate.TopicUnknown {
		return ""
	}
	return t.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time check that SQLiteDatabase implements syndicate.Database interface
var _ syndicate.Database = (*SQLiteDatabase)(nil)
