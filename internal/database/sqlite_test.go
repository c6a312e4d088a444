package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"syndicate-go/internal/model"
	"syndicate-go/internal/syndicate"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("gen-%d", g.n)
}

// newTestDB creates a new in-memory database with migrations applied.
func newTestDB(t *testing.T) (*SQLiteDatabase, *fixedClock) {
	t.Helper()

	clock := &fixedClock{now: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
	db, err := NewSQLiteDatabase(":memory:", clock, &seqIDs{})
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db, clock
}

func sampleDataset() *model.Dataset {
	return &model.Dataset{
		ID:     "ds-1",
		Name:   "air-quality",
		Title:  "Air quality",
		Extras: map[string]string{"syndicate": "true", "source": "sensors"},
		Tags:   []string{"environment", "air"},
		Resources: []model.Resource{
			{URL: "https://example.org/a.csv", Name: "A", Format: "CSV"},
			{URL: "https://example.org/b.csv", Name: "B", Format: "CSV"},
		},
		Organization: &model.Group{ID: "org-1", Name: "city", Title: "City", IsOrganization: true},
	}
}

func TestSQLiteDatabase_SaveDataset(t *testing.T) {
	t.Run("creates and loads a dataset with relations", func(t *testing.T) {
		db, _ := newTestDB(t)
		ctx := context.Background()

		created, err := db.SaveDataset(ctx, sampleDataset())
		if err != nil {
			t.Fatalf("SaveDataset() error = %v", err)
		}
		if !created {
			t.Error("SaveDataset() created = false, want true")
		}

		got, err := db.GetDataset(ctx, "air-quality")
		if err != nil {
			t.Fatalf("GetDataset() error = %v", err)
		}
		if got.ID != "ds-1" {
			t.Errorf("ID = %q, want %q", got.ID, "ds-1")
		}
		if got.State != model.StateActive {
			t.Errorf("State = %q, want %q", got.State, model.StateActive)
		}
		if len(got.Extras) != 2 || got.Extras["source"] != "sensors" {
			t.Errorf("Extras = %v", got.Extras)
		}
		if len(got.Tags) != 2 || got.Tags[0] != "air" {
			t.Errorf("Tags = %v, want sorted [air environment]", got.Tags)
		}
		if len(got.Resources) != 2 || got.Resources[0].Name != "A" || got.Resources[1].Name != "B" {
			t.Errorf("Resources = %+v", got.Resources)
		}
		if got.Resources[0].ID == "" {
			t.Error("resource id was not generated")
		}
		if got.Organization == nil || got.Organization.Name != "city" || !got.Organization.IsOrganization {
			t.Errorf("Organization = %+v", got.Organization)
		}
		if got.OwnerOrg != "org-1" {
			t.Errorf("OwnerOrg = %q, want %q", got.OwnerOrg, "org-1")
		}
	})

	t.Run("replaces an existing dataset", func(t *testing.T) {
		db, clock := newTestDB(t)
		ctx := context.Background()

		if _, err := db.SaveDataset(ctx, sampleDataset()); err != nil {
			t.Fatalf("SaveDataset() error = %v", err)
		}

		clock.now = clock.now.Add(time.Hour)
		d := sampleDataset()
		d.Title = "Air quality (hourly)"
		d.Extras = map[string]string{"syndicate": "false"}
		d.Tags = nil
		d.Resources = d.Resources[:1]

		created, err := db.SaveDataset(ctx, d)
		if err != nil {
			t.Fatalf("SaveDataset() error = %v", err)
		}
		if created {
			t.Error("SaveDataset() created = true, want false")
		}

		got, err := db.GetDataset(ctx, "ds-1")
		if err != nil {
			t.Fatalf("GetDataset() error = %v", err)
		}
		if got.Title != "Air quality (hourly)" {
			t.Errorf("Title = %q", got.Title)
		}
		if len(got.Extras) != 1 || got.Extras["syndicate"] != "false" {
			t.Errorf("Extras = %v", got.Extras)
		}
		if len(got.Tags) != 0 || len(got.Resources) != 1 {
			t.Errorf("Tags = %v, Resources = %v", got.Tags, got.Resources)
		}
		if !got.MetadataModified.Equal(clock.now) {
			t.Errorf("MetadataModified = %v, want %v", got.MetadataModified, clock.now)
		}
	})

	t.Run("requires a name", func(t *testing.T) {
		db, _ := newTestDB(t)
		if _, err := db.SaveDataset(context.Background(), &model.Dataset{}); err == nil {
			t.Error("SaveDataset() expected error for missing name")
		}
	})

	t.Run("generates an id", func(t *testing.T) {
		db, _ := newTestDB(t)
		d := &model.Dataset{Name: "no-id"}
		if _, err := db.SaveDataset(context.Background(), d); err != nil {
			t.Fatalf("SaveDataset() error = %v", err)
		}
		if d.ID != "gen-1" {
			t.Errorf("ID = %q, want %q", d.ID, "gen-1")
		}
	})
}

func TestSQLiteDatabase_GetDataset(t *testing.T) {
	t.Run("returns ErrNotFound when absent", func(t *testing.T) {
		db, _ := newTestDB(t)

		_, err := db.GetDataset(context.Background(), "missing")
		if !errors.Is(err, syndicate.ErrNotFound) {
			t.Errorf("GetDataset() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("prefers an id match over a name match", func(t *testing.T) {
		db, _ := newTestDB(t)
		ctx := context.Background()

		if _, err := db.SaveDataset(ctx, &model.Dataset{ID: "a", Name: "b"}); err != nil {
			t.Fatal(err)
		}
		if _, err := db.SaveDataset(ctx, &model.Dataset{ID: "b", Name: "c"}); err != nil {
			t.Fatal(err)
		}

		got, err := db.GetDataset(ctx, "b")
		if err != nil {
			t.Fatalf("GetDataset() error = %v", err)
		}
		if got.ID != "b" {
			t.Errorf("GetDataset(b).ID = %q, want %q", got.ID, "b")
		}
	})
}

func TestSQLiteDatabase_ListDatasets(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if _, err := db.SaveDataset(ctx, &model.Dataset{ID: "id-" + name, Name: name, Tags: []string{name}}); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("lists all datasets by name", func(t *testing.T) {
		got, err := db.ListDatasets(ctx, nil)
		if err != nil {
			t.Fatalf("ListDatasets() error = %v", err)
		}
		if len(got) != 3 || got[0].Name != "alpha" || got[2].Name != "charlie" {
			t.Fatalf("ListDatasets() = %v", got)
		}
		if len(got[1].Tags) != 1 || got[1].Tags[0] != "bravo" {
			t.Errorf("relations not loaded: %v", got[1].Tags)
		}
	})

	t.Run("filters by id or name", func(t *testing.T) {
		got, err := db.ListDatasets(ctx, []string{"id-alpha", "charlie", "missing"})
		if err != nil {
			t.Fatalf("ListDatasets() error = %v", err)
		}
		if len(got) != 2 || got[0].Name != "alpha" || got[1].Name != "charlie" {
			t.Errorf("ListDatasets() = %v", got)
		}
	})
}

func TestSQLiteDatabase_SetDatasetExtra(t *testing.T) {
	t.Run("adds then replaces the value", func(t *testing.T) {
		db, _ := newTestDB(t)
		ctx := context.Background()
		if _, err := db.SaveDataset(ctx, sampleDataset()); err != nil {
			t.Fatal(err)
		}

		if err := db.SetDatasetExtra(ctx, "ds-1", "syndicated_id", "remote-1"); err != nil {
			t.Fatalf("SetDatasetExtra() error = %v", err)
		}
		if err := db.SetDatasetExtra(ctx, "ds-1", "syndicated_id", "remote-2"); err != nil {
			t.Fatalf("SetDatasetExtra() error = %v", err)
		}

		var count int
		if err := db.db.QueryRow("SELECT COUNT(*) FROM dataset_extras WHERE dataset_id = 'ds-1' AND key = 'syndicated_id'").Scan(&count); err != nil {
			t.Fatal(err)
		}
		if count != 1 {
			t.Errorf("extra rows = %d, want 1", count)
		}

		got, err := db.GetDataset(ctx, "ds-1")
		if err != nil {
			t.Fatal(err)
		}
		if v, _ := got.Extra("syndicated_id"); v != "remote-2" {
			t.Errorf("syndicated_id = %q, want %q", v, "remote-2")
		}
	})

	t.Run("returns ErrNotFound for unknown dataset", func(t *testing.T) {
		db, _ := newTestDB(t)
		err := db.SetDatasetExtra(context.Background(), "missing", "k", "v")
		if !errors.Is(err, syndicate.ErrNotFound) {
			t.Errorf("SetDatasetExtra() error = %v, want ErrNotFound", err)
		}
	})
}

func TestSQLiteDatabase_Reindex(t *testing.T) {
	db, clock := newTestDB(t)
	ctx := context.Background()
	if _, err := db.SaveDataset(ctx, sampleDataset()); err != nil {
		t.Fatal(err)
	}

	clock.now = clock.now.Add(5 * time.Minute)
	if err := db.Reindex(ctx, "ds-1"); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}

	got, err := db.GetDataset(ctx, "ds-1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.MetadataModified.Equal(clock.now) {
		t.Errorf("MetadataModified = %v, want %v", got.MetadataModified, clock.now)
	}

	if err := db.Reindex(ctx, "missing"); !errors.Is(err, syndicate.ErrNotFound) {
		t.Errorf("Reindex(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDatabase_GetGroup(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	if err := db.SaveGroup(ctx, &model.Group{Name: "rivers", Title: "Rivers"}); err != nil {
		t.Fatalf("SaveGroup() error = %v", err)
	}

	got, err := db.GetGroup(ctx, "rivers")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if got.ID != "gen-1" || got.Type != "group" || got.IsOrganization {
		t.Errorf("GetGroup() = %+v", got)
	}

	if _, err := db.GetGroup(ctx, "missing"); !errors.Is(err, syndicate.ErrNotFound) {
		t.Errorf("GetGroup(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteDatabase_SaveDataset_OrganizationByName(t *testing.T) {
	db, _ := newTestDB(t)
	ctx := context.Background()

	air := &model.Dataset{Name: "air", Organization: &model.Group{Name: "city", IsOrganization: true}}
	if _, err := db.SaveDataset(ctx, air); err != nil {
		t.Fatalf("SaveDataset(air) error = %v", err)
	}
	water := &model.Dataset{Name: "water", Organization: &model.Group{Name: "city", Title: "City", IsOrganization: true}}
	if _, err := db.SaveDataset(ctx, water); err != nil {
		t.Fatalf("SaveDataset(water) error = %v", err)
	}

	if water.OwnerOrg != air.OwnerOrg {
		t.Errorf("OwnerOrg = %q, want %q", water.OwnerOrg, air.OwnerOrg)
	}

	org, err := db.GetGroup(ctx, "city")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if org.ID != air.OwnerOrg || org.Title != "City" {
		t.Errorf("GetGroup() = %+v", org)
	}

	got, err := db.GetDataset(ctx, "air")
	if err != nil {
		t.Fatalf("GetDataset() error = %v", err)
	}
	if got.Organization == nil || got.Organization.ID != org.ID {
		t.Errorf("Organization = %+v, want %s", got.Organization, org.ID)
	}
}

func TestSQLiteDatabase_SyncHistory(t *testing.T) {
	db, clock := newTestDB(t)
	ctx := context.Background()

	first, err := db.CreateSyncOperation(ctx, "sync", "ds-1")
	if err != nil {
		t.Fatalf("CreateSyncOperation() error = %v", err)
	}
	second, err := db.CreateSyncOperation(ctx, "check", "")
	if err != nil {
		t.Fatalf("CreateSyncOperation() error = %v", err)
	}
	if second.ID <= first.ID {
		t.Errorf("ids not increasing: %d, %d", first.ID, second.ID)
	}

	clock.now = clock.now.Add(time.Second)
	if err := db.FinishSyncOperation(ctx, first.ID, "success"); err != nil {
		t.Fatalf("FinishSyncOperation() error = %v", err)
	}

	ops, err := db.ListSyncOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListSyncOperations() error = %v", err)
	}
	if len(ops) != 2 || ops[0].ID != second.ID {
		t.Fatalf("ListSyncOperations() = %v, want newest first", ops)
	}
	if ops[1].Status != "success" || !ops[1].FinishedAt.Valid {
		t.Errorf("finished op = %+v", ops[1])
	}
	if ops[0].FinishedAt.Valid {
		t.Error("running op should have no finish time")
	}

	limited, err := db.ListSyncOperations(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("ListSyncOperations(1) returned %d ops", len(limited))
	}

	attempt := &syndicate.Attempt{
		OperationID:   first.ID,
		DatasetID:     "ds-1",
		ProfileID:     "portal",
		Topic:         syndicate.TopicCreate,
		ResolvedTopic: syndicate.TopicUpdate,
		RemoteID:      "remote-1",
		Status:        "success",
	}
	if err := db.RecordAttempt(ctx, attempt); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}
	if err := db.RecordAttempt(ctx, &syndicate.Attempt{DatasetID: "ds-2", ProfileID: "portal", Topic: syndicate.TopicUpdate, Status: "error", Error: "boom"}); err != nil {
		t.Fatalf("RecordAttempt() error = %v", err)
	}

	got, err := db.ListAttempts(ctx, "ds-1")
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListAttempts() returned %d attempts, want 1", len(got))
	}
	if got[0].Topic != syndicate.TopicCreate || got[0].ResolvedTopic != syndicate.TopicUpdate || got[0].OperationID != first.ID {
		t.Errorf("attempt = %+v", got[0])
	}

	all, err := db.ListAttempts(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[1].ResolvedTopic != syndicate.TopicUnknown || all[1].OperationID != 0 {
		t.Errorf("ListAttempts(all) = %+v", all)
	}
}
