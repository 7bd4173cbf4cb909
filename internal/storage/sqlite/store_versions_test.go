package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quillstone/charsync/internal/sync/domain"
)

func appendTestVersion(t *testing.T, store *Store, entityID, versionID, parentID string, state string, expectedParent int64) domain.StateVersion {
	t.Helper()
	version, err := store.AppendVersion(context.Background(), domain.StateVersion{
		ID:       versionID,
		EntityID: entityID,
		ParentID: parentID,
		Source:   domain.SourceUser,
		State:    domain.EntityState(state),
	}, domain.VersionMetadata{}, expectedParent)
	if err != nil {
		t.Fatalf("append version %s: %v", versionID, err)
	}
	return version
}

func TestAppendVersionAssignsMonotonicNumbers(t *testing.T) {
	store := openTempStore(t)

	v1 := appendTestVersion(t, store, "ent-1", "v1", "", `{"level":1}`, -1)
	v2 := appendTestVersion(t, store, "ent-1", "v2", "v1", `{"level":2}`, -1)
	v3 := appendTestVersion(t, store, "ent-1", "v3", "v2", `{"level":3}`, -1)

	if v1.Number != 1 || v2.Number != 2 || v3.Number != 3 {
		t.Fatalf("numbers = %d, %d, %d", v1.Number, v2.Number, v3.Number)
	}

	// A second entity gets its own counter.
	other := appendTestVersion(t, store, "ent-2", "o1", "", `{"level":1}`, -1)
	if other.Number != 1 {
		t.Fatalf("other entity number = %d", other.Number)
	}
}

func TestAppendVersionParentMismatch(t *testing.T) {
	store := openTempStore(t)

	appendTestVersion(t, store, "ent-1", "v1", "", `{"level":1}`, -1)
	appendTestVersion(t, store, "ent-1", "v2", "v1", `{"level":2}`, 1)

	// A writer that still thinks the head is version 1 must lose.
	_, err := store.AppendVersion(context.Background(), domain.StateVersion{
		ID:       "stale",
		EntityID: "ent-1",
		ParentID: "v1",
		Source:   domain.SourceUser,
		State:    domain.EntityState(`{"level":9}`),
	}, domain.VersionMetadata{}, 1)
	if !errors.Is(err, domain.ErrParentMismatch) {
		t.Fatalf("expected parent mismatch, got %v", err)
	}
}

func TestAppendVersionUnknownParent(t *testing.T) {
	store := openTempStore(t)

	_, err := store.AppendVersion(context.Background(), domain.StateVersion{
		ID:       "v1",
		EntityID: "ent-1",
		ParentID: "ghost",
		Source:   domain.SourceUser,
		State:    domain.EntityState(`{}`),
	}, domain.VersionMetadata{}, -1)
	if !errors.Is(err, domain.ErrUnknownParent) {
		t.Fatalf("expected unknown parent, got %v", err)
	}

	// A parent from another entity is just as unknown.
	appendTestVersion(t, store, "ent-2", "other-v1", "", `{}`, -1)
	_, err = store.AppendVersion(context.Background(), domain.StateVersion{
		ID:       "v2",
		EntityID: "ent-1",
		ParentID: "other-v1",
		Source:   domain.SourceUser,
		State:    domain.EntityState(`{}`),
	}, domain.VersionMetadata{}, -1)
	if !errors.Is(err, domain.ErrUnknownParent) {
		t.Fatalf("expected unknown parent across entities, got %v", err)
	}
}

func TestAppendVersionPersistsChanges(t *testing.T) {
	store := openTempStore(t)
	changeTime := time.Date(2026, 4, 12, 10, 0, 0, 0, time.UTC)

	appendTestVersion(t, store, "ent-1", "v1", "", `{"level":1}`, -1)
	_, err := store.AppendVersion(context.Background(), domain.StateVersion{
		ID:       "v2",
		EntityID: "ent-1",
		ParentID: "v1",
		Source:   domain.SourceUser,
		State:    domain.EntityState(`{"level":2}`),
		Changes: []domain.StateChange{{
			FieldPath: "level",
			OldValue:  float64(1),
			NewValue:  float64(2),
			Timestamp: changeTime,
			Source:    domain.SourceUser,
			SyncMode:  domain.SyncModeBatch,
		}},
	}, domain.VersionMetadata{Level: 2}, -1)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	loaded, err := store.GetVersion(context.Background(), "v2")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if len(loaded.Changes) != 1 {
		t.Fatalf("changes len = %d", len(loaded.Changes))
	}
	change := loaded.Changes[0]
	if change.FieldPath != "level" || change.OldValue != float64(1) || change.NewValue != float64(2) {
		t.Fatalf("change = %+v", change)
	}
	if change.Source != domain.SourceUser || change.SyncMode != domain.SyncModeBatch {
		t.Fatalf("change tags = %q, %q", change.Source, change.SyncMode)
	}
}

func TestBranchPointMarkedOnSecondChild(t *testing.T) {
	store := openTempStore(t)

	appendTestVersion(t, store, "ent-1", "v1", "", `{"level":1}`, -1)
	appendTestVersion(t, store, "ent-1", "v2", "v1", `{"level":2}`, -1)
	// Restore back to v1 creates a sibling of v2.
	appendTestVersion(t, store, "ent-1", "v3", "v1", `{"level":1}`, -1)

	metadata, err := store.GetVersionMetadata(context.Background(), "v1")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if !metadata.BranchPoint {
		t.Fatal("expected v1 to be a branch point")
	}
}

func TestGetLatestAndByNumber(t *testing.T) {
	store := openTempStore(t)

	appendTestVersion(t, store, "ent-1", "v1", "", `{"level":1}`, -1)
	appendTestVersion(t, store, "ent-1", "v2", "v1", `{"level":2}`, -1)

	latest, err := store.GetLatestVersion(context.Background(), "ent-1")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest.ID != "v2" || latest.Number != 2 {
		t.Fatalf("latest = %s #%d", latest.ID, latest.Number)
	}

	byNumber, err := store.GetVersionByNumber(context.Background(), "ent-1", 1)
	if err != nil {
		t.Fatalf("get by number: %v", err)
	}
	if byNumber.ID != "v1" {
		t.Fatalf("by number = %s", byNumber.ID)
	}

	if _, err := store.GetLatestVersion(context.Background(), "ent-9"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListVersionsRangeAndLimit(t *testing.T) {
	store := openTempStore(t)

	appendTestVersion(t, store, "ent-1", "v1", "", `{"n":1}`, -1)
	appendTestVersion(t, store, "ent-1", "v2", "v1", `{"n":2}`, -1)
	appendTestVersion(t, store, "ent-1", "v3", "v2", `{"n":3}`, -1)
	appendTestVersion(t, store, "ent-1", "v4", "v3", `{"n":4}`, -1)

	versions, err := store.ListVersions(context.Background(), "ent-1", 2, 3, 0)
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if len(versions) != 2 || versions[0].Number != 2 || versions[1].Number != 3 {
		t.Fatalf("range = %+v", versions)
	}

	versions, err = store.ListVersions(context.Background(), "ent-1", 0, 0, 3)
	if err != nil {
		t.Fatalf("list limit: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("limit len = %d", len(versions))
	}
}

func TestUpdateVersionMetadataMilestone(t *testing.T) {
	store := openTempStore(t)

	appendTestVersion(t, store, "ent-1", "v1", "", `{"level":1}`, -1)
	metadata, err := store.GetVersionMetadata(context.Background(), "v1")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	metadata.IsMilestone = true
	metadata.Note = "campaign start"
	if err := store.UpdateVersionMetadata(context.Background(), metadata); err != nil {
		t.Fatalf("update metadata: %v", err)
	}

	loaded, err := store.GetVersionMetadata(context.Background(), "v1")
	if err != nil {
		t.Fatalf("reload metadata: %v", err)
	}
	if !loaded.IsMilestone || loaded.Note != "campaign start" {
		t.Fatalf("metadata = %+v", loaded)
	}
}
