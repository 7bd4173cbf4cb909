package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/quillstone/charsync/internal/sync/domain"
)

func TestRecordAndResolveConflict(t *testing.T) {
	store := openTempStore(t)
	created := time.Date(2026, 4, 12, 9, 0, 0, 0, time.UTC)

	conflict := domain.SyncConflict{
		ID:           "conf-1",
		EntityID:     "ent-1",
		RemoteID:     "remote-1",
		FieldPath:    "hit_points",
		BaseValue:    float64(15),
		LocalValue:   float64(8),
		RemoteValue:  float64(5),
		StrategyUsed: "numeric_min",
		Reason:       "lower damage total wins",
		CreatedAt:    created,
	}
	if err := store.RecordConflict(context.Background(), conflict); err != nil {
		t.Fatalf("record: %v", err)
	}

	unresolved, err := store.ListUnresolvedConflicts(context.Background(), 10)
	if err != nil {
		t.Fatalf("list unresolved: %v", err)
	}
	if len(unresolved) != 1 || unresolved[0].ID != "conf-1" {
		t.Fatalf("unresolved = %+v", unresolved)
	}
	if unresolved[0].LocalValue != float64(8) || unresolved[0].RemoteValue != float64(5) {
		t.Fatalf("values = %v/%v", unresolved[0].LocalValue, unresolved[0].RemoteValue)
	}

	resolvedAt := created.Add(time.Second)
	if err := store.ResolveConflict(context.Background(), "conf-1", float64(5), resolvedAt); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	unresolved, err = store.ListUnresolvedConflicts(context.Background(), 10)
	if err != nil {
		t.Fatalf("list unresolved after resolve: %v", err)
	}
	if len(unresolved) != 0 {
		t.Fatalf("unresolved after resolve = %+v", unresolved)
	}

	all, err := store.ListConflicts(context.Background(), "ent-1", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("all = %+v", all)
	}
	if !all[0].Resolved || all[0].ResolvedValue != float64(5) {
		t.Fatalf("resolved conflict = %+v", all[0])
	}
	if !all[0].ResolvedAt.Equal(resolvedAt) {
		t.Fatalf("resolved at = %v", all[0].ResolvedAt)
	}
}

func TestListConflictsScopedToEntity(t *testing.T) {
	store := openTempStore(t)
	created := time.Date(2026, 4, 12, 9, 0, 0, 0, time.UTC)

	for i, entityID := range []string{"ent-1", "ent-2"} {
		conflict := domain.SyncConflict{
			ID:           "conf-" + entityID,
			EntityID:     entityID,
			RemoteID:     "remote-1",
			FieldPath:    "level",
			StrategyUsed: "last_write_wins",
			CreatedAt:    created.Add(time.Duration(i) * time.Second),
		}
		if err := store.RecordConflict(context.Background(), conflict); err != nil {
			t.Fatalf("record %s: %v", entityID, err)
		}
	}

	conflicts, err := store.ListConflicts(context.Background(), "ent-2", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].EntityID != "ent-2" {
		t.Fatalf("conflicts = %+v", conflicts)
	}
}
