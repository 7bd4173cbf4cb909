package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/quillstone/charsync/internal/sync/domain"
)

func TestRecordAndListSyncMessages(t *testing.T) {
	store := openTempStore(t)
	sent := time.Date(2026, 4, 12, 9, 0, 0, 0, time.UTC)

	message := domain.SyncMessage{
		MessageID:     "msg-1",
		EntityID:      "ent-1",
		RemoteID:      "remote-1",
		LocalVersion:  3,
		RemoteVersion: 2,
		Timestamp:     sent,
		Changes: []domain.ChangePayload{{
			FieldPath: "hit_points",
			OldValue:  float64(15),
			NewValue:  float64(8),
		}},
	}
	if err := store.RecordSyncMessage(context.Background(), message); err != nil {
		t.Fatalf("record: %v", err)
	}

	messages, err := store.ListSyncMessages(context.Background(), "ent-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("messages = %+v", messages)
	}
	loaded := messages[0]
	if loaded.MessageID != "msg-1" || loaded.LocalVersion != 3 {
		t.Fatalf("loaded = %+v", loaded)
	}
	if len(loaded.Changes) != 1 || loaded.Changes[0].FieldPath != "hit_points" {
		t.Fatalf("changes = %+v", loaded.Changes)
	}
}

func TestMarkMessageDelivered(t *testing.T) {
	store := openTempStore(t)
	sent := time.Date(2026, 4, 12, 9, 0, 0, 0, time.UTC)

	if err := store.RecordSyncMessage(context.Background(), domain.SyncMessage{
		MessageID:    "msg-1",
		EntityID:     "ent-1",
		RemoteID:     "remote-1",
		LocalVersion: 1,
		Timestamp:    sent,
	}); err != nil {
		t.Fatalf("record: %v", err)
	}

	if err := store.MarkMessageDelivered(context.Background(), "msg-1", sent.Add(time.Second)); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	if err := store.MarkMessageDelivered(context.Background(), "missing", sent); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
