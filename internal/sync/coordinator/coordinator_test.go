package coordinator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quillstone/charsync/internal/storage/sqlite"
	"github.com/quillstone/charsync/internal/sync/conflict"
	"github.com/quillstone/charsync/internal/sync/domain"
	"github.com/quillstone/charsync/internal/sync/version"
	"github.com/quillstone/charsync/internal/transport/memory"
)

type publishSink struct {
	mu       sync.Mutex
	messages []domain.SyncMessage
}

func (p *publishSink) handler() func(context.Context, domain.SyncMessage) {
	return func(ctx context.Context, message domain.SyncMessage) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.messages = append(p.messages, message)
	}
}

func (p *publishSink) all() []domain.SyncMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.SyncMessage(nil), p.messages...)
}

type testHarness struct {
	store       *sqlite.Store
	versions    *version.Service
	coordinator *Coordinator
	remote      *memory.End
	published   *publishSink
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "syncd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})

	local, remote := memory.NewPair()
	published := &publishSink{}
	remote.HandleSync(published.handler())

	versions := version.NewService(store)
	coordinator := NewCoordinator(store, versions, conflict.NewResolver(), local, nil)
	coordinator.Attach()

	return &testHarness{
		store:       store,
		versions:    versions,
		coordinator: coordinator,
		remote:      remote,
		published:   published,
	}
}

func (h *testHarness) subscribe(t *testing.T, fields []string, direction domain.SyncDirection) domain.SyncSubscription {
	t.Helper()
	created := time.Now().UTC()
	subscription := domain.SyncSubscription{
		ID:        "sub-1",
		EntityID:  "ent-1",
		RemoteID:  "remote-1",
		Fields:    fields,
		Direction: direction,
		SyncMode:  domain.SyncModeBatch,
		Active:    true,
		CreatedAt: created,
		UpdatedAt: created,
	}
	if err := h.store.CreateSubscription(context.Background(), subscription); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	if err := h.store.PutSyncMetadata(context.Background(), domain.SyncMetadata{
		EntityID: "ent-1",
		RemoteID: "remote-1",
		LastSync: created,
	}); err != nil {
		t.Fatalf("seed metadata: %v", err)
	}
	return subscription
}

func (h *testHarness) createVersion(t *testing.T, state string) domain.StateVersion {
	t.Helper()
	created, err := h.versions.CreateVersion(context.Background(), version.CreateVersionInput{
		EntityID: "ent-1",
		State:    domain.EntityState(state),
	})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	return created
}

func TestSyncAllPushesMatchedChanges(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, []string{"hit_points", "level"}, domain.DirectionBidirectional)

	h.createVersion(t, `{"hit_points":10,"level":1,"notes":"private"}`)
	h.createVersion(t, `{"hit_points":7,"level":1,"notes":"still private"}`)

	if err := h.coordinator.SyncAll(context.Background()); err != nil {
		t.Fatalf("sync all: %v", err)
	}

	messages := h.published.all()
	if len(messages) != 1 {
		t.Fatalf("published = %+v", messages)
	}
	message := messages[0]
	if message.EntityID != "ent-1" || message.RemoteID != "remote-1" || message.LocalVersion != 2 {
		t.Fatalf("message = %+v", message)
	}
	for _, change := range message.Changes {
		if change.FieldPath == "notes" {
			t.Fatalf("unmatched field leaked: %+v", message.Changes)
		}
	}

	metadata, err := h.store.GetSyncMetadata(context.Background(), "ent-1", "remote-1")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if metadata.LocalVersion != 2 {
		t.Fatalf("metadata local version = %d", metadata.LocalVersion)
	}

	// A second sweep with no new versions publishes nothing.
	if err := h.coordinator.SyncAll(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if messages := h.published.all(); len(messages) != 1 {
		t.Fatalf("published after idle sweep = %+v", messages)
	}
}

func TestSyncAllNeverEchoesRemoteChanges(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, []string{"*"}, domain.DirectionBidirectional)

	h.createVersion(t, `{"hit_points":10}`)
	if err := h.coordinator.SyncAll(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}

	// A synced version's changes stay local.
	if _, err := h.versions.CreateVersion(context.Background(), version.CreateVersionInput{
		EntityID: "ent-1",
		State:    domain.EntityState(`{"hit_points":5}`),
		Source:   domain.SourceSync,
	}); err != nil {
		t.Fatalf("create synced version: %v", err)
	}
	if err := h.coordinator.SyncAll(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if messages := h.published.all(); len(messages) != 1 {
		t.Fatalf("published = %+v", messages)
	}
}

func TestHandleInboundAppliesRemoteOnlyChange(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, []string{"*"}, domain.DirectionBidirectional)
	h.createVersion(t, `{"hit_points":10,"level":1}`)
	// Push version 1 so both sides share it as the base.
	if err := h.coordinator.SyncAll(context.Background()); err != nil {
		t.Fatalf("sync base: %v", err)
	}

	err := h.coordinator.HandleInbound(context.Background(), domain.SyncMessage{
		MessageID:    "msg-1",
		EntityID:     "ent-1",
		RemoteID:     "remote-1",
		LocalVersion: 7,
		Timestamp:    time.Now().UTC(),
		Changes: []domain.ChangePayload{{
			FieldPath: "level",
			OldValue:  float64(1),
			NewValue:  float64(2),
		}},
	})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	head, err := h.store.GetLatestVersion(context.Background(), "ent-1")
	if err != nil {
		t.Fatalf("get head: %v", err)
	}
	if head.Number != 2 || head.Source != domain.SourceSync {
		t.Fatalf("head = #%d source %q", head.Number, head.Source)
	}
	if string(head.State) != `{"hit_points":10,"level":2}` {
		t.Fatalf("state = %s", head.State)
	}

	metadata, err := h.store.GetSyncMetadata(context.Background(), "ent-1", "remote-1")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if metadata.RemoteVersion != 7 || metadata.LocalVersion != 2 {
		t.Fatalf("metadata = %+v", metadata)
	}
}

func TestHandleInboundResolvesConflict(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, []string{"*"}, domain.DirectionBidirectional)

	// Both sides share version 1, then diverge on hit_points.
	h.createVersion(t, `{"hit_points":15}`)
	if err := h.coordinator.SyncAll(context.Background()); err != nil {
		t.Fatalf("sync base: %v", err)
	}
	h.createVersion(t, `{"hit_points":8}`)

	err := h.coordinator.HandleInbound(context.Background(), domain.SyncMessage{
		MessageID:    "msg-1",
		EntityID:     "ent-1",
		RemoteID:     "remote-1",
		LocalVersion: 2,
		Timestamp:    time.Now().UTC(),
		Changes: []domain.ChangePayload{{
			FieldPath: "hit_points",
			OldValue:  float64(15),
			NewValue:  float64(5),
		}},
	})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}

	head, err := h.store.GetLatestVersion(context.Background(), "ent-1")
	if err != nil {
		t.Fatalf("get head: %v", err)
	}
	if string(head.State) != `{"hit_points":5}` {
		t.Fatalf("state = %s", head.State)
	}

	conflicts, err := h.store.ListConflicts(context.Background(), "ent-1", 10)
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %+v", conflicts)
	}
	audit := conflicts[0]
	if audit.FieldPath != "hit_points" || !audit.Resolved {
		t.Fatalf("audit = %+v", audit)
	}
	if audit.ResolvedValue != float64(5) || audit.LocalValue != float64(8) {
		t.Fatalf("audit values = %+v", audit)
	}
}

func TestHandleInboundDropsUnknownAndStale(t *testing.T) {
	h := newHarness(t)

	// No subscription at all: dropped without error.
	err := h.coordinator.HandleInbound(context.Background(), domain.SyncMessage{
		MessageID: "msg-1", EntityID: "ent-9", RemoteID: "remote-1",
	})
	if err != nil {
		t.Fatalf("unknown pair: %v", err)
	}

	h.subscribe(t, []string{"*"}, domain.DirectionBidirectional)
	h.createVersion(t, `{"level":1}`)

	// Apply remote version 5, then replay it: the duplicate is dropped.
	for i := 0; i < 2; i++ {
		err := h.coordinator.HandleInbound(context.Background(), domain.SyncMessage{
			MessageID:    "msg-2",
			EntityID:     "ent-1",
			RemoteID:     "remote-1",
			LocalVersion: 5,
			Timestamp:    time.Now().UTC(),
			Changes: []domain.ChangePayload{{
				FieldPath: "level",
				NewValue:  float64(2),
			}},
		})
		if err != nil {
			t.Fatalf("inbound %d: %v", i, err)
		}
	}
	history, err := h.store.ListVersions(context.Background(), "ent-1", 0, 0, 0)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("versions = %d, duplicate was applied", len(history))
	}
}

func TestHandleInboundIgnoresPushOnlySubscription(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, []string{"*"}, domain.DirectionPush)
	h.createVersion(t, `{"level":1}`)

	err := h.coordinator.HandleInbound(context.Background(), domain.SyncMessage{
		MessageID:    "msg-1",
		EntityID:     "ent-1",
		RemoteID:     "remote-1",
		LocalVersion: 1,
		Changes:      []domain.ChangePayload{{FieldPath: "level", NewValue: float64(9)}},
	})
	if err != nil {
		t.Fatalf("handle inbound: %v", err)
	}
	head, err := h.store.GetLatestVersion(context.Background(), "ent-1")
	if err != nil {
		t.Fatalf("get head: %v", err)
	}
	if head.Number != 1 {
		t.Fatalf("push-only subscription applied a change, head = #%d", head.Number)
	}
}

func TestHandleInboundFullRefresh(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, []string{"*"}, domain.DirectionBidirectional)
	h.createVersion(t, `{"hit_points":10,"level":1}`)

	err := h.coordinator.HandleInbound(context.Background(), domain.SyncMessage{
		MessageID:    "msg-1",
		EntityID:     "ent-1",
		RemoteID:     "remote-1",
		LocalVersion: 12,
		Timestamp:    time.Now().UTC(),
		Metadata:     map[string]string{"full_state": `{"hit_points":22,"level":3}`},
	})
	if err != nil {
		t.Fatalf("handle refresh: %v", err)
	}

	head, err := h.store.GetLatestVersion(context.Background(), "ent-1")
	if err != nil {
		t.Fatalf("get head: %v", err)
	}
	if string(head.State) != `{"hit_points":22,"level":3}` {
		t.Fatalf("state = %s", head.State)
	}
	if head.Source != domain.SourceSync {
		t.Fatalf("source = %q", head.Source)
	}

	metadata, err := h.store.GetSyncMetadata(context.Background(), "ent-1", "remote-1")
	if err != nil {
		t.Fatalf("get metadata: %v", err)
	}
	if metadata.RemoteVersion != 12 || metadata.LocalVersion != head.Number {
		t.Fatalf("metadata = %+v", metadata)
	}
}

func TestPushEntityIncludesManualMode(t *testing.T) {
	h := newHarness(t)
	subscription := h.subscribe(t, []string{"*"}, domain.DirectionBidirectional)
	subscription.SyncMode = domain.SyncModeManual
	if err := h.store.UpdateSubscription(context.Background(), subscription); err != nil {
		t.Fatalf("update subscription: %v", err)
	}

	h.createVersion(t, `{"level":1}`)

	// The periodic sweep skips manual subscriptions.
	if err := h.coordinator.SyncAll(context.Background()); err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if messages := h.published.all(); len(messages) != 0 {
		t.Fatalf("manual subscription swept: %+v", messages)
	}

	// An explicit push sends them.
	if err := h.coordinator.PushEntity(context.Background(), "ent-1"); err != nil {
		t.Fatalf("push entity: %v", err)
	}
	if messages := h.published.all(); len(messages) != 1 {
		t.Fatalf("published = %+v", messages)
	}
}
