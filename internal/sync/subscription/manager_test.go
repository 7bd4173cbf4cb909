package subscription

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/quillstone/charsync/internal/storage/sqlite"
	"github.com/quillstone/charsync/internal/sync/domain"
	"github.com/quillstone/charsync/internal/transport/memory"
)

type capturedControl struct {
	mu       sync.Mutex
	messages []domain.ControlMessage
	reply    domain.ControlReply
}

func (c *capturedControl) handler() func(context.Context, domain.ControlMessage) domain.ControlReply {
	return func(ctx context.Context, message domain.ControlMessage) domain.ControlReply {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.messages = append(c.messages, message)
		if c.reply.Status == "" {
			return domain.ControlReply{Status: "accepted"}
		}
		return c.reply
	}
}

func (c *capturedControl) all() []domain.ControlMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ControlMessage(nil), c.messages...)
}

type capturedFailures struct {
	mu       sync.Mutex
	failures []domain.SyncError
}

func (c *capturedFailures) Record(ctx context.Context, failure domain.SyncError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, failure)
}

func (c *capturedFailures) all() []domain.SyncError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.SyncError(nil), c.failures...)
}

func newTestManager(t *testing.T) (*Manager, *memory.End, *capturedControl, *capturedFailures) {
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
	control := &capturedControl{}
	remote.HandleControl(control.handler())
	failures := &capturedFailures{}
	return NewManager(store, local, failures), local, control, failures
}

func subscribeInput() domain.NewSubscriptionInput {
	return domain.NewSubscriptionInput{
		EntityID:  "ent-1",
		RemoteID:  "remote-1",
		Fields:    []string{"hit_points", "inventory.*"},
		Direction: domain.DirectionBidirectional,
		SyncMode:  domain.SyncModeRealtime,
	}
}

func TestSubscribeCreatesAndAnnounces(t *testing.T) {
	manager, _, control, _ := newTestManager(t)

	subscription, err := manager.Subscribe(context.Background(), subscribeInput())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !subscription.Active || subscription.ID == "" {
		t.Fatalf("subscription = %+v", subscription)
	}

	messages := control.all()
	if len(messages) != 1 || messages[0].Action != domain.ControlSubscribe {
		t.Fatalf("control = %+v", messages)
	}
	if len(messages[0].Fields) != 2 || messages[0].SyncMode != "realtime" {
		t.Fatalf("announce = %+v", messages[0])
	}
}

func TestSubscribeRejectsDuplicatePair(t *testing.T) {
	manager, _, control, _ := newTestManager(t)

	if _, err := manager.Subscribe(context.Background(), subscribeInput()); err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	if _, err := manager.Subscribe(context.Background(), subscribeInput()); !errors.Is(err, domain.ErrSubscriptionExists) {
		t.Fatalf("expected exists, got %v", err)
	}
	// The duplicate never reaches the remote party.
	if messages := control.all(); len(messages) != 1 {
		t.Fatalf("control = %+v", messages)
	}
}

func TestUnsubscribeDeactivatesOnce(t *testing.T) {
	manager, _, control, _ := newTestManager(t)

	if _, err := manager.Subscribe(context.Background(), subscribeInput()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := manager.Unsubscribe(context.Background(), "ent-1", "remote-1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	subscription, err := manager.Get(context.Background(), "ent-1", "remote-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if subscription.Active {
		t.Fatal("subscription still active")
	}

	if err := manager.Unsubscribe(context.Background(), "ent-1", "remote-1"); !errors.Is(err, domain.ErrSubscriptionInactive) {
		t.Fatalf("expected inactive, got %v", err)
	}

	messages := control.all()
	if len(messages) != 2 || messages[1].Action != domain.ControlUnsubscribe {
		t.Fatalf("control = %+v", messages)
	}
}

func TestUpdateFieldsRequiresActive(t *testing.T) {
	manager, _, _, _ := newTestManager(t)

	if _, err := manager.Subscribe(context.Background(), subscribeInput()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	updated, err := manager.UpdateFields(context.Background(), "ent-1", "remote-1", []string{"*"})
	if err != nil {
		t.Fatalf("update fields: %v", err)
	}
	if len(updated.Fields) != 1 || updated.Fields[0] != "*" {
		t.Fatalf("fields = %v", updated.Fields)
	}

	if err := manager.Unsubscribe(context.Background(), "ent-1", "remote-1"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, err := manager.UpdateFields(context.Background(), "ent-1", "remote-1", []string{"*"}); !errors.Is(err, domain.ErrSubscriptionInactive) {
		t.Fatalf("expected inactive, got %v", err)
	}
}

func TestHeartbeatRoutesFailuresToRecovery(t *testing.T) {
	manager, local, control, failures := newTestManager(t)

	if _, err := manager.Subscribe(context.Background(), subscribeInput()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Accepted heartbeat: no failures.
	if err := manager.Heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if recorded := failures.all(); len(recorded) != 0 {
		t.Fatalf("failures = %+v", recorded)
	}

	// Rejected heartbeat: subscription failure for recovery.
	control.reply = domain.ControlReply{Status: "rejected", Reason: "unknown subscription"}
	if err := manager.Heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat rejected: %v", err)
	}
	recorded := failures.all()
	if len(recorded) != 1 || recorded[0].Type != domain.ErrorTypeSubscription {
		t.Fatalf("failures = %+v", recorded)
	}

	// Transport failure: network failure for recovery.
	local.FailWith(errors.New("link down"))
	if err := manager.Heartbeat(context.Background()); err != nil {
		t.Fatalf("heartbeat link down: %v", err)
	}
	recorded = failures.all()
	if len(recorded) != 2 || recorded[1].Type != domain.ErrorTypeNetwork {
		t.Fatalf("failures = %+v", recorded)
	}
}

func TestCleanupStaleDeactivatesSilentSubscriptions(t *testing.T) {
	manager, _, control, _ := newTestManager(t)

	current := time.Date(2026, 4, 12, 9, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return current }

	if _, err := manager.Subscribe(context.Background(), subscribeInput()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Fresh subscription survives the sweep.
	if err := manager.CleanupStale(context.Background(), DefaultStaleTimeout); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	subscription, err := manager.Get(context.Background(), "ent-1", "remote-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !subscription.Active {
		t.Fatal("fresh subscription deactivated")
	}

	// Silence past the timeout deactivates it exactly once.
	current = current.Add(DefaultStaleTimeout + time.Minute)
	for i := 0; i < 2; i++ {
		if err := manager.CleanupStale(context.Background(), DefaultStaleTimeout); err != nil {
			t.Fatalf("cleanup sweep %d: %v", i, err)
		}
	}
	subscription, err = manager.Get(context.Background(), "ent-1", "remote-1")
	if err != nil {
		t.Fatalf("get after cleanup: %v", err)
	}
	if subscription.Active {
		t.Fatal("stale subscription still active")
	}

	var unsubscribes int
	for _, message := range control.all() {
		if message.Action == domain.ControlUnsubscribe {
			unsubscribes++
		}
	}
	if unsubscribes != 1 {
		t.Fatalf("unsubscribe notifications = %d", unsubscribes)
	}
}
