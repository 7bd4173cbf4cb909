package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/quillstone/charsync/internal/sync/domain"
)

func TestPublishSyncReachesPeer(t *testing.T) {
	local, remote := NewPair()

	var received []domain.SyncMessage
	remote.HandleSync(func(ctx context.Context, message domain.SyncMessage) {
		received = append(received, message)
	})

	err := local.PublishSync(context.Background(), domain.SyncMessage{
		MessageID: "msg-1", EntityID: "ent-1", RemoteID: "remote-1",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(received) != 1 || received[0].MessageID != "msg-1" {
		t.Fatalf("received = %+v", received)
	}
}

func TestSendControlUsesPeerHandler(t *testing.T) {
	local, remote := NewPair()

	remote.HandleControl(func(ctx context.Context, message domain.ControlMessage) domain.ControlReply {
		if message.Action != domain.ControlSubscribe {
			return domain.ControlReply{Status: "rejected", Reason: "unexpected action"}
		}
		return domain.ControlReply{Status: "accepted"}
	})

	reply, err := local.SendControl(context.Background(), domain.ControlMessage{
		Action: domain.ControlSubscribe, EntityID: "ent-1", RemoteID: "remote-1",
	})
	if err != nil {
		t.Fatalf("send control: %v", err)
	}
	if !reply.Accepted() {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestFailWithBreaksPublishing(t *testing.T) {
	local, _ := NewPair()

	sentinel := errors.New("link down")
	local.FailWith(sentinel)
	if err := local.PublishSync(context.Background(), domain.SyncMessage{MessageID: "m"}); !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}

	local.FailWith(nil)
	if err := local.PublishSync(context.Background(), domain.SyncMessage{MessageID: "m"}); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}
