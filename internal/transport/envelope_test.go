package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/quillstone/charsync/internal/sync/domain"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	message := domain.SyncMessage{
		MessageID: "msg-1",
		EntityID:  "ent-1",
		RemoteID:  "remote-1",
		Timestamp: time.Date(2026, 4, 12, 9, 0, 0, 0, time.UTC),
	}

	data, err := EncodeEnvelope(KindSync, "", message)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	envelope, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Kind != KindSync {
		t.Fatalf("kind = %q", envelope.Kind)
	}
	decoded, err := domain.DecodeSyncMessage(envelope.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.MessageID != "msg-1" {
		t.Fatalf("message id = %q", decoded.MessageID)
	}
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	if _, err := DecodeEnvelope([]byte("not json")); !errors.Is(err, domain.ErrMalformedMessage) {
		t.Fatalf("expected malformed message, got %v", err)
	}
	if _, err := DecodeEnvelope([]byte(`{"payload":{}}`)); !errors.Is(err, domain.ErrMalformedMessage) {
		t.Fatalf("expected malformed message for missing kind, got %v", err)
	}
}
