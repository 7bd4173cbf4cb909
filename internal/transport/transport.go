// Package transport moves sync and control traffic between this process and
// remote campaign services. Implementations deliver whole messages; ordering
// and retry policy belong to the callers.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quillstone/charsync/internal/sync/domain"
)

// SyncHandler consumes one inbound sync message.
type SyncHandler func(ctx context.Context, message domain.SyncMessage)

// ControlHandler answers one inbound control message.
type ControlHandler func(ctx context.Context, message domain.ControlMessage) domain.ControlReply

// Transport is the wire surface used by the sync loops.
type Transport interface {
	// PublishSync sends a batch of changes to the remote party.
	PublishSync(ctx context.Context, message domain.SyncMessage) error
	// SendControl sends a subscription lifecycle message and waits for the
	// remote party's reply.
	SendControl(ctx context.Context, message domain.ControlMessage) (domain.ControlReply, error)
	// HandleSync registers the consumer for inbound sync messages.
	HandleSync(handler SyncHandler)
	// HandleControl registers the responder for inbound control messages.
	HandleControl(handler ControlHandler)
	// Close releases the underlying connection.
	Close() error
}

// Envelope kinds multiplexed over one connection.
const (
	KindSync         = "sync"
	KindControl      = "control"
	KindControlReply = "control_reply"
)

// Envelope frames one message on the wire.
type Envelope struct {
	Kind          string          `json:"kind"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// EncodeEnvelope frames payload under kind.
func EncodeEnvelope(kind, correlationID string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	data, err := json.Marshal(Envelope{Kind: kind, CorrelationID: correlationID, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", kind, err)
	}
	return data, nil
}

// DecodeEnvelope parses one framed message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedMessage, err)
	}
	if envelope.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing envelope kind", domain.ErrMalformedMessage)
	}
	return envelope, nil
}
