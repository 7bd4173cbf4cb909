package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ChangePayload is the wire form of a StateChange.
type ChangePayload struct {
	FieldPath string    `json:"field_path"`
	OldValue  any       `json:"old_value"`
	NewValue  any       `json:"new_value"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	SyncMode  string    `json:"sync_mode,omitempty"`
}

// SyncMessage is the wire shape of one batch of changes for one
// (entity, remote) pair.
type SyncMessage struct {
	MessageID     string            `json:"message_id"`
	EntityID      string            `json:"entity_id"`
	RemoteID      string            `json:"remote_id"`
	LocalVersion  int64             `json:"local_version"`
	RemoteVersion int64             `json:"remote_version"`
	Changes       []ChangePayload   `json:"changes"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ControlAction identifies a subscription control message.
type ControlAction string

const (
	// ControlSubscribe announces a new subscription to the remote party.
	ControlSubscribe ControlAction = "subscribe"
	// ControlUnsubscribe announces subscription deactivation.
	ControlUnsubscribe ControlAction = "unsubscribe"
	// ControlHeartbeat confirms a subscription is still wanted.
	ControlHeartbeat ControlAction = "heartbeat"
	// ControlRefresh requests a full state refresh from the remote party.
	ControlRefresh ControlAction = "refresh"
)

// ControlMessage is the wire shape of subscription lifecycle traffic.
type ControlMessage struct {
	Action    ControlAction `json:"action"`
	EntityID  string        `json:"entity_id"`
	RemoteID  string        `json:"remote_id"`
	Fields    []string      `json:"fields,omitempty"`
	SyncMode  string        `json:"sync_mode,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ControlReply is the remote party's response to a control message.
type ControlReply struct {
	Status string `json:"status"` // accepted | rejected
	Reason string `json:"reason,omitempty"`
}

// Accepted reports whether the reply acknowledges the control message.
func (r ControlReply) Accepted() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), "accepted")
}

// EncodeSyncMessage serializes a SyncMessage for transport.
func EncodeSyncMessage(msg SyncMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode sync message: %w", err)
	}
	return data, nil
}

// DecodeSyncMessage parses and validates an inbound SyncMessage.
func DecodeSyncMessage(data []byte) (SyncMessage, error) {
	var msg SyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SyncMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if strings.TrimSpace(msg.MessageID) == "" ||
		strings.TrimSpace(msg.EntityID) == "" ||
		strings.TrimSpace(msg.RemoteID) == "" {
		return SyncMessage{}, ErrMalformedMessage
	}
	return msg, nil
}

// ChangesToPayload converts domain changes to their wire form.
func ChangesToPayload(changes []StateChange) []ChangePayload {
	payload := make([]ChangePayload, 0, len(changes))
	for _, c := range changes {
		payload = append(payload, ChangePayload{
			FieldPath: c.FieldPath,
			OldValue:  c.OldValue,
			NewValue:  c.NewValue,
			Timestamp: c.Timestamp.UTC(),
			Source:    string(c.Source),
			SyncMode:  string(c.SyncMode),
		})
	}
	return payload
}

// ChangesFromPayload converts wire changes back to domain changes. Unknown
// sources fall back to SourceSync since the values arrived over the wire.
func ChangesFromPayload(payload []ChangePayload) []StateChange {
	changes := make([]StateChange, 0, len(payload))
	for _, p := range payload {
		source, err := ChangeSourceFromLabel(p.Source)
		if err != nil {
			source = SourceSync
		}
		changes = append(changes, StateChange{
			FieldPath: p.FieldPath,
			OldValue:  p.OldValue,
			NewValue:  p.NewValue,
			Timestamp: p.Timestamp,
			Source:    source,
			SyncMode:  SyncMode(p.SyncMode),
		})
	}
	return changes
}
