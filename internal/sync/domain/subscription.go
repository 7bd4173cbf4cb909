package domain

import (
	"fmt"
	"path"
	"strings"
	"time"

	apperrors "github.com/quillstone/charsync/internal/platform/errors"
)

// SyncDirection controls which way changes flow for a subscription.
type SyncDirection string

const (
	// DirectionPush sends local changes to the remote party only.
	DirectionPush SyncDirection = "push"
	// DirectionPull applies remote changes locally only.
	DirectionPull SyncDirection = "pull"
	// DirectionBidirectional syncs both ways.
	DirectionBidirectional SyncDirection = "bidirectional"
)

// SyncDirectionFromLabel parses a string label into a SyncDirection.
func SyncDirectionFromLabel(label string) (SyncDirection, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "push":
		return DirectionPush, nil
	case "pull":
		return DirectionPull, nil
	case "bidirectional", "both":
		return DirectionBidirectional, nil
	default:
		return "", apperrors.WithMetadata(apperrors.CodeSubscriptionInvalidDirection,
			fmt.Sprintf("invalid sync direction %q", label),
			map[string]string{"direction": label})
	}
}

// Sends reports whether local changes propagate out under this direction.
func (d SyncDirection) Sends() bool {
	return d == DirectionPush || d == DirectionBidirectional
}

// Receives reports whether remote changes apply locally under this direction.
func (d SyncDirection) Receives() bool {
	return d == DirectionPull || d == DirectionBidirectional
}

// SyncSubscription is one sync relationship between a local entity and a
// remote campaign. At most one active subscription exists per pair.
type SyncSubscription struct {
	ID        string
	EntityID  string
	RemoteID  string
	Fields    []string // glob patterns over field paths
	Direction SyncDirection
	SyncMode  SyncMode
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Matches reports whether any of the subscription's field patterns covers
// fieldPath. A bare "*" matches every path; otherwise patterns follow
// path.Match semantics per dotted segment.
func (s SyncSubscription) Matches(fieldPath string) bool {
	for _, pattern := range s.Fields {
		if pattern == "*" {
			return true
		}
		if ok, err := path.Match(pattern, fieldPath); err == nil && ok {
			return true
		}
		// A prefix pattern such as "inventory.*" also covers deeper paths.
		if strings.HasSuffix(pattern, ".*") &&
			strings.HasPrefix(fieldPath, strings.TrimSuffix(pattern, "*")) {
			return true
		}
	}
	return false
}

// MatchesAny reports whether the subscription covers at least one of paths.
func (s SyncSubscription) MatchesAny(paths []string) bool {
	for _, p := range paths {
		if s.Matches(p) {
			return true
		}
	}
	return false
}

// NewSubscriptionInput describes the inputs to create a subscription.
type NewSubscriptionInput struct {
	EntityID  string
	RemoteID  string
	Fields    []string
	Direction SyncDirection
	SyncMode  SyncMode
}

// NewSyncSubscription validates input and builds an active subscription with
// a generated ID and timestamps.
func NewSyncSubscription(input NewSubscriptionInput, now func() time.Time, idGenerator func() (string, error)) (SyncSubscription, error) {
	if now == nil {
		now = time.Now
	}
	if strings.TrimSpace(input.EntityID) == "" {
		return SyncSubscription{}, ErrEmptyEntityID
	}
	if strings.TrimSpace(input.RemoteID) == "" {
		return SyncSubscription{}, ErrEmptyRemoteID
	}
	fields := make([]string, 0, len(input.Fields))
	for _, f := range input.Fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			fields = append(fields, trimmed)
		}
	}
	if len(fields) == 0 {
		return SyncSubscription{}, ErrEmptyFields
	}
	if input.Direction == "" {
		input.Direction = DirectionBidirectional
	}
	if _, err := SyncDirectionFromLabel(string(input.Direction)); err != nil {
		return SyncSubscription{}, err
	}
	if input.SyncMode == "" {
		input.SyncMode = SyncModeBatch
	}

	subscriptionID, err := idGeneratorOrDefault(idGenerator)()
	if err != nil {
		return SyncSubscription{}, fmt.Errorf("generate subscription id: %w", err)
	}
	createdAt := now().UTC()
	return SyncSubscription{
		ID:        subscriptionID,
		EntityID:  strings.TrimSpace(input.EntityID),
		RemoteID:  strings.TrimSpace(input.RemoteID),
		Fields:    fields,
		Direction: input.Direction,
		SyncMode:  input.SyncMode,
		Active:    true,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}

// SyncMetadata tracks sync progress for one (entity, remote) pair. Versions
// advance monotonically as syncs succeed.
type SyncMetadata struct {
	EntityID      string
	RemoteID      string
	LocalVersion  int64
	RemoteVersion int64
	LastSync      time.Time
}
