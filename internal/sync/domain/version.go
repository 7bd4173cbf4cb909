// Package domain defines the entities of the character state sync engine:
// versions, changes, subscriptions, conflicts, sync errors, and the wire
// messages exchanged with a remote campaign service.
package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/quillstone/charsync/internal/platform/errors"
	"github.com/quillstone/charsync/internal/platform/id"
)

// ChangeSource identifies who or what produced a state change.
type ChangeSource string

const (
	// SourceUser indicates a change made directly by a player or GM.
	SourceUser ChangeSource = "user"
	// SourceSystem indicates a change made by the local system (restore,
	// recovery, derived stats).
	SourceSystem ChangeSource = "system"
	// SourceSync indicates a change applied from a remote sync message.
	SourceSync ChangeSource = "sync"
)

// ChangeSourceFromLabel parses a string label into a ChangeSource.
func ChangeSourceFromLabel(label string) (ChangeSource, error) {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "user":
		return SourceUser, nil
	case "system":
		return SourceSystem, nil
	case "sync":
		return SourceSync, nil
	default:
		return "", apperrors.WithMetadata(apperrors.CodeVersionInvalidSource,
			fmt.Sprintf("invalid change source %q", label),
			map[string]string{"source": label})
	}
}

// SyncMode controls how eagerly a change propagates to the remote party.
type SyncMode string

const (
	// SyncModeRealtime pushes changes as soon as they are recorded.
	SyncModeRealtime SyncMode = "realtime"
	// SyncModeBatch defers changes to the periodic sync loop.
	SyncModeBatch SyncMode = "batch"
	// SyncModeManual never pushes automatically; changes wait for an
	// explicit push call.
	SyncModeManual SyncMode = "manual"
)

// EntityState is the JSON-encoded nested state of a character entity. Field
// paths address into it with dotted segments and numeric list indexes.
type EntityState = json.RawMessage

// StateChange records one field-level mutation. Immutable once recorded.
type StateChange struct {
	FieldPath string
	OldValue  any
	NewValue  any
	Timestamp time.Time
	Source    ChangeSource
	SyncMode  SyncMode
}

// StateVersion is one immutable node in an entity's version DAG.
type StateVersion struct {
	ID       string
	EntityID string
	// Number is the monotonic per-entity version counter used by the sync
	// protocol. The DAG itself is linked by ID.
	Number    int64
	ParentID  string // empty for a root version
	Label     string
	Author    string
	Source    ChangeSource
	Timestamp time.Time
	Changes   []StateChange
	// State is the full snapshot recorded at this version.
	State EntityState
}

// VersionMetadata is the denormalized per-version summary used for fast
// history and tree rendering. Created and updated only alongside a version.
type VersionMetadata struct {
	VersionID   string
	EntityID    string
	Level       int64
	Class       string
	KeyStats    map[string]int64
	IsMilestone bool
	// BranchPoint marks versions with more than one child, created when a
	// restore branches the DAG.
	BranchPoint bool
	Note        string
}

// NewVersionInput describes the inputs needed to record a new version.
type NewVersionInput struct {
	EntityID string
	State    EntityState
	ParentID string
	Label    string
	Author   string
	Source   ChangeSource
	Changes  []StateChange
}

// NewStateVersion builds an unnumbered StateVersion with a generated ID and
// timestamp. Number assignment happens in storage under the per-entity
// compare-and-append.
func NewStateVersion(input NewVersionInput, now func() time.Time, idGenerator func() (string, error)) (StateVersion, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}
	if strings.TrimSpace(input.EntityID) == "" {
		return StateVersion{}, ErrEmptyEntityID
	}
	if len(input.State) == 0 {
		return StateVersion{}, ErrEmptyState
	}
	if input.Source == "" {
		input.Source = SourceUser
	}
	if _, err := ChangeSourceFromLabel(string(input.Source)); err != nil {
		return StateVersion{}, err
	}

	versionID, err := idGenerator()
	if err != nil {
		return StateVersion{}, fmt.Errorf("generate version id: %w", err)
	}
	return StateVersion{
		ID:        versionID,
		EntityID:  strings.TrimSpace(input.EntityID),
		ParentID:  strings.TrimSpace(input.ParentID),
		Label:     strings.TrimSpace(input.Label),
		Author:    strings.TrimSpace(input.Author),
		Source:    input.Source,
		Timestamp: now().UTC(),
		Changes:   input.Changes,
		State:     input.State,
	}, nil
}
