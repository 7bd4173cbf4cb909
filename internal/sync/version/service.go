// Package version records and navigates the per-entity version DAG: every
// state write becomes an immutable version linked to its parent, numbered by
// a monotonic per-entity counter.
package version

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/quillstone/charsync/internal/platform/id"
	"github.com/quillstone/charsync/internal/storage"
	"github.com/quillstone/charsync/internal/sync/diff"
	"github.com/quillstone/charsync/internal/sync/domain"
)

// Repository is the persistence surface the version service needs.
type Repository interface {
	storage.EntityStore
	storage.VersionStore
}

// Service owns version creation, history, comparison, milestones, and
// restores for character entities.
type Service struct {
	repository Repository
	now        func() time.Time
	newID      func() (string, error)
}

// NewService builds a version service over a repository.
func NewService(repository Repository) *Service {
	return &Service{
		repository: repository,
		now:        time.Now,
		newID:      id.NewID,
	}
}

// CreateVersionInput describes one state write.
type CreateVersionInput struct {
	EntityID string
	State    domain.EntityState
	Label    string
	Author   string
	Source   domain.ChangeSource
	SyncMode domain.SyncMode
	// ParentID pins the version this write continues from. Empty means the
	// current head.
	ParentID string
}

// CreateVersion snapshots state as a new version. Changes against the parent
// snapshot are derived field by field. The append fails with
// domain.ErrParentMismatch when another writer advanced the same parent
// first.
func (s *Service) CreateVersion(ctx context.Context, input CreateVersionInput) (domain.StateVersion, error) {
	if err := ctx.Err(); err != nil {
		return domain.StateVersion{}, err
	}
	if strings.TrimSpace(input.EntityID) == "" {
		return domain.StateVersion{}, domain.ErrEmptyEntityID
	}
	if len(input.State) == 0 {
		return domain.StateVersion{}, domain.ErrEmptyState
	}

	parent, expectedParentNumber, err := s.resolveParent(ctx, input.EntityID, input.ParentID)
	if err != nil {
		return domain.StateVersion{}, err
	}

	syncMode := input.SyncMode
	if syncMode == "" {
		syncMode = domain.SyncModeBatch
	}
	changes := s.deriveChanges(parent.State, input.State, input.Source, syncMode)

	version, err := domain.NewStateVersion(domain.NewVersionInput{
		EntityID: input.EntityID,
		State:    input.State,
		ParentID: parent.ID,
		Label:    input.Label,
		Author:   input.Author,
		Source:   input.Source,
		Changes:  changes,
	}, s.now, s.newID)
	if err != nil {
		return domain.StateVersion{}, err
	}

	metadata := summarizeState(version.ID, input.EntityID, input.State)
	appended, err := s.repository.AppendVersion(ctx, version, metadata, expectedParentNumber)
	if err != nil {
		return domain.StateVersion{}, err
	}

	if err := s.syncEntityRow(ctx, appended); err != nil {
		return domain.StateVersion{}, err
	}
	return appended, nil
}

// resolveParent loads the pinned or head parent. A missing pinned parent is
// domain.ErrUnknownParent; an entity with no versions yet roots the DAG.
func (s *Service) resolveParent(ctx context.Context, entityID, parentID string) (domain.StateVersion, int64, error) {
	if strings.TrimSpace(parentID) != "" {
		parent, err := s.repository.GetVersion(ctx, parentID)
		if err != nil {
			if domain.IsNotFound(err) {
				return domain.StateVersion{}, 0, domain.ErrUnknownParent
			}
			return domain.StateVersion{}, 0, err
		}
		if parent.EntityID != entityID {
			return domain.StateVersion{}, 0, domain.ErrUnknownParent
		}
		// Pinned parents skip the head check: restores branch on purpose.
		return parent, -1, nil
	}

	head, err := s.repository.GetLatestVersion(ctx, entityID)
	if err != nil {
		if domain.IsNotFound(err) {
			return domain.StateVersion{}, 0, nil
		}
		return domain.StateVersion{}, 0, err
	}
	return head, head.Number, nil
}

func (s *Service) deriveChanges(base, current domain.EntityState, source domain.ChangeSource, syncMode domain.SyncMode) []domain.StateChange {
	if source == "" {
		source = domain.SourceUser
	}
	deltas := diff.Changes(base, current)
	changes := make([]domain.StateChange, 0, len(deltas))
	at := s.now().UTC()
	for _, delta := range deltas {
		changes = append(changes, domain.StateChange{
			FieldPath: delta.Path,
			OldValue:  delta.Old,
			NewValue:  delta.New,
			Timestamp: at,
			Source:    source,
			SyncMode:  syncMode,
		})
	}
	return changes
}

// syncEntityRow keeps the entity table pointing at the newest snapshot.
func (s *Service) syncEntityRow(ctx context.Context, version domain.StateVersion) error {
	err := s.repository.UpdateEntityState(ctx, version.EntityID, version.State, version.Timestamp)
	if !domain.IsNotFound(err) {
		return err
	}
	name := gjson.GetBytes(version.State, "name").String()
	return s.repository.PutEntity(ctx, domain.Entity{
		ID:        version.EntityID,
		Name:      name,
		Data:      version.State,
		CreatedAt: version.Timestamp,
		UpdatedAt: version.Timestamp,
	})
}

// summarizeState denormalizes the fields history views need most.
func summarizeState(versionID, entityID string, state domain.EntityState) domain.VersionMetadata {
	metadata := domain.VersionMetadata{
		VersionID: versionID,
		EntityID:  entityID,
		Level:     gjson.GetBytes(state, "level").Int(),
		Class:     gjson.GetBytes(state, "class").String(),
	}
	keyStats := make(map[string]int64)
	for _, stat := range []string{"hit_points", "armor_class", "experience"} {
		if value := gjson.GetBytes(state, stat); value.Exists() {
			keyStats[stat] = value.Int()
		}
	}
	if len(keyStats) > 0 {
		metadata.KeyStats = keyStats
	}
	return metadata
}

// GetVersion returns one version by id.
func (s *Service) GetVersion(ctx context.Context, versionID string) (domain.StateVersion, error) {
	return s.repository.GetVersion(ctx, versionID)
}

// GetLatestVersion returns the entity's head version.
func (s *Service) GetLatestVersion(ctx context.Context, entityID string) (domain.StateVersion, error) {
	return s.repository.GetLatestVersion(ctx, entityID)
}

// HistoryEntry pairs a version with its denormalized summary.
type HistoryEntry struct {
	Version  domain.StateVersion
	Metadata domain.VersionMetadata
}

// GetHistory returns versions of an entity ordered oldest first, bounded to
// [start, end] version numbers when positive, capped by limit.
func (s *Service) GetHistory(ctx context.Context, entityID string, start, end int64, limit int) ([]HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	versions, err := s.repository.ListVersions(ctx, entityID, start, end, limit)
	if err != nil {
		return nil, err
	}

	entries := make([]HistoryEntry, 0, len(versions))
	for _, version := range versions {
		metadata, err := s.repository.GetVersionMetadata(ctx, version.ID)
		if err != nil && !domain.IsNotFound(err) {
			return nil, err
		}
		entries = append(entries, HistoryEntry{Version: version, Metadata: metadata})
	}
	return entries, nil
}

// TreeNode is one version in the reconstructed DAG.
type TreeNode struct {
	Version  domain.StateVersion
	Metadata domain.VersionMetadata
	Children []*TreeNode
}

// GetTree rebuilds the version DAG of an entity from parent links. Roots
// come first in creation order; children are ordered by version number.
func (s *Service) GetTree(ctx context.Context, entityID string) ([]*TreeNode, error) {
	entries, err := s.GetHistory(ctx, entityID, 0, 0, 0)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*TreeNode, len(entries))
	for _, entry := range entries {
		nodes[entry.Version.ID] = &TreeNode{Version: entry.Version, Metadata: entry.Metadata}
	}

	var roots []*TreeNode
	for _, entry := range entries {
		node := nodes[entry.Version.ID]
		if parent, ok := nodes[entry.Version.ParentID]; ok {
			parent.Children = append(parent.Children, node)
			continue
		}
		roots = append(roots, node)
	}
	return roots, nil
}

// Comparison is the symmetric difference between two versions.
type Comparison struct {
	VersionA string
	VersionB string
	// Fields maps each differing path to its value in A and in B.
	Fields []FieldDiff
}

// FieldDiff is one differing field between two versions.
type FieldDiff struct {
	Path   string
	ValueA any
	ValueB any
}

// Compare diffs the snapshots of two versions of the same entity.
func (s *Service) Compare(ctx context.Context, versionAID, versionBID string) (Comparison, error) {
	if err := ctx.Err(); err != nil {
		return Comparison{}, err
	}
	versionA, err := s.repository.GetVersion(ctx, versionAID)
	if err != nil {
		return Comparison{}, err
	}
	versionB, err := s.repository.GetVersion(ctx, versionBID)
	if err != nil {
		return Comparison{}, err
	}
	if versionA.EntityID != versionB.EntityID {
		return Comparison{}, fmt.Errorf("versions %s and %s belong to different entities", versionAID, versionBID)
	}

	comparison := Comparison{VersionA: versionA.ID, VersionB: versionB.ID}
	for _, delta := range diff.Changes(versionA.State, versionB.State) {
		comparison.Fields = append(comparison.Fields, FieldDiff{
			Path:   delta.Path,
			ValueA: delta.Old,
			ValueB: delta.New,
		})
	}
	return comparison, nil
}

// MarkMilestone flags a version as a milestone with a note. Idempotent.
func (s *Service) MarkMilestone(ctx context.Context, versionID, note string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metadata, err := s.repository.GetVersionMetadata(ctx, versionID)
	if err != nil {
		return err
	}
	if metadata.IsMilestone && metadata.Note == note {
		return nil
	}
	metadata.IsMilestone = true
	metadata.Note = note
	return s.repository.UpdateVersionMetadata(ctx, metadata)
}

// Restore records the snapshot of an older version as a new version whose
// parent is that older version, branching the DAG. History is never
// rewritten.
func (s *Service) Restore(ctx context.Context, entityID, versionID, author string) (domain.StateVersion, error) {
	if err := ctx.Err(); err != nil {
		return domain.StateVersion{}, err
	}
	target, err := s.repository.GetVersion(ctx, versionID)
	if err != nil {
		return domain.StateVersion{}, err
	}
	if target.EntityID != entityID {
		return domain.StateVersion{}, domain.ErrUnknownParent
	}

	return s.CreateVersion(ctx, CreateVersionInput{
		EntityID: entityID,
		State:    target.State,
		Label:    fmt.Sprintf("restore of version %d", target.Number),
		Author:   author,
		Source:   domain.SourceSystem,
		ParentID: target.ID,
	})
}
