package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quillstone/charsync/internal/sync/domain"
)

// AppendVersion assigns the next per-entity version number under a
// compare-and-append and persists the version, its changes, and its metadata
// in one transaction. No two concurrent appends can commit against the same
// parent: the loser observes domain.ErrParentMismatch.
func (s *Store) AppendVersion(ctx context.Context, version domain.StateVersion, metadata domain.VersionMetadata, expectedParentNumber int64) (domain.StateVersion, error) {
	if err := ctx.Err(); err != nil {
		return domain.StateVersion{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.StateVersion{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(version.EntityID) == "" {
		return domain.StateVersion{}, domain.ErrEmptyEntityID
	}
	if strings.TrimSpace(version.ID) == "" {
		return domain.StateVersion{}, fmt.Errorf("version id is required")
	}
	if len(version.State) == 0 {
		return domain.StateVersion{}, domain.ErrEmptyState
	}
	if version.Timestamp.IsZero() {
		version.Timestamp = time.Now().UTC()
	}
	version.Timestamp = version.Timestamp.UTC().Truncate(time.Millisecond)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StateVersion{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if version.ParentID != "" {
		var parentEntity string
		err := tx.QueryRowContext(ctx,
			`SELECT entity_id FROM state_versions WHERE id = ?`, version.ParentID,
		).Scan(&parentEntity)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StateVersion{}, domain.ErrUnknownParent
		}
		if err != nil {
			return domain.StateVersion{}, fmt.Errorf("check parent version: %w", err)
		}
		if parentEntity != version.EntityID {
			return domain.StateVersion{}, domain.ErrUnknownParent
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO version_seq (entity_id, next_number) VALUES (?, 1)
`, version.EntityID); err != nil {
		return domain.StateVersion{}, fmt.Errorf("init version seq: %w", err)
	}

	var nextNumber int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_number FROM version_seq WHERE entity_id = ?`, version.EntityID,
	).Scan(&nextNumber); err != nil {
		return domain.StateVersion{}, fmt.Errorf("get version seq: %w", err)
	}
	if expectedParentNumber >= 0 && nextNumber != expectedParentNumber+1 {
		return domain.StateVersion{}, domain.ErrParentMismatch
	}

	// The guarded update is the compare-and-append: a concurrent writer that
	// advanced the sequence first makes this update match zero rows.
	result, err := tx.ExecContext(ctx, `
UPDATE version_seq SET next_number = next_number + 1
WHERE entity_id = ? AND next_number = ?
`, version.EntityID, nextNumber)
	if err != nil {
		return domain.StateVersion{}, fmt.Errorf("advance version seq: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return domain.StateVersion{}, fmt.Errorf("advance version seq affected rows: %w", err)
	}
	if affected == 0 {
		return domain.StateVersion{}, domain.ErrParentMismatch
	}
	version.Number = nextNumber

	if _, err := tx.ExecContext(ctx, `
INSERT INTO state_versions (id, entity_id, number, parent_id, label, author, source, timestamp, state)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		version.ID,
		version.EntityID,
		version.Number,
		version.ParentID,
		version.Label,
		version.Author,
		string(version.Source),
		toMillis(version.Timestamp),
		string(version.State),
	); err != nil {
		return domain.StateVersion{}, fmt.Errorf("insert version: %w", err)
	}

	for _, change := range version.Changes {
		oldValue, err := encodeValue(change.OldValue)
		if err != nil {
			return domain.StateVersion{}, err
		}
		newValue, err := encodeValue(change.NewValue)
		if err != nil {
			return domain.StateVersion{}, err
		}
		changeTime := change.Timestamp
		if changeTime.IsZero() {
			changeTime = version.Timestamp
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO state_changes (version_id, field_path, old_value, new_value, timestamp, source, sync_mode)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
			version.ID,
			change.FieldPath,
			oldValue,
			newValue,
			toMillis(changeTime),
			string(change.Source),
			string(change.SyncMode),
		); err != nil {
			return domain.StateVersion{}, fmt.Errorf("insert change: %w", err)
		}
	}

	metadata.VersionID = version.ID
	metadata.EntityID = version.EntityID
	if err := upsertVersionMetadata(ctx, tx, metadata); err != nil {
		return domain.StateVersion{}, err
	}

	// A restore makes the parent a branch point once it gains a second child.
	if version.ParentID != "" {
		var children int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM state_versions WHERE parent_id = ?`, version.ParentID,
		).Scan(&children); err != nil {
			return domain.StateVersion{}, fmt.Errorf("count siblings: %w", err)
		}
		if children > 1 {
			if _, err := tx.ExecContext(ctx, `
UPDATE version_metadata SET branch_point = 1 WHERE version_id = ?
`, version.ParentID); err != nil {
				return domain.StateVersion{}, fmt.Errorf("mark branch point: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.StateVersion{}, fmt.Errorf("commit: %w", err)
	}
	return version, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertVersionMetadata(ctx context.Context, q rowQuerier, metadata domain.VersionMetadata) error {
	keyStats := metadata.KeyStats
	if keyStats == nil {
		keyStats = map[string]int64{}
	}
	encodedStats, err := json.Marshal(keyStats)
	if err != nil {
		return fmt.Errorf("encode key stats: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
INSERT INTO version_metadata (version_id, entity_id, level, class, key_stats, is_milestone, branch_point, note)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (version_id) DO UPDATE SET
	level = excluded.level,
	class = excluded.class,
	key_stats = excluded.key_stats,
	is_milestone = excluded.is_milestone,
	branch_point = excluded.branch_point,
	note = excluded.note
`,
		metadata.VersionID,
		metadata.EntityID,
		metadata.Level,
		metadata.Class,
		string(encodedStats),
		boolToInt(metadata.IsMilestone),
		boolToInt(metadata.BranchPoint),
		metadata.Note,
	); err != nil {
		return fmt.Errorf("upsert version metadata: %w", err)
	}
	return nil
}

const versionColumns = `id, entity_id, number, parent_id, label, author, source, timestamp, state`

func scanVersion(scan func(dest ...any) error) (domain.StateVersion, error) {
	var (
		version   domain.StateVersion
		source    string
		timestamp int64
		state     string
	)
	if err := scan(
		&version.ID,
		&version.EntityID,
		&version.Number,
		&version.ParentID,
		&version.Label,
		&version.Author,
		&source,
		&timestamp,
		&state,
	); err != nil {
		return domain.StateVersion{}, err
	}
	version.Source = domain.ChangeSource(source)
	version.Timestamp = fromMillis(timestamp)
	version.State = domain.EntityState(state)
	return version, nil
}

// GetVersion returns one version by DAG id, with its changes loaded.
func (s *Store) GetVersion(ctx context.Context, versionID string) (domain.StateVersion, error) {
	if err := ctx.Err(); err != nil {
		return domain.StateVersion{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.StateVersion{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM state_versions WHERE id = ?`, versionID)
	version, err := scanVersion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StateVersion{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StateVersion{}, fmt.Errorf("get version: %w", err)
	}
	if version.Changes, err = s.loadChanges(ctx, version.ID); err != nil {
		return domain.StateVersion{}, err
	}
	return version, nil
}

// GetVersionByNumber returns one version by per-entity counter.
func (s *Store) GetVersionByNumber(ctx context.Context, entityID string, number int64) (domain.StateVersion, error) {
	if err := ctx.Err(); err != nil {
		return domain.StateVersion{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.StateVersion{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM state_versions WHERE entity_id = ? AND number = ?`,
		entityID, number)
	version, err := scanVersion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StateVersion{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StateVersion{}, fmt.Errorf("get version by number: %w", err)
	}
	if version.Changes, err = s.loadChanges(ctx, version.ID); err != nil {
		return domain.StateVersion{}, err
	}
	return version, nil
}

// GetLatestVersion returns the highest-numbered version of an entity.
func (s *Store) GetLatestVersion(ctx context.Context, entityID string) (domain.StateVersion, error) {
	if err := ctx.Err(); err != nil {
		return domain.StateVersion{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.StateVersion{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM state_versions WHERE entity_id = ? ORDER BY number DESC LIMIT 1`,
		entityID)
	version, err := scanVersion(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StateVersion{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.StateVersion{}, fmt.Errorf("get latest version: %w", err)
	}
	if version.Changes, err = s.loadChanges(ctx, version.ID); err != nil {
		return domain.StateVersion{}, err
	}
	return version, nil
}

// ListVersions returns versions ordered by number ascending. start and end
// bound the number range when positive; limit caps the result when positive.
func (s *Store) ListVersions(ctx context.Context, entityID string, start, end int64, limit int) ([]domain.StateVersion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityID) == "" {
		return nil, domain.ErrEmptyEntityID
	}

	query := `SELECT ` + versionColumns + ` FROM state_versions WHERE entity_id = ?`
	args := []any{entityID}
	if start > 0 {
		query += ` AND number >= ?`
		args = append(args, start)
	}
	if end > 0 {
		query += ` AND number <= ?`
		args = append(args, end)
	}
	query += ` ORDER BY number ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.StateVersion
	for rows.Next() {
		version, err := scanVersion(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	for i := range versions {
		if versions[i].Changes, err = s.loadChanges(ctx, versions[i].ID); err != nil {
			return nil, err
		}
	}
	return versions, nil
}

func (s *Store) loadChanges(ctx context.Context, versionID string) ([]domain.StateChange, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT field_path, old_value, new_value, timestamp, source, sync_mode
FROM state_changes
WHERE version_id = ?
ORDER BY id ASC
`, versionID)
	if err != nil {
		return nil, fmt.Errorf("load changes: %w", err)
	}
	defer rows.Close()

	var changes []domain.StateChange
	for rows.Next() {
		var (
			change    domain.StateChange
			oldValue  sql.NullString
			newValue  sql.NullString
			timestamp int64
			source    string
			syncMode  string
		)
		if err := rows.Scan(&change.FieldPath, &oldValue, &newValue, &timestamp, &source, &syncMode); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		change.OldValue = decodeValue(oldValue)
		change.NewValue = decodeValue(newValue)
		change.Timestamp = fromMillis(timestamp)
		change.Source = domain.ChangeSource(source)
		change.SyncMode = domain.SyncMode(syncMode)
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}
	return changes, nil
}

// GetVersionMetadata returns the denormalized summary for a version.
func (s *Store) GetVersionMetadata(ctx context.Context, versionID string) (domain.VersionMetadata, error) {
	if err := ctx.Err(); err != nil {
		return domain.VersionMetadata{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.VersionMetadata{}, fmt.Errorf("storage is not configured")
	}

	var (
		metadata    domain.VersionMetadata
		keyStats    string
		isMilestone int64
		branchPoint int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT version_id, entity_id, level, class, key_stats, is_milestone, branch_point, note
FROM version_metadata
WHERE version_id = ?
`, versionID).Scan(
		&metadata.VersionID,
		&metadata.EntityID,
		&metadata.Level,
		&metadata.Class,
		&keyStats,
		&isMilestone,
		&branchPoint,
		&metadata.Note,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.VersionMetadata{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.VersionMetadata{}, fmt.Errorf("get version metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(keyStats), &metadata.KeyStats); err != nil {
		return domain.VersionMetadata{}, fmt.Errorf("decode key stats: %w", err)
	}
	metadata.IsMilestone = isMilestone == 1
	metadata.BranchPoint = branchPoint == 1
	return metadata, nil
}

// UpdateVersionMetadata replaces a version's summary row.
func (s *Store) UpdateVersionMetadata(ctx context.Context, metadata domain.VersionMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(metadata.VersionID) == "" {
		return fmt.Errorf("version id is required")
	}
	return upsertVersionMetadata(ctx, s.sqlDB, metadata)
}
