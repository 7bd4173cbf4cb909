package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/quillstone/charsync/internal/sync/domain"
)

// RecordConflict inserts one conflict audit row.
func (s *Store) RecordConflict(ctx context.Context, conflict domain.SyncConflict) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(conflict.ID) == "" {
		return fmt.Errorf("conflict id is required")
	}
	if strings.TrimSpace(conflict.EntityID) == "" {
		return domain.ErrEmptyEntityID
	}
	if strings.TrimSpace(conflict.FieldPath) == "" {
		return fmt.Errorf("field path is required")
	}
	if conflict.CreatedAt.IsZero() {
		conflict.CreatedAt = time.Now().UTC()
	}

	baseValue, err := encodeValue(conflict.BaseValue)
	if err != nil {
		return err
	}
	localValue, err := encodeValue(conflict.LocalValue)
	if err != nil {
		return err
	}
	remoteValue, err := encodeValue(conflict.RemoteValue)
	if err != nil {
		return err
	}
	resolvedValue, err := encodeValue(conflict.ResolvedValue)
	if err != nil {
		return err
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_conflicts (
	id, entity_id, remote_id, field_path,
	base_value, local_value, remote_value,
	strategy_used, reason, resolved, resolved_value, resolved_at, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		conflict.ID,
		conflict.EntityID,
		conflict.RemoteID,
		conflict.FieldPath,
		baseValue,
		localValue,
		remoteValue,
		conflict.StrategyUsed,
		conflict.Reason,
		boolToInt(conflict.Resolved),
		resolvedValue,
		toNullMillis(conflict.ResolvedAt),
		toMillis(conflict.CreatedAt),
	); err != nil {
		return fmt.Errorf("record conflict: %w", err)
	}
	return nil
}

const conflictColumns = `id, entity_id, remote_id, field_path, base_value, local_value, remote_value, strategy_used, reason, resolved, resolved_value, resolved_at, created_at`

func scanConflict(scan func(dest ...any) error) (domain.SyncConflict, error) {
	var (
		conflict      domain.SyncConflict
		baseValue     sql.NullString
		localValue    sql.NullString
		remoteValue   sql.NullString
		resolved      int64
		resolvedValue sql.NullString
		resolvedAt    sql.NullInt64
		createdAt     int64
	)
	if err := scan(
		&conflict.ID,
		&conflict.EntityID,
		&conflict.RemoteID,
		&conflict.FieldPath,
		&baseValue,
		&localValue,
		&remoteValue,
		&conflict.StrategyUsed,
		&conflict.Reason,
		&resolved,
		&resolvedValue,
		&resolvedAt,
		&createdAt,
	); err != nil {
		return domain.SyncConflict{}, err
	}
	conflict.BaseValue = decodeValue(baseValue)
	conflict.LocalValue = decodeValue(localValue)
	conflict.RemoteValue = decodeValue(remoteValue)
	conflict.Resolved = resolved == 1
	conflict.ResolvedValue = decodeValue(resolvedValue)
	conflict.ResolvedAt = fromNullMillis(resolvedAt)
	conflict.CreatedAt = fromMillis(createdAt)
	return conflict, nil
}

// ListConflicts returns newest-first conflicts for an entity.
func (s *Store) ListConflicts(ctx context.Context, entityID string, limit int) ([]domain.SyncConflict, error) {
	return s.listConflicts(ctx, `WHERE entity_id = ?`, []any{entityID}, limit)
}

// ListUnresolvedConflicts returns pending conflicts across entities.
func (s *Store) ListUnresolvedConflicts(ctx context.Context, limit int) ([]domain.SyncConflict, error) {
	return s.listConflicts(ctx, `WHERE resolved = 0`, nil, limit)
}

func (s *Store) listConflicts(ctx context.Context, where string, args []any, limit int) ([]domain.SyncConflict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	args = append(args, limit)
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+conflictColumns+` FROM sync_conflicts `+where+` ORDER BY created_at DESC, id DESC LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []domain.SyncConflict
	for rows.Next() {
		conflict, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return conflicts, nil
}

// ResolveConflict marks a conflict resolved with its final value.
func (s *Store) ResolveConflict(ctx context.Context, conflictID string, value any, resolvedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}

	resolvedValue, err := encodeValue(value)
	if err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sync_conflicts
SET resolved = 1, resolved_value = ?, resolved_at = ?
WHERE id = ?
`, resolvedValue, toMillis(resolvedAt), conflictID)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve conflict affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
