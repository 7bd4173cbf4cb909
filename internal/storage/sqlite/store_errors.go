package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/quillstone/charsync/internal/sync/domain"
)

// RecordSyncError inserts a failure record for the recovery loop.
func (s *Store) RecordSyncError(ctx context.Context, syncError domain.SyncError) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(syncError.ID) == "" {
		return fmt.Errorf("error id is required")
	}
	if strings.TrimSpace(syncError.EntityID) == "" {
		return domain.ErrEmptyEntityID
	}
	if !domain.KnownErrorType(string(syncError.Type)) {
		return fmt.Errorf("unknown error type %q", syncError.Type)
	}
	if syncError.CreatedAt.IsZero() {
		syncError.CreatedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_errors (
	id, entity_id, remote_id, error_type, error_message,
	local_version, remote_version, retry_count, last_retry, resolved, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		syncError.ID,
		syncError.EntityID,
		syncError.RemoteID,
		string(syncError.Type),
		syncError.Message,
		syncError.LocalVersion,
		syncError.RemoteVersion,
		syncError.RetryCount,
		toNullMillis(syncError.LastRetry),
		boolToInt(syncError.Resolved),
		toMillis(syncError.CreatedAt),
	); err != nil {
		return fmt.Errorf("record sync error: %w", err)
	}
	return nil
}

const syncErrorColumns = `id, entity_id, remote_id, error_type, error_message, local_version, remote_version, retry_count, last_retry, resolved, created_at`

func scanSyncError(scan func(dest ...any) error) (domain.SyncError, error) {
	var (
		syncError domain.SyncError
		errorType string
		lastRetry sql.NullInt64
		resolved  int64
		createdAt int64
	)
	if err := scan(
		&syncError.ID,
		&syncError.EntityID,
		&syncError.RemoteID,
		&errorType,
		&syncError.Message,
		&syncError.LocalVersion,
		&syncError.RemoteVersion,
		&syncError.RetryCount,
		&lastRetry,
		&resolved,
		&createdAt,
	); err != nil {
		return domain.SyncError{}, err
	}
	syncError.Type = domain.ErrorType(errorType)
	syncError.LastRetry = fromNullMillis(lastRetry)
	syncError.Resolved = resolved == 1
	syncError.CreatedAt = fromMillis(createdAt)
	return syncError, nil
}

// ListRetryableErrors returns unresolved errors below maxRetries whose last
// retry (or creation, if never retried) is older than cutoff, oldest first.
func (s *Store) ListRetryableErrors(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]domain.SyncError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+syncErrorColumns+`
FROM sync_errors
WHERE resolved = 0
  AND retry_count < ?
  AND COALESCE(last_retry, 0) <= ?
ORDER BY COALESCE(last_retry, created_at) ASC, id ASC
LIMIT ?
`, maxRetries, toMillis(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable errors: %w", err)
	}
	defer rows.Close()

	return collectSyncErrors(rows)
}

// ListSyncErrors returns newest-first errors for an entity ("" for all).
func (s *Store) ListSyncErrors(ctx context.Context, entityID string, limit int) ([]domain.SyncError, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	query := `SELECT ` + syncErrorColumns + ` FROM sync_errors`
	args := []any{}
	if strings.TrimSpace(entityID) != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sync errors: %w", err)
	}
	defer rows.Close()

	return collectSyncErrors(rows)
}

func collectSyncErrors(rows *sql.Rows) ([]domain.SyncError, error) {
	var syncErrors []domain.SyncError
	for rows.Next() {
		syncError, err := scanSyncError(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan sync error: %w", err)
		}
		syncErrors = append(syncErrors, syncError)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync errors: %w", err)
	}
	return syncErrors, nil
}

// MarkSyncErrorResolved flags an error as successfully recovered.
func (s *Store) MarkSyncErrorResolved(ctx context.Context, errorID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sync_errors SET resolved = 1 WHERE id = ?`, errorID)
	if err != nil {
		return fmt.Errorf("mark sync error resolved: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark sync error resolved affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// BumpSyncErrorRetry increments retry_count and stamps last_retry.
func (s *Store) BumpSyncErrorRetry(ctx context.Context, errorID string, lastRetry time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if lastRetry.IsZero() {
		lastRetry = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sync_errors
SET retry_count = retry_count + 1, last_retry = ?
WHERE id = ?
`, toMillis(lastRetry), errorID)
	if err != nil {
		return fmt.Errorf("bump sync error retry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("bump sync error retry affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
