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

const subscriptionColumns = `id, entity_id, remote_id, fields, direction, sync_mode, active, created_at, updated_at`

func scanSubscription(scan func(dest ...any) error) (domain.SyncSubscription, error) {
	var (
		sub       domain.SyncSubscription
		fields    string
		direction string
		syncMode  string
		active    int64
		createdAt int64
		updatedAt int64
	)
	if err := scan(
		&sub.ID,
		&sub.EntityID,
		&sub.RemoteID,
		&fields,
		&direction,
		&syncMode,
		&active,
		&createdAt,
		&updatedAt,
	); err != nil {
		return domain.SyncSubscription{}, err
	}
	if err := json.Unmarshal([]byte(fields), &sub.Fields); err != nil {
		return domain.SyncSubscription{}, fmt.Errorf("decode fields: %w", err)
	}
	sub.Direction = domain.SyncDirection(direction)
	sub.SyncMode = domain.SyncMode(syncMode)
	sub.Active = active == 1
	sub.CreatedAt = fromMillis(createdAt)
	sub.UpdatedAt = fromMillis(updatedAt)
	return sub, nil
}

// CreateSubscription inserts a subscription. The partial unique index on
// active rows enforces at most one active subscription per (entity, remote).
func (s *Store) CreateSubscription(ctx context.Context, subscription domain.SyncSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(subscription.ID) == "" {
		return fmt.Errorf("subscription id is required")
	}
	if strings.TrimSpace(subscription.EntityID) == "" {
		return domain.ErrEmptyEntityID
	}
	if strings.TrimSpace(subscription.RemoteID) == "" {
		return domain.ErrEmptyRemoteID
	}

	encodedFields, err := json.Marshal(subscription.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	if subscription.CreatedAt.IsZero() {
		subscription.CreatedAt = time.Now().UTC()
	}
	if subscription.UpdatedAt.IsZero() {
		subscription.UpdatedAt = subscription.CreatedAt
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_subscriptions (id, entity_id, remote_id, fields, direction, sync_mode, active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		subscription.ID,
		subscription.EntityID,
		subscription.RemoteID,
		string(encodedFields),
		string(subscription.Direction),
		string(subscription.SyncMode),
		boolToInt(subscription.Active),
		toMillis(subscription.CreatedAt),
		toMillis(subscription.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return domain.ErrSubscriptionExists
		}
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

// GetSubscription returns the newest subscription for a pair, active or not.
func (s *Store) GetSubscription(ctx context.Context, entityID, remoteID string) (domain.SyncSubscription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SyncSubscription{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.SyncSubscription{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT `+subscriptionColumns+`
FROM sync_subscriptions
WHERE entity_id = ? AND remote_id = ?
ORDER BY active DESC, updated_at DESC
LIMIT 1
`, entityID, remoteID)
	sub, err := scanSubscription(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncSubscription{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SyncSubscription{}, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// ListActiveSubscriptions returns every active subscription.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]domain.SyncSubscription, error) {
	return s.listSubscriptions(ctx, `WHERE active = 1`, nil)
}

// ListSubscriptionsForEntity returns all subscriptions of one entity.
func (s *Store) ListSubscriptionsForEntity(ctx context.Context, entityID string) ([]domain.SyncSubscription, error) {
	return s.listSubscriptions(ctx, `WHERE entity_id = ?`, []any{entityID})
}

func (s *Store) listSubscriptions(ctx context.Context, where string, args []any) ([]domain.SyncSubscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM sync_subscriptions `+where+` ORDER BY created_at ASC, id ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.SyncSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

// UpdateSubscription replaces a subscription row by id.
func (s *Store) UpdateSubscription(ctx context.Context, subscription domain.SyncSubscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(subscription.ID) == "" {
		return fmt.Errorf("subscription id is required")
	}

	encodedFields, err := json.Marshal(subscription.Fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}
	if subscription.UpdatedAt.IsZero() {
		subscription.UpdatedAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE sync_subscriptions
SET fields = ?, direction = ?, sync_mode = ?, active = ?, updated_at = ?
WHERE id = ?
`,
		string(encodedFields),
		string(subscription.Direction),
		string(subscription.SyncMode),
		boolToInt(subscription.Active),
		toMillis(subscription.UpdatedAt),
		subscription.ID,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subscription affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription row by id.
func (s *Store) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM sync_subscriptions WHERE id = ?`, subscriptionID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete subscription affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetSyncMetadata returns sync progress for a pair or domain.ErrNotFound.
func (s *Store) GetSyncMetadata(ctx context.Context, entityID, remoteID string) (domain.SyncMetadata, error) {
	if err := ctx.Err(); err != nil {
		return domain.SyncMetadata{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.SyncMetadata{}, fmt.Errorf("storage is not configured")
	}

	var (
		metadata domain.SyncMetadata
		lastSync int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT entity_id, remote_id, local_version, remote_version, last_sync
FROM sync_metadata
WHERE entity_id = ? AND remote_id = ?
`, entityID, remoteID).Scan(
		&metadata.EntityID,
		&metadata.RemoteID,
		&metadata.LocalVersion,
		&metadata.RemoteVersion,
		&lastSync,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncMetadata{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.SyncMetadata{}, fmt.Errorf("get sync metadata: %w", err)
	}
	if lastSync > 0 {
		metadata.LastSync = fromMillis(lastSync)
	}
	return metadata, nil
}

// PutSyncMetadata inserts or replaces sync progress for a pair.
func (s *Store) PutSyncMetadata(ctx context.Context, metadata domain.SyncMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(metadata.EntityID) == "" {
		return domain.ErrEmptyEntityID
	}
	if strings.TrimSpace(metadata.RemoteID) == "" {
		return domain.ErrEmptyRemoteID
	}

	var lastSync int64
	if !metadata.LastSync.IsZero() {
		lastSync = toMillis(metadata.LastSync)
	}
	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_metadata (entity_id, remote_id, local_version, remote_version, last_sync)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (entity_id, remote_id) DO UPDATE SET
	local_version = excluded.local_version,
	remote_version = excluded.remote_version,
	last_sync = excluded.last_sync
`,
		metadata.EntityID,
		metadata.RemoteID,
		metadata.LocalVersion,
		metadata.RemoteVersion,
		lastSync,
	); err != nil {
		return fmt.Errorf("put sync metadata: %w", err)
	}
	return nil
}
