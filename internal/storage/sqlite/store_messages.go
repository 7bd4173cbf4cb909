package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quillstone/charsync/internal/sync/domain"
)

// RecordSyncMessage persists an outbound message before publishing.
func (s *Store) RecordSyncMessage(ctx context.Context, message domain.SyncMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(message.MessageID) == "" {
		return fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(message.EntityID) == "" {
		return domain.ErrEmptyEntityID
	}

	payload, err := domain.EncodeSyncMessage(message)
	if err != nil {
		return err
	}
	createdAt := message.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO sync_messages (message_id, entity_id, remote_id, local_version, remote_version, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		message.MessageID,
		message.EntityID,
		message.RemoteID,
		message.LocalVersion,
		message.RemoteVersion,
		string(payload),
		toMillis(createdAt),
	); err != nil {
		return fmt.Errorf("record sync message: %w", err)
	}
	return nil
}

// MarkMessageDelivered flags a message as handed to the transport.
func (s *Store) MarkMessageDelivered(ctx context.Context, messageID string, deliveredAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if deliveredAt.IsZero() {
		deliveredAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sync_messages SET delivered_at = ? WHERE message_id = ?`,
		toMillis(deliveredAt), messageID)
	if err != nil {
		return fmt.Errorf("mark message delivered: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark message delivered affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListSyncMessages returns newest-first messages for an entity.
func (s *Store) ListSyncMessages(ctx context.Context, entityID string, limit int) ([]domain.SyncMessage, error) {
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
SELECT payload
FROM sync_messages
WHERE entity_id = ?
ORDER BY created_at DESC, message_id DESC
LIMIT ?
`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.SyncMessage
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan sync message: %w", err)
		}
		message, err := domain.DecodeSyncMessage([]byte(payload))
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync messages: %w", err)
	}
	return messages, nil
}
