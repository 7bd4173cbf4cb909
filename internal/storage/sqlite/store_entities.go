package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quillstone/charsync/internal/sync/domain"
)

// GetEntity returns the entity or domain.ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, entityID string) (domain.Entity, error) {
	if err := ctx.Err(); err != nil {
		return domain.Entity{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Entity{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityID) == "" {
		return domain.Entity{}, domain.ErrEmptyEntityID
	}

	var (
		entity    domain.Entity
		data      string
		createdAt int64
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, name, data, created_at, updated_at
FROM entities
WHERE id = ?
`, entityID).Scan(&entity.ID, &entity.Name, &data, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entity{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Entity{}, fmt.Errorf("get entity: %w", err)
	}
	entity.Data = domain.EntityState(data)
	entity.CreatedAt = fromMillis(createdAt)
	entity.UpdatedAt = fromMillis(updatedAt)
	return entity, nil
}

// PutEntity creates or replaces an entity record.
func (s *Store) PutEntity(ctx context.Context, entity domain.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entity.ID) == "" {
		return domain.ErrEmptyEntityID
	}
	if len(entity.Data) == 0 {
		return domain.ErrEmptyState
	}
	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now().UTC()
	}
	if entity.UpdatedAt.IsZero() {
		entity.UpdatedAt = entity.CreatedAt
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO entities (id, name, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name,
	data = excluded.data,
	updated_at = excluded.updated_at
`,
		entity.ID,
		entity.Name,
		string(entity.Data),
		toMillis(entity.CreatedAt),
		toMillis(entity.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put entity: %w", err)
	}
	return nil
}

// UpdateEntityState replaces the entity's data and bumps its update time.
func (s *Store) UpdateEntityState(ctx context.Context, entityID string, data domain.EntityState, updatedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(entityID) == "" {
		return domain.ErrEmptyEntityID
	}
	if len(data) == 0 {
		return domain.ErrEmptyState
	}
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE entities SET data = ?, updated_at = ? WHERE id = ?
`, string(data), toMillis(updatedAt), entityID)
	if err != nil {
		return fmt.Errorf("update entity state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update entity state affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
