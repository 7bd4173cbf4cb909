package domain

import (
	"fmt"
	"strings"
	"time"
)

// Entity is the authoritative current state of one game character.
type Entity struct {
	ID        string
	Name      string
	Data      EntityState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewEntity builds an entity with a generated ID and timestamps.
func NewEntity(name string, data EntityState, now func() time.Time, idGenerator func() (string, error)) (Entity, error) {
	if now == nil {
		now = time.Now
	}
	if len(data) == 0 {
		return Entity{}, ErrEmptyState
	}
	entityID, err := idGeneratorOrDefault(idGenerator)()
	if err != nil {
		return Entity{}, fmt.Errorf("generate entity id: %w", err)
	}
	createdAt := now().UTC()
	return Entity{
		ID:        entityID,
		Name:      strings.TrimSpace(name),
		Data:      data,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}
