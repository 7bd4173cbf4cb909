// Package storage defines the persistence contracts of the sync engine.
// Implementations live in subpackages; the repository is the only source of
// truth shared between background loops.
package storage

import (
	"context"
	"time"

	"github.com/quillstone/charsync/internal/sync/domain"
)

// EntityStore is the authoritative read/write surface for entity state.
type EntityStore interface {
	// GetEntity returns the entity or domain.ErrNotFound.
	GetEntity(ctx context.Context, entityID string) (domain.Entity, error)
	// PutEntity creates or replaces an entity record.
	PutEntity(ctx context.Context, entity domain.Entity) error
	// UpdateEntityState replaces the entity's data and bumps its update time.
	UpdateEntityState(ctx context.Context, entityID string, data domain.EntityState, updatedAt time.Time) error
}

// VersionStore persists the immutable version DAG.
type VersionStore interface {
	// AppendVersion assigns the next version number under a per-entity
	// compare-and-append and persists the version, its changes, and its
	// metadata in one transaction. Returns domain.ErrParentMismatch when the
	// chain advanced past expectedParentNumber concurrently; pass a negative
	// expectedParentNumber to skip the check.
	AppendVersion(ctx context.Context, version domain.StateVersion, metadata domain.VersionMetadata, expectedParentNumber int64) (domain.StateVersion, error)
	// GetVersion returns one version by DAG id, or domain.ErrNotFound.
	GetVersion(ctx context.Context, versionID string) (domain.StateVersion, error)
	// GetVersionByNumber returns one version by per-entity counter.
	GetVersionByNumber(ctx context.Context, entityID string, number int64) (domain.StateVersion, error)
	// GetLatestVersion returns the highest-numbered version of an entity,
	// or domain.ErrNotFound when the entity has none.
	GetLatestVersion(ctx context.Context, entityID string) (domain.StateVersion, error)
	// ListVersions returns versions ordered by number ascending, bounded to
	// [start, end] when those are positive, newest-capped by limit.
	ListVersions(ctx context.Context, entityID string, start, end int64, limit int) ([]domain.StateVersion, error)
	// GetVersionMetadata returns the denormalized summary for a version.
	GetVersionMetadata(ctx context.Context, versionID string) (domain.VersionMetadata, error)
	// UpdateVersionMetadata replaces a version's summary row.
	UpdateVersionMetadata(ctx context.Context, metadata domain.VersionMetadata) error
}

// SubscriptionStore owns sync subscriptions and per-pair sync metadata.
type SubscriptionStore interface {
	// CreateSubscription inserts a subscription; domain.ErrSubscriptionExists
	// when an active subscription already covers the (entity, remote) pair.
	CreateSubscription(ctx context.Context, subscription domain.SyncSubscription) error
	// GetSubscription returns the subscription for a pair, active or not.
	GetSubscription(ctx context.Context, entityID, remoteID string) (domain.SyncSubscription, error)
	// ListActiveSubscriptions returns every active subscription.
	ListActiveSubscriptions(ctx context.Context) ([]domain.SyncSubscription, error)
	// ListSubscriptionsForEntity returns all subscriptions of one entity.
	ListSubscriptionsForEntity(ctx context.Context, entityID string) ([]domain.SyncSubscription, error)
	// UpdateSubscription replaces a subscription row by id.
	UpdateSubscription(ctx context.Context, subscription domain.SyncSubscription) error
	// DeleteSubscription removes a subscription row by id.
	DeleteSubscription(ctx context.Context, subscriptionID string) error
	// GetSyncMetadata returns sync progress for a pair or domain.ErrNotFound.
	GetSyncMetadata(ctx context.Context, entityID, remoteID string) (domain.SyncMetadata, error)
	// PutSyncMetadata inserts or replaces sync progress for a pair.
	PutSyncMetadata(ctx context.Context, metadata domain.SyncMetadata) error
}

// ConflictStore records conflict audit rows.
type ConflictStore interface {
	// RecordConflict inserts one conflict row (resolved or pending).
	RecordConflict(ctx context.Context, conflict domain.SyncConflict) error
	// ListConflicts returns newest-first conflicts for an entity.
	ListConflicts(ctx context.Context, entityID string, limit int) ([]domain.SyncConflict, error)
	// ListUnresolvedConflicts returns pending conflicts across entities.
	ListUnresolvedConflicts(ctx context.Context, limit int) ([]domain.SyncConflict, error)
	// ResolveConflict marks a conflict resolved with its final value.
	ResolveConflict(ctx context.Context, conflictID string, value any, resolvedAt time.Time) error
}

// SyncErrorStore owns the persisted failure records driven by recovery.
type SyncErrorStore interface {
	// RecordSyncError inserts a failure record.
	RecordSyncError(ctx context.Context, syncError domain.SyncError) error
	// ListRetryableErrors returns unresolved errors with retry_count below
	// maxRetries whose last retry is older than cutoff, oldest first.
	ListRetryableErrors(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]domain.SyncError, error)
	// ListSyncErrors returns newest-first errors for an entity ("" for all).
	ListSyncErrors(ctx context.Context, entityID string, limit int) ([]domain.SyncError, error)
	// MarkSyncErrorResolved flags an error as successfully recovered.
	MarkSyncErrorResolved(ctx context.Context, errorID string) error
	// BumpSyncErrorRetry increments retry_count and stamps last_retry.
	BumpSyncErrorRetry(ctx context.Context, errorID string, lastRetry time.Time) error
}

// MessageStore keeps an audit trail of published sync messages.
type MessageStore interface {
	// RecordSyncMessage persists an outbound message before publishing.
	RecordSyncMessage(ctx context.Context, message domain.SyncMessage) error
	// MarkMessageDelivered flags a message as handed to the transport.
	MarkMessageDelivered(ctx context.Context, messageID string, deliveredAt time.Time) error
	// ListSyncMessages returns newest-first messages for an entity.
	ListSyncMessages(ctx context.Context, entityID string, limit int) ([]domain.SyncMessage, error)
}

// Store aggregates every persistence concern of the engine.
type Store interface {
	EntityStore
	VersionStore
	SubscriptionStore
	ConflictStore
	SyncErrorStore
	MessageStore
}
