package cache

import (
	"context"
	"strings"
	"time"

	"github.com/quillstone/charsync/internal/storage"
	"github.com/quillstone/charsync/internal/sync/domain"
)

const (
	scopeEntity          = "entity"
	scopeVersion         = "version"
	scopeLatestVersion   = "version_latest"
	scopeVersionMetadata = "version_metadata"
	scopeSubscription    = "subscription"
	scopeSyncMetadata    = "sync_metadata"
)

func entityKey(entityID string) string {
	return scopeEntity + ":id:" + strings.TrimSpace(entityID)
}

func versionKey(versionID string) string {
	return scopeVersion + ":id:" + strings.TrimSpace(versionID)
}

func latestVersionKey(entityID string) string {
	return scopeLatestVersion + ":entity:" + strings.TrimSpace(entityID)
}

func versionMetadataKey(versionID string) string {
	return scopeVersionMetadata + ":id:" + strings.TrimSpace(versionID)
}

func subscriptionKey(entityID, remoteID string) string {
	return scopeSubscription + ":pair:" + strings.TrimSpace(entityID) + ":" + strings.TrimSpace(remoteID)
}

func syncMetadataKey(entityID, remoteID string) string {
	return scopeSyncMetadata + ":pair:" + strings.TrimSpace(entityID) + ":" + strings.TrimSpace(remoteID)
}

// Store decorates a storage.Store with cache-aside reads on the hot lookup
// paths and invalidation on every write that could make them stale.
type Store struct {
	inner  storage.Store
	memory *Memory
}

var _ storage.Store = (*Store)(nil)

// Wrap layers a TTL cache over inner.
func Wrap(inner storage.Store, ttl time.Duration) *Store {
	return &Store{inner: inner, memory: NewMemory(ttl)}
}

// Invalidate drops every cached value for an entity. Used by recovery when
// cached state is suspected stale.
func (s *Store) Invalidate(entityID string) {
	s.memory.Delete(entityKey(entityID))
	s.memory.Delete(latestVersionKey(entityID))
	s.memory.DeletePrefix(scopeSubscription + ":pair:" + strings.TrimSpace(entityID) + ":")
	s.memory.DeletePrefix(scopeSyncMetadata + ":pair:" + strings.TrimSpace(entityID) + ":")
}

func (s *Store) GetEntity(ctx context.Context, entityID string) (domain.Entity, error) {
	key := entityKey(entityID)
	if cached, ok := s.memory.Get(key); ok {
		if entity, ok := cached.(domain.Entity); ok {
			return entity, nil
		}
	}
	entity, err := s.inner.GetEntity(ctx, entityID)
	if err != nil {
		return domain.Entity{}, err
	}
	s.memory.Put(key, entity)
	return entity, nil
}

func (s *Store) PutEntity(ctx context.Context, entity domain.Entity) error {
	if err := s.inner.PutEntity(ctx, entity); err != nil {
		return err
	}
	s.memory.Delete(entityKey(entity.ID))
	return nil
}

func (s *Store) UpdateEntityState(ctx context.Context, entityID string, data domain.EntityState, updatedAt time.Time) error {
	if err := s.inner.UpdateEntityState(ctx, entityID, data, updatedAt); err != nil {
		return err
	}
	s.memory.Delete(entityKey(entityID))
	return nil
}

func (s *Store) AppendVersion(ctx context.Context, version domain.StateVersion, metadata domain.VersionMetadata, expectedParentNumber int64) (domain.StateVersion, error) {
	appended, err := s.inner.AppendVersion(ctx, version, metadata, expectedParentNumber)
	if err != nil {
		return domain.StateVersion{}, err
	}
	s.memory.Delete(latestVersionKey(appended.EntityID))
	// Appending can flip the parent's branch point flag.
	if appended.ParentID != "" {
		s.memory.Delete(versionMetadataKey(appended.ParentID))
	}
	return appended, nil
}

func (s *Store) GetVersion(ctx context.Context, versionID string) (domain.StateVersion, error) {
	key := versionKey(versionID)
	if cached, ok := s.memory.Get(key); ok {
		if version, ok := cached.(domain.StateVersion); ok {
			return version, nil
		}
	}
	version, err := s.inner.GetVersion(ctx, versionID)
	if err != nil {
		return domain.StateVersion{}, err
	}
	s.memory.Put(key, version)
	return version, nil
}

func (s *Store) GetVersionByNumber(ctx context.Context, entityID string, number int64) (domain.StateVersion, error) {
	return s.inner.GetVersionByNumber(ctx, entityID, number)
}

func (s *Store) GetLatestVersion(ctx context.Context, entityID string) (domain.StateVersion, error) {
	key := latestVersionKey(entityID)
	if cached, ok := s.memory.Get(key); ok {
		if version, ok := cached.(domain.StateVersion); ok {
			return version, nil
		}
	}
	version, err := s.inner.GetLatestVersion(ctx, entityID)
	if err != nil {
		return domain.StateVersion{}, err
	}
	s.memory.Put(key, version)
	return version, nil
}

func (s *Store) ListVersions(ctx context.Context, entityID string, start, end int64, limit int) ([]domain.StateVersion, error) {
	return s.inner.ListVersions(ctx, entityID, start, end, limit)
}

func (s *Store) GetVersionMetadata(ctx context.Context, versionID string) (domain.VersionMetadata, error) {
	key := versionMetadataKey(versionID)
	if cached, ok := s.memory.Get(key); ok {
		if metadata, ok := cached.(domain.VersionMetadata); ok {
			return metadata, nil
		}
	}
	metadata, err := s.inner.GetVersionMetadata(ctx, versionID)
	if err != nil {
		return domain.VersionMetadata{}, err
	}
	s.memory.Put(key, metadata)
	return metadata, nil
}

func (s *Store) UpdateVersionMetadata(ctx context.Context, metadata domain.VersionMetadata) error {
	if err := s.inner.UpdateVersionMetadata(ctx, metadata); err != nil {
		return err
	}
	s.memory.Delete(versionMetadataKey(metadata.VersionID))
	return nil
}

func (s *Store) CreateSubscription(ctx context.Context, subscription domain.SyncSubscription) error {
	if err := s.inner.CreateSubscription(ctx, subscription); err != nil {
		return err
	}
	s.memory.Delete(subscriptionKey(subscription.EntityID, subscription.RemoteID))
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, entityID, remoteID string) (domain.SyncSubscription, error) {
	key := subscriptionKey(entityID, remoteID)
	if cached, ok := s.memory.Get(key); ok {
		if subscription, ok := cached.(domain.SyncSubscription); ok {
			return subscription, nil
		}
	}
	subscription, err := s.inner.GetSubscription(ctx, entityID, remoteID)
	if err != nil {
		return domain.SyncSubscription{}, err
	}
	s.memory.Put(key, subscription)
	return subscription, nil
}

func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]domain.SyncSubscription, error) {
	return s.inner.ListActiveSubscriptions(ctx)
}

func (s *Store) ListSubscriptionsForEntity(ctx context.Context, entityID string) ([]domain.SyncSubscription, error) {
	return s.inner.ListSubscriptionsForEntity(ctx, entityID)
}

func (s *Store) UpdateSubscription(ctx context.Context, subscription domain.SyncSubscription) error {
	if err := s.inner.UpdateSubscription(ctx, subscription); err != nil {
		return err
	}
	s.memory.Delete(subscriptionKey(subscription.EntityID, subscription.RemoteID))
	return nil
}

func (s *Store) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	if err := s.inner.DeleteSubscription(ctx, subscriptionID); err != nil {
		return err
	}
	// Only the row id is known here, so clear the whole scope.
	s.memory.DeletePrefix(scopeSubscription + ":")
	return nil
}

func (s *Store) GetSyncMetadata(ctx context.Context, entityID, remoteID string) (domain.SyncMetadata, error) {
	key := syncMetadataKey(entityID, remoteID)
	if cached, ok := s.memory.Get(key); ok {
		if metadata, ok := cached.(domain.SyncMetadata); ok {
			return metadata, nil
		}
	}
	metadata, err := s.inner.GetSyncMetadata(ctx, entityID, remoteID)
	if err != nil {
		return domain.SyncMetadata{}, err
	}
	s.memory.Put(key, metadata)
	return metadata, nil
}

func (s *Store) PutSyncMetadata(ctx context.Context, metadata domain.SyncMetadata) error {
	if err := s.inner.PutSyncMetadata(ctx, metadata); err != nil {
		return err
	}
	s.memory.Delete(syncMetadataKey(metadata.EntityID, metadata.RemoteID))
	return nil
}

func (s *Store) RecordConflict(ctx context.Context, conflict domain.SyncConflict) error {
	return s.inner.RecordConflict(ctx, conflict)
}

func (s *Store) ListConflicts(ctx context.Context, entityID string, limit int) ([]domain.SyncConflict, error) {
	return s.inner.ListConflicts(ctx, entityID, limit)
}

func (s *Store) ListUnresolvedConflicts(ctx context.Context, limit int) ([]domain.SyncConflict, error) {
	return s.inner.ListUnresolvedConflicts(ctx, limit)
}

func (s *Store) ResolveConflict(ctx context.Context, conflictID string, value any, resolvedAt time.Time) error {
	return s.inner.ResolveConflict(ctx, conflictID, value, resolvedAt)
}

func (s *Store) RecordSyncError(ctx context.Context, syncError domain.SyncError) error {
	return s.inner.RecordSyncError(ctx, syncError)
}

func (s *Store) ListRetryableErrors(ctx context.Context, cutoff time.Time, maxRetries, limit int) ([]domain.SyncError, error) {
	return s.inner.ListRetryableErrors(ctx, cutoff, maxRetries, limit)
}

func (s *Store) ListSyncErrors(ctx context.Context, entityID string, limit int) ([]domain.SyncError, error) {
	return s.inner.ListSyncErrors(ctx, entityID, limit)
}

func (s *Store) MarkSyncErrorResolved(ctx context.Context, errorID string) error {
	return s.inner.MarkSyncErrorResolved(ctx, errorID)
}

func (s *Store) BumpSyncErrorRetry(ctx context.Context, errorID string, lastRetry time.Time) error {
	return s.inner.BumpSyncErrorRetry(ctx, errorID, lastRetry)
}

func (s *Store) RecordSyncMessage(ctx context.Context, message domain.SyncMessage) error {
	return s.inner.RecordSyncMessage(ctx, message)
}

func (s *Store) MarkMessageDelivered(ctx context.Context, messageID string, deliveredAt time.Time) error {
	return s.inner.MarkMessageDelivered(ctx, messageID, deliveredAt)
}

func (s *Store) ListSyncMessages(ctx context.Context, entityID string, limit int) ([]domain.SyncMessage, error) {
	return s.inner.ListSyncMessages(ctx, entityID, limit)
}
