// Package coordinator drives change propagation: it turns new local versions
// into outbound sync messages per subscription, applies inbound messages,
// and resolves field conflicts when both sides diverged.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"time"

	"github.com/quillstone/charsync/internal/platform/id"
	"github.com/quillstone/charsync/internal/storage"
	"github.com/quillstone/charsync/internal/sync/conflict"
	"github.com/quillstone/charsync/internal/sync/diff"
	"github.com/quillstone/charsync/internal/sync/domain"
	"github.com/quillstone/charsync/internal/sync/version"
	"github.com/quillstone/charsync/internal/transport"
)

// DefaultSyncInterval spaces the periodic push sweep.
const DefaultSyncInterval = 5 * time.Second

// FailureSink receives failures the recovery loop should retry.
type FailureSink interface {
	Record(ctx context.Context, failure domain.SyncError)
}

// Coordinator moves changes between the local version chain and remote
// subscriptions.
type Coordinator struct {
	store     storage.Store
	versions  *version.Service
	resolver  *conflict.Resolver
	transport transport.Transport
	failures  FailureSink
	now       func() time.Time
	newID     func() (string, error)
}

// NewCoordinator wires the coordinator. failures may be nil when no recovery
// loop is attached.
func NewCoordinator(store storage.Store, versions *version.Service, resolver *conflict.Resolver, wire transport.Transport, failures FailureSink) *Coordinator {
	return &Coordinator{
		store:     store,
		versions:  versions,
		resolver:  resolver,
		transport: wire,
		failures:  failures,
		now:       time.Now,
		newID:     id.NewID,
	}
}

// Attach registers the coordinator as the transport's inbound consumer.
func (c *Coordinator) Attach() {
	c.transport.HandleSync(func(ctx context.Context, message domain.SyncMessage) {
		if err := c.HandleInbound(ctx, message); err != nil {
			log.Printf("inbound sync message %s dropped: %v", message.MessageID, err)
		}
	})
}

// SyncAll pushes pending changes for every active sending subscription.
// Manual-mode subscriptions wait for an explicit PushEntity.
func (c *Coordinator) SyncAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subscriptions, err := c.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return err
	}
	for _, subscription := range subscriptions {
		if subscription.SyncMode == domain.SyncModeManual {
			continue
		}
		if err := c.pushPending(ctx, subscription); err != nil {
			log.Printf("push for entity %s to %s failed: %v",
				subscription.EntityID, subscription.RemoteID, err)
		}
	}
	return nil
}

// PushEntity pushes pending changes for every active subscription of one
// entity, manual mode included.
func (c *Coordinator) PushEntity(ctx context.Context, entityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subscriptions, err := c.store.ListSubscriptionsForEntity(ctx, entityID)
	if err != nil {
		return err
	}
	for _, subscription := range subscriptions {
		if !subscription.Active {
			continue
		}
		if err := c.pushPending(ctx, subscription); err != nil {
			return err
		}
	}
	return nil
}

// RunSyncLoop pushes pending changes every interval until ctx ends.
func (c *Coordinator) RunSyncLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.SyncAll(ctx); err != nil && ctx.Err() == nil {
				log.Printf("sync sweep failed: %v", err)
			}
		}
	}
}

// pushPending sends the changes recorded since the last push, filtered to
// the subscription's field patterns. Changes that arrived from the remote
// side are never echoed back.
func (c *Coordinator) pushPending(ctx context.Context, subscription domain.SyncSubscription) error {
	if !subscription.Direction.Sends() {
		return nil
	}

	head, err := c.store.GetLatestVersion(ctx, subscription.EntityID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil
		}
		return err
	}

	metadata, err := c.store.GetSyncMetadata(ctx, subscription.EntityID, subscription.RemoteID)
	if err != nil && !domain.IsNotFound(err) {
		return err
	}
	metadata.EntityID = subscription.EntityID
	metadata.RemoteID = subscription.RemoteID
	if head.Number <= metadata.LocalVersion {
		return nil
	}

	versions, err := c.store.ListVersions(ctx, subscription.EntityID, metadata.LocalVersion+1, head.Number, 0)
	if err != nil {
		return err
	}
	var changes []domain.StateChange
	for _, pending := range versions {
		for _, change := range pending.Changes {
			if change.Source == domain.SourceSync {
				continue
			}
			if subscription.Matches(change.FieldPath) {
				changes = append(changes, change)
			}
		}
	}

	// Nothing the remote cares about: advance the cursor and move on.
	if len(changes) == 0 {
		metadata.LocalVersion = head.Number
		metadata.LastSync = c.now().UTC()
		return c.store.PutSyncMetadata(ctx, metadata)
	}

	messageID, err := c.newID()
	if err != nil {
		return err
	}
	message := domain.SyncMessage{
		MessageID:     messageID,
		EntityID:      subscription.EntityID,
		RemoteID:      subscription.RemoteID,
		LocalVersion:  head.Number,
		RemoteVersion: metadata.RemoteVersion,
		Changes:       domain.ChangesToPayload(changes),
		Timestamp:     c.now().UTC(),
	}
	if err := c.store.RecordSyncMessage(ctx, message); err != nil {
		return err
	}

	if err := c.transport.PublishSync(ctx, message); err != nil {
		c.record(ctx, subscription, domain.ErrorTypeNetwork, metadata,
			fmt.Sprintf("publish message %s failed: %v", message.MessageID, err))
		return nil
	}
	if err := c.store.MarkMessageDelivered(ctx, message.MessageID, c.now().UTC()); err != nil {
		log.Printf("mark message %s delivered: %v", message.MessageID, err)
	}

	metadata.LocalVersion = head.Number
	metadata.LastSync = c.now().UTC()
	if err := c.store.PutSyncMetadata(ctx, metadata); err != nil {
		c.record(ctx, subscription, domain.ErrorTypeStateSync, metadata,
			fmt.Sprintf("sync metadata update failed: %v", err))
	}
	return nil
}

// HandleInbound applies one remote sync message. Messages without an active
// receiving subscription or without sync metadata are dropped with a
// warning; stale duplicates are dropped silently.
func (c *Coordinator) HandleInbound(ctx context.Context, message domain.SyncMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subscription, err := c.store.GetSubscription(ctx, message.EntityID, message.RemoteID)
	if err != nil {
		if domain.IsNotFound(err) {
			log.Printf("dropping message %s: no subscription for entity %s remote %s",
				message.MessageID, message.EntityID, message.RemoteID)
			return nil
		}
		return err
	}
	if !subscription.Active || !subscription.Direction.Receives() {
		log.Printf("dropping message %s: subscription %s does not receive",
			message.MessageID, subscription.ID)
		return nil
	}

	metadata, err := c.store.GetSyncMetadata(ctx, message.EntityID, message.RemoteID)
	if err != nil {
		if domain.IsNotFound(err) {
			log.Printf("dropping message %s: no sync metadata for entity %s remote %s",
				message.MessageID, message.EntityID, message.RemoteID)
			return nil
		}
		return err
	}
	if message.LocalVersion != 0 && message.LocalVersion <= metadata.RemoteVersion {
		log.Printf("dropping message %s: remote version %d already applied (have %d)",
			message.MessageID, message.LocalVersion, metadata.RemoteVersion)
		return nil
	}

	if refreshed, err := c.applyFullRefresh(ctx, subscription, metadata, message); refreshed || err != nil {
		return err
	}

	base := c.snapshotAt(ctx, message.EntityID, metadata.LocalVersion)
	head, err := c.store.GetLatestVersion(ctx, message.EntityID)
	if err != nil && !domain.IsNotFound(err) {
		return err
	}

	resolved := make(map[string]any)
	for _, payload := range message.Changes {
		if !subscription.Matches(payload.FieldPath) {
			continue
		}
		remoteValue := payload.NewValue
		baseValue, _ := diff.Value(base, payload.FieldPath)
		localValue, _ := diff.Value(head.State, payload.FieldPath)

		switch {
		case reflect.DeepEqual(localValue, remoteValue):
			// Both sides already agree.
		case reflect.DeepEqual(localValue, baseValue):
			// Only the remote side moved.
			resolved[payload.FieldPath] = remoteValue
		default:
			outcome, err := c.resolver.Resolve(conflict.Input{
				FieldPath:  payload.FieldPath,
				Base:       baseValue,
				Local:      localValue,
				Remote:     remoteValue,
				LocalTime:  head.Timestamp,
				RemoteTime: message.Timestamp,
			})
			if err != nil {
				// Leave an open conflict row so recovery can re-apply the
				// remote value later.
				c.auditPendingConflict(ctx, message, payload.FieldPath, baseValue, localValue, remoteValue)
				c.record(ctx, subscription, domain.ErrorTypeConflict, metadata,
					fmt.Sprintf("resolve %s: %v", payload.FieldPath, err))
				continue
			}
			c.auditConflict(ctx, message, payload.FieldPath, baseValue, localValue, remoteValue, outcome)
			resolved[payload.FieldPath] = outcome.Value
		}
	}

	newLocalVersion := head.Number
	if len(resolved) > 0 {
		state := head.State
		if len(state) == 0 {
			state = domain.EntityState(`{}`)
		}
		merged, err := diff.ApplyAll(state, resolved)
		if err != nil {
			c.record(ctx, subscription, domain.ErrorTypeMessageHandling, metadata,
				fmt.Sprintf("apply message %s: %v", message.MessageID, err))
			return nil
		}
		applied, err := c.versions.CreateVersion(ctx, version.CreateVersionInput{
			EntityID: message.EntityID,
			State:    merged,
			Label:    fmt.Sprintf("sync from %s", message.RemoteID),
			Author:   message.RemoteID,
			Source:   domain.SourceSync,
			SyncMode: subscription.SyncMode,
		})
		if err != nil {
			c.record(ctx, subscription, domain.ErrorTypeMessageHandling, metadata,
				fmt.Sprintf("record synced version for message %s: %v", message.MessageID, err))
			return nil
		}
		newLocalVersion = applied.Number
	}

	metadata.RemoteVersion = message.LocalVersion
	metadata.LocalVersion = newLocalVersion
	metadata.LastSync = c.now().UTC()
	if err := c.store.PutSyncMetadata(ctx, metadata); err != nil {
		c.record(ctx, subscription, domain.ErrorTypeStateSync, metadata,
			fmt.Sprintf("sync metadata update failed: %v", err))
	}
	return nil
}

// applyFullRefresh handles messages carrying a whole snapshot instead of
// field changes. The snapshot replaces local state as a synced version.
func (c *Coordinator) applyFullRefresh(ctx context.Context, subscription domain.SyncSubscription, metadata domain.SyncMetadata, message domain.SyncMessage) (bool, error) {
	state, ok := message.Metadata["full_state"]
	if !ok {
		return false, nil
	}

	applied, err := c.versions.CreateVersion(ctx, version.CreateVersionInput{
		EntityID: message.EntityID,
		State:    domain.EntityState(state),
		Label:    fmt.Sprintf("full refresh from %s", message.RemoteID),
		Author:   message.RemoteID,
		Source:   domain.SourceSync,
		SyncMode: subscription.SyncMode,
	})
	if err != nil {
		c.record(ctx, subscription, domain.ErrorTypeMessageHandling, metadata,
			fmt.Sprintf("apply full refresh %s: %v", message.MessageID, err))
		return true, nil
	}

	metadata.RemoteVersion = message.LocalVersion
	metadata.LocalVersion = applied.Number
	metadata.LastSync = c.now().UTC()
	if err := c.store.PutSyncMetadata(ctx, metadata); err != nil {
		c.record(ctx, subscription, domain.ErrorTypeStateSync, metadata,
			fmt.Sprintf("sync metadata update failed: %v", err))
	}
	return true, nil
}

// snapshotAt returns the state at a version number, or nil before the first
// sync.
func (c *Coordinator) snapshotAt(ctx context.Context, entityID string, number int64) domain.EntityState {
	if number <= 0 {
		return nil
	}
	snapshot, err := c.store.GetVersionByNumber(ctx, entityID, number)
	if err != nil {
		return nil
	}
	return snapshot.State
}

func (c *Coordinator) auditConflict(ctx context.Context, message domain.SyncMessage, fieldPath string, baseValue, localValue, remoteValue any, outcome conflict.Outcome) {
	conflictID, err := c.newID()
	if err != nil {
		log.Printf("conflict audit id: %v", err)
		return
	}
	now := c.now().UTC()
	record := domain.SyncConflict{
		ID:            conflictID,
		EntityID:      message.EntityID,
		RemoteID:      message.RemoteID,
		FieldPath:     fieldPath,
		BaseValue:     baseValue,
		LocalValue:    localValue,
		RemoteValue:   remoteValue,
		StrategyUsed:  outcome.Strategy,
		Reason:        outcome.Reason,
		Resolved:      true,
		ResolvedValue: outcome.Value,
		ResolvedAt:    now,
		CreatedAt:     now,
	}
	if err := c.store.RecordConflict(ctx, record); err != nil {
		log.Printf("record conflict on %s: %v", fieldPath, err)
	}
}

func (c *Coordinator) auditPendingConflict(ctx context.Context, message domain.SyncMessage, fieldPath string, baseValue, localValue, remoteValue any) {
	conflictID, err := c.newID()
	if err != nil {
		log.Printf("conflict audit id: %v", err)
		return
	}
	record := domain.SyncConflict{
		ID:          conflictID,
		EntityID:    message.EntityID,
		RemoteID:    message.RemoteID,
		FieldPath:   fieldPath,
		BaseValue:   baseValue,
		LocalValue:  localValue,
		RemoteValue: remoteValue,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.store.RecordConflict(ctx, record); err != nil {
		log.Printf("record conflict on %s: %v", fieldPath, err)
	}
}

func (c *Coordinator) record(ctx context.Context, subscription domain.SyncSubscription, errorType domain.ErrorType, metadata domain.SyncMetadata, message string) {
	log.Printf("sync entity %s remote %s: %s", subscription.EntityID, subscription.RemoteID, message)
	if c.failures == nil {
		return
	}
	c.failures.Record(ctx, domain.SyncError{
		EntityID:      subscription.EntityID,
		RemoteID:      subscription.RemoteID,
		Type:          errorType,
		Message:       message,
		LocalVersion:  metadata.LocalVersion,
		RemoteVersion: metadata.RemoteVersion,
		CreatedAt:     c.now().UTC(),
	})
}
