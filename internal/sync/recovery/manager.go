// Package recovery drains the persisted sync error queue. Each error type
// has one recovery strategy; errors that keep failing are retried with a
// bounded budget and then left for operators.
package recovery

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/quillstone/charsync/internal/platform/id"
	"github.com/quillstone/charsync/internal/storage"
	"github.com/quillstone/charsync/internal/sync/diff"
	"github.com/quillstone/charsync/internal/sync/domain"
	"github.com/quillstone/charsync/internal/sync/version"
	"github.com/quillstone/charsync/internal/transport"
)

const (
	// DefaultRetryInterval spaces retry sweeps and per-error retries.
	DefaultRetryInterval = 60 * time.Second
	// DefaultMaxRetries bounds attempts per error.
	DefaultMaxRetries = 5
	// DefaultBatchSize bounds the errors handled per sweep.
	DefaultBatchSize = 10
)

// Pusher republishes pending changes for an entity.
type Pusher interface {
	PushEntity(ctx context.Context, entityID string) error
}

// Cache drops cached reads for an entity.
type Cache interface {
	Invalidate(entityID string)
}

// Options tunes the retry sweep. Zero values fall back to the defaults.
type Options struct {
	MaxRetries    int
	BatchSize     int
	RetryInterval time.Duration
}

func (o Options) normalized() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = DefaultRetryInterval
	}
	return o
}

// Manager retries persisted sync failures.
type Manager struct {
	store         storage.Store
	versions      *version.Service
	pusher        Pusher
	cache         Cache
	transport     transport.Transport
	now           func() time.Time
	newID         func() (string, error)
	maxRetries    int
	batchSize     int
	retryInterval time.Duration
}

// NewManager wires a recovery manager. cache may be nil when no cache layer
// is mounted; the pusher is attached separately via AttachPusher.
func NewManager(store storage.Store, versions *version.Service, cache Cache, wire transport.Transport, opts Options) *Manager {
	opts = opts.normalized()
	return &Manager{
		store:         store,
		versions:      versions,
		cache:         cache,
		transport:     wire,
		now:           time.Now,
		newID:         id.NewID,
		maxRetries:    opts.MaxRetries,
		batchSize:     opts.BatchSize,
		retryInterval: opts.RetryInterval,
	}
}

// AttachPusher late-binds the republisher. The coordinator reports failures
// into this manager, so the two are wired in two steps.
func (m *Manager) AttachPusher(pusher Pusher) {
	m.pusher = pusher
}

// Record persists a failure for later retry. Implements the FailureSink the
// sync loops report into; recording never fails the caller.
func (m *Manager) Record(ctx context.Context, failure domain.SyncError) {
	if failure.ID == "" {
		generated, err := m.newID()
		if err != nil {
			log.Printf("sync error id: %v", err)
			return
		}
		failure.ID = generated
	}
	if failure.CreatedAt.IsZero() {
		failure.CreatedAt = m.now().UTC()
	}
	if err := m.store.RecordSyncError(ctx, failure); err != nil {
		log.Printf("record sync error for entity %s: %v", failure.EntityID, err)
	}
}

// RetryPending runs one recovery sweep: up to batchSize due errors, oldest
// first. Errors past the retry budget are never selected again.
func (m *Manager) RetryPending(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cutoff := m.now().Add(-m.retryInterval)
	pending, err := m.store.ListRetryableErrors(ctx, cutoff, m.maxRetries, m.batchSize)
	if err != nil {
		return err
	}

	for _, record := range pending {
		if err := m.recover(ctx, record); err != nil {
			log.Printf("recovery of %s error %s failed (attempt %d): %v",
				record.Type, record.ID, record.RetryCount+1, err)
			if err := m.store.BumpSyncErrorRetry(ctx, record.ID, m.now().UTC()); err != nil {
				log.Printf("bump retry for error %s: %v", record.ID, err)
			}
			continue
		}
		if err := m.store.MarkSyncErrorResolved(ctx, record.ID); err != nil {
			log.Printf("mark error %s resolved: %v", record.ID, err)
		}
	}
	return nil
}

// RunRetryLoop sweeps the error queue every interval until ctx ends.
func (m *Manager) RunRetryLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = m.retryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.RetryPending(ctx); err != nil && ctx.Err() == nil {
				log.Printf("recovery sweep failed: %v", err)
			}
		}
	}
}

func (m *Manager) recover(ctx context.Context, record domain.SyncError) error {
	switch record.Type {
	case domain.ErrorTypeMessageHandling:
		return m.recoverRepublish(ctx, record)
	case domain.ErrorTypeStateSync:
		return m.recoverStateSync(ctx, record)
	case domain.ErrorTypeSubscription:
		return m.recoverSubscription(ctx, record)
	case domain.ErrorTypeConflict:
		return m.recoverConflict(ctx, record)
	case domain.ErrorTypeNetwork:
		return m.recoverByRefresh(ctx, record)
	default:
		return fmt.Errorf("no recovery strategy for error type %q", record.Type)
	}
}

// recoverRepublish re-sends the last known local state for the pair.
func (m *Manager) recoverRepublish(ctx context.Context, record domain.SyncError) error {
	if m.pusher == nil {
		return fmt.Errorf("no pusher attached")
	}
	return m.pusher.PushEntity(ctx, record.EntityID)
}

// recoverStateSync reconciles sync metadata against the version chain and
// drops cached reads that may reflect the drifted state.
func (m *Manager) recoverStateSync(ctx context.Context, record domain.SyncError) error {
	head, err := m.store.GetLatestVersion(ctx, record.EntityID)
	if err != nil {
		return err
	}
	metadata, err := m.store.GetSyncMetadata(ctx, record.EntityID, record.RemoteID)
	if err != nil {
		return err
	}
	metadata.LocalVersion = head.Number
	metadata.LastSync = m.now().UTC()
	if err := m.store.PutSyncMetadata(ctx, metadata); err != nil {
		return err
	}
	if m.cache != nil {
		m.cache.Invalidate(record.EntityID)
	}
	return nil
}

// recoverSubscription reactivates the subscription and re-announces it.
func (m *Manager) recoverSubscription(ctx context.Context, record domain.SyncError) error {
	subscription, err := m.store.GetSubscription(ctx, record.EntityID, record.RemoteID)
	if err != nil {
		return err
	}
	if !subscription.Active {
		subscription.Active = true
		subscription.UpdatedAt = m.now().UTC()
		if err := m.store.UpdateSubscription(ctx, subscription); err != nil {
			return err
		}
	}

	reply, err := m.transport.SendControl(ctx, domain.ControlMessage{
		Action:    domain.ControlSubscribe,
		EntityID:  subscription.EntityID,
		RemoteID:  subscription.RemoteID,
		Fields:    subscription.Fields,
		SyncMode:  string(subscription.SyncMode),
		Timestamp: m.now().UTC(),
	})
	if err != nil {
		return err
	}
	if !reply.Accepted() {
		return fmt.Errorf("re-subscribe rejected: %s", reply.Reason)
	}
	return nil
}

// recoverConflict re-applies recorded remote values whose resolution was
// never durably committed, recording the result as a synced version.
func (m *Manager) recoverConflict(ctx context.Context, record domain.SyncError) error {
	conflicts, err := m.store.ListConflicts(ctx, record.EntityID, m.batchSize)
	if err != nil {
		return err
	}
	values := make(map[string]any)
	var pending []domain.SyncConflict
	for _, row := range conflicts {
		if row.Resolved || row.RemoteID != record.RemoteID {
			continue
		}
		// Rows come newest-first; keep the latest remote value per field.
		if _, have := values[row.FieldPath]; have {
			continue
		}
		values[row.FieldPath] = row.RemoteValue
		pending = append(pending, row)
	}
	if len(values) == 0 {
		return nil
	}

	head, err := m.store.GetLatestVersion(ctx, record.EntityID)
	if err != nil && !domain.IsNotFound(err) {
		return err
	}
	state := head.State
	if len(state) == 0 {
		state = domain.EntityState(`{}`)
	}
	merged, err := diff.ApplyAll(state, values)
	if err != nil {
		return err
	}
	if _, err := m.versions.CreateVersion(ctx, version.CreateVersionInput{
		EntityID: record.EntityID,
		State:    merged,
		Label:    fmt.Sprintf("conflict recovery from %s", record.RemoteID),
		Author:   record.RemoteID,
		Source:   domain.SourceSync,
	}); err != nil {
		return err
	}
	resolvedAt := m.now().UTC()
	for _, row := range pending {
		if err := m.store.ResolveConflict(ctx, row.ID, row.RemoteValue, resolvedAt); err != nil {
			log.Printf("mark conflict %s resolved: %v", row.ID, err)
		}
	}
	if m.cache != nil {
		m.cache.Invalidate(record.EntityID)
	}
	return nil
}

// recoverByRefresh purges cached state and asks the remote party for an
// authoritative snapshot; the snapshot arrives as a full refresh message.
func (m *Manager) recoverByRefresh(ctx context.Context, record domain.SyncError) error {
	if m.cache != nil {
		m.cache.Invalidate(record.EntityID)
	}
	reply, err := m.transport.SendControl(ctx, domain.ControlMessage{
		Action:    domain.ControlRefresh,
		EntityID:  record.EntityID,
		RemoteID:  record.RemoteID,
		Timestamp: m.now().UTC(),
	})
	if err != nil {
		return err
	}
	if !reply.Accepted() {
		return fmt.Errorf("refresh request rejected: %s", reply.Reason)
	}
	return nil
}
