// Package subscription manages sync subscription lifecycle: creation,
// deactivation, remote notification, heartbeats, and stale cleanup. The
// repository is the source of truth; the in-memory last-seen registry only
// feeds the cleanup loop.
package subscription

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/quillstone/charsync/internal/platform/id"
	"github.com/quillstone/charsync/internal/storage"
	"github.com/quillstone/charsync/internal/sync/domain"
	"github.com/quillstone/charsync/internal/transport"
)

const (
	// DefaultHeartbeatInterval spaces heartbeat control messages.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultStaleTimeout deactivates subscriptions with no successful
	// heartbeat for this long.
	DefaultStaleTimeout = 300 * time.Second
)

// Repository is the persistence surface the manager needs.
type Repository interface {
	storage.SubscriptionStore
}

// FailureSink receives failures the recovery loop should retry.
type FailureSink interface {
	Record(ctx context.Context, failure domain.SyncError)
}

// Manager owns subscription lifecycle for all (entity, remote) pairs.
type Manager struct {
	repository Repository
	transport  transport.Transport
	failures   FailureSink
	now        func() time.Time
	newID      func() (string, error)

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewManager builds a subscription manager. failures may be nil when no
// recovery loop is attached.
func NewManager(repository Repository, wire transport.Transport, failures FailureSink) *Manager {
	return &Manager{
		repository: repository,
		transport:  wire,
		failures:   failures,
		now:        time.Now,
		newID:      id.NewID,
		lastSeen:   make(map[string]time.Time),
	}
}

// Subscribe creates an active subscription and announces it to the remote
// party. domain.ErrSubscriptionExists when the pair already has an active
// subscription; that error is permanent and never retried. A failed remote
// announcement keeps the subscription and hands the failure to recovery.
func (m *Manager) Subscribe(ctx context.Context, input domain.NewSubscriptionInput) (domain.SyncSubscription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SyncSubscription{}, err
	}

	subscription, err := domain.NewSyncSubscription(input, m.now, m.newID)
	if err != nil {
		return domain.SyncSubscription{}, err
	}
	if err := m.repository.CreateSubscription(ctx, subscription); err != nil {
		return domain.SyncSubscription{}, err
	}
	m.touch(subscription.ID)

	// Seed sync progress for the pair so inbound messages are not dropped
	// before the first push. Re-subscribing keeps the old progress.
	if _, err := m.repository.GetSyncMetadata(ctx, subscription.EntityID, subscription.RemoteID); domain.IsNotFound(err) {
		if err := m.repository.PutSyncMetadata(ctx, domain.SyncMetadata{
			EntityID: subscription.EntityID,
			RemoteID: subscription.RemoteID,
			LastSync: m.now().UTC(),
		}); err != nil {
			return domain.SyncSubscription{}, err
		}
	}

	m.announce(ctx, subscription, domain.ControlSubscribe)
	return subscription, nil
}

// UpdateFields replaces the field patterns of an active subscription.
func (m *Manager) UpdateFields(ctx context.Context, entityID, remoteID string, fields []string) (domain.SyncSubscription, error) {
	if err := ctx.Err(); err != nil {
		return domain.SyncSubscription{}, err
	}
	if len(fields) == 0 {
		return domain.SyncSubscription{}, domain.ErrEmptyFields
	}

	subscription, err := m.repository.GetSubscription(ctx, entityID, remoteID)
	if err != nil {
		return domain.SyncSubscription{}, err
	}
	if !subscription.Active {
		return domain.SyncSubscription{}, domain.ErrSubscriptionInactive
	}

	subscription.Fields = fields
	subscription.UpdatedAt = m.now().UTC()
	if err := m.repository.UpdateSubscription(ctx, subscription); err != nil {
		return domain.SyncSubscription{}, err
	}

	m.announce(ctx, subscription, domain.ControlSubscribe)
	return subscription, nil
}

// Unsubscribe deactivates a subscription and tells the remote party. Already
// inactive subscriptions return domain.ErrSubscriptionInactive so callers
// cannot double-deactivate.
func (m *Manager) Unsubscribe(ctx context.Context, entityID, remoteID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subscription, err := m.repository.GetSubscription(ctx, entityID, remoteID)
	if err != nil {
		return err
	}
	if !subscription.Active {
		return domain.ErrSubscriptionInactive
	}

	subscription.Active = false
	subscription.UpdatedAt = m.now().UTC()
	if err := m.repository.UpdateSubscription(ctx, subscription); err != nil {
		return err
	}
	m.forget(subscription.ID)

	m.announce(ctx, subscription, domain.ControlUnsubscribe)
	return nil
}

// Get returns the subscription for a pair, active or not.
func (m *Manager) Get(ctx context.Context, entityID, remoteID string) (domain.SyncSubscription, error) {
	return m.repository.GetSubscription(ctx, entityID, remoteID)
}

// ListActive returns every active subscription.
func (m *Manager) ListActive(ctx context.Context) ([]domain.SyncSubscription, error) {
	return m.repository.ListActiveSubscriptions(ctx)
}

// ListForEntity returns all subscriptions of one entity.
func (m *Manager) ListForEntity(ctx context.Context, entityID string) ([]domain.SyncSubscription, error) {
	return m.repository.ListSubscriptionsForEntity(ctx, entityID)
}

// Heartbeat sends one heartbeat per active subscription. Accepted replies
// refresh the last-seen registry; failures go to recovery.
func (m *Manager) Heartbeat(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subscriptions, err := m.repository.ListActiveSubscriptions(ctx)
	if err != nil {
		return err
	}

	for _, subscription := range subscriptions {
		reply, err := m.transport.SendControl(ctx, domain.ControlMessage{
			Action:    domain.ControlHeartbeat,
			EntityID:  subscription.EntityID,
			RemoteID:  subscription.RemoteID,
			Timestamp: m.now().UTC(),
		})
		if err != nil {
			m.record(ctx, subscription, domain.ErrorTypeNetwork,
				fmt.Sprintf("heartbeat failed: %v", err))
			continue
		}
		if !reply.Accepted() {
			m.record(ctx, subscription, domain.ErrorTypeSubscription,
				fmt.Sprintf("heartbeat rejected: %s", reply.Reason))
			continue
		}
		m.touch(subscription.ID)
	}
	return nil
}

// CleanupStale deactivates active subscriptions that have not been seen for
// timeout. Each stale subscription is deactivated exactly once; the remote
// party gets an unsubscribe.
func (m *Manager) CleanupStale(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subscriptions, err := m.repository.ListActiveSubscriptions(ctx)
	if err != nil {
		return err
	}

	cutoff := m.now().Add(-timeout)
	for _, subscription := range subscriptions {
		seen := m.seenAt(subscription)
		if !seen.Before(cutoff) {
			continue
		}

		log.Printf("deactivating stale subscription %s (entity %s, remote %s, last seen %s)",
			subscription.ID, subscription.EntityID, subscription.RemoteID, seen.UTC().Format(time.RFC3339))
		subscription.Active = false
		subscription.UpdatedAt = m.now().UTC()
		if err := m.repository.UpdateSubscription(ctx, subscription); err != nil {
			log.Printf("deactivate stale subscription %s: %v", subscription.ID, err)
			continue
		}
		m.forget(subscription.ID)
		m.announce(ctx, subscription, domain.ControlUnsubscribe)
	}
	return nil
}

// RunHeartbeatLoop sends heartbeats every interval until ctx ends.
func (m *Manager) RunHeartbeatLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				log.Printf("subscription heartbeat sweep failed: %v", err)
			}
		}
	}
}

// RunCleanupLoop sweeps stale subscriptions every interval until ctx ends.
// The interval defaults to the silence timeout itself.
func (m *Manager) RunCleanupLoop(ctx context.Context, interval, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultStaleTimeout
	}
	if interval <= 0 {
		interval = timeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.CleanupStale(ctx, timeout); err != nil && ctx.Err() == nil {
				log.Printf("subscription cleanup sweep failed: %v", err)
			}
		}
	}
}

// announce sends a control message for a subscription, routing failures to
// recovery instead of the caller.
func (m *Manager) announce(ctx context.Context, subscription domain.SyncSubscription, action domain.ControlAction) {
	message := domain.ControlMessage{
		Action:    action,
		EntityID:  subscription.EntityID,
		RemoteID:  subscription.RemoteID,
		Timestamp: m.now().UTC(),
	}
	if action == domain.ControlSubscribe {
		message.Fields = subscription.Fields
		message.SyncMode = string(subscription.SyncMode)
	}

	reply, err := m.transport.SendControl(ctx, message)
	if err != nil {
		m.record(ctx, subscription, domain.ErrorTypeNetwork,
			fmt.Sprintf("%s notification failed: %v", action, err))
		return
	}
	if !reply.Accepted() {
		m.record(ctx, subscription, domain.ErrorTypeSubscription,
			fmt.Sprintf("%s rejected: %s", action, reply.Reason))
	}
}

func (m *Manager) record(ctx context.Context, subscription domain.SyncSubscription, errorType domain.ErrorType, message string) {
	log.Printf("subscription %s (entity %s, remote %s): %s",
		subscription.ID, subscription.EntityID, subscription.RemoteID, message)
	if m.failures == nil {
		return
	}
	m.failures.Record(ctx, domain.SyncError{
		EntityID:  subscription.EntityID,
		RemoteID:  subscription.RemoteID,
		Type:      errorType,
		Message:   message,
		CreatedAt: m.now().UTC(),
	})
}

func (m *Manager) touch(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSeen[subscriptionID] = m.now()
}

func (m *Manager) forget(subscriptionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastSeen, subscriptionID)
}

// seenAt falls back to the subscription's own timestamps when this process
// has never heard a heartbeat for it.
func (m *Manager) seenAt(subscription domain.SyncSubscription) time.Time {
	m.mu.Lock()
	seen, ok := m.lastSeen[subscription.ID]
	m.mu.Unlock()
	if ok {
		return seen
	}
	if !subscription.UpdatedAt.IsZero() {
		return subscription.UpdatedAt
	}
	return subscription.CreatedAt
}
