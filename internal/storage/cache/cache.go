// Package cache layers a TTL read cache over the persistence layer. The
// repository stays the source of truth; cache misses and evictions are
// invisible to callers.
package cache

import (
	"strings"
	"sync"
	"time"
)

const defaultTTL = 60 * time.Second

type entry struct {
	value     any
	expiresAt time.Time
}

// Memory is an in-process TTL cache keyed by scoped strings.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

// NewMemory builds a cache whose entries expire after ttl. A non-positive
// ttl falls back to the default.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

// Get returns the cached value for key, dropping it when expired.
func (m *Memory) Get(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cached, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.now().After(cached.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return cached.value, true
}

// Put stores value under key with a fresh expiry.
func (m *Memory) Put(key string, value any) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, expiresAt: m.now().Add(m.ttl)}
}

// Delete removes one key.
func (m *Memory) Delete(key string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// DeletePrefix removes every key under a scope prefix.
func (m *Memory) DeletePrefix(prefix string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
}

// Purge drops every entry.
func (m *Memory) Purge() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]entry)
}

// Len reports the number of live entries, expired or not.
func (m *Memory) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
