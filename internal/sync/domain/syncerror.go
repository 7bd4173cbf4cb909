package domain

import (
	"strings"
	"time"
)

// ErrorType categorizes a sync failure for recovery strategy dispatch.
type ErrorType string

const (
	// ErrorTypeMessageHandling marks failures building or applying messages.
	ErrorTypeMessageHandling ErrorType = "message_handling"
	// ErrorTypeStateSync marks sync metadata drifting from the version chain.
	ErrorTypeStateSync ErrorType = "state_sync"
	// ErrorTypeSubscription marks subscription lifecycle failures.
	ErrorTypeSubscription ErrorType = "subscription"
	// ErrorTypeConflict marks conflict resolutions that were never durably
	// committed.
	ErrorTypeConflict ErrorType = "conflict"
	// ErrorTypeNetwork marks transport failures.
	ErrorTypeNetwork ErrorType = "network"
)

// KnownErrorType reports whether value names a recognized error category.
func KnownErrorType(value string) bool {
	switch ErrorType(strings.TrimSpace(value)) {
	case ErrorTypeMessageHandling, ErrorTypeStateSync, ErrorTypeSubscription,
		ErrorTypeConflict, ErrorTypeNetwork:
		return true
	}
	return false
}

// SyncError is a persisted failure record retried by the recovery loop.
type SyncError struct {
	ID            string
	EntityID      string
	RemoteID      string
	Type          ErrorType
	Message       string
	LocalVersion  int64
	RemoteVersion int64
	RetryCount    int
	LastRetry     time.Time
	Resolved      bool
	CreatedAt     time.Time
}
