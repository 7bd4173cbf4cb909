package domain

import (
	"errors"

	apperrors "github.com/quillstone/charsync/internal/platform/errors"
)

var (
	// ErrEmptyEntityID indicates a missing entity ID.
	ErrEmptyEntityID = apperrors.New(apperrors.CodeVersionEmptyEntityID, "entity id is required")
	// ErrEmptyState indicates a version recorded without a state snapshot.
	ErrEmptyState = apperrors.New(apperrors.CodeEntityEmptyState, "entity state is required")
	// ErrNotFound indicates a missing record of any kind.
	ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")
	// ErrUnknownParent indicates a parent version reference that does not exist.
	ErrUnknownParent = apperrors.New(apperrors.CodeVersionUnknownParent, "parent version not found")
	// ErrParentMismatch indicates a concurrent append against the same parent;
	// exactly one of the competing writers commits.
	ErrParentMismatch = apperrors.New(apperrors.CodeVersionParentMismatch, "version chain advanced concurrently")
	// ErrSubscriptionExists indicates an active subscription already covers the
	// (entity, remote) pair.
	ErrSubscriptionExists = apperrors.New(apperrors.CodeSubscriptionExists, "active subscription already exists")
	// ErrSubscriptionInactive indicates an operation that requires an active
	// subscription.
	ErrSubscriptionInactive = apperrors.New(apperrors.CodeSubscriptionInactive, "subscription is inactive")
	// ErrEmptyRemoteID indicates a missing remote campaign ID.
	ErrEmptyRemoteID = apperrors.New(apperrors.CodeSubscriptionEmptyRemoteID, "remote id is required")
	// ErrEmptyFields indicates a subscription without field patterns.
	ErrEmptyFields = apperrors.New(apperrors.CodeSubscriptionEmptyFields, "at least one field pattern is required")
	// ErrNonNumericOperand indicates the incremental strategy received a value
	// it cannot add.
	ErrNonNumericOperand = apperrors.New(apperrors.CodeConflictNonNumericOperand, "incremental resolution requires numeric operands")
	// ErrMalformedMessage indicates an inbound sync message that failed to decode.
	ErrMalformedMessage = apperrors.New(apperrors.CodeSyncMalformedMsg, "malformed sync message")
)

// IsNotFound reports whether err is the missing-record sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
