package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Entity errors
	CodeEntityEmptyID    Code = "ENTITY_EMPTY_ID"
	CodeEntityEmptyState Code = "ENTITY_EMPTY_STATE"

	// Version errors
	CodeVersionEmptyEntityID    Code = "VERSION_EMPTY_ENTITY_ID"
	CodeVersionUnknownParent    Code = "VERSION_UNKNOWN_PARENT"
	CodeVersionParentMismatch   Code = "VERSION_PARENT_MISMATCH"
	CodeVersionInvalidSource    Code = "VERSION_INVALID_SOURCE"
	CodeVersionEmptyFieldPath   Code = "VERSION_EMPTY_FIELD_PATH"
	CodeVersionCompareSameSides Code = "VERSION_COMPARE_SAME_SIDES"

	// Subscription errors
	CodeSubscriptionExists           Code = "SUBSCRIPTION_EXISTS"
	CodeSubscriptionEmptyRemoteID    Code = "SUBSCRIPTION_EMPTY_REMOTE_ID"
	CodeSubscriptionInvalidDirection Code = "SUBSCRIPTION_INVALID_DIRECTION"
	CodeSubscriptionEmptyFields      Code = "SUBSCRIPTION_EMPTY_FIELDS"
	CodeSubscriptionInactive         Code = "SUBSCRIPTION_INACTIVE"

	// Conflict resolution errors
	CodeConflictNonNumericOperand Code = "CONFLICT_NON_NUMERIC_OPERAND"
	CodeConflictUnknownStrategy   Code = "CONFLICT_UNKNOWN_STRATEGY"

	// Sync errors
	CodeSyncStaleVersion   Code = "SYNC_STALE_VERSION"
	CodeSyncMalformedMsg   Code = "SYNC_MALFORMED_MESSAGE"
	CodeSyncRetryExhausted Code = "SYNC_RETRY_EXHAUSTED"

	// Transport errors
	CodeNetworkUnavailable Code = "NETWORK_UNAVAILABLE"
	CodeSyncTimeout        Code = "SYNC_TIMEOUT"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeEntityEmptyID,
		CodeEntityEmptyState,
		CodeVersionEmptyEntityID,
		CodeVersionInvalidSource,
		CodeVersionEmptyFieldPath,
		CodeVersionCompareSameSides,
		CodeSubscriptionEmptyRemoteID,
		CodeSubscriptionInvalidDirection,
		CodeSubscriptionEmptyFields,
		CodeConflictNonNumericOperand,
		CodeSyncMalformedMsg:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeSubscriptionExists,
		CodeSubscriptionInactive,
		CodeVersionParentMismatch,
		CodeSyncStaleVersion,
		CodeSyncRetryExhausted,
		CodeConflictUnknownStrategy:
		return codes.FailedPrecondition

	// NotFound - resource doesn't exist
	case CodeNotFound,
		CodeVersionUnknownParent:
		return codes.NotFound

	// Unavailable - transient transport failures
	case CodeNetworkUnavailable:
		return codes.Unavailable

	case CodeSyncTimeout:
		return codes.DeadlineExceeded

	default:
		return codes.Internal
	}
}
