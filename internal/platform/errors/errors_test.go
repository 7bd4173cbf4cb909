package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	base := New(CodeSubscriptionExists, "subscription already exists")
	wrapped := fmt.Errorf("create subscription: %w", base)

	if !stderrors.Is(wrapped, New(CodeSubscriptionExists, "other message")) {
		t.Fatal("expected errors.Is match by code")
	}
	if stderrors.Is(wrapped, New(CodeNotFound, "not found")) {
		t.Fatal("did not expect match across codes")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(CodeNotFound, "missing")); got != CodeNotFound {
		t.Fatalf("GetCode = %q, want %q", got, CodeNotFound)
	}
	if got := GetCode(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("GetCode plain = %q, want %q", got, CodeUnknown)
	}
	if !IsCode(Wrap(CodeSyncTimeout, "timed out", stderrors.New("deadline")), CodeSyncTimeout) {
		t.Fatal("expected IsCode to match wrapped error")
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodeNetworkUnavailable, "publish failed", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	tests := []struct {
		code Code
		want codes.Code
	}{
		{CodeEntityEmptyID, codes.InvalidArgument},
		{CodeSubscriptionExists, codes.FailedPrecondition},
		{CodeVersionUnknownParent, codes.NotFound},
		{CodeNetworkUnavailable, codes.Unavailable},
		{CodeSyncTimeout, codes.DeadlineExceeded},
		{CodeUnknown, codes.Internal},
	}
	for _, tt := range tests {
		if got := tt.code.GRPCCode(); got != tt.want {
			t.Fatalf("GRPCCode(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestToGRPCStatusCarriesErrorInfo(t *testing.T) {
	err := WithMetadata(CodeSyncStaleVersion, "version mismatch", map[string]string{
		"entity_id": "abc",
	}).ToGRPCStatus()

	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected grpc status, got %v", err)
	}
	if st.Code() != codes.FailedPrecondition {
		t.Fatalf("status code = %v, want %v", st.Code(), codes.FailedPrecondition)
	}
	if len(st.Details()) != 1 {
		t.Fatalf("details len = %d, want 1", len(st.Details()))
	}
}
