// Package memory provides an in-process transport pair for tests and
// single-binary setups.
package memory

import (
	"context"
	"sync"

	apperrors "github.com/quillstone/charsync/internal/platform/errors"
	"github.com/quillstone/charsync/internal/sync/domain"
	"github.com/quillstone/charsync/internal/transport"
)

// End is one side of an in-process transport pair. Messages published on one
// end are delivered synchronously to the peer's handlers.
type End struct {
	mu             sync.Mutex
	peer           *End
	syncHandler    transport.SyncHandler
	controlHandler transport.ControlHandler
	failure        error
	closed         bool
}

var _ transport.Transport = (*End)(nil)

// NewPair returns two linked transport ends.
func NewPair() (*End, *End) {
	a := &End{}
	b := &End{}
	a.peer = b
	b.peer = a
	return a, b
}

// FailWith makes every subsequent publish on this end return err until
// FailWith(nil) clears it.
func (e *End) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failure = err
}

func (e *End) PublishSync(ctx context.Context, message domain.SyncMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	failure, closed := e.failure, e.closed
	e.mu.Unlock()
	if failure != nil {
		return failure
	}
	if closed {
		return errClosed()
	}

	handler := e.peer.currentSyncHandler()
	if handler != nil {
		handler(ctx, message)
	}
	return nil
}

func (e *End) SendControl(ctx context.Context, message domain.ControlMessage) (domain.ControlReply, error) {
	if err := ctx.Err(); err != nil {
		return domain.ControlReply{}, err
	}
	e.mu.Lock()
	failure, closed := e.failure, e.closed
	e.mu.Unlock()
	if failure != nil {
		return domain.ControlReply{}, failure
	}
	if closed {
		return domain.ControlReply{}, errClosed()
	}

	handler := e.peer.currentControlHandler()
	if handler == nil {
		// A silent remote is treated as accepting; tests attach a handler
		// when they care about the reply.
		return domain.ControlReply{Status: "accepted"}, nil
	}
	return handler(ctx, message), nil
}

func (e *End) HandleSync(handler transport.SyncHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncHandler = handler
}

func (e *End) HandleControl(handler transport.ControlHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.controlHandler = handler
}

func (e *End) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *End) currentSyncHandler() transport.SyncHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncHandler
}

func (e *End) currentControlHandler() transport.ControlHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.controlHandler
}

func errClosed() error {
	return apperrors.New(apperrors.CodeNetworkUnavailable, "transport is closed")
}
