// Package ws implements the transport over a websocket connection to the
// remote campaign service. The client owns reconnection; callers see a
// coded network error while the link is down.
package ws

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	apperrors "github.com/quillstone/charsync/internal/platform/errors"
	"github.com/quillstone/charsync/internal/platform/id"
	"github.com/quillstone/charsync/internal/platform/timeouts"
	"github.com/quillstone/charsync/internal/sync/domain"
	"github.com/quillstone/charsync/internal/transport"
)

const controlReplyTimeout = 10 * time.Second

// Client is a websocket transport that reconnects with exponential backoff.
type Client struct {
	url    string
	dialer *websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu             sync.Mutex
	syncHandler    transport.SyncHandler
	controlHandler transport.ControlHandler
	pending        map[string]chan domain.ControlReply
	closed         bool
	cancel         context.CancelFunc
}

var _ transport.Transport = (*Client)(nil)

// Dial connects to url and starts the read loop. The context bounds the
// lifetime of the connection and all reconnect attempts.
func Dial(ctx context.Context, url string) (*Client, error) {
	client := &Client{
		url:     url,
		dialer:  websocket.DefaultDialer,
		pending: make(map[string]chan domain.ControlReply),
	}
	runCtx, cancel := context.WithCancel(ctx)
	client.cancel = cancel

	conn, err := client.dial(runCtx)
	if err != nil {
		cancel()
		return nil, apperrors.Wrap(apperrors.CodeNetworkUnavailable, "dial sync transport", err)
	}
	client.setConn(conn)
	go client.readLoop(runCtx)
	return client, nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, timeouts.TransportDial)
		defer cancel()
		conn, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
		return conn, err
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(5*time.Minute))
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn = conn
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.isClosed() {
				return
			}
			log.Printf("sync transport read failed, reconnecting: %v", err)
			_ = conn.Close()
			c.setConn(nil)
			next, dialErr := c.dial(ctx)
			if dialErr != nil {
				log.Printf("sync transport reconnect gave up: %v", dialErr)
				return
			}
			c.setConn(next)
			continue
		}
		c.dispatch(ctx, data)
	}
}

func (c *Client) dispatch(ctx context.Context, data []byte) {
	envelope, err := transport.DecodeEnvelope(data)
	if err != nil {
		log.Printf("sync transport dropped malformed frame: %v", err)
		return
	}

	switch envelope.Kind {
	case transport.KindSync:
		message, err := domain.DecodeSyncMessage(envelope.Payload)
		if err != nil {
			log.Printf("sync transport dropped malformed sync message: %v", err)
			return
		}
		if handler := c.currentSyncHandler(); handler != nil {
			handler(ctx, message)
		}
	case transport.KindControl:
		var message domain.ControlMessage
		if err := decodeJSON(envelope.Payload, &message); err != nil {
			log.Printf("sync transport dropped malformed control message: %v", err)
			return
		}
		reply := domain.ControlReply{Status: "accepted"}
		if handler := c.currentControlHandler(); handler != nil {
			reply = handler(ctx, message)
		}
		if err := c.writeEnvelope(transport.KindControlReply, envelope.CorrelationID, reply); err != nil {
			log.Printf("sync transport control reply failed: %v", err)
		}
	case transport.KindControlReply:
		var reply domain.ControlReply
		if err := decodeJSON(envelope.Payload, &reply); err != nil {
			log.Printf("sync transport dropped malformed control reply: %v", err)
			return
		}
		c.deliverReply(envelope.CorrelationID, reply)
	default:
		log.Printf("sync transport dropped frame with unknown kind %q", envelope.Kind)
	}
}

// PublishSync sends a batch of changes to the remote party.
func (c *Client) PublishSync(ctx context.Context, message domain.SyncMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeEnvelope(transport.KindSync, "", message)
}

// SendControl sends a control message and waits for the correlated reply.
func (c *Client) SendControl(ctx context.Context, message domain.ControlMessage) (domain.ControlReply, error) {
	if err := ctx.Err(); err != nil {
		return domain.ControlReply{}, err
	}

	correlationID, err := id.NewID()
	if err != nil {
		return domain.ControlReply{}, err
	}
	replyCh := make(chan domain.ControlReply, 1)
	c.mu.Lock()
	c.pending[correlationID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	if err := c.writeEnvelope(transport.KindControl, correlationID, message); err != nil {
		return domain.ControlReply{}, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, controlReplyTimeout)
	defer cancel()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-waitCtx.Done():
		return domain.ControlReply{}, apperrors.Wrap(apperrors.CodeSyncTimeout,
			"control reply timed out", waitCtx.Err())
	}
}

func (c *Client) HandleSync(handler transport.SyncHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncHandler = handler
}

func (c *Client) HandleControl(handler transport.ControlHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlHandler = handler
}

// Close tears down the connection and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return nil
	}
	deadline := time.Now().Add(timeouts.TransportWrite)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) writeEnvelope(kind, correlationID string, payload any) error {
	data, err := transport.EncodeEnvelope(kind, correlationID, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return apperrors.New(apperrors.CodeNetworkUnavailable, "sync transport is disconnected")
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeouts.TransportWrite)); err != nil {
		return apperrors.Wrap(apperrors.CodeNetworkUnavailable, "set write deadline", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperrors.Wrap(apperrors.CodeNetworkUnavailable, "write sync frame", err)
	}
	return nil
}

func (c *Client) deliverReply(correlationID string, reply domain.ControlReply) {
	c.mu.Lock()
	replyCh, ok := c.pending[correlationID]
	c.mu.Unlock()
	if ok {
		select {
		case replyCh <- reply:
		default:
		}
	}
}

func (c *Client) currentSyncHandler() transport.SyncHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncHandler
}

func (c *Client) currentControlHandler() transport.ControlHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controlHandler
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
