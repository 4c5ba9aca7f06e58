package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/boxfleet/sandboxsdk/internal/wsconn"
	"go.uber.org/zap"
)

// NotificationHandler consumes the result payload of a server-push
// notification for one subscription. Handlers run on the connection's reader
// goroutine and must not block; a panicking handler is recovered and logged
// and never breaks delivery to other subscriptions.
type NotificationHandler func(result json.RawMessage)

type callOutcome struct {
	result json.RawMessage
	err    error
}

// rpcConn multiplexes request/reply calls and push subscriptions over one
// WebSocket connection. A single reader goroutine resolves pending calls and
// fans notifications out to registered handlers. Request ids increase
// monotonically and are never reused, so a late reply for a retired id can
// never land in a live slot.
type rpcConn struct {
	log *zap.SugaredLogger
	ws  *wsconn.Conn

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan callOutcome
	subs    map[string]NotificationHandler
	closed  bool

	readCancel context.CancelFunc
	closeOnce  sync.Once
}

func newRPCConn(log *zap.SugaredLogger, ws *wsconn.Conn) *rpcConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &rpcConn{
		log:        log.Named("rpc"),
		ws:         ws,
		pending:    map[int64]chan callOutcome{},
		subs:       map[string]NotificationHandler{},
		readCancel: cancel,
	}
	go c.readLoop(ctx)
	return c
}

// Call sends a request and blocks until its reply arrives, the context is
// done, or the connection closes. The pending slot is retired exactly once
// regardless of outcome; a reply arriving after retirement is dropped.
func (c *rpcConn) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callOutcome, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.ws.SendJSON(ctx, rpcRequest{ID: id, Method: method, Params: params}); err != nil {
		c.retire(id)
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		c.retire(id)
		return nil, timeoutOrErr(method+" call", ctx.Err())
	}
}

func (c *rpcConn) retire(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// RegisterHandler routes notifications for subID to h.
func (c *rpcConn) RegisterHandler(subID string, h NotificationHandler) {
	c.mu.Lock()
	c.subs[subID] = h
	c.mu.Unlock()
}

func (c *rpcConn) DeregisterHandler(subID string) {
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
}

func (c *rpcConn) readLoop(ctx context.Context) {
	for {
		frame, err := c.ws.Recv(ctx)
		if err != nil {
			c.log.Debugf("reader stopped: %s", err)
			c.teardown()
			return
		}
		c.dispatch(frame)
	}
}

func (c *rpcConn) dispatch(frame []byte) {
	reply, notification, err := decodeMessage(frame)
	if err != nil {
		c.log.Warnf("dropping inbound frame: %s", err)
		return
	}
	if reply != nil {
		c.resolve(reply)
		return
	}
	c.handleNotification(notification)
}

func (c *rpcConn) resolve(reply *rpcReply) {
	c.mu.Lock()
	ch, ok := c.pending[reply.ID]
	if ok {
		delete(c.pending, reply.ID)
	}
	c.mu.Unlock()

	if !ok {
		// The caller already timed out or the slot was otherwise retired.
		c.log.Debugf("dropping reply for retired id %d", reply.ID)
		return
	}
	if reply.Error != nil {
		ch <- callOutcome{err: &RPCError{
			Code:    reply.Error.Code,
			Message: reply.Error.Message,
			Data:    reply.Error.Data,
		}}
		return
	}
	ch <- callOutcome{result: reply.Result}
}

func (c *rpcConn) handleNotification(n *rpcNotification) {
	c.mu.Lock()
	handler := c.subs[n.Params.Subscription]
	c.mu.Unlock()

	if handler == nil {
		c.log.Errorf("notification for unknown subscription %q (method %s)", n.Params.Subscription, n.Method)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("handler for subscription %q panicked: %v", n.Params.Subscription, r)
		}
	}()
	handler(n.Params.Result)
}

// teardown fails every pending call with ErrClosed and drops all
// subscription handlers. Safe to call more than once.
func (c *rpcConn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = map[int64]chan callOutcome{}
	c.subs = map[string]NotificationHandler{}
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callOutcome{err: ErrClosed}
	}
}

// Close tears down the connection: every in-flight call fails with ErrClosed,
// the reader stops, and the transport is closed. Idempotent.
func (c *rpcConn) Close() error {
	c.closeOnce.Do(func() {
		c.teardown()
		c.readCancel()
		c.ws.Close()
	})
	return nil
}
