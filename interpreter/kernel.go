package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/boxfleet/sandboxsdk/internal/wsconn"
	"github.com/boxfleet/sandboxsdk/sandbox"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Callbacks receive streaming events of one execution as they arrive. They
// run on the kernel connection's reader goroutine and must not block; a
// panicking callback is recovered and logged.
type Callbacks struct {
	OnStdout func(sandbox.ProcessMessage)
	OnStderr func(sandbox.ProcessMessage)
	OnResult func(Result)
}

// cell tracks one outstanding execution. Frames are merged into exec until
// a terminal status fires done; completion is idempotent, so a second
// terminal frame is a no-op.
type cell struct {
	exec          *Execution
	cb            Callbacks
	inputAccepted bool
	completed     bool
	closedErr     error
	done          chan struct{}
}

// KernelConn drives code executions over one kernel WebSocket connection.
// Any number of goroutines may send executions and await results
// concurrently; a single reader goroutine merges inbound frames into the
// matching execution record.
type KernelConn struct {
	log       *zap.SugaredLogger
	ws        *wsconn.Conn
	sessionID string

	mu     sync.Mutex
	cells  map[string]*cell
	closed bool

	readCancel context.CancelFunc
	closeOnce  sync.Once
}

type kernelDialConfig struct {
	logger      *zap.Logger
	httpClient  *http.Client
	dialBackoff []time.Duration
}

type KernelDialOption func(*kernelDialConfig)

func WithKernelLogger(l *zap.Logger) KernelDialOption {
	return func(c *kernelDialConfig) { c.logger = l }
}

func WithKernelHTTPClient(hc *http.Client) KernelDialOption {
	return func(c *kernelDialConfig) { c.httpClient = hc }
}

func WithKernelDialBackoff(backoff []time.Duration) KernelDialOption {
	return func(c *kernelDialConfig) { c.dialBackoff = backoff }
}

// DialKernel connects to a kernel's channels WebSocket endpoint and starts
// the reader loop.
func DialKernel(ctx context.Context, wsURL, sessionID string, opts ...KernelDialOption) (*KernelConn, error) {
	cfg := kernelDialConfig{logger: zap.NewNop()}
	for _, o := range opts {
		o(&cfg)
	}
	log := cfg.logger.Named("kernel_conn").Sugar()

	dialOpts := []wsconn.DialOption{wsconn.WithLogger(log)}
	if cfg.httpClient != nil {
		dialOpts = append(dialOpts, wsconn.WithHTTPClient(cfg.httpClient))
	}
	if cfg.dialBackoff != nil {
		dialOpts = append(dialOpts, wsconn.WithBackoff(cfg.dialBackoff))
	}

	ws, err := wsconn.Dial(ctx, wsURL, dialOpts...)
	if err != nil {
		return nil, &sandbox.ConnectionError{URL: wsURL, Err: err}
	}

	readCtx, cancel := context.WithCancel(context.Background())
	k := &KernelConn{
		log:        log,
		ws:         ws,
		sessionID:  sessionID,
		cells:      map[string]*cell{},
		readCancel: cancel,
	}
	go k.readLoop(readCtx)
	return k, nil
}

// Send submits code for execution and returns the message id immediately,
// without waiting for completion. Pass the id to GetResult to await the
// execution record.
func (k *KernelConn) Send(ctx context.Context, code string, cb Callbacks) (string, error) {
	msgID := uuid.NewString()

	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return "", sandbox.ErrClosed
	}
	k.cells[msgID] = &cell{
		exec: &Execution{},
		cb:   cb,
		done: make(chan struct{}),
	}
	k.mu.Unlock()

	k.log.Debugf("sending execution message %s", msgID)
	if err := k.ws.SendJSON(ctx, newExecuteRequest(msgID, k.sessionID, code)); err != nil {
		k.mu.Lock()
		delete(k.cells, msgID)
		k.mu.Unlock()
		return "", fmt.Errorf("sending execute request: %w", err)
	}
	return msgID, nil
}

// GetResult blocks until the execution identified by msgID completes and
// returns its record. The record is removed on retrieval: a second call for
// the same id fails.
func (k *KernelConn) GetResult(ctx context.Context, msgID string) (*Execution, error) {
	k.mu.Lock()
	c := k.cells[msgID]
	k.mu.Unlock()
	if c == nil {
		return nil, fmt.Errorf("no outstanding execution %s", msgID)
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
			return nil, &sandbox.TimeoutError{Op: "awaiting execution " + msgID, Err: err}
		}
		return nil, ctx.Err()
	}

	k.mu.Lock()
	_, ok := k.cells[msgID]
	delete(k.cells, msgID)
	closedErr := c.closedErr
	k.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("execution %s already retrieved", msgID)
	}
	if closedErr != nil {
		return nil, closedErr
	}
	k.log.Debugf("got result for message %s", msgID)
	return c.exec, nil
}

func (k *KernelConn) readLoop(ctx context.Context) {
	for {
		frame, err := k.ws.Recv(ctx)
		if err != nil {
			k.log.Debugf("reader stopped: %s", err)
			k.teardown()
			return
		}
		k.dispatch(frame)
	}
}

// dispatch drives the per-execution state machine. Every inbound frame
// correlates by parent message id; frames for unknown ids and unrecognized
// message types are dropped.
func (k *KernelConn) dispatch(frame []byte) {
	var msg kernelMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		k.log.Warnf("dropping unparseable kernel frame: %s", err)
		return
	}
	parentID := msg.ParentHeader.MsgID
	if parentID == "" {
		k.log.Warnf("kernel frame %s has no parent message id", msg.Header.MsgType)
		return
	}

	k.mu.Lock()
	c := k.cells[parentID]
	k.mu.Unlock()
	if c == nil {
		return
	}
	k.log.Debugf("received %s for %s", msg.Header.MsgType, parentID)

	switch msg.Header.MsgType {
	case msgTypeExecuteInput:
		var content executeInputContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			k.log.Warnf("bad execute_input content: %s", err)
			return
		}
		k.mu.Lock()
		c.exec.ExecutionCount = content.ExecutionCount
		c.inputAccepted = true
		k.mu.Unlock()

	case msgTypeStream:
		var content streamContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			k.log.Warnf("bad stream content: %s", err)
			return
		}
		out := sandbox.ProcessMessage{
			Line:      content.Text,
			Error:     content.Name == "stderr",
			Timestamp: time.Now().UnixNano(),
		}
		var cb func(sandbox.ProcessMessage)
		k.mu.Lock()
		switch content.Name {
		case "stdout":
			c.exec.Logs.Stdout = append(c.exec.Logs.Stdout, content.Text)
			cb = c.cb.OnStdout
		case "stderr":
			c.exec.Logs.Stderr = append(c.exec.Logs.Stderr, content.Text)
			cb = c.cb.OnStderr
		}
		k.mu.Unlock()
		if cb != nil {
			k.invokeStreamCallback(parentID, cb, out)
		}

	case msgTypeDisplayData, msgTypeExecuteResult:
		var content displayContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			k.log.Warnf("bad %s content: %s", msg.Header.MsgType, err)
			return
		}
		result := Result{
			IsMainResult: msg.Header.MsgType == msgTypeExecuteResult,
			Data:         content.Data,
		}
		k.mu.Lock()
		c.exec.Results = append(c.exec.Results, result)
		cb := c.cb.OnResult
		k.mu.Unlock()
		if cb != nil {
			k.invokeResultCallback(parentID, cb, result)
		}

	case msgTypeError:
		// A terminal status frame is expected to follow; this only records.
		var content errorContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			k.log.Warnf("bad error content: %s", err)
			return
		}
		k.mu.Lock()
		c.exec.Error = executionError(content)
		k.mu.Unlock()

	case msgTypeStatus:
		var content statusContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			k.log.Warnf("bad status content: %s", err)
			return
		}
		switch content.ExecutionState {
		case "idle":
			// An idle status precedes actual execution start; it only
			// completes once the input was accepted.
			k.mu.Lock()
			if c.inputAccepted {
				k.complete(parentID, c)
			}
			k.mu.Unlock()
		case "error":
			k.mu.Lock()
			if c.exec.Error == nil {
				c.exec.Error = executionError(content.errorContent)
			}
			k.complete(parentID, c)
			k.mu.Unlock()
		}

	case msgTypeExecuteReply:
		var content executeReplyContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			k.log.Warnf("bad execute_reply content: %s", err)
			return
		}
		if content.Status == "error" {
			k.mu.Lock()
			if c.exec.Error == nil {
				c.exec.Error = executionError(content.errorContent)
			}
			k.mu.Unlock()
		}

	default:
		k.log.Warnf("unhandled kernel message type %q", msg.Header.MsgType)
	}
}

// complete fires the cell's completion signal. Callers hold k.mu; the first
// terminal frame wins and later ones are no-ops.
func (k *KernelConn) complete(msgID string, c *cell) {
	if c.completed {
		return
	}
	c.completed = true
	close(c.done)
	k.log.Debugf("execution %s completed", msgID)
}

func (k *KernelConn) invokeStreamCallback(msgID string, cb func(sandbox.ProcessMessage), out sandbox.ProcessMessage) {
	defer func() {
		if r := recover(); r != nil {
			k.log.Errorf("stream callback for %s panicked: %v", msgID, r)
		}
	}()
	cb(out)
}

func (k *KernelConn) invokeResultCallback(msgID string, cb func(Result), result Result) {
	defer func() {
		if r := recover(); r != nil {
			k.log.Errorf("result callback for %s panicked: %v", msgID, r)
		}
	}()
	cb(result)
}

func executionError(content errorContent) *ExecutionError {
	return &ExecutionError{
		Name:      content.Ename,
		Value:     content.Evalue,
		Traceback: content.Traceback,
	}
}

// teardown force-completes every outstanding execution with a closed
// outcome so no waiter blocks forever. Safe to call more than once.
func (k *KernelConn) teardown() {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return
	}
	k.closed = true
	for msgID, c := range k.cells {
		c.closedErr = sandbox.ErrClosed
		k.complete(msgID, c)
	}
	k.mu.Unlock()
}

// Close force-completes all outstanding executions, stops the reader and
// closes the transport. Idempotent.
func (k *KernelConn) Close() error {
	k.closeOnce.Do(func() {
		k.teardown()
		k.readCancel()
		k.ws.Close()
	})
	return nil
}
