// Package wsconn provides the WebSocket transport shared by the sandbox RPC
// connection and the interpreter kernel connection.
//
// A Conn delivers inbound text frames, in arrival order, to a single reader.
// Dialing retries the handshake a fixed number of times with increasing
// backoff before giving up.
package wsconn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Kernel result payloads (images, dataframes) can be large, so the read limit
// is far above nhooyr's 32KiB default.
const defaultReadLimit = 16 << 20

// defaultBackoff holds the sleep before each retry after a failed handshake.
// Its length is also the retry budget.
var defaultBackoff = []time.Duration{500 * time.Millisecond, time.Second, 5 * time.Second}

type Conn struct {
	log  *zap.SugaredLogger
	url  string
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

type dialConfig struct {
	log        *zap.SugaredLogger
	httpClient *http.Client
	backoff    []time.Duration
	readLimit  int64
}

type DialOption func(*dialConfig)

func WithLogger(l *zap.SugaredLogger) DialOption {
	return func(c *dialConfig) { c.log = l }
}

func WithHTTPClient(hc *http.Client) DialOption {
	return func(c *dialConfig) { c.httpClient = hc }
}

// WithBackoff overrides the retry schedule. The number of retries equals
// len(backoff).
func WithBackoff(backoff []time.Duration) DialOption {
	return func(c *dialConfig) { c.backoff = backoff }
}

func WithReadLimit(n int64) DialOption {
	return func(c *dialConfig) { c.readLimit = n }
}

// Dial establishes a WebSocket connection to url, retrying failed handshakes
// per the backoff schedule. It returns the last handshake error once the
// retry budget is exhausted.
func Dial(ctx context.Context, url string, opts ...DialOption) (*Conn, error) {
	cfg := dialConfig{
		log:       zap.NewNop().Sugar(),
		backoff:   defaultBackoff,
		readLimit: defaultReadLimit,
	}
	for _, o := range opts {
		o(&cfg)
	}
	log := cfg.log.Named("wsconn")

	var wsC *websocket.Conn
	for attempt := 1; ; attempt++ {
		var err error
		wsC, _, err = websocket.Dial(ctx, url, &websocket.DialOptions{
			HTTPClient:      cfg.httpClient,
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err == nil {
			break
		}
		log.Warnf("websocket dial to %s failed (attempt %d): %s", url, attempt, err)
		if attempt > len(cfg.backoff) {
			return nil, fmt.Errorf("dialing websocket %s after %d attempts: %w", url, attempt, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.backoff[attempt-1]):
		}
	}
	wsC.SetReadLimit(cfg.readLimit)
	log.Debugf("websocket connected to %s", url)

	return &Conn{log: log, url: url, conn: wsC}, nil
}

// Recv returns the next inbound frame. Only one goroutine may call Recv.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	_, b, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Conn) Send(ctx context.Context, b []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *Conn) SendJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, c.conn, v)
}

// Close closes the connection. It is safe to call multiple times and from
// multiple goroutines; a pending Recv unblocks with an error.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		err := c.conn.Close(websocket.StatusNormalClosure, "")
		if err != nil {
			c.log.Debugf("closing websocket %s: %s", c.url, err)
		}
		c.closeErr = err
	})
	return c.closeErr
}
