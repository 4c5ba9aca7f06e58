package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/boxfleet/sandboxsdk/internal/wsconn"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// SubscriptionRequest describes one subscription to establish: the envd
// service and method to subscribe to, extra params, and the handler invoked
// for every notification delivered under the resulting subscription id.
type SubscriptionRequest struct {
	Service string
	Method  string
	Params  []any
	Handler NotificationHandler
}

// UnsubscribeFunc cancels a subscription server-side and deregisters its
// handler.
type UnsubscribeFunc func(ctx context.Context) error

// Connection is the RPC connection to one sandbox's envd daemon. Any number
// of goroutines may issue calls and subscriptions concurrently; each blocks
// only its own caller. A Connection dies with its transport and is never
// reconnected; callers must build a new one.
type Connection struct {
	log *zap.SugaredLogger
	rpc *rpcConn

	closeOnce sync.Once
}

type ConnOption func(*connConfig)

type connConfig struct {
	logger      *zap.Logger
	httpClient  *http.Client
	dialBackoff []time.Duration
}

func WithLogger(l *zap.Logger) ConnOption {
	return func(c *connConfig) { c.logger = l }
}

func WithHTTPClient(hc *http.Client) ConnOption {
	return func(c *connConfig) { c.httpClient = hc }
}

// WithDialBackoff overrides the transport handshake retry schedule.
func WithDialBackoff(backoff []time.Duration) ConnOption {
	return func(c *connConfig) { c.dialBackoff = backoff }
}

// Dial connects to an envd WebSocket endpoint and starts the dispatch loop.
func Dial(ctx context.Context, wsURL string, opts ...ConnOption) (*Connection, error) {
	cfg := connConfig{logger: zap.NewNop()}
	for _, o := range opts {
		o(&cfg)
	}
	log := cfg.logger.Named("sandbox_conn").Sugar()

	dialOpts := []wsconn.DialOption{wsconn.WithLogger(log)}
	if cfg.httpClient != nil {
		dialOpts = append(dialOpts, wsconn.WithHTTPClient(cfg.httpClient))
	}
	if cfg.dialBackoff != nil {
		dialOpts = append(dialOpts, wsconn.WithBackoff(cfg.dialBackoff))
	}

	ws, err := wsconn.Dial(ctx, wsURL, dialOpts...)
	if err != nil {
		return nil, &ConnectionError{URL: wsURL, Err: err}
	}
	return &Connection{
		log: log,
		rpc: newRPCConn(log, ws),
	}, nil
}

// Call invokes the envd method "{service}_{method}" and returns its raw
// result. Higher-level managers own the typed parsing.
func (c *Connection) Call(ctx context.Context, service, method string, params ...any) (json.RawMessage, error) {
	return c.rpc.Call(ctx, service+"_"+method, params)
}

// Subscribe establishes one subscription. The subscribe call must return a
// string subscription id; anything else fails with a SubscriptionError.
func (c *Connection) Subscribe(ctx context.Context, req SubscriptionRequest) (UnsubscribeFunc, error) {
	params := append([]any{req.Method}, req.Params...)
	raw, err := c.Call(ctx, req.Service, "subscribe", params...)
	if err != nil {
		return nil, &SubscriptionError{Service: req.Service, Method: req.Method, Err: err}
	}

	var subID string
	if err := json.Unmarshal(raw, &subID); err != nil || subID == "" {
		return nil, &SubscriptionError{
			Service: req.Service,
			Method:  req.Method,
			Err:     fmt.Errorf("subscribe returned non-string id %s", raw),
		}
	}

	c.rpc.RegisterHandler(subID, req.Handler)
	c.log.Debugf("subscribed to %s %s (sub id: %s)", req.Service, req.Method, subID)

	return func(ctx context.Context) error {
		if _, err := c.Call(ctx, req.Service, "unsubscribe", subID); err != nil {
			return fmt.Errorf("unsubscribing %s: %w", subID, err)
		}
		c.rpc.DeregisterHandler(subID)
		c.log.Debugf("unsubscribed (sub id: %s)", subID)
		return nil
	}, nil
}

// SubscribeAll issues all subscriptions concurrently. If any fail, every
// subscription that did succeed is unsubscribed before the failure is
// returned: a single failure surfaces as itself, multiple failures are
// combined. On success the returned func unsubscribes all of them.
func (c *Connection) SubscribeAll(ctx context.Context, reqs ...SubscriptionRequest) (UnsubscribeFunc, error) {
	unsubs := make([]UnsubscribeFunc, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unsubs[i], errs[i] = c.Subscribe(ctx, reqs[i])
		}(i)
	}
	wg.Wait()

	unsubAll := func(ctx context.Context) error {
		var err error
		for _, unsub := range unsubs {
			if unsub != nil {
				err = multierr.Append(err, unsub(ctx))
			}
		}
		return err
	}

	failed := multierr.Combine(errs...)
	if failed == nil {
		return unsubAll, nil
	}
	if err := unsubAll(ctx); err != nil {
		c.log.Debugf("rolling back subscriptions: %s", err)
	}
	return nil, failed
}

// Close tears the connection down, failing every outstanding call with
// ErrClosed. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.rpc.Close()
		c.log.Debug("connection closed")
	})
	return err
}
