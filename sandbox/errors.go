package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrClosed is returned to every caller still waiting on a call or a
// subscription when the connection is torn down. A closed connection is
// permanently dead; build a new Sandbox to continue.
var ErrClosed = errors.New("sandbox: connection closed")

// ConnectionError indicates that the transport could not be established or
// was lost. It is fatal to the owning connection.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("sandbox: connecting to %s: %s", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError indicates that a local wait exceeded its budget. The
// underlying operation may still complete server-side; any late reply is
// discarded.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("sandbox: %s timed out: %s", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// RPCError is a structured method-level failure returned by the server.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("sandbox: rpc error %d: %s", e.Code, e.Message)
}

// SubscriptionError indicates that a subscribe call did not yield a valid
// subscription id.
type SubscriptionError struct {
	Service string
	Method  string
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("sandbox: subscribing to %s %s: %s", e.Service, e.Method, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

// ProtocolError indicates an inbound frame that could not be parsed or
// classified. It is logged and dropped; the connection stays alive.
type ProtocolError struct {
	Reason string
	Frame  []byte
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("sandbox: protocol violation: %s", e.Reason)
}

// timeoutOrErr converts a context error observed while waiting on op into
// the error surfaced to the caller.
func timeoutOrErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Err: err}
	}
	return err
}
