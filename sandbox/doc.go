// Package sandbox is a client for remote sandboxed execution environments.
//
// A Sandbox is created through the fleet orchestrator and then driven over a
// single WebSocket connection to the sandbox's envd daemon. That connection
// multiplexes request/reply calls and server-push subscriptions: one reader
// goroutine correlates replies to waiting callers by id and fans
// notifications out to subscription handlers. The Process, Terminal and
// Filesystem managers are thin facades over those two primitives.
//
// A connection dies with its transport. When it drops, every outstanding
// call fails with ErrClosed and the Sandbox must be recreated; there is no
// automatic reconnection.
package sandbox
