package mcp

import "context"

// Transport is the byte-level channel carrying MCP messages to and from
// one server. Implementations handle framing and delivery for a specific
// mechanism (subprocess stdio, HTTP+SSE, WebSocket); the Client drives
// every one of them through the same five operations and never sees
// process handles or HTTP sessions.
//
// Send and Receive are each safe for concurrent use. Close is
// idempotent and must promptly wake a Receive blocked in another
// goroutine.
type Transport interface {
	// Connect establishes the channel: spawns the subprocess or opens
	// the HTTP or WebSocket session. No messages flow before Connect.
	Connect(ctx context.Context) error

	// Close tears the channel down and releases its resources. For
	// stdio transports this terminates the subprocess.
	Close() error

	// Send delivers one message to the server.
	Send(ctx context.Context, msg *Message) error

	// Receive blocks until one message arrives from the server. It
	// fails with a ConnectionError once the channel is gone.
	Receive(ctx context.Context) (*Message, error)

	// Connected reports whether the channel is currently established.
	Connected() bool
}

// incomingBuffer is the queue depth between a transport's reader and
// the client's receive loop.
const incomingBuffer = 32
