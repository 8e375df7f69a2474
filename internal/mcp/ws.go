package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// wsCloseGrace is how long Close waits for the server to acknowledge
// the close handshake before dropping the connection.
const wsCloseGrace = 2 * time.Second

// WSConfig configures a WebSocket MCP transport. Each text frame
// carries one JSON-RPC message in either direction.
type WSConfig struct {
	// URL is the WebSocket endpoint. http/https schemes are rewritten
	// to ws/wss.
	URL string

	// Headers are additional HTTP headers sent with the handshake
	// request (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// WSTransport communicates with an MCP server over a single WebSocket
// connection. A single reader goroutine feeds the incoming queue;
// writes serialize under a mutex, matching the discipline of the other
// transports.
type WSTransport struct {
	rawURL  string
	headers map[string]string
	logger  *slog.Logger

	mu         sync.Mutex // guards lifecycle fields below
	conn       *websocket.Conn
	incoming   chan *Message
	readerDone chan struct{}
	closed     chan struct{}

	writeMu sync.Mutex // serializes frame writes

	errMu   sync.Mutex
	readErr error

	connected atomic.Bool
}

// NewWSTransport creates a WebSocket transport for the given config.
// The connection is dialed by Connect.
func NewWSTransport(cfg WSConfig) *WSTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WSTransport{
		rawURL:  cfg.URL,
		headers: cfg.Headers,
		logger:  logger,
	}
}

// Connect dials the WebSocket endpoint and starts the reader goroutine.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil // already connected
	}

	u, err := url.Parse(t.rawURL)
	if err != nil {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("parse URL: %w", err)}
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}

	header := http.Header{}
	for k, v := range t.headers {
		header.Set(k, v)
	}

	t.logger.Info("connecting MCP WebSocket", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:   1 << 20, // 1 MiB for large tool results
		WriteBufferSize:  64 * 1024,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return &ConnectionError{Op: "connect", Err: fmt.Errorf("dial websocket: %w (status %d)", err, resp.StatusCode)}
		}
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("dial websocket: %w", err)}
	}
	conn.SetReadLimit(10 << 20) // 10 MiB max message size

	t.conn = conn
	t.incoming = make(chan *Message, incomingBuffer)
	t.readerDone = make(chan struct{})
	t.closed = make(chan struct{})
	t.errMu.Lock()
	t.readErr = nil
	t.errMu.Unlock()

	go t.readLoop(conn)

	t.connected.Store(true)
	return nil
}

// readLoop reads frames onto the incoming queue until the connection
// dies. Malformed frames are logged and dropped.
func (t *WSTransport) readLoop(conn *websocket.Conn) {
	defer close(t.readerDone)

	incoming := t.incoming
	defer close(incoming)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connected.Store(false)
			t.errMu.Lock()
			t.readErr = err
			t.errMu.Unlock()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("MCP websocket closed", "error", err)
			}
			return
		}

		msg, derr := DecodeMessage(data)
		if derr != nil {
			t.logger.Debug("dropping malformed frame from MCP server", "error", derr)
			continue
		}
		select {
		case incoming <- msg:
		case <-t.closed:
			return
		}
	}
}

// Send writes one message as a single text frame. Concurrent sends
// serialize on the write mutex.
func (t *WSTransport) Send(ctx context.Context, msg *Message) error {
	// Snapshot the connection under the lifecycle lock: a concurrent
	// Close nils the field, and a write racing teardown must fail, not
	// panic.
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil || !t.connected.Load() {
		return &ConnectionError{Op: "send", Err: errors.New("transport not connected")}
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// Receive returns the next message from the server. It fails with a
// ConnectionError once the connection is gone and returns promptly when
// ctx is cancelled.
func (t *WSTransport) Receive(ctx context.Context) (*Message, error) {
	t.mu.Lock()
	incoming := t.incoming
	t.mu.Unlock()

	if incoming == nil {
		return nil, &ConnectionError{Op: "receive", Err: errors.New("transport not connected")}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-incoming:
		if !ok {
			return nil, &ConnectionError{Op: "receive", Err: t.readError()}
		}
		return msg, nil
	}
}

func (t *WSTransport) readError() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.readErr == nil {
		return errors.New("connection closed")
	}
	return t.readErr
}

// Connected reports whether the WebSocket connection is established.
func (t *WSTransport) Connected() bool {
	return t.connected.Load()
}

// Close performs the close handshake, drops the connection, and joins
// the reader. A Receive blocked on the queue wakes as the reader exits.
// Idempotent.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	t.connected.Store(false)
	close(t.closed)

	t.writeMu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(wsCloseGrace))
	t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	// Bound the wait for the server's close frame; the reader exits on
	// either the close acknowledgement or the dropped connection.
	select {
	case <-t.readerDone:
	case <-time.After(wsCloseGrace):
	}

	t.conn.Close()
	<-t.readerDone
	t.conn = nil
	t.logger.Info("MCP websocket closed", "url", t.rawURL)
	return nil
}
