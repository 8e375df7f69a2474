package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tmaxmax/go-sse"

	"github.com/corey-rosamond/Code-Forge-sub000/internal/httpkit"
)

// maxEventSize bounds a single SSE event payload.
const maxEventSize = 10 << 20 // 10 MiB

// HTTPConfig configures an HTTP MCP transport. Requests go out as POSTs
// to {BaseURL}/message; asynchronous messages arrive on the SSE stream
// at {BaseURL}/sse.
type HTTPConfig struct {
	// BaseURL is the MCP server's base endpoint, without the /message
	// or /sse suffix.
	BaseURL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with a remote MCP server over HTTP. Sends
// are synchronous POSTs whose response bodies are fed onto the same
// incoming queue as the server-push SSE events, so the receive path
// never needs to know which way a message arrived.
type HTTPTransport struct {
	base    string
	headers map[string]string
	logger  *slog.Logger

	postClient   *http.Client
	streamClient *http.Client

	mu         sync.Mutex // guards lifecycle fields below
	cancel     context.CancelFunc
	incoming   chan *Message
	streamDone chan struct{}
	closed     chan struct{}

	sessMu    sync.RWMutex
	sessionID string // Mcp-Session header for session affinity

	errMu   sync.Mutex
	readErr error

	connected atomic.Bool
}

// NewHTTPTransport creates an HTTP transport for the given config. The
// underlying HTTP clients are constructed via httpkit; the stream
// client runs without an overall deadline so the SSE response can live
// as long as the connection does.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		base:         strings.TrimRight(cfg.BaseURL, "/"),
		headers:      cfg.Headers,
		logger:       logger,
		postClient:   httpkit.NewClient(),
		streamClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

// Connect opens the SSE event stream and starts the background reader
// that feeds the incoming queue.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		return nil // already connected
	}

	// The stream outlives the connect call, so it gets its own
	// lifetime, ended by Close.
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.base+"/sse", nil)
	if err != nil {
		cancel()
		return &ConnectionError{Op: "connect", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.applyHeaders(req)

	resp, err := t.streamClient.Do(req)
	if err != nil {
		cancel()
		return &ConnectionError{Op: "connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		resp.Body.Close()
		cancel()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("event stream returned %d: %s", resp.StatusCode, errBody)}
	}

	t.cancel = cancel
	t.incoming = make(chan *Message, incomingBuffer)
	t.streamDone = make(chan struct{})
	t.closed = make(chan struct{})
	t.errMu.Lock()
	t.readErr = nil
	t.errMu.Unlock()

	go t.readStream(resp.Body)

	t.connected.Store(true)
	t.logger.Info("MCP event stream connected", "url", t.base+"/sse")
	return nil
}

// readStream decodes SSE events onto the incoming queue until the
// stream ends. Malformed payloads are logged and dropped.
func (t *HTTPTransport) readStream(body io.ReadCloser) {
	defer close(t.streamDone)

	incoming := t.incoming
	defer close(incoming)
	defer body.Close()

	cfg := &sse.ReadConfig{MaxEventSize: maxEventSize}
	for ev, err := range sse.Read(body, cfg) {
		if err != nil {
			t.connected.Store(false)
			t.errMu.Lock()
			t.readErr = err
			t.errMu.Unlock()
			if !errors.Is(err, context.Canceled) {
				t.logger.Debug("MCP event stream closed", "error", err)
			}
			return
		}

		data := strings.TrimSpace(ev.Data)
		if data == "" {
			continue
		}
		msg, derr := DecodeMessage([]byte(data))
		if derr != nil {
			t.logger.Debug("dropping malformed event from MCP server", "error", derr)
			continue
		}
		select {
		case incoming <- msg:
		case <-t.closed:
			return
		}
	}

	// The iterator ended cleanly: the server closed the stream.
	t.connected.Store(false)
}

// Send POSTs one message. A non-empty 200 response body is itself a
// message and joins the incoming queue; 202 acknowledges a notification
// with no body.
func (t *HTTPTransport) Send(ctx context.Context, msg *Message) error {
	if !t.connected.Load() {
		return &ConnectionError{Op: "send", Err: errors.New("transport not connected")}
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+"/message", bytes.NewReader(data))
	if err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	t.applyHeaders(req)

	t.sessMu.RLock()
	if t.sessionID != "" {
		req.Header.Set("Mcp-Session", t.sessionID)
	}
	t.sessMu.RUnlock()

	resp, err := t.postClient.Do(req)
	if err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	// Capture session ID for affinity on subsequent requests.
	if sid := resp.Header.Get("Mcp-Session"); sid != "" {
		t.sessMu.Lock()
		t.sessionID = sid
		t.sessMu.Unlock()
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil // accepted without a body (notifications)
	case resp.StatusCode != http.StatusOK:
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		return &ConnectionError{Op: "send", Err: fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, errBody)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return &ConnectionError{Op: "send", Err: fmt.Errorf("read response body: %w", err)}
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}

	reply, derr := DecodeMessage(body)
	if derr != nil {
		t.logger.Debug("dropping malformed response body from MCP server", "error", derr)
		return nil
	}

	select {
	case t.incoming <- reply:
	case <-t.closed:
	}
	return nil
}

// Receive returns the next incoming message, from either delivery path.
// It fails with a ConnectionError once the stream is gone and returns
// promptly when ctx is cancelled.
func (t *HTTPTransport) Receive(ctx context.Context) (*Message, error) {
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

func (t *HTTPTransport) readError() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.readErr == nil {
		return errors.New("stream closed")
	}
	return t.readErr
}

// Connected reports whether the event stream is established.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// Close cancels the event stream subscription, joins the reader, and
// releases pooled connections. A Receive blocked on the queue wakes as
// the stream dies. Idempotent.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel == nil {
		return nil
	}

	t.connected.Store(false)
	close(t.closed)
	t.cancel()
	<-t.streamDone
	t.cancel = nil

	t.postClient.CloseIdleConnections()
	t.streamClient.CloseIdleConnections()
	t.logger.Info("MCP event stream closed", "url", t.base+"/sse")
	return nil
}

func (t *HTTPTransport) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}
