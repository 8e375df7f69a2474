package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// protocolVersion is the MCP protocol version we advertise during
// initialization. Version negotiation beyond this single string is not
// attempted.
const protocolVersion = "2024-11-05"

// DefaultCallTimeout bounds a single request when the client config does
// not set one. Expiry fails only that call; the connection stays up.
const DefaultCallTimeout = 30 * time.Second

// State is the client's position in its connection lifecycle. Discovery
// and call operations are permitted only in StateConnected.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateInitializing
	StateConnected
	StateClosing
	StateError
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateInitializing:
		return "initializing"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// Name identifies the server in logs and error messages.
	Name string

	// Transport carries the messages. The client owns it: Connect
	// establishes it and Close tears it down.
	Transport Transport

	// ClientName and ClientVersion are advertised in the initialize
	// handshake.
	ClientName    string
	ClientVersion string

	// CallTimeout bounds each request. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	// Logger is the structured logger for client diagnostics.
	Logger *slog.Logger
}

// pendingResult carries the outcome of one request from the receive loop
// back to the waiting caller.
type pendingResult struct {
	msg *Message
	err error
}

// Client speaks MCP to a single server over one Transport. A background
// receive loop demultiplexes incoming messages: responses resolve the
// pending request they correlate to by id, server-initiated pings are
// answered, and everything else is logged and dropped.
type Client struct {
	name          string
	transport     Transport
	clientName    string
	clientVersion string
	callTimeout   time.Duration
	logger        *slog.Logger

	nextID atomic.Int64
	state  atomic.Int32

	pendingMu sync.Mutex
	pending   map[MessageID]chan pendingResult

	mu         sync.Mutex // guards the connect/close lifecycle
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	infoMu sync.RWMutex
	info   *ServerInfo
}

// NewClient creates a client for the given server. The transport is not
// connected until Connect.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	clientName := cfg.ClientName
	if clientName == "" {
		clientName = "forge-mcp"
	}
	return &Client{
		name:          cfg.Name,
		transport:     cfg.Transport,
		clientName:    clientName,
		clientVersion: cfg.ClientVersion,
		callTimeout:   timeout,
		logger:        logger.With("mcp_server", cfg.Name),
		pending:       make(map[MessageID]chan pendingResult),
	}
}

// Name returns the server name this client talks to.
func (c *Client) Name() string {
	return c.name
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// ServerInfo returns the server identity and capabilities negotiated at
// connect time, or nil when not connected.
func (c *Client) ServerInfo() *ServerInfo {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	return c.info
}

// Connect establishes the transport, starts the receive loop, and
// performs the initialize handshake. On any failure the transport is
// closed, the loop joined, and the client returns to Disconnected — no
// partially-initialized state is ever visible to callers.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if State(c.state.Load()) == StateConnected {
		return nil
	}

	c.state.Store(int32(StateConnecting))
	if err := c.transport.Connect(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("connect %s: %w", c.name, err)
	}

	c.state.Store(int32(StateInitializing))
	loopCtx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	c.loopDone = make(chan struct{})
	go c.receiveLoop(loopCtx)

	info, err := c.initialize(ctx)
	if err != nil {
		c.teardown()
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("initialize %s: %w", c.name, err)
	}

	c.infoMu.Lock()
	c.info = info
	c.infoMu.Unlock()
	c.state.Store(int32(StateConnected))

	c.logger.Info("MCP server initialized",
		"server_name", info.Name,
		"server_version", info.Version,
		"protocol_version", info.ProtocolVersion,
		"tools", info.Capabilities.Tools,
		"resources", info.Capabilities.Resources,
		"prompts", info.Capabilities.Prompts,
	)
	return nil
}

// initialize performs the handshake: the initialize request followed by
// the notifications/initialized notification.
func (c *Client) initialize(ctx context.Context) (*ServerInfo, error) {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo: clientInfo{
			Name:    c.clientName,
			Version: c.clientVersion,
		},
	}

	raw, err := c.request(ctx, methodInitialize, params)
	if err != nil {
		return nil, err
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal initialize result: %w", err)
	}

	notif, err := NewNotification(methodInitialized, nil)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Send(ctx, notif); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	return &ServerInfo{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Capabilities:    result.Capabilities.capabilities(),
	}, nil
}

// Close cancels the receive loop, closes the transport, and discards the
// cached server info. Idempotent; always succeeds.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.loopCancel == nil && State(c.state.Load()) == StateDisconnected {
		return nil
	}

	c.logger.Info("closing MCP client")
	c.state.Store(int32(StateClosing))
	c.teardown()

	c.infoMu.Lock()
	c.info = nil
	c.infoMu.Unlock()

	c.state.Store(int32(StateDisconnected))
	return nil
}

// teardown closes the transport and joins the receive loop. Caller must
// hold c.mu. Closing the transport wakes a blocked Receive, so the loop
// exits and fails any pending requests before done closes.
func (c *Client) teardown() {
	if c.loopCancel != nil {
		c.transport.Close()
		c.loopCancel()
		<-c.loopDone
		c.loopCancel = nil
		c.loopDone = nil
	} else {
		c.transport.Close()
	}
}

// receiveLoop demultiplexes incoming messages until the transport dies
// or the loop context is cancelled. On exit every still-pending request
// is rejected with ErrConnectionLost so nothing hangs on a dead
// connection.
func (c *Client) receiveLoop(ctx context.Context) {
	defer close(c.loopDone)

	for {
		msg, err := c.transport.Receive(ctx)
		if err != nil {
			deliberate := ctx.Err() != nil || State(c.state.Load()) == StateClosing
			c.failPending(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			if !deliberate {
				c.state.Store(int32(StateError))
				c.logger.Warn("MCP receive loop ended", "error", err)
			}
			return
		}

		kind, err := msg.Kind()
		if err != nil {
			c.logger.Debug("dropping malformed message", "error", err)
			continue
		}

		switch kind {
		case KindResponse:
			c.dispatch(msg)
		case KindRequest:
			c.handleServerRequest(ctx, msg)
		case KindNotification:
			c.logger.Debug("server notification", "method", msg.Method)
		}
	}
}

// dispatch resolves the pending request matching a response id. An
// unmatched id is logged and dropped, never fatal.
func (c *Client) dispatch(msg *Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("dropping response with unknown id", "id", string(msg.ID))
		return
	}
	ch <- pendingResult{msg: msg}
}

// handleServerRequest answers server-initiated requests. Pings get an
// empty result; anything else gets a method-not-found error so the
// server is not left waiting.
func (c *Client) handleServerRequest(ctx context.Context, msg *Message) {
	var reply *Message
	if msg.Method == methodPing {
		reply, _ = NewResponse(msg.ID, map[string]any{})
	} else {
		c.logger.Debug("unsupported server request", "method", msg.Method)
		reply = NewErrorResponse(msg.ID, errCodeMethodNotFound, fmt.Sprintf("method %q not supported", msg.Method))
	}
	if err := c.transport.Send(ctx, reply); err != nil {
		c.logger.Debug("failed to answer server request", "method", msg.Method, "error", err)
	}
}

// failPending rejects every in-flight request with the given error.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[MessageID]chan pendingResult)
	c.pendingMu.Unlock()

	for id, ch := range pending {
		ch <- pendingResult{err: fmt.Errorf("request %s: %w", string(id), err)}
	}
}

// request issues one JSON-RPC request and waits for its response. The
// pending channel is registered before the send so a reply arriving
// faster than the bookkeeping cannot be dropped. A timeout or context
// cancellation removes the handle and fails only this call.
func (c *Client) request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := MessageID(strconv.FormatInt(c.nextID.Add(1), 10))
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan pendingResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	remove := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	if err := c.transport.Send(ctx, req); err != nil {
		remove()
		return nil, fmt.Errorf("%s %s: %w", c.name, method, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%s %s: %w", c.name, method, res.err)
		}
		if res.msg.Error != nil {
			return nil, fmt.Errorf("%s %s: %w", c.name, method, res.msg.Error)
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		remove()
		return nil, fmt.Errorf("%s %s: %w", c.name, method, ctx.Err())
	case <-timer.C:
		remove()
		return nil, fmt.Errorf("%s %s: %w", c.name, method, ErrRequestTimeout)
	}
}

// requireConnected fails with ErrNotConnected outside the Connected
// state. Checked before the capability gate on list operations:
// capabilities are only meaningful after the handshake, so a
// disconnected client must fail rather than report an absent
// capability as an empty list.
func (c *Client) requireConnected(method string) error {
	if State(c.state.Load()) != StateConnected {
		return fmt.Errorf("%s %s: %w", c.name, method, ErrNotConnected)
	}
	return nil
}

// call is request gated on the Connected state, used by every public
// discovery and call method.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.requireConnected(method); err != nil {
		return nil, err
	}
	return c.request(ctx, method, params)
}

// ListTools returns the server's tool definitions. When the server
// declared no tools capability this returns empty with zero protocol
// traffic.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.requireConnected(methodToolsList); err != nil {
		return nil, err
	}
	if !c.capability(func(caps Capabilities) bool { return caps.Tools }) {
		return nil, nil
	}
	raw, err := c.call(ctx, methodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var result toolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}
	return result.Tools, nil
}

// ListResources returns the server's resources, or empty with zero
// traffic when the resources capability is absent.
func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	if err := c.requireConnected(methodResourcesList); err != nil {
		return nil, err
	}
	if !c.capability(func(caps Capabilities) bool { return caps.Resources }) {
		return nil, nil
	}
	raw, err := c.call(ctx, methodResourcesList, nil)
	if err != nil {
		return nil, err
	}
	var result resourcesListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/list result: %w", err)
	}
	return result.Resources, nil
}

// ListResourceTemplates returns the server's resource templates, or
// empty with zero traffic when the resources capability is absent.
func (c *Client) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	if err := c.requireConnected(methodResourcesTmplList); err != nil {
		return nil, err
	}
	if !c.capability(func(caps Capabilities) bool { return caps.Resources }) {
		return nil, nil
	}
	raw, err := c.call(ctx, methodResourcesTmplList, nil)
	if err != nil {
		return nil, err
	}
	var result resourceTemplatesListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/templates/list result: %w", err)
	}
	return result.ResourceTemplates, nil
}

// ListPrompts returns the server's prompts, or empty with zero traffic
// when the prompts capability is absent.
func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	if err := c.requireConnected(methodPromptsList); err != nil {
		return nil, err
	}
	if !c.capability(func(caps Capabilities) bool { return caps.Prompts }) {
		return nil, nil
	}
	raw, err := c.call(ctx, methodPromptsList, nil)
	if err != nil {
		return nil, err
	}
	var result promptsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/list result: %w", err)
	}
	return result.Prompts, nil
}

// CallTool invokes a tool by its server-side name. The call goes out
// regardless of the declared capabilities: a server that does not
// support tools answers with its own protocol error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	raw, err := c.call(ctx, methodToolsCall, callToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &result, nil
}

// ReadResource fetches a resource's contents by URI. Not capability
// gated; defaults to empty when the result carries no contents field.
func (c *Client) ReadResource(ctx context.Context, uri string) ([]ResourceContents, error) {
	raw, err := c.call(ctx, methodResourcesRead, readResourceParams{URI: uri})
	if err != nil {
		return nil, err
	}
	var result resourcesReadResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal resources/read result: %w", err)
	}
	return result.Contents, nil
}

// GetPrompt renders a prompt by name. Not capability gated; defaults to
// empty when the result carries no messages field.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]any) ([]PromptMessage, error) {
	raw, err := c.call(ctx, methodPromptsGet, getPromptParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result promptsGetResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("unmarshal prompts/get result: %w", err)
	}
	return result.Messages, nil
}

// Ping checks whether the server is responsive. Used by connwatch for
// health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, methodPing, nil)
	return err
}

// capability reads one negotiated capability flag. False when not
// connected.
func (c *Client) capability(pick func(Capabilities) bool) bool {
	c.infoMu.RLock()
	defer c.infoMu.RUnlock()
	if c.info == nil {
		return false
	}
	return pick(c.info.Capabilities)
}

// ExtractText flattens content blocks into a single string: text blocks
// joined by newlines, non-text blocks rendered as bracketed type
// placeholders.
func ExtractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
