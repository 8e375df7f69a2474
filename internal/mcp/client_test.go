package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeTransport is a scripted test double for the Transport interface.
// Requests are answered by per-method responders; methods without a
// responder are swallowed so timeout paths can be exercised. Incoming
// server-initiated messages can be injected with push.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	responders map[string]func(*Message) *Message
	sent       []*Message

	incoming  chan *Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responders: make(map[string]func(*Message) *Message),
		incoming:   make(chan *Message, 64),
		closed:     make(chan struct{}),
	}
}

// respond installs a canned success result (raw JSON) for a method.
func (f *fakeTransport) respond(method, rawResult string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders[method] = func(req *Message) *Message {
		return &Message{JSONRPC: jsonrpcVersion, ID: req.ID, Result: json.RawMessage(rawResult)}
	}
}

// respondError installs a canned protocol error for a method.
func (f *fakeTransport) respondError(method string, code int, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responders[method] = func(req *Message) *Message {
		return NewErrorResponse(req.ID, code, msg)
	}
}

// respondInit installs a standard initialize result with the given
// capabilities JSON (e.g. `{"tools":{}}`).
func (f *fakeTransport) respondInit(capsJSON string) {
	f.respond(methodInitialize, fmt.Sprintf(
		`{"protocolVersion":"2024-11-05","serverInfo":{"name":"fake-server","version":"0.1.0"},"capabilities":%s}`,
		capsJSON))
}

// push injects a server-initiated message into the receive stream.
func (f *fakeTransport) push(msg *Message) {
	f.incoming <- msg
}

// sentMethods returns how many times each method was sent.
func (f *fakeTransport) sentMethods() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int)
	for _, m := range f.sent {
		counts[m.Method]++
	}
	return counts
}

// sentIDs returns the ids of all sent requests.
func (f *fakeTransport) sentIDs() []MessageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []MessageID
	for _, m := range f.sent {
		if m.Method != "" && m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg *Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	responder := f.responders[msg.Method]
	f.mu.Unlock()

	// Notifications and responses get no reply. Requests are answered
	// when a responder is installed, silently dropped otherwise.
	if msg.ID == "" || msg.Method == "" || responder == nil {
		return nil
	}
	f.incoming <- responder(msg)
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-f.incoming:
		return msg, nil
	case <-f.closed:
		return nil, errors.New("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// connectedClient returns a client connected through ft with the given
// capabilities, closed automatically at test end.
func connectedClient(t *testing.T, ft *fakeTransport, capsJSON string) *Client {
	t.Helper()
	ft.respondInit(capsJSON)
	client := NewClient(ClientConfig{Name: "fake", Transport: ft})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_ConnectHandshake(t *testing.T) {
	ft := newFakeTransport()
	client := connectedClient(t, ft, `{"tools":{"listChanged":true}}`)

	if got := client.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}

	ft.mu.Lock()
	sent := append([]*Message(nil), ft.sent...)
	ft.mu.Unlock()

	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want initialize + initialized", len(sent))
	}
	if sent[0].Method != methodInitialize {
		t.Errorf("first message method = %q, want initialize", sent[0].Method)
	}
	if sent[0].ID != "1" {
		t.Errorf("first request id = %q, want %q", sent[0].ID, "1")
	}
	var params initializeParams
	if err := json.Unmarshal(sent[0].Params, &params); err != nil {
		t.Fatalf("unmarshal initialize params: %v", err)
	}
	if params.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q, want 2024-11-05", params.ProtocolVersion)
	}
	if params.ClientInfo.Name != "forge-mcp" {
		t.Errorf("clientInfo.name = %q, want forge-mcp", params.ClientInfo.Name)
	}
	if sent[1].Method != methodInitialized {
		t.Errorf("second message method = %q, want notifications/initialized", sent[1].Method)
	}
	if sent[1].ID != "" {
		t.Errorf("initialized notification carries id %q", sent[1].ID)
	}

	info := client.ServerInfo()
	if info == nil {
		t.Fatal("ServerInfo is nil after connect")
	}
	if info.Name != "fake-server" {
		t.Errorf("server name = %q, want fake-server", info.Name)
	}
	if !info.Capabilities.Tools || info.Capabilities.Resources || info.Capabilities.Prompts {
		t.Errorf("capabilities = %+v, want tools only", info.Capabilities)
	}
}

func TestClient_ConnectTransportError(t *testing.T) {
	ft := newFakeTransport()
	ft.connectErr = errors.New("spawn failed")

	client := NewClient(ClientConfig{Name: "fake", Transport: ft})
	if err := client.Connect(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if got := client.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected after failed connect", got)
	}
}

func TestClient_ConnectInitializeError(t *testing.T) {
	ft := newFakeTransport()
	ft.respondError(methodInitialize, errCodeInternal, "boom")

	client := NewClient(ClientConfig{Name: "fake", Transport: ft})
	err := client.Connect(context.Background())
	if err == nil {
		t.Fatal("expected initialize error")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Errorf("error = %v, want wrapped RPCError", err)
	}
	if got := client.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
}

func TestClient_ListTools(t *testing.T) {
	ft := newFakeTransport()
	ft.respond(methodToolsList, `{"tools":[{"name":"read_file","description":"Read a file","inputSchema":{"type":"object"}},{"name":"write_file"}]}`)
	client := connectedClient(t, ft, `{"tools":{}}`)

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "read_file" {
		t.Errorf("tools[0].Name = %q, want read_file", tools[0].Name)
	}
	if tools[0].InputSchema["type"] != "object" {
		t.Errorf("inputSchema not preserved: %v", tools[0].InputSchema)
	}
}

func TestClient_ListGatedOnCapabilities(t *testing.T) {
	ft := newFakeTransport()
	client := connectedClient(t, ft, `{}`)

	tools, err := client.ListTools(context.Background())
	if err != nil || tools != nil {
		t.Errorf("ListTools = %v, %v; want nil, nil", tools, err)
	}
	resources, err := client.ListResources(context.Background())
	if err != nil || resources != nil {
		t.Errorf("ListResources = %v, %v; want nil, nil", resources, err)
	}
	templates, err := client.ListResourceTemplates(context.Background())
	if err != nil || templates != nil {
		t.Errorf("ListResourceTemplates = %v, %v; want nil, nil", templates, err)
	}
	prompts, err := client.ListPrompts(context.Background())
	if err != nil || prompts != nil {
		t.Errorf("ListPrompts = %v, %v; want nil, nil", prompts, err)
	}

	// Gated list calls must produce zero protocol traffic.
	counts := ft.sentMethods()
	for _, method := range []string{methodToolsList, methodResourcesList, methodResourcesTmplList, methodPromptsList} {
		if counts[method] != 0 {
			t.Errorf("method %s was sent %d times, want 0", method, counts[method])
		}
	}
}

func TestClient_CallToolNotGated(t *testing.T) {
	// tools/call goes out even when the server declared no tools
	// capability; the server's own error comes back as an RPCError.
	ft := newFakeTransport()
	ft.respondError(methodToolsCall, errCodeMethodNotFound, "tools not supported")
	client := connectedClient(t, ft, `{}`)

	_, err := client.CallTool(context.Background(), "anything", nil)
	if err == nil {
		t.Fatal("expected error from tools/call")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error = %v, want RPCError", err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("code = %d, want -32601", rpcErr.Code)
	}
}

func TestClient_CallTool(t *testing.T) {
	ft := newFakeTransport()
	ft.respond(methodToolsCall, `{"content":[{"type":"text","text":"4"}],"isError":false}`)
	client := connectedClient(t, ft, `{"tools":{}}`)

	result, err := client.CallTool(context.Background(), "add", map[string]any{"a": 2, "b": 2})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Error("IsError = true, want false")
	}
	if got := ExtractText(result.Content); got != "4" {
		t.Errorf("text = %q, want %q", got, "4")
	}
}

func TestClient_NotConnected(t *testing.T) {
	client := NewClient(ClientConfig{Name: "fake", Transport: newFakeTransport()})

	_, err := client.CallTool(context.Background(), "add", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
	if err := client.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ping error = %v, want ErrNotConnected", err)
	}

	// List operations fail the same way before a handshake: with no
	// capabilities known yet, an empty result would be misleading.
	if _, err := client.ListTools(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListTools error = %v, want ErrNotConnected", err)
	}
	if _, err := client.ListResources(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListResources error = %v, want ErrNotConnected", err)
	}
	if _, err := client.ListResourceTemplates(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListResourceTemplates error = %v, want ErrNotConnected", err)
	}
	if _, err := client.ListPrompts(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListPrompts error = %v, want ErrNotConnected", err)
	}
}

func TestClient_RequestTimeoutIsolatesCall(t *testing.T) {
	ft := newFakeTransport()
	ft.respond(methodPing, `{}`)
	// No responder for tools/call: the request is swallowed.
	ft.respondInit(`{"tools":{}}`)

	client := NewClient(ClientConfig{Name: "fake", Transport: ft, CallTimeout: 50 * time.Millisecond})
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	_, err := client.CallTool(context.Background(), "slow", nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("error = %v, want ErrRequestTimeout", err)
	}

	// The connection survives: a later call on the same client works.
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("ping after timeout: %v", err)
	}
	if got := client.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
}

func TestClient_ConcurrentRequestsGetDistinctIDs(t *testing.T) {
	ft := newFakeTransport()
	ft.respond(methodPing, `{}`)
	client := connectedClient(t, ft, `{}`)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = client.Ping(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("ping %d: %v", i, err)
		}
	}

	seen := make(map[MessageID]bool)
	for _, id := range ft.sentIDs() {
		if seen[id] {
			t.Errorf("request id %q used twice", id)
		}
		seen[id] = true
	}
}

func TestClient_ConnectionLostFailsAllPending(t *testing.T) {
	ft := newFakeTransport()
	// No responder for tools/call: both requests stay pending until the
	// transport dies.
	client := connectedClient(t, ft, `{"tools":{}}`)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.CallTool(context.Background(), "hang", nil)
		}(i)
	}

	// Give both calls time to register, then kill the transport.
	time.Sleep(50 * time.Millisecond)
	ft.Close()
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("call %d error = %v, want ErrConnectionLost", i, err)
		}
	}

	// Receive-loop death outside Close is an error state.
	deadline := time.Now().Add(time.Second)
	for client.State() != StateError && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := client.State(); got != StateError {
		t.Errorf("state = %v, want error", got)
	}
}

func TestClient_AnswersServerPing(t *testing.T) {
	ft := newFakeTransport()
	client := connectedClient(t, ft, `{}`)
	_ = client

	ping, err := NewRequest("srv-1", methodPing, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	ft.push(ping)

	// Wait for the receive loop to answer.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ft.mu.Lock()
		var reply *Message
		for _, m := range ft.sent {
			if m.ID == "srv-1" && m.Method == "" {
				reply = m
			}
		}
		ft.mu.Unlock()
		if reply != nil {
			if len(reply.Result) == 0 || reply.Error != nil {
				t.Errorf("ping reply = %+v, want empty result", reply)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server ping was never answered")
}

func TestClient_RejectsUnknownServerRequest(t *testing.T) {
	ft := newFakeTransport()
	client := connectedClient(t, ft, `{}`)
	_ = client

	req, err := NewRequest("srv-2", "sampling/createMessage", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	ft.push(req)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ft.mu.Lock()
		var reply *Message
		for _, m := range ft.sent {
			if m.ID == "srv-2" && m.Method == "" {
				reply = m
			}
		}
		ft.mu.Unlock()
		if reply != nil {
			if reply.Error == nil || reply.Error.Code != errCodeMethodNotFound {
				t.Errorf("reply = %+v, want method-not-found error", reply)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("unsupported server request was never answered")
}

func TestClient_IgnoresServerNotifications(t *testing.T) {
	ft := newFakeTransport()
	ft.respond(methodPing, `{}`)
	client := connectedClient(t, ft, `{}`)

	notif, err := NewNotification("notifications/tools/list_changed", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	ft.push(notif)

	// The notification must not disturb request traffic.
	if err := client.Ping(context.Background()); err != nil {
		t.Errorf("ping after notification: %v", err)
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	ft := newFakeTransport()
	client := connectedClient(t, ft, `{}`)

	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := client.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
	if client.ServerInfo() != nil {
		t.Error("ServerInfo should be nil after close")
	}
	if _, err := client.CallTool(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("call after close = %v, want ErrNotConnected", err)
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{
			name:   "empty",
			blocks: nil,
			want:   "",
		},
		{
			name:   "single text",
			blocks: []ContentBlock{{Type: "text", Text: "hello"}},
			want:   "hello",
		},
		{
			name: "multiple text joined with newline",
			blocks: []ContentBlock{
				{Type: "text", Text: "one"},
				{Type: "text", Text: "two"},
			},
			want: "one\ntwo",
		},
		{
			name: "non-text rendered as placeholder",
			blocks: []ContentBlock{
				{Type: "text", Text: "caption"},
				{Type: "image"},
			},
			want: "caption\n[image]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractText(tt.blocks); got != tt.want {
				t.Errorf("ExtractText = %q, want %q", got, tt.want)
			}
		})
	}
}
