package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"
)

// TransportKind selects how a configured server is reached.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportWS    TransportKind = "ws"
)

// ServerConfig describes one configured MCP server. Stdio servers need
// a command; http and ws servers need a URL. Validate enforces this at
// construction so transports never discover a bad config at use time.
type ServerConfig struct {
	// Name is the unique server name, used for namespacing and logging.
	Name string

	// Transport selects stdio, http, or ws.
	Transport TransportKind

	// Command, Args, Env, and Dir configure a stdio subprocess.
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// URL and Headers configure an http or ws endpoint.
	URL     string
	Headers map[string]string

	// Enabled gates the server entirely; a disabled server cannot be
	// connected even explicitly.
	Enabled bool

	// AutoConnect includes the server in ConnectAll.
	AutoConnect bool

	// IncludeTools and ExcludeTools filter which of the server's tools
	// are bridged into the registry.
	IncludeTools []string
	ExcludeTools []string
}

// Validate checks the per-transport invariants.
func (c *ServerConfig) Validate() error {
	if c.Name == "" {
		return errors.New("server name must not be empty")
	}
	switch c.Transport {
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("server %s: stdio transport requires a command", c.Name)
		}
	case TransportHTTP, TransportWS:
		if c.URL == "" {
			return fmt.Errorf("server %s: %s transport requires a url", c.Name, c.Transport)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q (expected stdio, http, or ws)", c.Name, c.Transport)
	}
	return nil
}

// NewTransport builds the transport a config calls for. The config must
// already be validated.
func NewTransport(cfg ServerConfig, logger *slog.Logger) Transport {
	switch cfg.Transport {
	case TransportHTTP:
		return NewHTTPTransport(HTTPConfig{
			BaseURL: cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		})
	case TransportWS:
		return NewWSTransport(WSConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  logger,
		})
	default:
		return NewStdioTransport(StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Dir:     cfg.Dir,
			Logger:  logger,
		})
	}
}

// Settings are the global knobs shared by every client the manager
// creates. Fixed at construction; a config reload changes the server
// list only.
type Settings struct {
	// CallTimeout bounds each request. Zero means DefaultCallTimeout.
	CallTimeout time.Duration

	// ReconnectAttempts bounds RetryConnect. Zero means 3.
	ReconnectAttempts int

	// ReconnectDelay is the fixed delay between retry attempts. Zero
	// means 5 seconds.
	ReconnectDelay time.Duration

	// ClientName and ClientVersion are advertised during the initialize
	// handshake.
	ClientName    string
	ClientVersion string
}

func (s Settings) withDefaults() Settings {
	if s.CallTimeout <= 0 {
		s.CallTimeout = DefaultCallTimeout
	}
	if s.ReconnectAttempts <= 0 {
		s.ReconnectAttempts = 3
	}
	if s.ReconnectDelay <= 0 {
		s.ReconnectDelay = 5 * time.Second
	}
	if s.ClientName == "" {
		s.ClientName = "forge-mcp"
	}
	return s
}

// Connection is one live pool entry: the client, its adapter, and the
// discovery results captured at connect time. Owned exclusively by the
// Manager.
type Connection struct {
	Name              string
	Config            ServerConfig
	Client            *Client
	Adapter           *Adapter
	Tools             []Tool
	Resources         []Resource
	ResourceTemplates []ResourceTemplate
	Prompts           []Prompt
	ConnectedAt       time.Time
}

// ConfigLoader supplies a fresh server list for ReloadConfig.
type ConfigLoader interface {
	LoadServers() ([]ServerConfig, error)
}

// DiscoverySnapshot is what a successful connect discovered, handed to
// the optional Recorder for persistence.
type DiscoverySnapshot struct {
	Server            string
	Tools             []Tool
	Resources         []Resource
	ResourceTemplates []ResourceTemplate
	Prompts           []Prompt
	Taken             time.Time
}

// Recorder persists discovery snapshots. Recording failures are logged,
// never fatal to the connect.
type Recorder interface {
	RecordDiscovery(ctx context.Context, snap DiscoverySnapshot) error
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Servers is the initial server list, in declaration order.
	Servers []ServerConfig

	// Settings are the global client knobs.
	Settings Settings

	// Registry receives the bridged tool definitions. A nil registry
	// gets created internally.
	Registry *Registry

	// Loader supplies fresh configs for ReloadConfig. Optional; reload
	// fails without one.
	Loader ConfigLoader

	// Recorder persists discovery snapshots. Optional.
	Recorder Recorder

	// Logger is the structured logger for manager diagnostics.
	Logger *slog.Logger
}

// Manager owns the named pool of MCP server connections. It builds
// transports and clients from configs, drives connect/disconnect/
// reconnect, registers discovered tools, and reconciles the pool
// against configuration reloads. Lifecycle operations for the same
// server name are mutually exclusive via per-name locks; the pool map
// has its own lock.
type Manager struct {
	settings Settings
	registry *Registry
	loader   ConfigLoader
	recorder Recorder
	logger   *slog.Logger

	mu      sync.RWMutex
	configs map[string]ServerConfig
	order   []string
	pool    map[string]*Connection

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a manager over the given server configs. Every
// config is validated up front; an invalid one fails construction.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(logger)
	}

	configs, order, err := indexConfigs(cfg.Servers)
	if err != nil {
		return nil, err
	}

	return &Manager{
		settings: cfg.Settings.withDefaults(),
		registry: registry,
		loader:   cfg.Loader,
		recorder: cfg.Recorder,
		logger:   logger,
		configs:  configs,
		order:    order,
		pool:     make(map[string]*Connection),
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// indexConfigs validates a server list and indexes it by name,
// preserving declaration order. Names must be unique after
// sanitization, not just verbatim: two servers sharing a sanitized
// segment would cross-wire in the registry, where entries and adapter
// routing are keyed by that segment.
func indexConfigs(servers []ServerConfig) (map[string]ServerConfig, []string, error) {
	configs := make(map[string]ServerConfig, len(servers))
	order := make([]string, 0, len(servers))
	segments := make(map[string]string, len(servers)) // sanitized segment -> original name
	for _, sc := range servers {
		if err := sc.Validate(); err != nil {
			return nil, nil, err
		}
		if _, dup := configs[sc.Name]; dup {
			return nil, nil, fmt.Errorf("duplicate server name %q", sc.Name)
		}
		seg := sanitize(sc.Name)
		if prev, dup := segments[seg]; dup {
			return nil, nil, fmt.Errorf("server names %q and %q both sanitize to %q", prev, sc.Name, seg)
		}
		segments[seg] = sc.Name
		configs[sc.Name] = sc
		order = append(order, sc.Name)
	}
	return configs, order, nil
}

// Registry returns the tool registry the manager bridges into.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// nameLock returns the lifecycle mutex for one server name, creating it
// on first use. Locks are never removed; the set of names is small.
func (m *Manager) nameLock(name string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Connect brings up one server by name: transport, client handshake,
// discovery, tool registration, pool insert. Unknown or disabled names
// fail before any I/O. An already-connected server returns its existing
// connection. Any mid-sequence failure closes the client and leaves the
// pool untouched; Connect itself never retries.
func (m *Manager) Connect(ctx context.Context, name string) (*Connection, error) {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()
	return m.connectLocked(ctx, name)
}

// connectLocked is Connect's body; caller holds the name lock.
func (m *Manager) connectLocked(ctx context.Context, name string) (*Connection, error) {
	m.mu.RLock()
	cfg, known := m.configs[name]
	existing := m.pool[name]
	m.mu.RUnlock()

	if !known {
		return nil, &ErrUnknownServer{Name: name}
	}
	if !cfg.Enabled {
		return nil, &ErrServerDisabled{Name: name}
	}
	if existing != nil {
		return existing, nil
	}

	client := NewClient(ClientConfig{
		Name:          name,
		Transport:     NewTransport(cfg, m.logger.With("mcp_server", name)),
		ClientName:    m.settings.ClientName,
		ClientVersion: m.settings.ClientVersion,
		CallTimeout:   m.settings.CallTimeout,
		Logger:        m.logger,
	})

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	conn, err := m.discover(ctx, name, cfg, client)
	if err != nil {
		client.Close()
		return nil, err
	}

	m.mu.Lock()
	m.pool[name] = conn
	m.mu.Unlock()

	m.logger.Info("MCP server connected",
		"server", name,
		"tools", len(conn.Tools),
		"resources", len(conn.Resources),
		"prompts", len(conn.Prompts),
	)

	m.record(ctx, conn)
	return conn, nil
}

// discover runs the three discovery calls and registers the tools.
func (m *Manager) discover(ctx context.Context, name string, cfg ServerConfig, client *Client) (*Connection, error) {
	tools, err := client.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover tools on %s: %w", name, err)
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover resources on %s: %w", name, err)
	}
	templates, err := client.ListResourceTemplates(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover resource templates on %s: %w", name, err)
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover prompts on %s: %w", name, err)
	}

	adapter := NewAdapter(AdapterConfig{
		Server:       name,
		Client:       client,
		IncludeTools: cfg.IncludeTools,
		ExcludeTools: cfg.ExcludeTools,
		Logger:       m.logger,
	})
	if _, err := m.registry.RegisterServerTools(adapter, tools); err != nil {
		return nil, fmt.Errorf("register tools from %s: %w", name, err)
	}

	return &Connection{
		Name:              name,
		Config:            cfg,
		Client:            client,
		Adapter:           adapter,
		Tools:             tools,
		Resources:         resources,
		ResourceTemplates: templates,
		Prompts:           prompts,
		ConnectedAt:       time.Now(),
	}, nil
}

// record hands a snapshot to the recorder, logging failures.
func (m *Manager) record(ctx context.Context, conn *Connection) {
	if m.recorder == nil {
		return
	}
	snap := DiscoverySnapshot{
		Server:            conn.Name,
		Tools:             conn.Tools,
		Resources:         conn.Resources,
		ResourceTemplates: conn.ResourceTemplates,
		Prompts:           conn.Prompts,
		Taken:             conn.ConnectedAt,
	}
	if err := m.recorder.RecordDiscovery(ctx, snap); err != nil {
		m.logger.Warn("failed to record discovery snapshot", "server", conn.Name, "error", err)
	}
}

// ConnectAll connects every enabled auto-connect server, sequentially
// and in declaration order so per-server logging is deterministic. A
// failure connecting one server is logged and skipped; one bad server
// never prevents the others from coming up. Returns the number of
// servers connected by this call.
func (m *Manager) ConnectAll(ctx context.Context) int {
	m.mu.RLock()
	order := make([]string, len(m.order))
	copy(order, m.order)
	m.mu.RUnlock()

	connected := 0
	for _, name := range order {
		m.mu.RLock()
		cfg, ok := m.configs[name]
		m.mu.RUnlock()
		if !ok || !cfg.Enabled || !cfg.AutoConnect {
			continue
		}

		if _, err := m.Connect(ctx, name); err != nil {
			m.logger.Error("MCP server connection failed",
				"server", name,
				"error", err,
			)
			continue
		}
		connected++
	}
	return connected
}

// Disconnect tears down one server: tools unregistered first, then the
// client closed, then the pool entry removed. A name not in the pool is
// a no-op.
func (m *Manager) Disconnect(name string) {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()
	m.disconnectLocked(name)
}

// disconnectLocked is Disconnect's body; caller holds the name lock.
func (m *Manager) disconnectLocked(name string) {
	m.mu.Lock()
	conn := m.pool[name]
	delete(m.pool, name)
	m.mu.Unlock()

	if conn == nil {
		return
	}

	m.registry.UnregisterServerTools(name)
	conn.Client.Close()
	m.logger.Info("MCP server disconnected", "server", name)
}

// Reconnect is Disconnect followed by Connect. It is not atomic: a
// concurrent operation on the same name can interleave between the two
// halves, each of which holds the name lock on its own.
func (m *Manager) Reconnect(ctx context.Context, name string) (*Connection, error) {
	m.Disconnect(name)
	return m.Connect(ctx, name)
}

// RetryConnect is Connect with bounded attempts and a fixed delay, the
// only place retry lives. Unknown and disabled servers fail immediately
// rather than burning attempts.
func (m *Manager) RetryConnect(ctx context.Context, name string) (*Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= m.settings.ReconnectAttempts; attempt++ {
		conn, err := m.Connect(ctx, name)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		var unknown *ErrUnknownServer
		var disabled *ErrServerDisabled
		if errors.As(err, &unknown) || errors.As(err, &disabled) {
			return nil, err
		}

		m.logger.Warn("MCP reconnect attempt failed",
			"server", name,
			"attempt", attempt,
			"max_attempts", m.settings.ReconnectAttempts,
			"error", err,
		)

		if attempt == m.settings.ReconnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.settings.ReconnectDelay):
		}
	}
	return nil, fmt.Errorf("reconnect %s: %w", name, lastErr)
}

// ReloadConfig loads a fresh server list through the loader and
// reconciles the pool: servers whose config vanished or changed are
// disconnected, the config set is swapped, and ConnectAll brings up the
// new state. Servers whose config is unchanged keep their existing
// connection and discovery results.
func (m *Manager) ReloadConfig(ctx context.Context) error {
	if m.loader == nil {
		return errors.New("no config loader installed")
	}

	servers, err := m.loader.LoadServers()
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	configs, order, err := indexConfigs(servers)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	m.mu.RLock()
	var stale []string
	for name, conn := range m.pool {
		newCfg, still := configs[name]
		if !still || !reflect.DeepEqual(conn.Config, newCfg) {
			stale = append(stale, name)
		}
	}
	m.mu.RUnlock()
	sort.Strings(stale)

	for _, name := range stale {
		m.logger.Info("MCP server config changed, disconnecting", "server", name)
		m.Disconnect(name)
	}

	m.mu.Lock()
	m.configs = configs
	m.order = order
	m.mu.Unlock()

	m.ConnectAll(ctx)
	return nil
}

// ServerForTool maps a namespaced tool name back to the configured
// server that provides it. The tool segment is not checked; only the
// server segment is resolved, so a caller can connect the right server
// before the tool registry has anything in it.
func (m *Manager) ServerForTool(toolName string) (string, error) {
	server, _, err := SplitToolName(toolName)
	if err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.order {
		if sanitize(name) == server {
			return name, nil
		}
	}
	return "", &ErrUnknownServer{Name: server}
}

// Connection returns the live pool entry for a name, if any.
func (m *Manager) Connection(name string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.pool[name]
	return conn, ok
}

// ServerStatus is one server's state in a Status report.
type ServerStatus struct {
	Name        string    `json:"name"`
	Transport   string    `json:"transport"`
	Enabled     bool      `json:"enabled"`
	Connected   bool      `json:"connected"`
	State       string    `json:"state,omitempty"`
	ConnectedAt time.Time `json:"connected_at,omitzero"`
	Tools       int       `json:"tools"`
	Resources   int       `json:"resources"`
	Prompts     int       `json:"prompts"`
}

// Status aggregates pool counts and per-server state. No network
// traffic; everything comes from the pool snapshot.
type Status struct {
	ConfiguredServers int            `json:"configured_servers"`
	ConnectedServers  int            `json:"connected_servers"`
	TotalTools        int            `json:"total_tools"`
	TotalResources    int            `json:"total_resources"`
	TotalPrompts      int            `json:"total_prompts"`
	Servers           []ServerStatus `json:"servers"`
}

// Status reports the manager's current view of every configured server.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{ConfiguredServers: len(m.configs)}
	for _, name := range m.order {
		cfg := m.configs[name]
		ss := ServerStatus{
			Name:      name,
			Transport: string(cfg.Transport),
			Enabled:   cfg.Enabled,
		}
		if conn, ok := m.pool[name]; ok {
			ss.Connected = true
			ss.State = conn.Client.State().String()
			ss.ConnectedAt = conn.ConnectedAt
			ss.Tools = len(conn.Tools)
			ss.Resources = len(conn.Resources)
			ss.Prompts = len(conn.Prompts)

			st.ConnectedServers++
			st.TotalTools += len(conn.Tools)
			st.TotalResources += len(conn.Resources)
			st.TotalPrompts += len(conn.Prompts)
		}
		st.Servers = append(st.Servers, ss)
	}
	return st
}

// Close disconnects every server in the pool.
func (m *Manager) Close() {
	m.mu.RLock()
	names := make([]string, 0, len(m.pool))
	for name := range m.pool {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	for _, name := range names {
		m.Disconnect(name)
	}
}
