// Package connwatch keeps MCP server connections alive over long
// outages. Each configured server gets a watcher that probes the
// connection pool: a pooled connection is pinged, a missing one is
// brought up through the manager's bounded reconnect, and a connection
// that fails its ping is torn down so the next probe reconnects it.
//
// This sits above the connection manager's RetryConnect, which makes a
// single bounded run of attempts. connwatch handles multi-second to
// multi-minute outages: server restarts, network partitions, and
// slow-starting subprocess servers.
//
// Each watcher runs in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s) with transition callbacks
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/corey-rosamond/Code-Forge-sub000/internal/mcp"
)

// Pool is the slice of the connection manager a watcher drives. It is
// satisfied by *mcp.Manager.
type Pool interface {
	Connection(name string) (*mcp.Connection, bool)
	RetryConnect(ctx context.Context, name string) (*mcp.Connection, error)
	Disconnect(name string)
}

// ProbeFunc checks one server's health. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// ServerProbe builds the standard health probe for one configured
// server. A pooled connection is pinged; a ping failure tears the
// connection down so the reconnect path runs on the next probe. A
// server missing from the pool goes straight to RetryConnect.
func ServerProbe(pool Pool, server string) ProbeFunc {
	return func(ctx context.Context) error {
		conn, ok := pool.Connection(server)
		if !ok {
			_, err := pool.RetryConnect(ctx, server)
			return err
		}
		if err := conn.Client.Ping(ctx); err != nil {
			pool.Disconnect(server)
			return err
		}
		return nil
	}
}

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval once startup retries
	// are exhausted or a connection is up (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits each individual probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the standard schedule: 2s, 4s, 8s, 16s,
// 32s, 60s (capped), with 10 startup retries and 60-second background
// polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero-value fields.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// WatcherConfig configures one server's watcher.
type WatcherConfig struct {
	// Server is the configured server name, used for logging and the
	// health report.
	Server string

	// Probe checks the server's health. Usually built with ServerProbe.
	// Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls probe timing. Zero-value fields get defaults.
	Backoff BackoffConfig

	// OnHealthy fires when the server transitions to healthy. Called in
	// a separate goroutine; must not block indefinitely. Optional.
	OnHealthy func()

	// OnDown fires when the server transitions from healthy to down.
	// Called in a separate goroutine; must not block indefinitely.
	// Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// ServerHealth is one server's health as seen by its watcher, suitable
// for JSON serialization in status output.
type ServerHealth struct {
	Server    string    `json:"server"`
	Healthy   bool      `json:"healthy"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors a single server.
type Watcher struct {
	config  WatcherConfig
	healthy atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// Healthy reports whether the server passed its most recent probe.
func (w *Watcher) Healthy() bool {
	return w.healthy.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Health returns the current health snapshot.
func (w *Watcher) Health() ServerHealth {
	w.mu.Lock()
	defer w.mu.Unlock()

	h := ServerHealth{
		Server:    w.config.Server,
		Healthy:   w.healthy.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		h.LastError = w.lastErr.Error()
	}
	return h
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

// run drives both phases and exits when ctx is cancelled.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if w.startup(ctx) {
		w.poll(ctx)
	}
}

// startup probes with exponential backoff until the server comes up or
// MaxRetries is exhausted. Returns false only on context cancellation.
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.config.Backoff
	logger := w.config.Logger

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		w.record(err)

		if err == nil {
			w.healthy.Store(true)
			logger.Info("MCP server healthy",
				"server", w.config.Server,
				"after_attempts", attempt,
			)
			if w.config.OnHealthy != nil {
				go w.config.OnHealthy()
			}
			return true
		}

		if attempt == cfg.MaxRetries {
			logger.Info("startup probes exhausted, entering background polling",
				"server", w.config.Server,
				"attempts", attempt,
				"error", err,
			)
			return true
		}

		logger.Debug("startup probe failed, retrying",
			"server", w.config.Server,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return false
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return true
}

// poll probes on a fixed interval and fires callbacks on health
// transitions.
func (w *Watcher) poll(ctx context.Context) {
	logger := w.config.Logger

	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			w.record(err)
			wasHealthy := w.healthy.Load()

			switch {
			case wasHealthy && err != nil:
				w.healthy.Store(false)
				logger.Info("MCP server became unreachable",
					"server", w.config.Server,
					"error", err,
				)
				if w.config.OnDown != nil {
					go w.config.OnDown(err)
				}
			case !wasHealthy && err == nil:
				w.healthy.Store(true)
				logger.Info("MCP server recovered",
					"server", w.config.Server,
				)
				if w.config.OnHealthy != nil {
					go w.config.OnHealthy()
				}
			case !wasHealthy:
				logger.Debug("MCP server still unreachable",
					"server", w.config.Server,
					"error", err,
				)
			}
		}
	}
}

// probe runs the configured ProbeFunc under the probe timeout.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// record stores the probe outcome under the mutex.
func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if
// cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates the per-server watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates an empty watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts one server watcher. The watcher runs in a
// background goroutine until ctx is cancelled or Stop is called.
//
// Panics if Server is empty or Probe is nil; these are programming
// errors that should fail during development, not be ignored at
// runtime.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Server == "" {
		panic("connwatch: WatcherConfig.Server must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Server] = w
	m.mu.Unlock()

	return w
}

// WatchServers starts a standard pool-probing watcher for every named
// server.
func (m *Manager) WatchServers(ctx context.Context, pool Pool, servers []string) {
	for _, name := range servers {
		m.Watch(ctx, WatcherConfig{
			Server: name,
			Probe:  ServerProbe(pool, name),
		})
	}
}

// Health returns the health of every watched server.
func (m *Manager) Health() map[string]ServerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := make(map[string]ServerHealth, len(m.watchers))
	for name, w := range m.watchers {
		health[name] = w.Health()
	}
	return health
}

// Stop shuts down every watcher and waits for their goroutines to
// exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
