package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corey-rosamond/Code-Forge-sub000/internal/mcp"
)

// testBackoff returns a fast backoff config for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		MaxRetries:   5,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

func TestDefaultBackoffConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()

	if cfg.InitialDelay != 2*time.Second {
		t.Errorf("InitialDelay = %v, want 2s", cfg.InitialDelay)
	}
	if cfg.MaxDelay != 60*time.Second {
		t.Errorf("MaxDelay = %v, want 60s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
	if cfg.MaxRetries != 10 {
		t.Errorf("MaxRetries = %d, want 10", cfg.MaxRetries)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s", cfg.PollInterval)
	}
	if cfg.ProbeTimeout != 10*time.Second {
		t.Errorf("ProbeTimeout = %v, want 10s", cfg.ProbeTimeout)
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthyCalled atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Server:    "test-immediate",
		Probe:     func(ctx context.Context) error { return nil },
		Backoff:   testBackoff(),
		OnHealthy: func() { healthyCalled.Add(1) },
	})

	// Give the goroutine time to run the first probe.
	time.Sleep(20 * time.Millisecond)

	if !w.Healthy() {
		t.Error("expected Healthy() == true after successful probe")
	}
	if w.LastError() != nil {
		t.Errorf("expected nil LastError, got %v", w.LastError())
	}
	if healthyCalled.Load() != 1 {
		t.Errorf("OnHealthy called %d times, want 1", healthyCalled.Load())
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("server down")
	var attempts atomic.Int32

	// Fail 3 times, then succeed.
	probe := func(ctx context.Context) error {
		n := attempts.Add(1)
		if n <= 3 {
			return errDown
		}
		return nil
	}

	var healthyCalled atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Server:    "test-backoff",
		Probe:     probe,
		Backoff:   testBackoff(),
		OnHealthy: func() { healthyCalled.Add(1) },
	})

	// Wait for retries to complete (5 attempts max with tiny delays).
	time.Sleep(100 * time.Millisecond)

	if !w.Healthy() {
		t.Error("expected Healthy() == true after probe recovered")
	}
	if healthyCalled.Load() != 1 {
		t.Errorf("OnHealthy called %d times, want 1", healthyCalled.Load())
	}
	if n := attempts.Load(); n < 4 {
		t.Errorf("expected at least 4 probe attempts, got %d", n)
	}
}

func TestWatcher_ExhaustsRetries(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("always down")
	var attempts atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Server:  "test-exhaust",
		Probe:   func(ctx context.Context) error { attempts.Add(1); return errDown },
		Backoff: testBackoff(),
	})

	// Wait for startup retries to complete.
	time.Sleep(100 * time.Millisecond)

	if w.Healthy() {
		t.Error("expected Healthy() == false after exhausting retries")
	}
	if n := attempts.Load(); n < 5 {
		t.Errorf("expected at least %d probe attempts (MaxRetries), got %d", 5, n)
	}
	if w.LastError() == nil {
		t.Error("expected non-nil LastError")
	}
}

func TestWatcher_ServerGoesDown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("went down")
	var shouldFail atomic.Bool

	probe := func(ctx context.Context) error {
		if shouldFail.Load() {
			return errDown
		}
		return nil
	}

	var downCalled atomic.Int32

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Server:  "test-goes-down",
		Probe:   probe,
		Backoff: testBackoff(),
		OnDown:  func(err error) { downCalled.Add(1) },
	})

	// Wait for initial success.
	time.Sleep(20 * time.Millisecond)

	if !w.Healthy() {
		t.Fatal("expected Healthy() == true initially")
	}

	// Make the server fail.
	shouldFail.Store(true)

	// Wait for at least one poll cycle to detect the failure.
	time.Sleep(30 * time.Millisecond)

	if w.Healthy() {
		t.Error("expected Healthy() == false after server went down")
	}
	if downCalled.Load() < 1 {
		t.Errorf("OnDown called %d times, want >= 1", downCalled.Load())
	}
}

func TestWatcher_ServerRecovers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("down")
	var shouldFail atomic.Bool
	shouldFail.Store(true) // start failing

	probe := func(ctx context.Context) error {
		if shouldFail.Load() {
			return errDown
		}
		return nil
	}

	var healthyCalled atomic.Int32

	bcfg := testBackoff()
	bcfg.MaxRetries = 2 // exhaust quickly

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Server:    "test-recovers",
		Probe:     probe,
		Backoff:   bcfg,
		OnHealthy: func() { healthyCalled.Add(1) },
	})

	// Wait for startup retries to exhaust.
	time.Sleep(50 * time.Millisecond)

	if w.Healthy() {
		t.Fatal("expected not healthy after startup exhaustion")
	}

	// Recover the server.
	shouldFail.Store(false)

	// Wait for background poll to detect recovery.
	time.Sleep(30 * time.Millisecond)

	if !w.Healthy() {
		t.Error("expected Healthy() == true after server recovered")
	}
	if healthyCalled.Load() < 1 {
		t.Errorf("OnHealthy called %d times, want >= 1", healthyCalled.Load())
	}
}

func TestWatcher_ContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	errDown := errors.New("down")
	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Server:  "test-cancel",
		Probe:   func(ctx context.Context) error { return errDown },
		Backoff: testBackoff(),
	})

	// Cancel context and verify the watcher stops.
	cancel()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
		// Good, watcher stopped.
	case <-time.After(1 * time.Second):
		t.Fatal("watcher did not stop after context cancellation")
	}
}

func TestWatcher_Stop(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Server:  "test-stop",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	time.Sleep(10 * time.Millisecond)

	// Stop should return promptly.
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Stop did not return within timeout")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Probe that blocks until context expires.
	probe := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	bcfg := testBackoff()
	bcfg.ProbeTimeout = 5 * time.Millisecond
	bcfg.MaxRetries = 1

	m := NewManager(slog.Default())
	w := m.Watch(ctx, WatcherConfig{
		Server:  "test-probe-timeout",
		Probe:   probe,
		Backoff: bcfg,
	})

	time.Sleep(50 * time.Millisecond)

	if w.Healthy() {
		t.Error("expected not healthy when probe always times out")
	}
	if w.LastError() == nil {
		t.Error("expected non-nil LastError from timed-out probe")
	}
}

func TestWatcher_OnHealthyNotCalledWhenAlreadyHealthy(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var healthyCalled atomic.Int32

	m := NewManager(slog.Default())
	_ = m.Watch(ctx, WatcherConfig{
		Server:    "test-already-healthy",
		Probe:     func(ctx context.Context) error { return nil },
		Backoff:   testBackoff(),
		OnHealthy: func() { healthyCalled.Add(1) },
	})

	// Let multiple poll cycles pass.
	time.Sleep(50 * time.Millisecond)

	// OnHealthy fires exactly once at startup, not on every successful poll.
	if n := healthyCalled.Load(); n != 1 {
		t.Errorf("OnHealthy called %d times, want exactly 1", n)
	}
}

func TestManager_MultipleWatchers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errDown := errors.New("down")

	m := NewManager(slog.Default())

	w1 := m.Watch(ctx, WatcherConfig{
		Server:  "srv-a",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	bcfg := testBackoff()
	bcfg.MaxRetries = 1 // exhaust quickly
	w2 := m.Watch(ctx, WatcherConfig{
		Server:  "srv-b",
		Probe:   func(ctx context.Context) error { return errDown },
		Backoff: bcfg,
	})

	time.Sleep(50 * time.Millisecond)

	if !w1.Healthy() {
		t.Error("srv-a should be healthy")
	}
	if w2.Healthy() {
		t.Error("srv-b should not be healthy")
	}
}

func TestManager_Health(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager(slog.Default())

	m.Watch(ctx, WatcherConfig{
		Server:  "healthy-srv",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	bcfg := testBackoff()
	bcfg.MaxRetries = 1
	m.Watch(ctx, WatcherConfig{
		Server:  "down-srv",
		Probe:   func(ctx context.Context) error { return errors.New("unreachable") },
		Backoff: bcfg,
	})

	time.Sleep(50 * time.Millisecond)

	health := m.Health()

	if len(health) != 2 {
		t.Fatalf("expected 2 entries in Health, got %d", len(health))
	}

	if h, ok := health["healthy-srv"]; !ok {
		t.Error("missing healthy-srv in Health")
	} else {
		if !h.Healthy {
			t.Error("healthy-srv should be healthy")
		}
		if h.LastError != "" {
			t.Errorf("healthy-srv should have no error, got %q", h.LastError)
		}
	}

	if h, ok := health["down-srv"]; !ok {
		t.Error("missing down-srv in Health")
	} else {
		if h.Healthy {
			t.Error("down-srv should not be healthy")
		}
		if h.LastError == "" {
			t.Error("down-srv should have an error")
		}
	}
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()

	m := NewManager(slog.Default())

	m.Watch(context.Background(), WatcherConfig{
		Server:  "srv-1",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	m.Watch(context.Background(), WatcherConfig{
		Server:  "srv-2",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
	})

	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("Manager.Stop did not return within timeout")
	}
}

// fakePool is a scripted Pool for probe tests.
type fakePool struct {
	conn        *mcp.Connection
	retryErr    error
	retried     atomic.Int32
	disconnects atomic.Int32
}

func (p *fakePool) Connection(name string) (*mcp.Connection, bool) {
	return p.conn, p.conn != nil
}

func (p *fakePool) RetryConnect(ctx context.Context, name string) (*mcp.Connection, error) {
	p.retried.Add(1)
	return nil, p.retryErr
}

func (p *fakePool) Disconnect(name string) {
	p.disconnects.Add(1)
}

func TestServerProbe_MissingConnectionReconnects(t *testing.T) {
	t.Parallel()
	pool := &fakePool{retryErr: errors.New("still down")}

	probe := ServerProbe(pool, "srv")
	if err := probe(context.Background()); err == nil {
		t.Fatal("expected the retry error")
	}
	if pool.retried.Load() != 1 {
		t.Errorf("RetryConnect called %d times, want 1", pool.retried.Load())
	}
	if pool.disconnects.Load() != 0 {
		t.Errorf("Disconnect called %d times, want 0", pool.disconnects.Load())
	}
}

func TestServerProbe_FailedPingTearsDown(t *testing.T) {
	t.Parallel()
	// An unconnected client fails ping without touching any transport,
	// standing in for a dead pooled connection.
	pool := &fakePool{conn: &mcp.Connection{
		Name:   "srv",
		Client: mcp.NewClient(mcp.ClientConfig{Name: "srv"}),
	}}

	probe := ServerProbe(pool, "srv")
	err := probe(context.Background())
	if !errors.Is(err, mcp.ErrNotConnected) {
		t.Fatalf("probe error = %v, want ErrNotConnected", err)
	}
	if pool.disconnects.Load() != 1 {
		t.Errorf("Disconnect called %d times, want 1", pool.disconnects.Load())
	}
	if pool.retried.Load() != 0 {
		t.Errorf("RetryConnect called %d times, want 0", pool.retried.Load())
	}
}
