package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// startupGrace is the window after spawn within which a process
	// exit is treated as a failed launch rather than a lost connection.
	startupGrace = 200 * time.Millisecond

	// stopGrace is how long Close waits for the subprocess to exit
	// after stdin closes before force-killing it.
	stopGrace = 5 * time.Second
)

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess,
	// merged over the parent environment. Values pass through literal
	// ${VAR} expansion against the parent environment before being
	// applied.
	Env map[string]string

	// Dir is the working directory for the subprocess. Empty means
	// inherit the parent's.
	Dir string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout;
// stderr is drained to debug logs. A single reader goroutine feeds the
// incoming queue so lines are never interleaved, and writes serialize
// under their own mutex.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu         sync.Mutex // guards lifecycle fields below
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	incoming   chan *Message
	readerDone chan struct{}
	closed     chan struct{}

	writeMu sync.Mutex // serializes Send writes

	errMu   sync.Mutex
	readErr error

	connected atomic.Bool
}

// NewStdioTransport creates a stdio transport for the given config. The
// subprocess is spawned by Connect.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config: cfg,
		logger: logger,
	}
}

// Connect spawns the subprocess and starts the stdout reader. It fails
// with a ConnectionError if the spawn fails or the process exits within
// the startup grace window; the partially-started process is reaped
// before the error returns, so no process is leaked by a failed connect.
func (t *StdioTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil // already connected
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = mergedEnv(t.config.Env)
	if t.config.Dir != "" {
		cmd.Dir = t.config.Dir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stdout pipe: %w", err)}
	}

	// Capture stderr for logging — not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("create stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("start %s: %w", t.config.Command, err)}
	}

	t.cmd = cmd
	t.stdin = stdin
	t.incoming = make(chan *Message, incomingBuffer)
	t.readerDone = make(chan struct{})
	t.closed = make(chan struct{})
	t.errMu.Lock()
	t.readErr = nil
	t.errMu.Unlock()

	go t.readLoop(stdout)
	go t.drainStderr(stderrPipe)

	// A process that dies this quickly never spoke the protocol; treat
	// it as a failed launch. The reader hits EOF the moment it exits.
	select {
	case <-t.readerDone:
		err := cmd.Wait()
		t.cmd = nil
		t.stdin = nil
		if err == nil {
			err = errors.New("process exited immediately")
		}
		return &ConnectionError{Op: "connect", Err: fmt.Errorf("%s: %w", t.config.Command, err)}
	case <-ctx.Done():
		t.stop()
		return &ConnectionError{Op: "connect", Err: ctx.Err()}
	case <-time.After(startupGrace):
	}

	t.connected.Store(true)
	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// readLoop reads newline-delimited messages from stdout onto the
// incoming queue until the stream closes. Malformed lines are logged
// and dropped, never surfaced. Being the only stdout reader, it cannot
// interleave partial lines.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer close(t.readerDone)

	incoming := t.incoming
	defer close(incoming)

	reader := bufio.NewReaderSize(stdout, 1<<20) // 1 MiB buffer for large responses
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if msg := t.decodeLine(line); msg != nil {
				select {
				case incoming <- msg:
				case <-t.closed:
					return
				}
			}
		}
		if err != nil {
			t.connected.Store(false)
			t.errMu.Lock()
			t.readErr = err
			t.errMu.Unlock()
			if !errors.Is(err, io.EOF) {
				t.logger.Debug("MCP subprocess stdout closed", "error", err)
			}
			return
		}
	}
}

// decodeLine parses one stdout line, returning nil for blank or
// malformed input.
func (t *StdioTransport) decodeLine(line []byte) *Message {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	msg, err := DecodeMessage(line)
	if err != nil {
		t.logger.Debug("dropping malformed line from MCP subprocess",
			"error", err,
			"line", string(line),
		)
		return nil
	}
	return msg
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// Send writes one message as a single newline-terminated line on the
// subprocess's stdin. Concurrent sends serialize on the write mutex so
// partial lines never interleave.
func (t *StdioTransport) Send(ctx context.Context, msg *Message) error {
	// Snapshot stdin under the lifecycle lock: a concurrent Close nils
	// the field, and a write racing teardown must fail, not panic.
	t.mu.Lock()
	stdin := t.stdin
	t.mu.Unlock()

	if stdin == nil || !t.connected.Load() {
		return &ConnectionError{Op: "send", Err: errors.New("transport not connected")}
	}

	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return &ConnectionError{Op: "send", Err: err}
	}
	return nil
}

// Receive returns the next message from the subprocess. It fails with a
// ConnectionError when the stdout stream has closed (server exited) and
// returns promptly when ctx is cancelled.
func (t *StdioTransport) Receive(ctx context.Context) (*Message, error) {
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

func (t *StdioTransport) readError() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.readErr == nil {
		return errors.New("stream closed")
	}
	return t.readErr
}

// Connected reports whether the subprocess is running and its stdout
// stream is open.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// Close terminates the subprocess: close stdin to ask politely, wait a
// bounded grace period, then kill. A Receive blocked on the incoming
// queue returns as soon as the process dies. Idempotent.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop()
}

// stop does the actual teardown. Caller must hold t.mu.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)
	t.connected.Store(false)
	close(t.closed)

	// Closing stdin signals the subprocess to exit.
	if t.stdin != nil {
		t.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-done
	}

	t.cmd = nil
	t.stdin = nil
	return nil
}

// mergedEnv merges override variables onto the parent environment.
// Override values pass through literal ${VAR} expansion against the
// parent environment; keys are applied in sorted order so spawns are
// deterministic.
func mergedEnv(overrides map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+os.Expand(overrides[k], os.Getenv))
	}
	return env
}
