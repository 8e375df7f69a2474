// Forge-mcp is an MCP client for wiring external tool servers into an
// agent runtime.
//
// It connects to Model Context Protocol servers over stdio, HTTP+SSE,
// or WebSocket, discovers their tools, resources, and prompts, and
// exposes the tools under namespaced names. Configuration is loaded
// from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	forge-mcp tools [server]        Connect and list available tools
//	forge-mcp call <tool> [json]    Execute one tool with JSON arguments
//	forge-mcp status                Connect all servers and report status
//	forge-mcp catalog [server]      Show last-known discovery (offline)
//	forge-mcp watch                 Run connected with health monitoring
//	forge-mcp init [dir]            Initialize a working directory
//	forge-mcp version               Print version and build information
//	forge-mcp -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/corey-rosamond/Code-Forge-sub000/internal/buildinfo"
	"github.com/corey-rosamond/Code-Forge-sub000/internal/catalog"
	"github.com/corey-rosamond/Code-Forge-sub000/internal/config"
	"github.com/corey-rosamond/Code-Forge-sub000/internal/connwatch"
	"github.com/corey-rosamond/Code-Forge-sub000/internal/mcp"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the forge-mcp command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all connections and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stderr so command output on stdout stays machine-readable.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "tools":
		server := ""
		if len(cmdArgs) > 0 {
			server = cmdArgs[0]
		}
		return runTools(ctx, stdout, stderr, configPath, outputFmt, server)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: forge-mcp call <tool> [json-args]")
		}
		toolArgs := ""
		if len(cmdArgs) > 1 {
			toolArgs = strings.Join(cmdArgs[1:], " ")
		}
		return runCall(ctx, stdout, stderr, configPath, cmdArgs[0], toolArgs)
	case "status":
		return runStatus(ctx, stdout, stderr, configPath, outputFmt)
	case "catalog":
		server := ""
		if len(cmdArgs) > 0 {
			server = cmdArgs[0]
		}
		return runCatalog(ctx, stdout, configPath, outputFmt, server)
	case "watch":
		return runWatch(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// forge-mcp is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "forge-mcp - MCP client for external tool servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: forge-mcp [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  tools [server]      Connect and list available tools")
	fmt.Fprintln(w, "  call <tool> [json]  Execute one tool with JSON arguments")
	fmt.Fprintln(w, "  status              Connect all servers and report status")
	fmt.Fprintln(w, "  catalog [server]    Show last-known discovery without connecting")
	fmt.Fprintln(w, "  watch               Run connected with health monitoring")
	fmt.Fprintln(w, "  init [dir]          Initialize working directory (default: .)")
	fmt.Fprintln(w, "  version             Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./forge-mcp.yaml, ~/.config/forge-mcp/config.yaml, /etc/forge-mcp/config.yaml")
	return nil
}

// runTools connects to the configured servers (or just one by name) and
// prints the namespaced tools they expose.
func runTools(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string, server string) error {
	cfg, _, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	mgr, store, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()
	defer closeStore(store, logger)

	if server != "" {
		if _, err := mgr.Connect(ctx, server); err != nil {
			return fmt.Errorf("connect %s: %w", server, err)
		}
	} else if mgr.ConnectAll(ctx) == 0 {
		fmt.Fprintln(stdout, "No servers connected.")
		return nil
	}

	defs := mgr.Registry().Definitions()
	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(defs)
	}

	if len(defs) == 0 {
		fmt.Fprintln(stdout, "No tools available.")
		return nil
	}
	for _, d := range defs {
		desc := d.Description
		if len(desc) > 72 {
			desc = desc[:69] + "..."
		}
		fmt.Fprintf(stdout, "%-48s %s\n", d.Name, desc)
	}
	fmt.Fprintf(stdout, "\n%d tools from %d servers\n", len(defs), mgr.Status().ConnectedServers)
	return nil
}

// runCall executes one namespaced tool. Only the server that provides
// the tool is connected; the rest of the config is left alone.
func runCall(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, toolName string, jsonArgs string) error {
	cfg, _, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	args := map[string]any{}
	if jsonArgs != "" {
		if err := json.Unmarshal([]byte(jsonArgs), &args); err != nil {
			return fmt.Errorf("invalid tool arguments (expected JSON object): %w", err)
		}
	}

	mgr, store, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()
	defer closeStore(store, logger)

	server, err := mgr.ServerForTool(toolName)
	if err != nil {
		return err
	}
	if _, err := mgr.Connect(ctx, server); err != nil {
		return fmt.Errorf("connect %s: %w", server, err)
	}

	result, err := mgr.Registry().Execute(ctx, toolName, args)
	if err != nil {
		return fmt.Errorf("call %s: %w", toolName, err)
	}

	fmt.Fprintln(stdout, result)
	return nil
}

// runStatus connects every auto-connect server and reports the pool
// state in the requested format.
func runStatus(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, outputFmt string) error {
	cfg, _, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}

	mgr, store, err := newManager(cfg, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()
	defer closeStore(store, logger)

	mgr.ConnectAll(ctx)
	st := mgr.Status()

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Fprintf(stdout, "Servers: %d configured, %d connected\n", st.ConfiguredServers, st.ConnectedServers)
	fmt.Fprintf(stdout, "Exposed: %d tools, %d resources, %d prompts\n\n", st.TotalTools, st.TotalResources, st.TotalPrompts)
	for _, s := range st.Servers {
		state := "disconnected"
		if s.Connected {
			state = s.State
		}
		if !s.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(stdout, "  %-20s %-8s %-13s tools=%d resources=%d prompts=%d\n",
			s.Name, s.Transport, state, s.Tools, s.Resources, s.Prompts)
	}
	return nil
}

// runCatalog reports the last recorded discovery without connecting to
// anything. With no server argument it lists the servers that have
// snapshots; with one, it prints that server's latest snapshot.
func runCatalog(ctx context.Context, stdout io.Writer, configPath string, outputFmt string, server string) error {
	cfg, _, _, err := setup(io.Discard, configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	db, err := catalog.Open(catalogPath(cfg))
	if err != nil {
		return err
	}
	store, err := catalog.NewStore(db)
	if err != nil {
		db.Close()
		return err
	}
	defer store.Close()

	if server == "" {
		servers, err := store.Servers(ctx)
		if err != nil {
			return err
		}
		if len(servers) == 0 {
			fmt.Fprintln(stdout, "No discovery snapshots recorded yet.")
			return nil
		}
		for _, name := range servers {
			fmt.Fprintln(stdout, name)
		}
		return nil
	}

	snap, err := store.Latest(ctx, server)
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("no snapshots recorded for server %q", server)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Fprintf(stdout, "%s (recorded %s)\n", snap.Server, snap.Taken.Format(time.RFC3339))
	fmt.Fprintf(stdout, "  %d tools, %d resources, %d resource templates, %d prompts\n",
		len(snap.Tools), len(snap.Resources), len(snap.ResourceTemplates), len(snap.Prompts))
	for _, tool := range snap.Tools {
		fmt.Fprintf(stdout, "  tool     %s\n", tool.Name)
	}
	for _, res := range snap.Resources {
		fmt.Fprintf(stdout, "  resource %s\n", res.URI)
	}
	for _, p := range snap.Prompts {
		fmt.Fprintf(stdout, "  prompt   %s\n", p.Name)
	}
	return nil
}

// runWatch is the long-running mode: connect every auto-connect server,
// monitor each one's health with backoff probes, reload config on
// SIGHUP, and shut down cleanly on SIGINT/SIGTERM.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. Health watchers stop
//  3. Every pooled connection is disconnected (tools unregistered,
//     clients closed)
func runWatch(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, logger, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	logger.Info("starting forge-mcp", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "config", cfgPath)

	mgr, store, err := newManagerWithLoader(cfg, cfgPath, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()
	defer closeStore(store, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	connected := mgr.ConnectAll(ctx)
	logger.Info("startup connect complete", "connected", connected)

	// Health monitoring with exponential backoff per server. Each probe
	// pings the pooled connection; a dead one is torn down so the next
	// probe runs the bounded reconnect instead.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	var watched []string
	for _, sc := range cfg.Servers() {
		if sc.Enabled && sc.AutoConnect {
			watched = append(watched, sc.Name)
		}
	}
	connMgr.WatchServers(ctx, mgr, watched)

	// SIGHUP reloads the config file and reconciles the connection pool
	// against it; unchanged servers keep their connections.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-hup:
			logger.Info("SIGHUP received, reloading configuration")
			if err := mgr.ReloadConfig(ctx); err != nil {
				logger.Error("config reload failed", "error", err)
			}
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			fmt.Fprintln(stdout, "forge-mcp stopped")
			return nil
		}
	}
}

// setup loads the config and builds the structured logger used by all
// connected subcommands. Logs go to the given writer at the configured
// level and format.
func setup(logW io.Writer, configPath string) (*config.Config, string, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, "", nil, err
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// ParseLogLevel is already validated by config.Validate(), so
		// this error path should be unreachable in practice.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return cfg, cfgPath, newLogger(logW, level, cfg.LogFormat), nil
}

// newManager builds the connection manager with the discovery catalog
// attached as its snapshot recorder. The catalog is best-effort: if the
// data directory cannot be prepared, the manager runs without one.
func newManager(cfg *config.Config, logger *slog.Logger) (*mcp.Manager, *catalog.Store, error) {
	return buildManager(cfg, nil, logger)
}

// newManagerWithLoader is newManager plus a reload hook bound to the
// config file the process started with.
func newManagerWithLoader(cfg *config.Config, cfgPath string, logger *slog.Logger) (*mcp.Manager, *catalog.Store, error) {
	return buildManager(cfg, &config.Loader{Path: cfgPath}, logger)
}

func buildManager(cfg *config.Config, loader mcp.ConfigLoader, logger *slog.Logger) (*mcp.Manager, *catalog.Store, error) {
	var store *catalog.Store
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Warn("cannot create data directory, discovery catalog disabled", "dir", cfg.DataDir, "error", err)
	} else {
		db, err := catalog.Open(catalogPath(cfg))
		if err == nil {
			store, err = catalog.NewStore(db)
			if err != nil {
				db.Close()
			}
		}
		if err != nil {
			logger.Warn("discovery catalog unavailable", "error", err)
		}
	}

	mgrCfg := mcp.ManagerConfig{
		Servers:  cfg.Servers(),
		Settings: cfg.Settings(),
		Loader:   loader,
		Logger:   logger,
	}
	if store != nil {
		mgrCfg.Recorder = store
	}

	mgr, err := mcp.NewManager(mgrCfg)
	if err != nil {
		closeStore(store, logger)
		return nil, nil, err
	}
	return mgr, store, nil
}

func closeStore(store *catalog.Store, logger *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Warn("closing discovery catalog failed", "error", err)
	}
}

func catalogPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "catalog.db")
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
