package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// toolNamespace prefixes every bridged tool name so MCP tools never
// collide with native tools in the surrounding system.
const toolNamespace = "mcp"

// nameSep separates the namespace, server, and tool segments.
const nameSep = "::"

// sanitizeRe matches characters outside the safe identifier set.
var sanitizeRe = regexp.MustCompile(`[^a-z0-9_-]`)

// sanitize lowercases a name and replaces anything outside [a-z0-9_-]
// with underscores. Consecutive underscores are collapsed and
// leading/trailing underscores trimmed. Sanitization is lossy: two
// distinct names can sanitize to the same string, which is why the
// Adapter keeps a reverse map.
func sanitize(name string) string {
	s := strings.ToLower(name)
	s = sanitizeRe.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	return strings.Trim(s, "_")
}

// ToolName composes the namespaced identifier exposed to the
// surrounding tool system: mcp::{server}::{tool}, both segments
// sanitized. The result is a valid identifier regardless of what
// characters the MCP server chose for its own names.
func ToolName(serverName, mcpToolName string) string {
	return toolNamespace + nameSep + sanitize(serverName) + nameSep + sanitize(mcpToolName)
}

// SplitToolName parses a namespaced identifier back into its sanitized
// server and tool segments. It fails with ErrInvalidToolName unless the
// name is exactly three non-empty segments with the mcp prefix.
func SplitToolName(name string) (server, tool string, err error) {
	parts := strings.Split(name, nameSep)
	if len(parts) != 3 || parts[0] != toolNamespace || parts[1] == "" || parts[2] == "" {
		return "", "", &ErrInvalidToolName{Name: name}
	}
	return parts[1], parts[2], nil
}

// Adapter bridges one MCP server's tools into the namespaced tool
// surface. It records the sanitized-to-original tool name mapping at
// registration time (sanitization is not reversible) and routes
// execution back through the client, flattening content blocks into a
// single string result.
type Adapter struct {
	server string
	client *Client
	logger *slog.Logger

	include map[string]bool
	exclude map[string]bool

	mu       sync.RWMutex
	original map[string]string // sanitized tool name -> server-side name
}

// AdapterConfig configures an Adapter.
type AdapterConfig struct {
	// Server is the configured server name used for namespacing.
	Server string

	// Client executes the bridged tool calls.
	Client *Client

	// IncludeTools and ExcludeTools filter which server-side tool names
	// are bridged. A non-empty include list wins over exclude; both
	// empty bridges everything.
	IncludeTools []string
	ExcludeTools []string

	// Logger is the structured logger for bridge diagnostics.
	Logger *slog.Logger
}

// NewAdapter creates a tool adapter for one server.
func NewAdapter(cfg AdapterConfig) *Adapter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		server:   cfg.Server,
		client:   cfg.Client,
		logger:   logger.With("mcp_server", cfg.Server),
		include:  toSet(cfg.IncludeTools),
		exclude:  toSet(cfg.ExcludeTools),
		original: make(map[string]string),
	}
}

// Server returns the configured server name.
func (a *Adapter) Server() string {
	return a.server
}

// Client returns the client this adapter routes calls through.
func (a *Adapter) Client() *Client {
	return a.client
}

// bridges reports whether a server-side tool name passes the
// include/exclude filters.
func (a *Adapter) bridges(mcpName string) bool {
	if len(a.include) > 0 {
		return a.include[mcpName]
	}
	return !a.exclude[mcpName]
}

// register records one tool's sanitized-to-original mapping and returns
// the sanitized tool segment. Two distinct server-side names sanitizing
// to the same string is a loud failure, not a silent overwrite.
func (a *Adapter) register(td Tool) (string, error) {
	sanitized := sanitize(td.Name)

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.original[sanitized]; ok && prev != td.Name {
		return "", fmt.Errorf("sanitized tool name collision on server %s: %q and %q both map to %q",
			a.server, prev, td.Name, sanitized)
	}
	a.original[sanitized] = td.Name
	return sanitized, nil
}

// reset clears the sanitized-name map so a server can be re-registered
// with a fresh tool list.
func (a *Adapter) reset() {
	a.mu.Lock()
	a.original = make(map[string]string)
	a.mu.Unlock()
}

// Call executes the tool behind a sanitized tool segment. The original
// server-side name comes from the registration-time map; an unmapped
// segment fails with ErrUnknownTool before any I/O. A result flagged
// isError becomes an error carrying the flattened content.
func (a *Adapter) Call(ctx context.Context, sanitizedTool string, args map[string]any) (string, error) {
	a.mu.RLock()
	mcpName, ok := a.original[sanitizedTool]
	a.mu.RUnlock()
	if !ok {
		return "", &ErrUnknownTool{Name: sanitizedTool, Server: a.server}
	}

	result, err := a.client.CallTool(ctx, mcpName, args)
	if err != nil {
		return "", err
	}

	text := ExtractText(result.Content)
	if result.IsError {
		return "", fmt.Errorf("MCP tool %s returned error: %s", mcpName, text)
	}
	return text, nil
}

// toSet converts a string slice to a set for O(1) lookups.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
