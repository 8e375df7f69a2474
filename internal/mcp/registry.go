package mcp

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Definition is one namespaced tool as exposed to the surrounding tool
// system. InputSchema is the server's JSON Schema, forwarded unmodified.
type Definition struct {
	// Name is the namespaced identifier, mcp::{server}::{tool}.
	Name string

	// Description is the server-provided tool description.
	Description string

	// InputSchema is the tool's argument schema, opaque to this layer.
	InputSchema map[string]any

	// Server is the sanitized server segment of Name.
	Server string

	// OriginalName is the tool's name on its server, before
	// sanitization.
	OriginalName string
}

// Registry is the flat namespace of bridged MCP tools: namespaced name
// to definition, plus sanitized server name to adapter for execution
// routing. Safe for concurrent use.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	defs     map[string]Definition
	adapters map[string]*Adapter // sanitized server name -> adapter
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		defs:     make(map[string]Definition),
		adapters: make(map[string]*Adapter),
	}
}

// RegisterServerTools bridges a server's discovered tools through its
// adapter, applying the adapter's include/exclude filters. Each tool is
// inserted independently; a sanitized-name collision between two
// distinct tools on the same server fails the whole registration.
// Returns the number of tools registered.
func (r *Registry) RegisterServerTools(adapter *Adapter, tools []Tool) (int, error) {
	serverSeg := sanitize(adapter.Server())

	count := 0
	for _, td := range tools {
		if !adapter.bridges(td.Name) {
			continue
		}

		toolSeg, err := adapter.register(td)
		if err != nil {
			r.UnregisterServerTools(adapter.Server())
			return 0, err
		}

		name := toolNamespace + nameSep + serverSeg + nameSep + toolSeg
		def := Definition{
			Name:         name,
			Description:  td.Description,
			InputSchema:  td.InputSchema,
			Server:       serverSeg,
			OriginalName: td.Name,
		}

		r.mu.Lock()
		r.defs[name] = def
		r.adapters[serverSeg] = adapter
		r.mu.Unlock()
		count++

		r.logger.Debug("bridged MCP tool",
			"mcp_name", td.Name,
			"tool_name", name,
			"server", adapter.Server(),
		)
	}

	// A server whose every tool was filtered out still gets an adapter
	// entry so Execute can distinguish "unknown server" from "unknown
	// tool".
	r.mu.Lock()
	if _, ok := r.adapters[serverSeg]; !ok {
		r.adapters[serverSeg] = adapter
	}
	r.mu.Unlock()

	return count, nil
}

// UnregisterServerTools removes every entry belonging to the named
// server and its adapter routing. A server that was never registered is
// a no-op. Returns the number of definitions removed.
func (r *Registry) UnregisterServerTools(serverName string) int {
	serverSeg := sanitize(serverName)
	prefix := toolNamespace + nameSep + serverSeg + nameSep

	r.mu.Lock()
	removed := 0
	for name := range r.defs {
		if strings.HasPrefix(name, prefix) {
			delete(r.defs, name)
			removed++
		}
	}
	adapter := r.adapters[serverSeg]
	delete(r.adapters, serverSeg)
	r.mu.Unlock()

	if adapter != nil {
		adapter.reset()
	}
	return removed
}

// Get returns one definition by namespaced name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Definitions returns every registered definition, sorted by name for
// stable listings.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	r.mu.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of registered definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// Execute runs a bridged tool by its namespaced name. The name must
// parse as mcp::{server}::{tool}; the server segment must route to a
// registered adapter. Execution delegates to the adapter, which calls
// the server and flattens the result to a string.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	serverSeg, toolSeg, err := SplitToolName(name)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	adapter, ok := r.adapters[serverSeg]
	r.mu.RUnlock()
	if !ok {
		return "", &ErrUnknownServer{Name: serverSeg}
	}

	return adapter.Call(ctx, toolSeg, args)
}
