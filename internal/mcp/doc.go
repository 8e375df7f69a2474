// Package mcp implements MCP (Model Context Protocol) client support:
// connecting to external MCP servers, discovering the tools, resources,
// and prompts they offer, and exposing those tools under namespaced
// identifiers that the surrounding tool system can execute.
//
// MCP uses JSON-RPC 2.0 over pluggable transports. Three are provided:
// stdio (subprocess with newline-delimited JSON), HTTP with an SSE event
// stream, and WebSocket. A Client owns one transport and one background
// receive loop that correlates responses to pending requests by id. The
// Manager owns a named pool of clients, drives the connect/disconnect
// lifecycle, aggregates discovery, and reconciles the pool against
// configuration reloads.
//
// This implementation covers the client/host side only — it never acts
// as an MCP server.
package mcp
