package mcp

import (
	"errors"
	"fmt"
)

// Sentinel errors for the connection and request lifecycle. Failure
// sites wrap them with server and method context; match with errors.Is.
var (
	// ErrMalformedMessage indicates wire data matching no JSON-RPC
	// message shape. Transports log and drop such data mid-stream; it
	// surfaces directly only from DecodeMessage.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrNotConnected indicates a discovery or call operation on a
	// client that is not in StateConnected.
	ErrNotConnected = errors.New("client not connected")

	// ErrRequestTimeout indicates a single request exceeded its
	// deadline. Only that call fails; the connection stays up.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionLost indicates the receive loop ended while requests
	// were in flight. Every pending request fails with it immediately
	// rather than timing out one by one.
	ErrConnectionLost = errors.New("connection lost")
)

// ConnectionError is a transport-level failure: the connection could not
// be established, or an established connection dropped mid-operation.
type ConnectionError struct {
	Op  string // "connect", "send", "receive", "close"
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *ConnectionError) Unwrap() error { return e.Err }

// ErrUnknownServer is returned when an operation names a server absent
// from the manager's configuration. Raised before any I/O.
type ErrUnknownServer struct {
	Name string
}

// Error implements the error interface.
func (e *ErrUnknownServer) Error() string {
	return fmt.Sprintf("unknown MCP server %q", e.Name)
}

// ErrServerDisabled is returned when a connect targets a server whose
// config is present but disabled. Raised before any I/O.
type ErrServerDisabled struct {
	Name string
}

// Error implements the error interface.
func (e *ErrServerDisabled) Error() string {
	return fmt.Sprintf("MCP server %q is disabled", e.Name)
}

// ErrInvalidToolName is returned when a namespaced tool identifier does
// not parse as mcp::{server}::{tool}.
type ErrInvalidToolName struct {
	Name string
}

// Error implements the error interface.
func (e *ErrInvalidToolName) Error() string {
	return fmt.Sprintf("invalid MCP tool name %q", e.Name)
}

// ErrUnknownTool is returned when a well-formed namespaced name points
// at a tool its server never registered.
type ErrUnknownTool struct {
	Name   string
	Server string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("MCP server %q has no tool %q", e.Server, e.Name)
}
