package mcp

import (
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// MCP method names.
const (
	methodInitialize        = "initialize"
	methodInitialized       = "notifications/initialized"
	methodPing              = "ping"
	methodToolsList         = "tools/list"
	methodToolsCall         = "tools/call"
	methodResourcesList     = "resources/list"
	methodResourcesTmplList = "resources/templates/list"
	methodResourcesRead     = "resources/read"
	methodPromptsList       = "prompts/list"
	methodPromptsGet        = "prompts/get"
)

// JSON-RPC 2.0 error codes.
const (
	errCodeParse          = -32700
	errCodeInvalidRequest = -32600
	errCodeMethodNotFound = -32601
	errCodeInvalidParams  = -32602
	errCodeInternal       = -32603
)

// MessageID is a JSON-RPC message id. The wire format permits either a
// string or a number; both decode to the string form so that response
// correlation does not depend on which representation a server echoes
// back. The empty string means "no id" (a notification).
type MessageID string

// MarshalJSON always emits the string form.
func (id MessageID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts a string, a number, or null.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = MessageID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*id = MessageID(n.String())
		return nil
	}
	return fmt.Errorf("%w: id %s is neither string nor number", ErrMalformedMessage, data)
}

// Message is one JSON-RPC 2.0 wire envelope. Field presence determines
// what it is: a request carries method and id, a notification method
// only, a response id only. Kind performs that classification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      MessageID       `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Kind classifies a decoded wire message.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindNotification
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Kind classifies m by field presence. A response must carry exactly one
// of result and error; any message matching no valid shape fails with
// ErrMalformedMessage.
func (m *Message) Kind() (Kind, error) {
	switch {
	case m.Method != "" && m.ID != "":
		return KindRequest, nil
	case m.Method != "":
		return KindNotification, nil
	case m.ID != "":
		hasResult := len(m.Result) > 0
		hasError := m.Error != nil
		if hasResult == hasError {
			return 0, fmt.Errorf("%w: response id %s must carry exactly one of result and error", ErrMalformedMessage, m.ID)
		}
		return KindResponse, nil
	default:
		return 0, fmt.Errorf("%w: no method and no id", ErrMalformedMessage)
	}
}

// DecodeMessage parses one wire message and validates its shape. It is
// the single entry point transports use for inbound bytes.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if _, err := m.Kind(); err != nil {
		return nil, err
	}
	return &m, nil
}

// EncodeMessage serializes one wire message.
func EncodeMessage(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return data, nil
}

// NewRequest creates a request message. Params may be nil for methods
// that take none.
func NewRequest(id MessageID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewNotification creates a notification message (no id, no reply).
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("marshal %s params: %w", method, err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

// NewResponse creates a success response for the given request id.
func NewResponse(id MessageID, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Result:  raw,
	}, nil
}

// NewErrorResponse creates an error response for the given request id.
func NewErrorResponse(id MessageID, code int, message string) *Message {
	return &Message{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error:   &RPCError{Code: code, Message: message},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	return json.Marshal(params)
}

// RPCError is a JSON-RPC 2.0 error object. A server returning one in
// place of a result surfaces to the caller as this error (the protocol
// error case), so the server's code and message are preserved.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}
