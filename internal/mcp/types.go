package mcp

// Tool is an MCP tool definition as returned by tools/list. InputSchema
// is an opaque JSON Schema blob forwarded to the tool system unmodified.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Resource is a concrete resource advertised by resources/list.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate is a parameterized resource URI advertised by
// resources/templates/list.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptArgument describes one argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Prompt is a prompt template advertised by prompts/list.
type Prompt struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// Capabilities records which message categories a server supports,
// decoded once from the initialize result. A false flag makes the
// corresponding list operation a local no-op with zero protocol traffic.
type Capabilities struct {
	Tools     bool
	Resources bool
	Prompts   bool
}

// ServerInfo describes the remote server after a successful handshake.
// Immutable for the lifetime of the connection.
type ServerInfo struct {
	Name            string
	Version         string
	ProtocolVersion string
	Capabilities    Capabilities
}

// ContentBlock is a single content item in a tools/call or prompts/get
// response. Only text blocks carry Text; other types are rendered as
// bracketed placeholders when flattened to a string.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the outcome of a tools/call. IsError marks an in-band
// tool failure; the content then describes what went wrong.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ResourceContents is one entry of a resources/read result. Text and
// Blob are alternatives depending on how the resource is encoded.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// PromptMessage is one message of a prompts/get result.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

// Wire payloads for the handshake, discovery, and call methods.

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type wireServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// wireCapabilities detects capability support by key presence. The
// object values (listChanged and friends) are irrelevant here; a key
// being present at all marks the category as supported.
type wireCapabilities struct {
	Tools     *struct{} `json:"tools"`
	Resources *struct{} `json:"resources"`
	Prompts   *struct{} `json:"prompts"`
}

func (w wireCapabilities) capabilities() Capabilities {
	return Capabilities{
		Tools:     w.Tools != nil,
		Resources: w.Resources != nil,
		Prompts:   w.Prompts != nil,
	}
}

type initializeResult struct {
	ProtocolVersion string           `json:"protocolVersion"`
	ServerInfo      wireServerInfo   `json:"serverInfo"`
	Capabilities    wireCapabilities `json:"capabilities"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type resourcesListResult struct {
	Resources []Resource `json:"resources"`
}

type resourceTemplatesListResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
}

type resourcesReadResult struct {
	Contents []ResourceContents `json:"contents"`
}

type promptsListResult struct {
	Prompts []Prompt `json:"prompts"`
}

type promptsGetResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type readResourceParams struct {
	URI string `json:"uri"`
}

type getPromptParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}
