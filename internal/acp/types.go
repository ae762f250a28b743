// Package acp implements the Protocol Adapter (C4): a JSON-RPC 2.0 session
// over an agent's stdio, handling the handshake, prompt streaming, and
// inbound tool-call dispatch described by the wire protocol.
package acp

import "encoding/json"

// ProtocolVersion is the fixed handshake version string.
const ProtocolVersion = "2025-01-01"

// ClientInfo identifies memnexus to the peer during handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities is the fixed capability set advertised and expected at
// handshake time.
type Capabilities struct {
	Tools     map[string]bool `json:"tools"`
	Resources map[string]bool `json:"resources"`
	Prompts   map[string]bool `json:"prompts"`
	Logging   map[string]bool `json:"logging"`
}

// DefaultCapabilities returns the exact capability payload the wire
// protocol mandates.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Tools:     map[string]bool{"listChanged": true},
		Resources: map[string]bool{"subscribe": true, "listChanged": true},
		Prompts:   map[string]bool{"listChanged": true},
		Logging:   map[string]bool{},
	}
}

// InitializeParams is sent as the initialize request's params.
type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// InitializeResult is the peer's reply to initialize.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      ClientInfo   `json:"serverInfo"`
	Capabilities    Capabilities `json:"capabilities"`
}

// PromptEventKind classifies one event in a SendPrompt stream.
type PromptEventKind string

const (
	PromptEventMessage    PromptEventKind = "message"
	PromptEventToolCall   PromptEventKind = "tool_call"
	PromptEventToolResult PromptEventKind = "tool_result"
	PromptEventError      PromptEventKind = "error"
)

// PromptEvent is one unit streamed back from SendPrompt.
type PromptEvent struct {
	Kind    PromptEventKind `json:"kind"`
	Text    string          `json:"text,omitempty"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     string          `json:"error,omitempty"`
	Final   bool            `json:"final"`
}

// promptRequestParams is sent as the prompts/request request's params.
type promptRequestParams struct {
	Text    string          `json:"text"`
	Context json.RawMessage `json:"context,omitempty"`
}

// toolCallParams is the shape of an inbound tools/call request.
type toolCallParams struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// promptStreamEvent is the shape of a server-pushed prompt update.
type promptStreamEvent struct {
	Type   string          `json:"type"`
	Kind   string          `json:"kind"`
	Text   string          `json:"text,omitempty"`
	Tool   string          `json:"tool,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ToolHandler answers an inbound tools/call request. Returning an error
// surfaces as a JSON-RPC error response to the peer.
type ToolHandler func(ctx toolCallContext, args json.RawMessage) (interface{}, error)
