package mcp

import (
	"encoding/json"
	"fmt"
)

// MustString is a type that enforces string representation for fields that can be either string or integer
// in the protocol, such as request IDs echoed back by a server. It handles automatic conversion
// during JSON marshaling/unmarshaling.
type MustString string

// JSONRPCMessage represents an inbound JSON-RPC 2.0 frame received over the WebSocket transport.
// It can represent a response or a server-initiated request/notification depending on which
// fields are populated:
//   - Response: ID and either Result or Error are set
//   - Notification: Method is set (no ID)
type JSONRPCMessage struct {
	// JSONRPC is "2.0" when the server sets it. Servers that omit it are tolerated.
	JSONRPC string `json:"jsonrpc,omitempty"`
	// ID correlates the response with the request that produced it.
	ID MustString `json:"id,omitempty"`
	// Method is set only for server-initiated messages.
	Method string `json:"method,omitempty"`
	// Params carries the parameters of a server-initiated message.
	Params json.RawMessage `json:"params,omitempty"`
	// Result contains the successful response data as a raw JSON message.
	Result json.RawMessage `json:"result,omitempty"`
	// Error contains error details if the request failed.
	Error *RPCError `json:"error,omitempty"`
}

// RPCError is the error payload of a reply. Over WebSocket it is a JSON-RPC error object,
// over HTTP the server sends a bare string; both decode into this type.
type RPCError struct {
	// Code is the JSON-RPC error code, zero when the server sent a bare string.
	Code int `json:"code,omitempty"`

	// Message is the server-reported description. It may be empty.
	Message string `json:"message"`

	// Data carries any additional information the server attached.
	Data json.RawMessage `json:"data,omitempty"`
}

// RPCResult is a decoded reply. Exactly one of Result and Error is populated.
type RPCResult struct {
	// ID is the request id echoed by the server, empty when the server omitted it.
	ID MustString
	// Result is the success payload, passed through untouched.
	Result json.RawMessage
	// Error is the error payload.
	Error *RPCError
}

// Info contains metadata identifying the client to the server during initialize.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities declares what the client supports. Only the tools capability exists.
type ClientCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct{}

// Tool describes a remote tool. Name is unique within a listing; the rest of the descriptor
// is implementation-defined and kept verbatim in Raw.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// Raw is the complete descriptor object as the server sent it.
	Raw json.RawMessage `json:"-"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion,omitempty"`
	ServerInfo      Info   `json:"serverInfo,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	SessionIDCamel  string `json:"sessionId,omitempty"`
}

type toolsCallParams struct {
	Name      string            `json:"name"`
	Arguments toolCallArguments `json:"arguments"`
}

type toolCallArguments struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type httpToolCall struct {
	Tool   string `json:"tool"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

type toolListing struct {
	Tools []Tool `json:"tools"`
}

type httpErrorBody struct {
	Error *RPCError `json:"error"`
}

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// ProtocolVersion is sent verbatim during initialize. It is not negotiated.
	ProtocolVersion = "2024-11-05"

	// MethodInitialize is the method name of the WebSocket session handshake.
	MethodInitialize = "initialize"
	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	unknownErrorMessage = "unknown error"
)

func (s initializeResult) sessionID() string {
	if s.SessionID != "" {
		return s.SessionID
	}
	return s.SessionIDCamel
}

// UnmarshalJSON implements json.Unmarshaler to convert JSON data into MustString,
// handling both string and numeric input formats. A JSON null yields an empty value.
func (m *MustString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*m = ""
	case string:
		*m = MustString(v)
	case float64:
		*m = MustString(fmt.Sprintf("%d", int64(v)))
	case int:
		*m = MustString(fmt.Sprintf("%d", v))
	default:
		return fmt.Errorf("invalid type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler to convert MustString into its JSON representation,
// always encoding as a string value.
func (m MustString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(m))
}

// UnmarshalJSON accepts either a bare string message or a JSON-RPC error object.
func (e *RPCError) UnmarshalJSON(data []byte) error {
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil {
		*e = RPCError{Message: msg}
		return nil
	}

	type rpcErrorObject RPCError
	var obj rpcErrorObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("error must be a string or an object: %w", err)
	}
	*e = RPCError(obj)
	return nil
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = unknownErrorMessage
	}
	if e.Code != 0 {
		return fmt.Sprintf("rpc error %d: %s", e.Code, msg)
	}
	return fmt.Sprintf("rpc error: %s", msg)
}

// IsError reports whether the reply is error-shaped.
func (r RPCResult) IsError() bool {
	return r.Error != nil
}

// UnmarshalJSON keeps the full descriptor in Raw alongside the known fields.
func (t *Tool) UnmarshalJSON(data []byte) error {
	type toolFields Tool
	var f toolFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*t = Tool(f)
	t.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON returns the descriptor as received when available.
func (t Tool) MarshalJSON() ([]byte, error) {
	if len(t.Raw) > 0 {
		return t.Raw, nil
	}
	type toolFields Tool
	return json.Marshal(toolFields(t))
}
