package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport provides the client-side communication layer for invoking remote tools.
// Implementations translate the four client operations onto their channel and report
// failures with the typed errors of this package.
type Transport interface {
	// Connect establishes whatever the transport needs before tools can be called. It returns
	// the session id issued by the server, or an empty string when the channel has no sessions.
	// Returns a *ConnectError if the server cannot be reached.
	Connect(ctx context.Context) (sessionID string, err error)

	// ListTools returns the tools the server advertises, in server order.
	// Returns a *DecodeError if the listing is malformed or holds duplicate names.
	ListTools(ctx context.Context) ([]Tool, error)

	// CallTool invokes method on tool with params and returns the result payload untouched.
	// A server-reported failure is returned as an *RPCError or *StatusError, an I/O failure
	// as one of the transport errors.
	CallTool(ctx context.Context, tool, method string, params any) (json.RawMessage, error)

	// Close releases the channel. It is idempotent and fails every in-flight call.
	Close() error
}

// Mode selects which transport a Client uses.
type Mode int

// ConnectionState is the lifecycle state of a Client.
type ConnectionState int

const (
	// ModeHTTP uses stateless HTTP requests; every call is independent.
	ModeHTTP Mode = iota
	// ModeWebSocket uses one persistent WebSocket carrying JSON-RPC 2.0 frames.
	ModeWebSocket
)

const (
	// StateDisconnected is the initial state, and the state after a failed connect.
	StateDisconnected ConnectionState = iota
	// StateConnecting is held while a connect attempt is in progress.
	StateConnecting
	// StateConnected means the transport is ready for calls.
	StateConnected
	// StateClosed is terminal. A closed client never reconnects.
	StateClosed
)

func (m Mode) String() string {
	switch m {
	case ModeHTTP:
		return "http"
	case ModeWebSocket:
		return "websocket"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}
