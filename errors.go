package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a WebSocket operation is attempted without an open session.
	ErrNotConnected = errors.New("mcp: not connected")
	// ErrClosed is returned once a client has been disconnected. A closed client cannot reconnect.
	ErrClosed = errors.New("mcp: client closed")
	// ErrTimeout is wrapped by errors caused by an expired operation timeout.
	ErrTimeout = errors.New("mcp: operation timed out")
	// ErrBodyTooLarge is wrapped by a *RequestError when an HTTP reply exceeds the body size cap.
	ErrBodyTooLarge = errors.New("mcp: response body too large")
)

// ConnectError reports that the server was unreachable or rejected the handshake.
type ConnectError struct {
	URL   string
	Cause error
}

// DecodeError reports a malformed or schema-violating payload.
type DecodeError struct {
	Reason  string
	Payload []byte
	Cause   error
}

// RequestError reports an HTTP round-trip that failed at the network level, including timeouts.
type RequestError struct {
	Method string
	URL    string
	Cause  error
}

// SendError reports a failure writing a frame to the WebSocket.
type SendError struct {
	Cause error
}

// ReceiveError reports a failure reading a reply from the WebSocket, including the
// connection dropping while a request was pending and the reply wait timing out.
type ReceiveError struct {
	Cause error
}

// StatusError is returned by the HTTP transport when the server answers with a non-2xx status.
// Message is the error text from the body when the server supplied one.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
	Message    string
	Code       int
}

// ToolCallError is the only error CallTool returns. Message holds the server-reported message,
// or "unknown error" when the server supplied none or the call never reached the server.
type ToolCallError struct {
	Tool    string
	Method  string
	Message string
	Code    int

	// Remote reports whether Message came from the server.
	Remote bool
	Cause  error
}

func (e *ConnectError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp connect %s: %v", e.URL, e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("mcp decode: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("mcp decode: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp http %s %s: %v", e.Method, e.URL, e.Cause)
}

func (e *RequestError) Unwrap() error { return e.Cause }

func (e *SendError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp websocket send: %v", e.Cause)
}

func (e *SendError) Unwrap() error { return e.Cause }

func (e *ReceiveError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("mcp websocket receive: %v", e.Cause)
}

func (e *ReceiveError) Unwrap() error { return e.Cause }

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("mcp http %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("mcp http %s %s: status %d", e.Method, e.URL, e.StatusCode)
}

func (e *ToolCallError) Error() string {
	if e == nil {
		return ""
	}
	if e.Remote || e.Cause == nil {
		return fmt.Sprintf("mcp call %s.%s failed: %s", e.Tool, e.Method, e.Message)
	}
	return fmt.Sprintf("mcp call %s.%s failed: %s: %v", e.Tool, e.Method, e.Message, e.Cause)
}

func (e *ToolCallError) Unwrap() error { return e.Cause }

// IsConnectError reports whether err is, or wraps, a *ConnectError.
func IsConnectError(err error) bool {
	var e *ConnectError
	return errors.As(err, &e)
}

// IsDecodeError reports whether err is, or wraps, a *DecodeError.
func IsDecodeError(err error) bool {
	var e *DecodeError
	return errors.As(err, &e)
}

// IsTransportError reports whether err is a transport-level I/O failure.
func IsTransportError(err error) bool {
	var (
		re *RequestError
		se *SendError
		ve *ReceiveError
	)
	return errors.As(err, &re) || errors.As(err, &se) || errors.As(err, &ve)
}

// IsToolCallError reports whether err is, or wraps, a *ToolCallError.
func IsToolCallError(err error) bool {
	var e *ToolCallError
	return errors.As(err, &e)
}

func newToolCallError(tool, method string, cause error) *ToolCallError {
	tcErr := &ToolCallError{
		Tool:    tool,
		Method:  method,
		Message: unknownErrorMessage,
		Cause:   cause,
	}

	var (
		rpcErr    *RPCError
		statusErr *StatusError
	)
	switch {
	case errors.As(cause, &rpcErr):
		tcErr.Code = rpcErr.Code
		if rpcErr.Message != "" {
			tcErr.Message = rpcErr.Message
			tcErr.Remote = true
		}
	case errors.As(cause, &statusErr):
		tcErr.Code = statusErr.Code
		if statusErr.Message != "" {
			tcErr.Message = statusErr.Message
			tcErr.Remote = true
		}
	}
	return tcErr
}
