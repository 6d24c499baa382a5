package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client invokes remote tools through a Transport. It tracks the connection lifecycle and, in
// WebSocket mode, the session id issued by the server during the handshake.
//
// A Client must be created using NewClient (or NewClientWithTransport). In WebSocket mode
// Connect must succeed before tools can be listed or called, and Disconnect permanently closes
// the client. In HTTP mode every call stands on its own and Disconnect does nothing.
//
// Connect and ListTools never fail: failures are logged and reported as false or an empty
// listing. TryConnect and TryListTools return the underlying typed errors instead. CallTool
// always reports failures, as a *ToolCallError.
//
// A Client is safe for concurrent use.
type Client struct {
	mode      Mode
	endpoint  Endpoint
	transport Transport
	info      Info
	logger    *slog.Logger

	httpOptions      []HTTPOption
	webSocketOptions []WebSocketOption

	// Serializes connect attempts. Never held together with mu while waiting on the transport.
	connectMu sync.Mutex

	mu        sync.Mutex
	state     ConnectionState
	sessionID string
}

// aliveChecker is implemented by transports that can lose their connection on their own.
type aliveChecker interface {
	Alive() bool
}

// NewClient creates a client for the server at endpoint using the given transport mode.
// It fails if endpoint is not a valid http or https base URL.
func NewClient(endpoint string, mode Mode, options ...ClientOption) (*Client, error) {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	c, err := newClient(mode, options)
	if err != nil {
		return nil, err
	}
	c.endpoint = ep

	switch mode {
	case ModeHTTP:
		opts := append([]HTTPOption{WithHTTPLogger(c.logger)}, c.httpOptions...)
		c.transport = NewHTTPTransport(ep, opts...)
	case ModeWebSocket:
		opts := append([]WebSocketOption{
			WithWebSocketLogger(c.logger),
			WithWebSocketClientInfo(c.info),
		}, c.webSocketOptions...)
		c.transport = NewWebSocketTransport(ep, opts...)
	}

	return c, nil
}

// NewClientWithTransport creates a client over an existing transport. The mode decides the
// lifecycle rules the client applies; it must match how transport behaves.
func NewClientWithTransport(mode Mode, transport Transport, options ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, errors.New("failed to create client: nil transport")
	}
	c, err := newClient(mode, options)
	if err != nil {
		return nil, err
	}
	c.transport = transport
	return c, nil
}

func newClient(mode Mode, options []ClientOption) (*Client, error) {
	if mode != ModeHTTP && mode != ModeWebSocket {
		return nil, fmt.Errorf("failed to create client: unknown mode %s", mode)
	}

	c := &Client{
		mode:   mode,
		info:   defaultClientInfo,
		logger: slog.Default(),
		state:  StateDisconnected,
	}
	for _, opt := range options {
		opt(c)
	}

	c.logger = c.logger.With(
		slog.String("client_id", uuid.New().String()),
		slog.String("transport", mode.String()),
	)
	return c, nil
}

// WithLogger sets the logger for the client and the transport it builds.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClientInfo sets the client identity sent during the WebSocket handshake.
func WithClientInfo(info Info) ClientOption {
	return func(c *Client) {
		c.info = info
	}
}

// WithHTTPOptions passes options to the HTTP transport built by NewClient.
func WithHTTPOptions(options ...HTTPOption) ClientOption {
	return func(c *Client) {
		c.httpOptions = append(c.httpOptions, options...)
	}
}

// WithWebSocketOptions passes options to the WebSocket transport built by NewClient.
func WithWebSocketOptions(options ...WebSocketOption) ClientOption {
	return func(c *Client) {
		c.webSocketOptions = append(c.webSocketOptions, options...)
	}
}

// Connect connects the client and reports whether it succeeded. Failures are logged, never
// returned. In HTTP mode this is a reachability probe and may be repeated at any time.
func (c *Client) Connect(ctx context.Context) bool {
	if err := c.TryConnect(ctx); err != nil {
		c.logger.Error("failed to connect", "err", err)
		return false
	}
	return true
}

// TryConnect is Connect returning the failure. It returns ErrClosed once the client has been
// disconnected in WebSocket mode, and otherwise the transport error, typically a *ConnectError.
func (c *Client) TryConnect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	c.syncStateLocked()
	switch {
	case c.state == StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateConnected && c.mode == ModeWebSocket:
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	sessionID, err := c.transport.Connect(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return ErrClosed
	}
	if err != nil {
		c.sessionID = ""
		c.setStateLocked(StateDisconnected)
		return err
	}
	if c.mode == ModeWebSocket {
		c.sessionID = sessionID
	}
	c.setStateLocked(StateConnected)
	c.logger.Info("connected", slog.String("session_id", c.sessionID))
	return nil
}

// ListTools returns the tools the server advertises. On any failure it logs and returns an
// empty, non-nil slice.
func (c *Client) ListTools(ctx context.Context) []Tool {
	tools, err := c.TryListTools(ctx)
	if err != nil {
		c.logger.Error("failed to list tools", "err", err)
		return []Tool{}
	}
	return tools
}

// TryListTools is ListTools returning the failure, so callers can tell an empty listing from
// a failed one.
func (c *Client) TryListTools(ctx context.Context) ([]Tool, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	tools, err := c.transport.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	return tools, nil
}

// CallTool invokes method on tool with params and returns the result payload exactly as the
// server sent it. Every failure is returned as a *ToolCallError whose Message is the server's
// error message, or "unknown error" when there is none.
func (c *Client) CallTool(ctx context.Context, tool, method string, params any) (json.RawMessage, error) {
	if err := c.ready(); err != nil {
		return nil, newToolCallError(tool, method, err)
	}

	result, err := c.transport.CallTool(ctx, tool, method, params)
	if err != nil {
		tcErr := newToolCallError(tool, method, err)
		c.logger.Error("tool call failed",
			slog.String("tool", tool),
			slog.String("method", method),
			slog.String("message", tcErr.Message),
			"err", err)
		return nil, tcErr
	}
	return result, nil
}

// Disconnect closes the WebSocket and clears the session. The client cannot be connected
// again afterwards. It is idempotent and does nothing in HTTP mode.
func (c *Client) Disconnect() {
	if c.mode == ModeHTTP {
		return
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.sessionID = ""
	c.setStateLocked(StateClosed)
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		c.logger.Warn("failed to close transport", "err", err)
	}
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncStateLocked()
	return c.state
}

// SessionID returns the session id from the WebSocket handshake, or an empty string when
// there is no session.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncStateLocked()
	return c.sessionID
}

// Mode returns the transport mode of the client.
func (c *Client) Mode() Mode {
	return c.mode
}

// ready reports whether an operation may use the transport now.
func (c *Client) ready() error {
	if c.mode == ModeHTTP {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncStateLocked()
	switch c.state {
	case StateConnected:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotConnected
	}
}

// syncStateLocked demotes a connected WebSocket client whose socket has dropped.
func (c *Client) syncStateLocked() {
	if c.mode != ModeWebSocket || c.state != StateConnected {
		return
	}
	ac, ok := c.transport.(aliveChecker)
	if !ok || ac.Alive() {
		return
	}
	c.sessionID = ""
	c.setStateLocked(StateDisconnected)
	c.logger.Warn("websocket connection lost")
}

func (c *Client) setStateLocked(state ConnectionState) {
	if c.state == state {
		return
	}
	c.logger.Debug("state changed",
		slog.String("from", c.state.String()),
		slog.String("to", state.String()))
	c.state = state
}
