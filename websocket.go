package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

// WebSocketTransport implements Transport over one persistent WebSocket carrying JSON-RPC 2.0
// frames. Requests are numbered from a monotonic counter and a single reader goroutine routes
// each reply to the call waiting for its id, so any number of calls may be in flight at once.
// Instances should be created using NewWebSocketTransport.
type WebSocketTransport struct {
	endpoint   Endpoint
	info       Info
	httpClient *http.Client
	header     http.Header
	logger     *slog.Logger

	timeout     time.Duration
	dialTimeout time.Duration
	readLimit   int64

	nextID atomic.Int64

	// Serializes Connect so a second caller waits for the handshake in flight.
	connectMu sync.Mutex

	mu        sync.Mutex
	sock      *wsSocket
	ready     bool
	sessionID string
	pending   map[string]chan wsReply
	closed    bool

	// Bounds the reader goroutine and writes of the current socket.
	connCtx    context.Context
	connCancel context.CancelFunc
}

// WebSocketOption represents the options for the WebSocketTransport.
type WebSocketOption func(*WebSocketTransport)

// wsSocket is a thin wrapper over a single WebSocket connection that maps library errors onto
// the transport error types. Only one goroutine may call receive at a time.
type wsSocket struct {
	url       string
	options   *websocket.DialOptions
	readLimit int64

	mu   sync.Mutex
	conn *websocket.Conn
}

type wsReply struct {
	res RPCResult
	err error
}

var (
	defaultWebSocketTimeout     = 10 * time.Second
	defaultWebSocketDialTimeout = 5 * time.Second

	defaultWebSocketReadLimit int64 = 1 << 20

	defaultClientInfo = Info{Name: "okmcp", Version: "0.1.0"}
)

// NewWebSocketTransport creates a WebSocket transport for the server at ep. The socket is
// dialed at the ws (or wss) form of {ep}/ws when Connect is called.
func NewWebSocketTransport(ep Endpoint, options ...WebSocketOption) *WebSocketTransport {
	t := &WebSocketTransport{
		endpoint:    ep,
		info:        defaultClientInfo,
		logger:      slog.Default(),
		timeout:     defaultWebSocketTimeout,
		dialTimeout: defaultWebSocketDialTimeout,
		readLimit:   defaultWebSocketReadLimit,
		pending:     make(map[string]chan wsReply),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithWebSocketTimeout bounds every frame write and every wait for a reply.
func WithWebSocketTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.timeout = timeout
	}
}

// WithWebSocketDialTimeout bounds the opening handshake.
func WithWebSocketDialTimeout(timeout time.Duration) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.dialTimeout = timeout
	}
}

// WithWebSocketReadLimit sets the maximum size in bytes of an inbound frame. A larger frame
// closes the connection.
func WithWebSocketReadLimit(limit int64) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.readLimit = limit
	}
}

// WithWebSocketClientInfo sets the client identity sent during initialize.
func WithWebSocketClientInfo(info Info) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.info = info
	}
}

// WithWebSocketLogger sets the logger for the transport.
func WithWebSocketLogger(logger *slog.Logger) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.logger = logger
	}
}

// WithWebSocketHTTPClient sets the HTTP client used for the opening handshake.
func WithWebSocketHTTPClient(client *http.Client) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.httpClient = client
	}
}

// WithWebSocketHeader adds headers to the opening handshake request.
func WithWebSocketHeader(header http.Header) WebSocketOption {
	return func(t *WebSocketTransport) {
		t.header = header.Clone()
	}
}

// Connect opens the socket and performs the initialize handshake. It returns the session id
// from the reply, which may be empty. Calling Connect on a live transport returns the current
// session id; a Connect issued while another is in flight waits for it to finish.
func (t *WebSocketTransport) Connect(ctx context.Context) (string, error) {
	url := t.endpoint.WebSocketURL()

	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", &ConnectError{URL: url, Cause: ErrClosed}
	}
	if t.sock != nil {
		sessionID := t.sessionID
		t.mu.Unlock()
		return sessionID, nil
	}
	t.mu.Unlock()

	sock := &wsSocket{
		url: url,
		options: &websocket.DialOptions{
			HTTPClient: t.httpClient,
			HTTPHeader: t.header,
		},
		readLimit: t.readLimit,
	}

	dialCtx := ctx
	if t.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.dialTimeout)
		defer cancel()
	}
	if err := sock.open(dialCtx); err != nil {
		return "", err
	}

	t.mu.Lock()
	if t.closed {
		// Lost a race with Close.
		t.mu.Unlock()
		_ = sock.close()
		return "", &ConnectError{URL: url, Cause: ErrClosed}
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	t.sock = sock
	t.connCtx = connCtx
	t.connCancel = connCancel
	t.mu.Unlock()

	go t.readLoop(connCtx, sock)

	res, err := t.call(ctx, MethodInitialize, func(id int64) ([]byte, error) {
		return encodeInitialize(id, t.info)
	})
	if err == nil && res.IsError() {
		err = res.Error
	}
	if err != nil {
		err = fmt.Errorf("failed to initialize: %w", err)
		t.dropSocket(sock, err)
		return "", &ConnectError{URL: url, Cause: err}
	}

	// Any success reply completes the handshake. The session id is optional.
	var result initializeResult
	if uErr := json.Unmarshal(res.Result, &result); uErr != nil {
		t.logger.Warn("initialize result carries no usable session id",
			slog.String("result", string(res.Result)),
			"err", uErr)
		result = initializeResult{}
	}

	sessionID := result.sessionID()
	t.mu.Lock()
	if t.sock != sock {
		// Dropped or closed while initialize was in flight.
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return "", &ConnectError{URL: url, Cause: ErrClosed}
		}
		return "", &ConnectError{URL: url, Cause: &ReceiveError{Cause: ErrNotConnected}}
	}
	t.ready = true
	t.sessionID = sessionID
	t.mu.Unlock()

	t.logger.Debug("websocket session initialized",
		slog.String("url", url),
		slog.String("session_id", sessionID),
		slog.String("protocol_version", result.ProtocolVersion))

	return sessionID, nil
}

// ListTools sends tools/list and decodes the listing from the result.
func (t *WebSocketTransport) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := t.call(ctx, MethodToolsList, encodeToolsList)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, res.Error
	}
	return decodeToolListing(res.Result)
}

// CallTool sends tools/call with {name: tool, arguments: {method, params}}.
func (t *WebSocketTransport) CallTool(ctx context.Context, tool, method string, params any) (json.RawMessage, error) {
	res, err := t.call(ctx, MethodToolsCall, func(id int64) ([]byte, error) {
		return encodeToolsCall(id, tool, method, params)
	})
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, res.Error
	}
	return res.Result, nil
}

// Close closes the socket and fails every in-flight call. The transport cannot be reconnected
// afterwards. Close is idempotent.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sock := t.sock
	t.mu.Unlock()

	if sock == nil {
		return nil
	}
	t.dropSocket(sock, ErrClosed)
	return nil
}

// Alive reports whether the transport holds an open socket with a completed handshake.
func (t *WebSocketTransport) Alive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sock != nil && t.ready
}

// SessionID returns the session id of the current socket, empty when there is none.
func (t *WebSocketTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *WebSocketTransport) call(
	ctx context.Context,
	method string,
	encode func(id int64) ([]byte, error),
) (RPCResult, error) {
	id := t.nextID.Add(1)
	bs, err := encode(id)
	if err != nil {
		return RPCResult{}, err
	}
	key := strconv.FormatInt(id, 10)

	// Buffered so the reader never blocks on a caller that already gave up.
	replies := make(chan wsReply, 1)

	t.mu.Lock()
	sock, connCtx := t.sock, t.connCtx
	if sock == nil || (!t.ready && method != MethodInitialize) {
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return RPCResult{}, ErrClosed
		}
		return RPCResult{}, ErrNotConnected
	}
	t.pending[key] = replies
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	// A cancelled write context closes the connection, so writes are bound to the socket
	// lifetime rather than the caller's context.
	writeCtx := connCtx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(connCtx, t.timeout)
		defer cancel()
	}
	if err := sock.send(writeCtx, bs); err != nil {
		return RPCResult{}, err
	}

	t.logger.Debug("request sent", slog.String("method", method), slog.Int64("id", id))

	select {
	case reply := <-replies:
		return reply.res, reply.err
	case <-ctx.Done():
		cause := ctx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = fmt.Errorf("%w: %w", ErrTimeout, cause)
		}
		return RPCResult{}, &ReceiveError{Cause: fmt.Errorf("no reply to %s request %d: %w", method, id, cause)}
	}
}

func (t *WebSocketTransport) readLoop(ctx context.Context, sock *wsSocket) {
	for {
		bs, err := sock.receive(ctx)
		if err != nil {
			t.dropSocket(sock, err)
			return
		}
		t.dispatch(bs)
	}
}

func (t *WebSocketTransport) dispatch(bs []byte) {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	_ = json.Unmarshal(bs, &probe)
	if probe.Method != "" {
		t.logger.Warn("ignoring server-initiated message", slog.String("method", probe.Method))
		return
	}

	var id MustString
	if len(probe.ID) > 0 {
		if err := json.Unmarshal(probe.ID, &id); err != nil {
			t.logger.Warn("reply has an unusable id", slog.String("id", string(probe.ID)))
		}
	}

	res, err := decodeReply(bs)
	reply := wsReply{res: res, err: err}

	t.mu.Lock()
	replies, ok := t.pending[string(id)]
	if !ok && id == "" && len(t.pending) == 1 {
		for _, ch := range t.pending {
			replies, ok = ch, true
		}
	}
	pending := len(t.pending)
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("dropping unmatched reply",
			slog.String("id", string(id)),
			slog.Int("pending", pending),
			slog.Int("size", len(bs)))
		return
	}

	select {
	case replies <- reply:
	default:
		t.logger.Warn("dropping duplicate reply", slog.String("id", string(id)))
	}
}

// dropSocket detaches sock from the transport and fails its pending calls with cause. It is a
// no-op if sock is no longer current.
func (t *WebSocketTransport) dropSocket(sock *wsSocket, cause error) {
	t.mu.Lock()
	if t.sock != sock {
		t.mu.Unlock()
		_ = sock.close()
		return
	}
	t.sock = nil
	t.ready = false
	t.sessionID = ""
	connCancel := t.connCancel
	pending := t.pending
	t.pending = make(map[string]chan wsReply)
	t.mu.Unlock()

	// Close before cancel so the close handshake can run.
	_ = sock.close()
	if connCancel != nil {
		connCancel()
	}

	if cause == nil {
		return
	}
	if len(pending) > 0 {
		t.logger.Warn("websocket closed with pending requests", slog.Int("pending", len(pending)), "err", cause)
	}
	var recvErr *ReceiveError
	if !errors.As(cause, &recvErr) {
		recvErr = &ReceiveError{Cause: cause}
	}
	for _, replies := range pending {
		select {
		case replies <- wsReply{err: recvErr}:
		default:
		}
	}
}

func (s *wsSocket) open(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, s.url, s.options)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return &ConnectError{URL: s.url, Cause: err}
	}
	if s.readLimit > 0 {
		conn.SetReadLimit(s.readLimit)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *wsSocket) send(ctx context.Context, bs []byte) error {
	conn := s.current()
	if conn == nil {
		return &SendError{Cause: ErrNotConnected}
	}
	if err := conn.Write(ctx, websocket.MessageText, bs); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return &SendError{Cause: err}
	}
	return nil
}

func (s *wsSocket) receive(ctx context.Context) ([]byte, error) {
	conn := s.current()
	if conn == nil {
		return nil, &ReceiveError{Cause: ErrNotConnected}
	}
	for {
		typ, bs, err := conn.Read(ctx)
		if err != nil {
			return nil, &ReceiveError{Cause: err}
		}
		if typ == websocket.MessageText {
			return bs, nil
		}
	}
}

// close is safe to call on a never-opened or already-closed socket.
func (s *wsSocket) close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(websocket.StatusNormalClosure, ""); err != nil {
		_ = conn.CloseNow()
	}
	return nil
}

func (s *wsSocket) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}
