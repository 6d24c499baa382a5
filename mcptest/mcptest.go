// Package mcptest provides an in-process tool server for testing code that uses the mcp client.
//
// A Server answers GET /health, GET /tools and POST /mcp over HTTP, and JSON-RPC frames on the
// /ws WebSocket endpoint. It ships with the calculator and weather tools by default, records
// every request it receives, and can be scripted to return arbitrary replies.
package mcptest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"sync"

	"github.com/coder/websocket"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// ToolFunc handles a call of one tool method. params is the raw params value of the call.
type ToolFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Tool is a tool served by a Server.
type Tool struct {
	Name        string
	Description string
	Methods     map[string]ToolFunc
}

// Request is a request received by a Server.
type Request struct {
	// Transport is "http" or "websocket".
	Transport string
	// Path is the HTTP path. It is "/ws" for every WebSocket frame.
	Path string
	// Header holds the HTTP request headers, or the upgrade request headers for WebSocket frames.
	Header http.Header

	// ID and Method are the JSON-RPC id and method of a WebSocket frame.
	ID     json.RawMessage
	Method string

	// Tool, ToolMethod and Params describe a tool call on either transport.
	Tool       string
	ToolMethod string
	Params     json.RawMessage

	// Body is the raw request body or frame.
	Body []byte
}

// Option configures a Server.
type Option func(*Server)

// Server is a fake tool server backed by httptest. Instances should be created using
// NewServer and closed with Close.
type Server struct {
	// URL is the base URL of the server, of the form http://127.0.0.1:port.
	URL string

	srv    *httptest.Server
	logger *slog.Logger

	tools        []Tool
	healthStatus int
	sessionID    string
	sseReplies   bool
	wsReply      func(Request) ([]byte, bool)
	httpReply    func(Request) (int, []byte, bool)

	mu       sync.Mutex
	requests []Request
	conns    map[*websocket.Conn]struct{}
}

// Error codes used in JSON-RPC error replies.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeToolError      = -32000
)

// ErrInvalidToolOrMethod is reported when a call names an unknown tool or method.
var ErrInvalidToolOrMethod = errors.New("invalid tool or method")

var eventStreamMediaTypes = []contenttype.MediaType{contenttype.NewMediaType("text/event-stream")}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type toolsCallParams struct {
	Name      string `json:"name"`
	Arguments struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	} `json:"arguments"`
}

type httpCall struct {
	Tool   string          `json:"tool"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type toolDescriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Methods     []string `json:"methods"`
}

type statusError struct {
	status int
	code   int
	err    error
}

func (e *statusError) Error() string { return e.err.Error() }

func (e *statusError) Unwrap() error { return e.err }

// NewServer starts a Server with the calculator and weather tools.
func NewServer(options ...Option) *Server {
	s := &Server{
		logger:       slog.Default(),
		tools:        DefaultTools(),
		healthStatus: http.StatusOK,
		sessionID:    uuid.New().String(),
		conns:        make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range options {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tools", s.handleTools)
	mux.HandleFunc("POST /mcp", s.handleCall)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.srv = httptest.NewServer(mux)
	s.URL = s.srv.URL
	return s
}

// WithTool serves t, replacing any tool of the same name.
func WithTool(t Tool) Option {
	return func(s *Server) {
		s.tools = slices.DeleteFunc(s.tools, func(existing Tool) bool { return existing.Name == t.Name })
		s.tools = append(s.tools, t)
	}
}

// WithTools replaces the served tools with tools, in listing order.
func WithTools(tools ...Tool) Option {
	return func(s *Server) {
		s.tools = slices.Clone(tools)
	}
}

// WithHealthStatus sets the status code of GET /health.
func WithHealthStatus(status int) Option {
	return func(s *Server) {
		s.healthStatus = status
	}
}

// WithSessionID sets the session id returned by initialize. An empty id is omitted from
// the reply.
func WithSessionID(id string) Option {
	return func(s *Server) {
		s.sessionID = id
	}
}

// WithSSEReplies makes POST /mcp answer with an event stream when the client accepts one.
func WithSSEReplies() Option {
	return func(s *Server) {
		s.sseReplies = true
	}
}

// WithWebSocketReply scripts WebSocket replies. When fn returns true its bytes are written as
// the reply frame instead of the default one; nil bytes mean no reply at all.
func WithWebSocketReply(fn func(Request) ([]byte, bool)) Option {
	return func(s *Server) {
		s.wsReply = fn
	}
}

// WithHTTPReply scripts POST /mcp replies. When fn returns true the status and body are
// written instead of the default reply.
func WithHTTPReply(fn func(Request) (int, []byte, bool)) Option {
	return func(s *Server) {
		s.httpReply = fn
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// Close shuts the server down, dropping any open WebSockets.
func (s *Server) Close() {
	s.CloseWebSockets()
	s.srv.Close()
}

// CloseWebSockets abruptly drops every open WebSocket connection.
func (s *Server) CloseWebSockets() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		_ = conn.CloseNow()
	}
}

// Requests returns the requests received so far, in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// SessionID returns the session id issued by initialize.
func (s *Server) SessionID() string {
	return s.sessionID
}

// Client returns an HTTP client configured for the server.
func (s *Server) Client() *http.Client {
	return s.srv.Client()
}

func (s *Server) record(req Request) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.record(Request{Transport: "http", Path: r.URL.Path, Header: r.Header.Clone()})
	writeJSON(w, s.healthStatus, map[string]string{"status": http.StatusText(s.healthStatus)})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	s.record(Request{Transport: "http", Path: r.URL.Path, Header: r.Header.Clone()})
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.descriptors()})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	var call httpCall
	if err := json.Unmarshal(body, &call); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request"})
		return
	}

	req := Request{
		Transport:  "http",
		Path:       r.URL.Path,
		Header:     r.Header.Clone(),
		Tool:       call.Tool,
		ToolMethod: call.Method,
		Params:     call.Params,
		Body:       body,
	}
	s.record(req)

	if s.httpReply != nil {
		if status, bs, ok := s.httpReply(req); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write(bs)
			return
		}
	}

	result, err := s.invoke(r.Context(), call.Tool, call.Method, call.Params)
	if err != nil {
		status := http.StatusInternalServerError
		var se *statusError
		if errors.As(err, &se) {
			status = se.status
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	bs, err := json.Marshal(struct {
		Result any `json:"result"`
	}{result})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if s.sseReplies && acceptsEventStream(r) {
		s.writeEvent(w, r, bs)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bs)
}

func (s *Server) writeEvent(w http.ResponseWriter, r *http.Request, data []byte) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("failed to upgrade to event stream", "err", err)
		return
	}

	msg := &sse.Message{
		Type: sse.Type("message"),
	}
	msg.AppendData(string(data))
	if err := sess.Send(msg); err != nil {
		s.logger.Error("failed to send event", "err", err)
		return
	}
	if err := sess.Flush(); err != nil {
		s.logger.Error("failed to flush event", "err", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("failed to accept websocket", "err", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.CloseNow()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	header := r.Header.Clone()

	for {
		typ, bs, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		// Frames are served concurrently so replies may go out in any order.
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleFrame(ctx, conn, header, bs)
		}()
	}
}

func (s *Server) handleFrame(ctx context.Context, conn *websocket.Conn, header http.Header, bs []byte) {
	var frame rpcFrame
	if err := json.Unmarshal(bs, &frame); err != nil {
		s.logger.Warn("ignoring malformed frame", "err", err)
		return
	}

	req := Request{
		Transport: "websocket",
		Path:      "/ws",
		Header:    header,
		ID:        frame.ID,
		Method:    frame.Method,
		Params:    frame.Params,
		Body:      bs,
	}
	var call toolsCallParams
	if frame.Method == "tools/call" {
		if err := json.Unmarshal(frame.Params, &call); err == nil {
			req.Tool = call.Name
			req.ToolMethod = call.Arguments.Method
			req.Params = call.Arguments.Params
		}
	}
	s.record(req)

	if s.wsReply != nil {
		if reply, ok := s.wsReply(req); ok {
			if reply != nil {
				s.writeFrame(ctx, conn, reply)
			}
			return
		}
	}

	reply := rpcReply{JSONRPC: "2.0", ID: frame.ID}
	var (
		result any
		err    error
	)
	switch frame.Method {
	case "initialize":
		res := map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]string{"name": "mcptest", "version": "0.1.0"},
		}
		if s.sessionID != "" {
			res["session_id"] = s.sessionID
		}
		result = res
	case "tools/list":
		result = map[string]any{"tools": s.descriptors()}
	case "tools/call":
		result, err = s.invoke(ctx, req.Tool, req.ToolMethod, req.Params)
	default:
		err = &statusError{code: CodeMethodNotFound, err: fmt.Errorf("method not found: %s", frame.Method)}
	}

	if err != nil {
		code := CodeToolError
		var se *statusError
		if errors.As(err, &se) && se.code != 0 {
			code = se.code
		}
		reply.Error = &rpcError{Code: code, Message: err.Error()}
	} else if reply.Result, err = json.Marshal(result); err != nil {
		reply.Result = nil
		reply.Error = &rpcError{Code: CodeToolError, Message: err.Error()}
	}

	out, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("failed to marshal reply", "err", err)
		return
	}
	s.writeFrame(ctx, conn, out)
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, bs []byte) {
	if err := conn.Write(ctx, websocket.MessageText, bs); err != nil {
		s.logger.Debug("failed to write frame", "err", err)
	}
}

func (s *Server) invoke(ctx context.Context, tool, method string, params json.RawMessage) (any, error) {
	for _, t := range s.tools {
		if t.Name != tool {
			continue
		}
		fn, ok := t.Methods[method]
		if !ok {
			break
		}
		result, err := fn(ctx, params)
		if err != nil {
			var se *statusError
			if errors.As(err, &se) {
				return nil, err
			}
			return nil, &statusError{status: http.StatusInternalServerError, code: CodeToolError, err: err}
		}
		return result, nil
	}
	return nil, &statusError{status: http.StatusBadRequest, code: CodeMethodNotFound, err: ErrInvalidToolOrMethod}
}

func (s *Server) descriptors() []toolDescriptor {
	descs := make([]toolDescriptor, 0, len(s.tools))
	for _, t := range s.tools {
		methods := make([]string, 0, len(t.Methods))
		for name := range t.Methods {
			methods = append(methods, name)
		}
		sort.Strings(methods)
		descs = append(descs, toolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Methods:     methods,
		})
	}
	return descs
}

func acceptsEventStream(r *http.Request) bool {
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
