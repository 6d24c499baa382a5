package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	mcp "github.com/kenu/okmcp"
	"github.com/kenu/okmcp/mcptest"
)

type fakeTransport struct {
	mu sync.Mutex

	connectGate chan struct{}
	connectErr  error
	sessionID   string
	connects    int

	tools   []mcp.Tool
	listErr error

	result  json.RawMessage
	callErr error
	calls   int

	alive  bool
	closes int
}

func (f *fakeTransport) Connect(ctx context.Context) (string, error) {
	if f.connectGate != nil {
		select {
		case <-f.connectGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return "", f.connectErr
	}
	f.alive = true
	return f.sessionID, nil
}

func (f *fakeTransport) ListTools(context.Context) ([]mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, f.listErr
}

func (f *fakeTransport) CallTool(context.Context, string, string, any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.callErr
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	f.alive = false
	return nil
}

func (f *fakeTransport) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

func newTestClient(t *testing.T, url string, mode mcp.Mode, options ...mcp.ClientOption) *mcp.Client {
	t.Helper()
	opts := append([]mcp.ClientOption{
		mcp.WithWebSocketOptions(mcp.WithWebSocketTimeout(2 * time.Second)),
	}, options...)
	cli, err := mcp.NewClient(url, mode, opts...)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(cli.Disconnect)
	return cli
}

func connectedClient(t *testing.T, url string, mode mcp.Mode, options ...mcp.ClientOption) *mcp.Client {
	t.Helper()
	cli := newTestClient(t, url, mode, options...)
	if !cli.Connect(context.Background()) {
		t.Fatalf("Connect() = false, want true")
	}
	return cli
}

func unreachableURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	return srv.URL
}

func TestNewClient(t *testing.T) {
	if _, err := mcp.NewClient("localhost:3000", mcp.ModeHTTP); err == nil {
		t.Error("NewClient() with an invalid endpoint must fail")
	}
	if _, err := mcp.NewClient("http://localhost:3000", mcp.Mode(7)); err == nil {
		t.Error("NewClient() with an unknown mode must fail")
	}
	if _, err := mcp.NewClientWithTransport(mcp.ModeWebSocket, nil); err == nil {
		t.Error("NewClientWithTransport() with a nil transport must fail")
	}

	cli, err := mcp.NewClient("http://localhost:3000", mcp.ModeWebSocket)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if cli.Mode() != mcp.ModeWebSocket || cli.State() != mcp.StateDisconnected || cli.SessionID() != "" {
		t.Errorf("new client: mode %s, state %s, session %q", cli.Mode(), cli.State(), cli.SessionID())
	}
}

func TestClient_HTTP(t *testing.T) {
	srv := mcptest.NewServer()
	defer srv.Close()

	cli := connectedClient(t, srv.URL, mcp.ModeHTTP)
	if cli.State() != mcp.StateConnected {
		t.Errorf("State() = %s, want connected", cli.State())
	}
	if cli.SessionID() != "" {
		t.Errorf("SessionID() = %q, want none in HTTP mode", cli.SessionID())
	}

	tools := cli.ListTools(context.Background())
	if len(tools) != 2 {
		t.Errorf("ListTools() returned %d tools, want 2", len(tools))
	}

	got, err := cli.CallTool(context.Background(), "calculator", "add", []int{5, 3})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if string(got) != "8" {
		t.Errorf("CallTool() = %s, want 8", got)
	}

	_, err = cli.CallTool(context.Background(), "calculator", "divide", []int{5, 0})
	var tcErr *mcp.ToolCallError
	if !errors.As(err, &tcErr) {
		t.Fatalf("CallTool() error = %v, want *ToolCallError", err)
	}
	if tcErr.Message != "division by zero" || !tcErr.Remote {
		t.Errorf("ToolCallError = %+v, want the server message", tcErr)
	}
	var statusErr *mcp.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("CallTool() error = %v, want a wrapped 500 *StatusError", err)
	}
}

func TestClient_HTTPWithoutConnect(t *testing.T) {
	srv := mcptest.NewServer()
	defer srv.Close()

	cli := newTestClient(t, srv.URL, mcp.ModeHTTP)
	got, err := cli.CallTool(context.Background(), "calculator", "subtract", []int{5, 3})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if string(got) != "2" {
		t.Errorf("CallTool() = %s, want 2", got)
	}
}

func TestClient_HTTPDisconnectIsNoop(t *testing.T) {
	srv := mcptest.NewServer()
	defer srv.Close()

	cli := connectedClient(t, srv.URL, mcp.ModeHTTP)
	cli.Disconnect()
	cli.Disconnect()

	if cli.State() != mcp.StateConnected {
		t.Errorf("State() after Disconnect = %s, want connected", cli.State())
	}
	if !cli.Connect(context.Background()) {
		t.Error("Connect() after Disconnect = false in HTTP mode")
	}
	if _, err := cli.CallTool(context.Background(), "calculator", "add", []int{1, 1}); err != nil {
		t.Errorf("CallTool() after Disconnect error = %v", err)
	}
}

func TestClient_HTTPConnectRechecksReachability(t *testing.T) {
	var mu sync.Mutex
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.WriteHeader(status)
	}))
	defer srv.Close()

	cli := newTestClient(t, srv.URL, mcp.ModeHTTP)
	if !cli.Connect(context.Background()) {
		t.Fatal("Connect() = false against a healthy server")
	}

	mu.Lock()
	status = http.StatusServiceUnavailable
	mu.Unlock()

	if cli.Connect(context.Background()) {
		t.Error("Connect() = true against an unhealthy server")
	}
	if cli.State() != mcp.StateDisconnected {
		t.Errorf("State() = %s, want disconnected", cli.State())
	}
}

func TestClient_ConnectNeverFails(t *testing.T) {
	tests := []struct {
		name string
		url  func(t *testing.T) string
		mode mcp.Mode
	}{
		{
			name: "http unreachable",
			url:  unreachableURL,
			mode: mcp.ModeHTTP,
		},
		{
			name: "websocket unreachable",
			url:  unreachableURL,
			mode: mcp.ModeWebSocket,
		},
		{
			name: "http unhealthy",
			url: func(t *testing.T) string {
				srv := mcptest.NewServer(mcptest.WithHealthStatus(http.StatusInternalServerError))
				t.Cleanup(srv.Close)
				return srv.URL
			},
			mode: mcp.ModeHTTP,
		},
		{
			name: "websocket handshake rejected",
			url: func(t *testing.T) string {
				srv := mcptest.NewServer(mcptest.WithWebSocketReply(func(mcptest.Request) ([]byte, bool) {
					return []byte(`{"error":"go away"}`), true
				}))
				t.Cleanup(srv.Close)
				return srv.URL
			},
			mode: mcp.ModeWebSocket,
		},
		{
			name: "websocket handshake malformed",
			url: func(t *testing.T) string {
				srv := mcptest.NewServer(mcptest.WithWebSocketReply(func(mcptest.Request) ([]byte, bool) {
					return []byte(`not json`), true
				}))
				t.Cleanup(srv.Close)
				return srv.URL
			},
			mode: mcp.ModeWebSocket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&logs, nil))

			cli := newTestClient(t, tt.url(t), tt.mode,
				mcp.WithLogger(logger),
				mcp.WithWebSocketOptions(mcp.WithWebSocketTimeout(500*time.Millisecond)))

			if cli.Connect(context.Background()) {
				t.Fatal("Connect() = true, want false")
			}
			if cli.State() != mcp.StateDisconnected {
				t.Errorf("State() = %s, want disconnected", cli.State())
			}
			if cli.SessionID() != "" {
				t.Errorf("SessionID() = %q, want none", cli.SessionID())
			}
			if err := cli.TryConnect(context.Background()); !mcp.IsConnectError(err) {
				t.Errorf("TryConnect() error = %v, want *ConnectError", err)
			}

			out := logs.String()
			if !strings.Contains(out, `"msg":"failed to connect"`) || !strings.Contains(out, `"client_id"`) {
				t.Errorf("connect failure not logged with client_id: %s", out)
			}
			if !strings.Contains(out, `"err":"mcp connect `) {
				t.Errorf("connect failure not logged with its cause: %s", out)
			}
		})
	}
}

func TestClient_WebSocketSession(t *testing.T) {
	srv := mcptest.NewServer(mcptest.WithWebSocketReply(func(req mcptest.Request) ([]byte, bool) {
		switch req.Method {
		case mcp.MethodInitialize:
			return []byte(`{"result":{"session_id":"abc"}}`), true
		case mcp.MethodToolsList:
			return []byte(`{"result":{"tools":[{"name":"weather"}]}}`), true
		}
		return nil, false
	}))
	defer srv.Close()

	cli := connectedClient(t, srv.URL, mcp.ModeWebSocket)
	if got := cli.SessionID(); got != "abc" {
		t.Errorf("SessionID() = %q, want %q", got, "abc")
	}
	if cli.State() != mcp.StateConnected {
		t.Errorf("State() = %s, want connected", cli.State())
	}

	tools := cli.ListTools(context.Background())
	if len(tools) != 1 || tools[0].Name != "weather" {
		t.Errorf("ListTools() = %+v, want one tool named weather", tools)
	}

	got, err := cli.CallTool(context.Background(), "weather", "getTemperature", []string{"서울"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if want := `"서울의 현재 온도는 22°C입니다."`; string(got) != want {
		t.Errorf("CallTool() = %s, want %s", got, want)
	}

	// Connect on a connected client is a no-op.
	if !cli.Connect(context.Background()) || cli.SessionID() != "abc" {
		t.Error("second Connect() must keep the session")
	}
}

func TestClient_WebSocketRequiresConnect(t *testing.T) {
	srv := mcptest.NewServer()
	defer srv.Close()

	cli := newTestClient(t, srv.URL, mcp.ModeWebSocket)

	_, err := cli.CallTool(context.Background(), "calculator", "add", []int{1, 2})
	var tcErr *mcp.ToolCallError
	if !errors.As(err, &tcErr) || !errors.Is(err, mcp.ErrNotConnected) {
		t.Fatalf("CallTool() error = %v, want *ToolCallError wrapping ErrNotConnected", err)
	}
	if tcErr.Message != "unknown error" || tcErr.Remote {
		t.Errorf("ToolCallError = %+v, want the fallback message", tcErr)
	}

	if tools := cli.ListTools(context.Background()); tools == nil || len(tools) != 0 {
		t.Errorf("ListTools() = %#v, want an empty non-nil slice", tools)
	}
	if _, err := cli.TryListTools(context.Background()); !errors.Is(err, mcp.ErrNotConnected) {
		t.Errorf("TryListTools() error = %v, want ErrNotConnected", err)
	}
}

func TestClient_DisconnectIsIdempotent(t *testing.T) {
	srv := mcptest.NewServer(mcptest.WithSessionID("s-1"))
	defer srv.Close()

	cli := connectedClient(t, srv.URL, mcp.ModeWebSocket)

	cli.Disconnect()
	if cli.State() != mcp.StateClosed || cli.SessionID() != "" {
		t.Fatalf("after Disconnect: state %s, session %q", cli.State(), cli.SessionID())
	}

	cli.Disconnect()
	if cli.State() != mcp.StateClosed || cli.SessionID() != "" {
		t.Errorf("after second Disconnect: state %s, session %q", cli.State(), cli.SessionID())
	}

	// Closed is terminal.
	if cli.Connect(context.Background()) {
		t.Error("Connect() after Disconnect = true, want false")
	}
	if err := cli.TryConnect(context.Background()); !errors.Is(err, mcp.ErrClosed) {
		t.Errorf("TryConnect() after Disconnect error = %v, want ErrClosed", err)
	}
	_, err := cli.CallTool(context.Background(), "calculator", "add", []int{1, 2})
	if !mcp.IsToolCallError(err) || !errors.Is(err, mcp.ErrClosed) {
		t.Errorf("CallTool() after Disconnect error = %v, want *ToolCallError wrapping ErrClosed", err)
	}
}

func TestClient_DisconnectNeverConnected(t *testing.T) {
	tr := &fakeTransport{}
	cli, err := mcp.NewClientWithTransport(mcp.ModeWebSocket, tr)
	if err != nil {
		t.Fatalf("NewClientWithTransport() error = %v", err)
	}

	cli.Disconnect()
	cli.Disconnect()
	if cli.State() != mcp.StateClosed {
		t.Errorf("State() = %s, want closed", cli.State())
	}
	if tr.closes != 1 {
		t.Errorf("transport closed %d times, want 1", tr.closes)
	}
}

func TestClient_CallToolReturnsResultUntransformed(t *testing.T) {
	results := []string{
		`8`,
		`-0.5`,
		`"text"`,
		`null`,
		`true`,
		`[1,"two",{"three":3}]`,
		`{"nested":{"b":2,"a":1},"list":[]}`,
		`{ "spaced" : [ 1 , 2 ] }`,
	}

	for _, result := range results {
		t.Run(result, func(t *testing.T) {
			srv := mcptest.NewServer(mcptest.WithHTTPReply(func(mcptest.Request) (int, []byte, bool) {
				return http.StatusOK, []byte(`{"result":` + result + `}`), true
			}))
			defer srv.Close()

			cli := newTestClient(t, srv.URL, mcp.ModeHTTP)
			got, err := cli.CallTool(context.Background(), "any", "thing", []any{})
			if err != nil {
				t.Fatalf("CallTool() error = %v", err)
			}
			if string(got) != result {
				t.Errorf("CallTool() = %s, want %s", got, result)
			}
		})
	}
}

func TestClient_CallToolErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wsReply     string
		wantMessage string
		wantRemote  bool
	}{
		{
			name:        "server message",
			status:      http.StatusInternalServerError,
			body:        `{"error":"division by zero"}`,
			wsReply:     `{"error":{"code":-32000,"message":"division by zero"}}`,
			wantMessage: "division by zero",
			wantRemote:  true,
		},
		{
			name:        "empty message",
			status:      http.StatusInternalServerError,
			body:        `{"error":""}`,
			wsReply:     `{"error":{"code":-32000,"message":""}}`,
			wantMessage: "unknown error",
		},
		{
			name:        "error shaped without message",
			status:      http.StatusOK,
			body:        `{"error":{"code":-32000}}`,
			wsReply:     `{"error":{"code":-32000}}`,
			wantMessage: "unknown error",
		},
		{
			name:        "no error member",
			status:      http.StatusInternalServerError,
			body:        `{}`,
			wsReply:     `{}`,
			wantMessage: "unknown error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name+"/http", func(t *testing.T) {
			srv := mcptest.NewServer(mcptest.WithHTTPReply(func(mcptest.Request) (int, []byte, bool) {
				return tt.status, []byte(tt.body), true
			}))
			defer srv.Close()

			cli := newTestClient(t, srv.URL, mcp.ModeHTTP)
			_, err := cli.CallTool(context.Background(), "calculator", "divide", []int{1, 0})
			assertToolCallError(t, err, tt.wantMessage, tt.wantRemote)
		})

		t.Run(tt.name+"/websocket", func(t *testing.T) {
			srv := mcptest.NewServer(mcptest.WithWebSocketReply(func(req mcptest.Request) ([]byte, bool) {
				if req.Method == mcp.MethodToolsCall {
					return []byte(tt.wsReply), true
				}
				return nil, false
			}))
			defer srv.Close()

			cli := connectedClient(t, srv.URL, mcp.ModeWebSocket)
			_, err := cli.CallTool(context.Background(), "calculator", "divide", []int{1, 0})
			assertToolCallError(t, err, tt.wantMessage, tt.wantRemote)
		})
	}
}

func assertToolCallError(t *testing.T, err error, wantMessage string, wantRemote bool) {
	t.Helper()
	var tcErr *mcp.ToolCallError
	if !errors.As(err, &tcErr) {
		t.Fatalf("CallTool() error = %v, want *ToolCallError", err)
	}
	if tcErr.Tool != "calculator" || tcErr.Method != "divide" {
		t.Errorf("ToolCallError names %s.%s, want calculator.divide", tcErr.Tool, tcErr.Method)
	}
	if tcErr.Message != wantMessage || tcErr.Remote != wantRemote {
		t.Errorf("ToolCallError message %q remote %v, want %q remote %v",
			tcErr.Message, tcErr.Remote, wantMessage, wantRemote)
	}
	if errors.Unwrap(err) == nil {
		t.Error("ToolCallError must carry its cause")
	}
}

func TestClient_ListToolsFailures(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		check func(error) bool
	}{
		{
			name:  "duplicate names",
			reply: `{"result":{"tools":[{"name":"dup"},{"name":"dup"}]}}`,
			check: mcp.IsDecodeError,
		},
		{
			name:  "missing tools",
			reply: `{"result":{}}`,
			check: mcp.IsDecodeError,
		},
		{
			name:  "error reply",
			reply: `{"error":"listing disabled"}`,
			check: func(err error) bool {
				var rpcErr *mcp.RPCError
				return errors.As(err, &rpcErr) && rpcErr.Message == "listing disabled"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mcptest.NewServer(mcptest.WithWebSocketReply(func(req mcptest.Request) ([]byte, bool) {
				if req.Method == mcp.MethodToolsList {
					return []byte(tt.reply), true
				}
				return nil, false
			}))
			defer srv.Close()

			cli := connectedClient(t, srv.URL, mcp.ModeWebSocket)

			if tools := cli.ListTools(context.Background()); tools == nil || len(tools) != 0 {
				t.Errorf("ListTools() = %#v, want an empty non-nil slice", tools)
			}
			if _, err := cli.TryListTools(context.Background()); !tt.check(err) {
				t.Errorf("TryListTools() error = %v", err)
			}
			if cli.State() != mcp.StateConnected {
				t.Errorf("a listing failure must not change the state, got %s", cli.State())
			}
		})
	}
}

func TestClient_ListToolsEmptyIsNotAFailure(t *testing.T) {
	srv := mcptest.NewServer(mcptest.WithTools())
	defer srv.Close()

	cli := newTestClient(t, srv.URL, mcp.ModeHTTP)
	tools, err := cli.TryListTools(context.Background())
	if err != nil {
		t.Fatalf("TryListTools() error = %v", err)
	}
	if diff := cmp.Diff([]string{}, toolNames(tools)); diff != "" {
		t.Errorf("TryListTools() mismatch (-want +got):\n%s", diff)
	}
}

func TestClient_ConnectionLost(t *testing.T) {
	srv := mcptest.NewServer()
	defer srv.Close()

	cli := connectedClient(t, srv.URL, mcp.ModeWebSocket)
	srv.CloseWebSockets()

	deadline := time.Now().Add(2 * time.Second)
	for cli.State() == mcp.StateConnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if cli.State() != mcp.StateDisconnected {
		t.Fatalf("State() = %s, want disconnected after the socket dropped", cli.State())
	}
	if cli.SessionID() != "" {
		t.Errorf("SessionID() = %q, want it cleared", cli.SessionID())
	}

	if !cli.Connect(context.Background()) {
		t.Fatal("reconnect failed")
	}
	if cli.SessionID() != srv.SessionID() {
		t.Errorf("SessionID() = %q, want %q", cli.SessionID(), srv.SessionID())
	}
}

func TestClient_DisconnectDuringConnect(t *testing.T) {
	tr := &fakeTransport{connectGate: make(chan struct{}), sessionID: "late"}
	cli, err := mcp.NewClientWithTransport(mcp.ModeWebSocket, tr)
	if err != nil {
		t.Fatalf("NewClientWithTransport() error = %v", err)
	}

	errs := make(chan error, 1)
	go func() { errs <- cli.TryConnect(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for cli.State() != mcp.StateConnecting && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if cli.State() != mcp.StateConnecting {
		t.Fatalf("State() = %s, want connecting", cli.State())
	}

	cli.Disconnect()
	close(tr.connectGate)

	if err := <-errs; !errors.Is(err, mcp.ErrClosed) {
		t.Errorf("TryConnect() error = %v, want ErrClosed", err)
	}
	if cli.State() != mcp.StateClosed || cli.SessionID() != "" {
		t.Errorf("after Disconnect during Connect: state %s, session %q", cli.State(), cli.SessionID())
	}
}

func TestClient_InjectedTransport(t *testing.T) {
	tr := &fakeTransport{
		sessionID: "injected",
		tools:     []mcp.Tool{{Name: "a"}, {Name: "b"}},
		result:    json.RawMessage(`{"ok":true}`),
	}
	cli, err := mcp.NewClientWithTransport(mcp.ModeWebSocket, tr)
	if err != nil {
		t.Fatalf("NewClientWithTransport() error = %v", err)
	}

	if !cli.Connect(context.Background()) {
		t.Fatal("Connect() = false")
	}
	if cli.SessionID() != "injected" {
		t.Errorf("SessionID() = %q, want %q", cli.SessionID(), "injected")
	}
	if diff := cmp.Diff([]string{"a", "b"}, toolNames(cli.ListTools(context.Background()))); diff != "" {
		t.Errorf("ListTools() mismatch (-want +got):\n%s", diff)
	}

	got, err := cli.CallTool(context.Background(), "a", "run", nil)
	if err != nil || string(got) != `{"ok":true}` {
		t.Errorf("CallTool() = %s, %v", got, err)
	}

	tr.drop()
	if cli.State() != mcp.StateDisconnected {
		t.Errorf("State() = %s, want disconnected once the transport is gone", cli.State())
	}
	if _, err := cli.CallTool(context.Background(), "a", "run", nil); !errors.Is(err, mcp.ErrNotConnected) {
		t.Errorf("CallTool() error = %v, want ErrNotConnected", err)
	}
	if tr.calls != 1 {
		t.Errorf("transport saw %d calls, want 1", tr.calls)
	}
}

func TestClient_HTTPModeIgnoresSessionID(t *testing.T) {
	tr := &fakeTransport{sessionID: "ignored"}
	cli, err := mcp.NewClientWithTransport(mcp.ModeHTTP, tr)
	if err != nil {
		t.Fatalf("NewClientWithTransport() error = %v", err)
	}
	if !cli.Connect(context.Background()) {
		t.Fatal("Connect() = false")
	}
	if cli.SessionID() != "" {
		t.Errorf("SessionID() = %q, want none in HTTP mode", cli.SessionID())
	}
}

func toolNames(tools []mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Name)
	}
	return names
}
