package mcp_test

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	mcp "github.com/kenu/okmcp"
)

func TestMustString_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcp.MustString
		wantErr bool
	}{
		{
			name:    "string input",
			input:   `"test123"`,
			want:    mcp.MustString("test123"),
			wantErr: false,
		},
		{
			name:    "integer input",
			input:   `42`,
			want:    mcp.MustString("42"),
			wantErr: false,
		},
		{
			name:    "float input",
			input:   `42.0`,
			want:    mcp.MustString("42"),
			wantErr: false,
		},
		{
			name:    "null input",
			input:   `null`,
			want:    mcp.MustString(""),
			wantErr: false,
		},
		{
			name:    "invalid type",
			input:   `{"key": "value"}`,
			want:    mcp.MustString(""),
			wantErr: true,
		},
		{
			name:    "invalid JSON",
			input:   `invalid`,
			want:    mcp.MustString(""),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcp.MustString
			err := json.Unmarshal([]byte(tt.input), &got)

			if (err != nil) != tt.wantErr {
				t.Errorf("MustString.UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
				return
			}

			if !tt.wantErr && got != tt.want {
				t.Errorf("MustString.UnmarshalJSON() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMustString_MarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		input mcp.MustString
		want  string
	}{
		{
			name:  "string value",
			input: mcp.MustString("test123"),
			want:  `"test123"`,
		},
		{
			name:  "numeric string",
			input: mcp.MustString("42"),
			want:  `"42"`,
		},
		{
			name:  "empty string",
			input: mcp.MustString(""),
			want:  `""`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.input)
			if err != nil {
				t.Fatalf("MustString.MarshalJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("MustString.MarshalJSON() = %v, want %v", string(got), tt.want)
			}
		})
	}
}

func TestRPCError_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    mcp.RPCError
		wantErr bool
	}{
		{
			name:  "bare string",
			input: `"division by zero"`,
			want:  mcp.RPCError{Message: "division by zero"},
		},
		{
			name:  "error object",
			input: `{"code": -32601, "message": "method not found", "data": {"method": "x"}}`,
			want: mcp.RPCError{
				Code:    -32601,
				Message: "method not found",
				Data:    json.RawMessage(`{"method": "x"}`),
			},
		},
		{
			name:  "object without message",
			input: `{"code": -32000}`,
			want:  mcp.RPCError{Code: -32000},
		},
		{
			name:    "number",
			input:   `42`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got mcp.RPCError
			err := json.Unmarshal([]byte(tt.input), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RPCError.UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("RPCError.UnmarshalJSON() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRPCError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *mcp.RPCError
		want string
	}{
		{name: "with code", err: &mcp.RPCError{Code: -32000, Message: "boom"}, want: "rpc error -32000: boom"},
		{name: "without code", err: &mcp.RPCError{Message: "boom"}, want: "rpc error: boom"},
		{name: "empty message", err: &mcp.RPCError{}, want: "rpc error: unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("RPCError.Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTool_KeepsRawDescriptor(t *testing.T) {
	input := `{"name":"calculator","description":"math","methods":["add","divide"]}`

	var tool mcp.Tool
	if err := json.Unmarshal([]byte(input), &tool); err != nil {
		t.Fatalf("failed to unmarshal tool: %v", err)
	}
	if tool.Name != "calculator" || tool.Description != "math" {
		t.Errorf("unexpected tool fields: %+v", tool)
	}
	if string(tool.Raw) != input {
		t.Errorf("Raw = %s, want %s", tool.Raw, input)
	}

	out, err := json.Marshal(tool)
	if err != nil {
		t.Fatalf("failed to marshal tool: %v", err)
	}
	if string(out) != input {
		t.Errorf("Marshal = %s, want the descriptor as received", out)
	}
}

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state mcp.ConnectionState
		want  string
	}{
		{mcp.StateDisconnected, "disconnected"},
		{mcp.StateConnecting, "connecting"},
		{mcp.StateConnected, "connected"},
		{mcp.StateClosed, "closed"},
		{mcp.ConnectionState(42), "ConnectionState(42)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("ConnectionState.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMode_String(t *testing.T) {
	if got := mcp.ModeHTTP.String(); got != "http" {
		t.Errorf("ModeHTTP.String() = %q, want %q", got, "http")
	}
	if got := mcp.ModeWebSocket.String(); got != "websocket" {
		t.Errorf("ModeWebSocket.String() = %q, want %q", got, "websocket")
	}
}
