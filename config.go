package mcp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config describes a client. It can be populated from the environment with ConfigFromEnv;
// defaults are provided via struct tags.
type Config struct {
	// ServerURL is the base URL of the tool server. ENV: MCP_SERVER_URL
	ServerURL string `env:"MCP_SERVER_URL,default=http://localhost:3000"`
	// Transport is "http" or "websocket" ("ws" also accepted). ENV: MCP_TRANSPORT
	Transport string `env:"MCP_TRANSPORT,default=http"`

	// HTTPTimeout bounds tool listing and tool call requests. ENV: MCP_HTTP_TIMEOUT
	HTTPTimeout time.Duration `env:"MCP_HTTP_TIMEOUT,default=10s"`
	// HealthTimeout bounds the HTTP health probe. ENV: MCP_HEALTH_TIMEOUT
	HealthTimeout time.Duration `env:"MCP_HEALTH_TIMEOUT,default=5s"`
	// HTTPMaxBodySize caps reply bodies in bytes. ENV: MCP_HTTP_MAX_BODY_SIZE
	HTTPMaxBodySize int64 `env:"MCP_HTTP_MAX_BODY_SIZE,default=1048576"`

	// WebSocketTimeout bounds each frame write and reply wait. ENV: MCP_WS_TIMEOUT
	WebSocketTimeout time.Duration `env:"MCP_WS_TIMEOUT,default=10s"`
	// WebSocketDialTimeout bounds the opening handshake. ENV: MCP_WS_DIAL_TIMEOUT
	WebSocketDialTimeout time.Duration `env:"MCP_WS_DIAL_TIMEOUT,default=5s"`
	// WebSocketReadLimit caps inbound frame size in bytes. ENV: MCP_WS_READ_LIMIT
	WebSocketReadLimit int64 `env:"MCP_WS_READ_LIMIT,default=1048576"`

	// ClientName and ClientVersion identify the client during initialize.
	// ENV: MCP_CLIENT_NAME, MCP_CLIENT_VERSION
	ClientName    string `env:"MCP_CLIENT_NAME,default=okmcp"`
	ClientVersion string `env:"MCP_CLIENT_VERSION,default=0.1.0"`
}

// ConfigFromEnv builds a Config from MCP_* environment variables. A value that does not
// parse is an error.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode config from environment: %w", err)
	}
	return cfg, nil
}

// ParseMode parses a transport name. Matching is case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "http":
		return ModeHTTP, nil
	case "ws", "websocket":
		return ModeWebSocket, nil
	default:
		return 0, fmt.Errorf("unknown transport %q", s)
	}
}

// NewClientFromConfig creates a client from cfg. Options are applied after the ones derived
// from cfg, so they take precedence.
func NewClientFromConfig(cfg Config, options ...ClientOption) (*Client, error) {
	mode, err := ParseMode(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	var httpOpts []HTTPOption
	if cfg.HTTPTimeout > 0 {
		httpOpts = append(httpOpts, WithHTTPRequestTimeout(cfg.HTTPTimeout))
	}
	if cfg.HealthTimeout > 0 {
		httpOpts = append(httpOpts, WithHTTPHealthTimeout(cfg.HealthTimeout))
	}
	if cfg.HTTPMaxBodySize > 0 {
		httpOpts = append(httpOpts, WithHTTPMaxBodySize(cfg.HTTPMaxBodySize))
	}

	var wsOpts []WebSocketOption
	if cfg.WebSocketTimeout > 0 {
		wsOpts = append(wsOpts, WithWebSocketTimeout(cfg.WebSocketTimeout))
	}
	if cfg.WebSocketDialTimeout > 0 {
		wsOpts = append(wsOpts, WithWebSocketDialTimeout(cfg.WebSocketDialTimeout))
	}
	if cfg.WebSocketReadLimit > 0 {
		wsOpts = append(wsOpts, WithWebSocketReadLimit(cfg.WebSocketReadLimit))
	}

	opts := []ClientOption{
		WithHTTPOptions(httpOpts...),
		WithWebSocketOptions(wsOpts...),
	}
	if cfg.ClientName != "" || cfg.ClientVersion != "" {
		info := defaultClientInfo
		if cfg.ClientName != "" {
			info.Name = cfg.ClientName
		}
		if cfg.ClientVersion != "" {
			info.Version = cfg.ClientVersion
		}
		opts = append(opts, WithClientInfo(info))
	}

	return NewClient(cfg.ServerURL, mode, append(opts, options...)...)
}
