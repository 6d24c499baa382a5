package mcp

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Endpoint is the base address of a tool server. The zero value is not usable; build one
// with ParseEndpoint.
type Endpoint struct {
	u *url.URL
}

// ParseEndpoint parses an http or https base URL such as "http://localhost:3000".
// Trailing slashes are dropped. Query strings, fragments and credentials are rejected.
func ParseEndpoint(raw string) (Endpoint, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: %w", raw, err)
	}

	switch u.Scheme {
	case "http", "https":
	case "":
		return Endpoint{}, fmt.Errorf("endpoint %q has no scheme", raw)
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q has no host", raw)
	}
	if u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return Endpoint{}, fmt.Errorf("endpoint %q must not carry a query or fragment", raw)
	}
	if u.User != nil {
		return Endpoint{}, errors.New("endpoint must not carry credentials")
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return Endpoint{u: u}, nil
}

// MustParseEndpoint is like ParseEndpoint but panics on error.
func MustParseEndpoint(raw string) Endpoint {
	ep, err := ParseEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return ep
}

func (e Endpoint) String() string {
	if e.u == nil {
		return ""
	}
	return e.u.String()
}

// URL returns the endpoint with elem joined onto its path.
func (e Endpoint) URL(elem ...string) string {
	if e.u == nil {
		return ""
	}
	return e.u.JoinPath(elem...).String()
}

// WebSocketURL returns the ws (or wss for https) address of the /ws path.
func (e Endpoint) WebSocketURL() string {
	if e.u == nil {
		return ""
	}
	u := e.u.JoinPath("ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// IsZero reports whether e was never parsed.
func (e Endpoint) IsZero() bool {
	return e.u == nil
}
