package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// HTTPTransport implements Transport over stateless HTTP requests. It holds no session:
// Connect is a health probe and each call is an independent POST. An HTTPTransport is
// safe for concurrent use. Instances should be created using NewHTTPTransport.
type HTTPTransport struct {
	endpoint   Endpoint
	httpClient *http.Client
	logger     *slog.Logger

	requestTimeout time.Duration
	healthTimeout  time.Duration
	maxBodySize    int64
	maxEventSize   int
}

// HTTPOption represents the options for the HTTPTransport.
type HTTPOption func(*HTTPTransport)

type httpResponse struct {
	status      int
	contentType string
	body        []byte
}

const (
	healthPath = "health"
	toolsPath  = "tools"
	callPath   = "mcp"

	// RequestIDHeader carries the per-request id generated by the HTTP transport.
	RequestIDHeader = "X-Request-Id"

	acceptHeader = "application/json, text/event-stream"
)

var (
	defaultHTTPRequestTimeout = 10 * time.Second
	defaultHTTPHealthTimeout  = 5 * time.Second

	defaultHTTPMaxBodySize int64 = 1 << 20

	eventStreamMediaType = contenttype.NewMediaType("text/event-stream")
)

// NewHTTPTransport creates an HTTP transport for the server at ep. Without WithHTTPClient
// the default HTTP client is used.
func NewHTTPTransport(ep Endpoint, options ...HTTPOption) *HTTPTransport {
	t := &HTTPTransport{
		endpoint:       ep,
		httpClient:     http.DefaultClient,
		logger:         slog.Default(),
		requestTimeout: defaultHTTPRequestTimeout,
		healthTimeout:  defaultHTTPHealthTimeout,
		maxBodySize:    defaultHTTPMaxBodySize,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithHTTPClient sets the HTTP client used for every request.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.httpClient = client
		}
	}
}

// WithHTTPRequestTimeout bounds the tool listing and tool call requests.
func WithHTTPRequestTimeout(timeout time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		t.requestTimeout = timeout
	}
}

// WithHTTPHealthTimeout bounds the health probe issued by Connect.
func WithHTTPHealthTimeout(timeout time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		t.healthTimeout = timeout
	}
}

// WithHTTPLogger sets the logger for the transport.
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithHTTPMaxBodySize sets the maximum size in bytes of a reply body. A larger body fails
// the request. Zero or less removes the cap.
func WithHTTPMaxBodySize(size int64) HTTPOption {
	return func(t *HTTPTransport) {
		t.maxBodySize = size
	}
}

// WithHTTPMaxEventSize sets the maximum size of a single event in an event-stream reply.
// Zero keeps the go-sse default.
func WithHTTPMaxEventSize(size int) HTTPOption {
	return func(t *HTTPTransport) {
		t.maxEventSize = size
	}
}

// Connect probes GET /health. Only a 200 counts as reachable. The returned session id is
// always empty.
func (t *HTTPTransport) Connect(ctx context.Context) (string, error) {
	url := t.endpoint.URL(healthPath)
	resp, err := t.request(ctx, t.healthTimeout, http.MethodGet, url, nil)
	if err != nil {
		return "", &ConnectError{URL: url, Cause: err}
	}
	if resp.status != http.StatusOK {
		return "", &ConnectError{URL: url, Cause: t.statusError(http.MethodGet, url, resp)}
	}
	return "", nil
}

// ListTools fetches GET /tools.
func (t *HTTPTransport) ListTools(ctx context.Context) ([]Tool, error) {
	url := t.endpoint.URL(toolsPath)
	resp, err := t.request(ctx, t.requestTimeout, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if resp.status < http.StatusOK || resp.status >= http.StatusMultipleChoices {
		return nil, t.statusError(http.MethodGet, url, resp)
	}
	return decodeToolListing(resp.body)
}

// CallTool posts the flat {tool, method, params} envelope to /mcp. The reply may be plain
// JSON or an event stream whose first message event holds the reply.
func (t *HTTPTransport) CallTool(ctx context.Context, tool, method string, params any) (json.RawMessage, error) {
	body, err := encodeHTTPCall(tool, method, params)
	if err != nil {
		return nil, err
	}

	url := t.endpoint.URL(callPath)
	resp, err := t.request(ctx, t.requestTimeout, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if resp.status < http.StatusOK || resp.status >= http.StatusMultipleChoices {
		return nil, t.statusError(http.MethodPost, url, resp)
	}

	payload := resp.body
	if isEventStream(resp.contentType) {
		if payload, err = t.firstEventReply(resp.body); err != nil {
			return nil, err
		}
	}

	res, err := decodeHTTPReply(resp.status, payload)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		return nil, res.Error
	}
	return res.Result, nil
}

// Close is a no-op; the HTTP transport holds no connection state.
func (t *HTTPTransport) Close() error {
	return nil
}

func (t *HTTPTransport) request(
	ctx context.Context,
	timeout time.Duration,
	method, url string,
	body []byte,
) (httpResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return httpResponse{}, &RequestError{Method: method, URL: url, Cause: fmt.Errorf("failed to create request: %w", err)}
	}

	requestID := uuid.New().String()
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set(RequestIDHeader, requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger := t.logger.With(slog.String("request_id", requestID))
	logger.Debug("sending request", slog.String("method", method), slog.String("url", url))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return httpResponse{}, &RequestError{Method: method, URL: url, Cause: wrapTimeout(ctx, err)}
	}
	defer resp.Body.Close()

	var respBody io.Reader = resp.Body
	if t.maxBodySize > 0 {
		respBody = io.LimitReader(resp.Body, t.maxBodySize+1)
	}
	bs, err := io.ReadAll(respBody)
	if err != nil {
		return httpResponse{}, &RequestError{
			Method: method,
			URL:    url,
			Cause:  wrapTimeout(ctx, fmt.Errorf("failed to read response body: %w", err)),
		}
	}

	if t.maxBodySize > 0 && int64(len(bs)) > t.maxBodySize {
		return httpResponse{}, &RequestError{
			Method: method,
			URL:    url,
			Cause:  fmt.Errorf("%w: limit is %d bytes", ErrBodyTooLarge, t.maxBodySize),
		}
	}

	logger.Debug("received response", slog.Int("status", resp.StatusCode), slog.Int("size", len(bs)))

	return httpResponse{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        bs,
	}, nil
}

func (t *HTTPTransport) statusError(method, url string, resp httpResponse) *StatusError {
	statusErr := newStatusError(resp.status, resp.body)
	statusErr.Method = method
	statusErr.URL = url
	return statusErr
}

func (t *HTTPTransport) firstEventReply(body []byte) ([]byte, error) {
	var config *sse.ReadConfig
	if t.maxEventSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: t.maxEventSize,
		}
	}

	for ev, err := range sse.Read(bytes.NewReader(body), config) {
		if err != nil {
			return nil, &DecodeError{Reason: "malformed event stream", Payload: body, Cause: err}
		}
		if ev.Type != "" && ev.Type != "message" {
			t.logger.Debug("skipping event", slog.String("type", ev.Type))
			continue
		}
		if ev.Data == "" {
			continue
		}
		return []byte(ev.Data), nil
	}
	return nil, &DecodeError{Reason: "event stream carried no reply", Payload: body}
}

func isEventStream(contentType string) bool {
	if contentType == "" {
		return false
	}
	mt := contenttype.NewMediaType(contentType)
	return mt.Type == eventStreamMediaType.Type && mt.Subtype == eventStreamMediaType.Subtype
}

func wrapTimeout(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}
