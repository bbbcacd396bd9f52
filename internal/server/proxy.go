package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// DefaultProxyTimeout bounds every outbound call so a hung upstream cannot
// hold an origin request forever.
const DefaultProxyTimeout = 30 * time.Second

// RequestIDHeader carries the request id from the origin to upstreams.
const RequestIDHeader = "X-Request-Id"

// Request is an inbound request reduced to what the forwarder needs.
// Path is relative to the matched rule's prefix.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.Reader
}

// ProxiedResponse is the normalized result of any outbound call.
type ProxiedResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// APIResponse is the decoded JSON returned by a remote API. Empty is set
// when the upstream sent no body; a JSON null leaves Data nil with Empty unset.
type APIResponse struct {
	StatusCode int
	Data       any
	Empty      bool
}

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithHTTPClient replaces the outbound client. A client without a timeout
// gets DefaultProxyTimeout.
func WithHTTPClient(c *http.Client) ForwarderOption {
	return func(f *Forwarder) { f.client = c }
}

// WithProxyTimeout sets the outbound timeout.
func WithProxyTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) { f.timeout = d }
}

// WithForwarderLogger sets the logger used to report upstream failures.
func WithForwarderLogger(l *slog.Logger) ForwarderOption {
	return func(f *Forwarder) { f.logger = l }
}

// Forwarder performs outbound proxy calls and translates their failures into
// ErrUpstreamUnavailable or ErrUpstreamProtocol.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewForwarder creates a Forwarder with a bounded-timeout HTTP client.
func NewForwarder(opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		timeout: DefaultProxyTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.client.Timeout == 0 {
		c := *f.client
		c.Timeout = f.timeout
		f.client = &c
	}
	return f
}

// JoinURL joins base and rel with exactly one slash between them, whether or
// not base ends in one.
func JoinURL(base, rel string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(rel, "/")
}

func withQuery(u, rawQuery string) string {
	if rawQuery == "" {
		return u
	}
	return u + "?" + rawQuery
}

// Forward sends req to baseURL unchanged and returns the upstream status,
// Content-Type and body byte for byte. Upstream 4xx/5xx are not errors.
//
// The outbound call is detached from ctx's cancellation: an aborted client
// request lets the call run until it completes or times out.
func (f *Forwarder) Forward(ctx context.Context, baseURL string, req Request) (*ProxiedResponse, error) {
	target := withQuery(JoinURL(baseURL, req.Path), req.RawQuery)

	outReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), req.Method, target, req.Body)
	if err != nil {
		return nil, f.report(baseURL, fmt.Errorf("%w: build request: %w", ErrUpstreamProtocol, err))
	}
	outReq.Header = cloneHeader(req.Header)
	// Let the transport negotiate compression so the body it hands back is
	// always decoded; only Content-Type is passed on.
	outReq.Header.Del("Accept-Encoding")

	resp, err := f.client.Do(outReq)
	if err != nil {
		return nil, f.report(baseURL, classify(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, f.report(baseURL, fmt.Errorf("%w: read response: %w", ErrUpstreamProtocol, err))
	}

	return &ProxiedResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// ForwardAPI sends req to a remote JSON API. GET carries no body; POST, PUT,
// PATCH and DELETE re-encode the inbound JSON body. The response body is
// decoded and returned as a value. Any other method is ErrUnsupportedMethod.
func (f *Forwarder) ForwardAPI(ctx context.Context, baseURL string, req Request) (*APIResponse, error) {
	target := withQuery(JoinURL(baseURL, req.Path), req.RawQuery)

	var body io.Reader
	header := http.Header{}
	switch req.Method {
	case http.MethodGet:
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		payload, err := reencodeJSON(req.Body)
		if err != nil {
			return nil, f.report(baseURL, err)
		}
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		header.Set("Accept", "application/json")
		header.Set("Content-Type", "application/json")
	default:
		return nil, fmt.Errorf("%w: %s not implemented in the proxy", ErrUnsupportedMethod, req.Method)
	}
	if id := req.Header.Get(RequestIDHeader); id != "" {
		header.Set(RequestIDHeader, id)
	}

	outReq, err := http.NewRequestWithContext(context.WithoutCancel(ctx), req.Method, target, body)
	if err != nil {
		return nil, f.report(baseURL, fmt.Errorf("%w: build request: %w", ErrUpstreamProtocol, err))
	}
	outReq.Header = header

	resp, err := f.client.Do(outReq)
	if err != nil {
		return nil, f.report(baseURL, classify(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, f.report(baseURL, fmt.Errorf("%w: read response: %w", ErrUpstreamProtocol, err))
	}

	out := &APIResponse{StatusCode: resp.StatusCode}
	if len(bytes.TrimSpace(raw)) == 0 {
		out.Empty = true
		return out, nil
	}
	data, err := decodeJSON(raw)
	if err != nil {
		return nil, f.report(baseURL, fmt.Errorf("%w: decode response: %w", ErrUpstreamProtocol, err))
	}
	out.Data = data
	return out, nil
}

// reencodeJSON parses r as JSON and encodes it again. An empty body yields nil.
func reencodeJSON(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read request body: %w", ErrUpstreamProtocol, err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	data, err := decodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode request body: %w", ErrUpstreamProtocol, err)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: encode request body: %w", ErrUpstreamProtocol, err)
	}
	return payload, nil
}

// decodeJSON decodes a single JSON value, keeping numbers exact.
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// connectionErrs mean the target could not be reached or dropped the
// connection before sending a response.
var connectionErrs = []error{
	syscall.ECONNREFUSED,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	io.EOF,
	io.ErrUnexpectedEOF,
}

// classify wraps an error from client.Do in ErrUpstreamUnavailable when the
// connection failed and in ErrUpstreamProtocol otherwise. Timeouts count as
// protocol errors: the target accepted the connection.
func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrUpstreamProtocol, err)
	}
	for _, target := range connectionErrs {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamProtocol, err)
}

// report logs err at the level its kind deserves and returns it unchanged.
func (f *Forwarder) report(target string, err error) error {
	switch {
	case errors.Is(err, ErrUpstreamUnavailable):
		f.logger.Info("target not ready", slog.String("target", target))
	default:
		f.logger.Error("proxy call failed", slog.String("target", target), slog.String("error", err.Error()))
	}
	return err
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	out := h.Clone()
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}
