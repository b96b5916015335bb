// Package httpkit builds the HTTP clients used for every outbound call:
// model providers, MCP servers over HTTP and health probes. It keeps
// timeouts, connection pooling and the User-Agent consistent.
package httpkit

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/nugget/parley/internal/buildinfo"
)

// Default timeouts and connection pool limits for the shared transport.
const (
	// DefaultDialTimeout is the maximum time to establish a TCP connection.
	DefaultDialTimeout = 10 * time.Second

	// DefaultKeepAlive is the interval between TCP keep-alive probes.
	DefaultKeepAlive = 30 * time.Second

	// DefaultTLSHandshakeTimeout is the maximum time for the TLS handshake.
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultResponseHeader is the maximum time to wait for response headers
	// after a request is fully written.
	DefaultResponseHeader = 15 * time.Second

	// StreamingResponseHeader is the header timeout for model calls, which
	// may think for a long time before the first byte.
	StreamingResponseHeader = 120 * time.Second

	// DefaultIdleConnTimeout is how long idle connections stay in the pool.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultMaxIdleConns is the total number of idle connections across all hosts.
	DefaultMaxIdleConns = 20

	// DefaultMaxIdleConnsPerHost is the per-host idle connection limit.
	DefaultMaxIdleConnsPerHost = 5

	// DefaultRequestTimeout bounds a whole non-streaming request.
	DefaultRequestTimeout = 30 * time.Second
)

// ClientOption adjusts a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout        time.Duration
	responseHeader time.Duration
}

// WithTimeout sets the overall request timeout. Zero disables it, which
// streamed responses need.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithResponseHeaderTimeout sets how long to wait for response headers.
func WithResponseHeaderTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.responseHeader = d }
}

// NewTransport creates a transport with the package defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds a client for short request/response calls such as MCP
// over HTTP. Requests carry parley's User-Agent unless they set one.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := clientConfig{timeout: DefaultRequestTimeout}
	for _, o := range opts {
		o(&cfg)
	}
	t := NewTransport()
	if cfg.responseHeader > 0 {
		t.ResponseHeaderTimeout = cfg.responseHeader
	}
	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: userAgent{base: t},
	}
}

// NewStreamingClient builds a client for model calls. There is no overall
// timeout; the caller's context bounds the stream.
func NewStreamingClient() *http.Client {
	return NewClient(
		WithTimeout(0),
		WithResponseHeaderTimeout(StreamingResponseHeader),
	)
}

type userAgent struct {
	base http.RoundTripper
}

func (u userAgent) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", buildinfo.UserAgent())
	}
	return u.base.RoundTrip(req)
}

// DrainAndClose discards up to limit bytes of rc and closes it, letting
// the transport reuse the connection.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	_ = rc.Close()
}

// ReadErrorBody returns up to limit bytes of an error response for use
// in an error message, then drains and closes rc.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
