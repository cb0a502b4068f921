package httpclient

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"
)

// Config holds upstream client configuration options.
type Config struct {
	// Timeout is the total request timeout (default: 30s).
	Timeout time.Duration

	// InsecureSkipVerify skips TLS certificate verification on the
	// upstream leg. Interception targets often present self-signed
	// or internal certificates (default: true).
	InsecureSkipVerify bool

	// Proxy is the initial upstream proxy URL (optional).
	Proxy string

	// MaxIdleConns is the maximum idle connections across all hosts
	// (default: 100).
	MaxIdleConns int

	// MaxConnsPerHost is the maximum connections per host (default: 25).
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections stay pooled
	// (default: 90s).
	IdleConnTimeout time.Duration

	// DialTimeout is the timeout for establishing connections
	// (default: 10s).
	DialTimeout time.Duration

	// TLSHandshakeTimeout is the timeout for the TLS handshake
	// (default: 10s).
	TLSHandshakeTimeout time.Duration
}

// DefaultConfig returns defaults tuned for forwarding intercepted
// traffic with connection reuse.
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		InsecureSkipVerify:  true,
		MaxIdleConns:        100,
		MaxConnsPerHost:     25,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Client forwards intercepted requests to their upstream servers. The
// upstream proxy can be swapped at runtime; in-flight requests keep
// the transport they started with.
type Client struct {
	cfg Config

	mu       sync.RWMutex
	client   *http.Client
	upstream *ProxyConfig
}

// New creates an upstream client. An initial proxy from cfg.Proxy is
// applied; pass an empty string for direct connections.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxConnsPerHost == 0 {
		cfg.MaxConnsPerHost = 25
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.TLSHandshakeTimeout == 0 {
		cfg.TLSHandshakeTimeout = 10 * time.Second
	}

	c := &Client{cfg: cfg}
	upstream, err := ParseProxyURL(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	client, err := c.buildClient(upstream)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.upstream = upstream
	return c, nil
}

// Do forwards one request and returns the upstream response. The
// caller owns the response body. Redirects are never followed; the
// client on the other side of the proxy decides what to do with them.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	return client.Do(req)
}

// SetUpstream replaces the upstream proxy at runtime. An empty URL
// switches back to direct connections. The previous transport's idle
// connections are closed.
func (c *Client) SetUpstream(proxyURL string) error {
	upstream, err := ParseProxyURL(proxyURL)
	if err != nil {
		return err
	}
	client, err := c.buildClient(upstream)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.upstream = upstream
	c.mu.Unlock()

	if t, ok := old.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

// ClearUpstream removes any configured upstream proxy.
func (c *Client) ClearUpstream() {
	// Empty URL cannot fail to parse or build.
	_ = c.SetUpstream("")
}

// Upstream returns the current upstream proxy address, or "" when
// connecting directly.
func (c *Client) Upstream() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.upstream == nil {
		return ""
	}
	return c.upstream.URL.String()
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

func (c *Client) buildClient(upstream *ProxyConfig) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout:   c.cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		MaxIdleConns:        c.cfg.MaxIdleConns,
		MaxIdleConnsPerHost: c.cfg.MaxConnsPerHost,
		MaxConnsPerHost:     c.cfg.MaxConnsPerHost,
		IdleConnTimeout:     c.cfg.IdleConnTimeout,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: c.cfg.TLSHandshakeTimeout,
		DialContext:         dialer.DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		},
		// The proxy already decompressed bodies it needs to inspect;
		// pass upstream encoding through untouched otherwise.
		DisableCompression: true,
	}

	switch {
	case upstream == nil:
	case upstream.IsSOCKS:
		socksDialer, err := newSOCKSDialer(upstream, c.cfg.DialTimeout)
		if err != nil {
			return nil, fmt.Errorf("configure SOCKS upstream: %w", err)
		}
		transport.DialContext = socksDialer.DialContext
	default:
		transport.Proxy = http.ProxyURL(upstream.URL)
	}

	return &http.Client{
		Timeout:   c.cfg.Timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}
