// Package httpclient provides the upstream HTTP client the proxy uses
// to replay intercepted requests, including optional upstream proxy
// chaining over HTTP CONNECT or SOCKS.
//
// Supported upstream proxy schemes:
//   - http:// - HTTP CONNECT proxy
//   - https:// - HTTPS CONNECT proxy
//   - socks4:// - SOCKS4 proxy
//   - socks5:// - SOCKS5 proxy (local DNS resolution)
//   - socks5h:// - SOCKS5 proxy with remote DNS resolution
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

var supportedProxySchemes = map[string]bool{
	"http":    true,
	"https":   true,
	"socks4":  true,
	"socks5":  true,
	"socks5h": true,
}

// ProxyConfig holds a parsed upstream proxy configuration.
type ProxyConfig struct {
	URL         *url.URL
	Scheme      string
	Host        string
	Port        string
	Username    string
	Password    string
	IsSOCKS     bool
	IsDNSRemote bool // socks5h: resolve DNS on the proxy side
}

// ParseProxyURL validates and parses an upstream proxy URL. It returns
// (nil, nil) for an empty string, meaning no proxy is configured. URLs
// without a scheme default to http://.
func ParseProxyURL(proxyURL string) (*ProxyConfig, error) {
	if proxyURL == "" {
		return nil, nil
	}

	if !strings.Contains(proxyURL, "://") {
		proxyURL = "http://" + proxyURL
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !supportedProxySchemes[scheme] {
		return nil, fmt.Errorf("unsupported proxy scheme %q, supported: http, https, socks4, socks5, socks5h", scheme)
	}

	host := parsed.Hostname()
	port := parsed.Port()
	if host == "" {
		return nil, fmt.Errorf("proxy URL missing host")
	}
	if port == "" {
		switch scheme {
		case "http":
			port = "8080"
		case "https":
			port = "8443"
		case "socks4", "socks5", "socks5h":
			port = "1080"
		}
	}

	config := &ProxyConfig{
		URL:         parsed,
		Scheme:      scheme,
		Host:        host,
		Port:        port,
		IsSOCKS:     scheme == "socks4" || scheme == "socks5" || scheme == "socks5h",
		IsDNSRemote: scheme == "socks5h",
	}
	if parsed.User != nil {
		config.Username = parsed.User.Username()
		config.Password, _ = parsed.User.Password()
	}
	return config, nil
}

// Address returns the proxy address in host:port format.
func (p *ProxyConfig) Address() string {
	if p == nil {
		return ""
	}
	return net.JoinHostPort(p.Host, p.Port)
}

// ContextDialer is the dialer shape http.Transport.DialContext expects.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// timeoutDialer wraps a proxy.Dialer with timeout support; SOCKS
// dialers do not natively honor deadlines.
type timeoutDialer struct {
	dialer  proxy.Dialer
	timeout time.Duration
}

func (t *timeoutDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	connCh := make(chan net.Conn, 1)
	errCh := make(chan error, 1)

	go func() {
		var conn net.Conn
		var err error
		if ctxDialer, ok := t.dialer.(proxy.ContextDialer); ok {
			conn, err = ctxDialer.DialContext(ctx, network, address)
		} else {
			conn, err = t.dialer.Dial(network, address)
		}
		if err != nil {
			errCh <- err
			return
		}
		// If the context already fired, close to prevent a leak.
		select {
		case connCh <- conn:
		case <-ctx.Done():
			conn.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("proxy dial timeout: %w", ctx.Err())
	case conn := <-connCh:
		return conn, nil
	case err := <-errCh:
		return nil, err
	}
}

// newSOCKSDialer builds a ContextDialer for a SOCKS upstream proxy.
func newSOCKSDialer(config *ProxyConfig, timeout time.Duration) (ContextDialer, error) {
	if config == nil {
		return nil, fmt.Errorf("proxy config is nil")
	}

	// x/net/proxy only knows "socks5"; remote DNS happens naturally
	// because we pass hostnames through to the proxy.
	dialerScheme := config.Scheme
	if dialerScheme == "socks5h" {
		dialerScheme = "socks5"
	}

	proxyURL := &url.URL{
		Scheme: dialerScheme,
		Host:   config.Address(),
	}
	if config.Username != "" {
		proxyURL.User = url.UserPassword(config.Username, config.Password)
	}

	dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS dialer: %w", err)
	}
	return &timeoutDialer{dialer: dialer, timeout: timeout}, nil
}
