// Package proxy implements the intercepting HTTP/HTTPS proxy. Plain
// HTTP requests are parsed and forwarded directly; CONNECT requests
// are man-in-the-middled with a per-host leaf certificate so the
// decrypted exchange can be captured for scanning. Hosts that refuse
// the forged certificate repeatedly are demoted to blind tunneling.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mitmscan/mitmscan/pkg/certauthority"
	"github.com/mitmscan/mitmscan/pkg/events"
	"github.com/mitmscan/mitmscan/pkg/httpclient"
	"github.com/mitmscan/mitmscan/pkg/session"
	"github.com/mitmscan/mitmscan/pkg/transaction"
)

// DefaultMaxBodySize bounds how much of a request or response body is
// captured for scanning. The client still receives the full body.
const DefaultMaxBodySize = 2 * 1024 * 1024

// DefaultTxBuffer is the capacity of the outgoing transaction channel.
// A full channel blocks connection goroutines instead of dropping.
const DefaultTxBuffer = 256

// DefaultBypassThreshold is how many TLS handshake failures a host may
// cause before its CONNECTs are blind-tunneled instead of MITMed.
const DefaultBypassThreshold = 3

// Config configures the proxy service.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:4201".
	Addr string

	// MITMEnabled turns HTTPS interception on. When false every
	// CONNECT is blind-tunneled.
	MITMEnabled bool

	// MaxBodySize bounds captured body bytes (default 2 MiB).
	MaxBodySize int

	// TxBuffer is the transaction channel capacity (default 256).
	TxBuffer int

	// BypassThreshold is the per-host handshake failure limit before
	// MITM is disabled for that host (default 3).
	BypassThreshold int

	// RatePerSec limits accepted connections per second. Zero means
	// unlimited.
	RatePerSec float64

	// RateBurst is the accept limiter burst (default 16 when a rate
	// is set).
	RateBurst int

	// Logger receives service logs. Nil falls back to slog.Default().
	Logger *slog.Logger
}

// Service is the intercepting proxy. Completed transactions are
// published on Transactions() for the scan pipeline.
type Service struct {
	cfg         Config
	ca          *certauthority.Authority
	client      *httpclient.Client
	sess        *session.Session
	dispatcher  *events.Dispatcher
	interceptor *Interceptor
	limiter     *rate.Limiter
	log         *slog.Logger

	out chan *transaction.Transaction

	mu        sync.Mutex
	listener  net.Listener
	running   bool
	closed    bool
	failCount map[string]int
	bypass    map[string]bool

	wg sync.WaitGroup
}

// New creates a proxy service. The authority and client must be
// non-nil; session and dispatcher may be nil when counters or events
// are not wanted.
func New(cfg Config, ca *certauthority.Authority, client *httpclient.Client, sess *session.Session, dispatcher *events.Dispatcher) *Service {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.TxBuffer <= 0 {
		cfg.TxBuffer = DefaultTxBuffer
	}
	if cfg.BypassThreshold <= 0 {
		cfg.BypassThreshold = DefaultBypassThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 16
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	return &Service{
		cfg:         cfg,
		ca:          ca,
		client:      client,
		sess:        sess,
		dispatcher:  dispatcher,
		interceptor: NewInterceptor(),
		limiter:     limiter,
		log:         cfg.Logger,
		out:         make(chan *transaction.Transaction, cfg.TxBuffer),
		failCount:   make(map[string]int),
		bypass:      make(map[string]bool),
	}
}

// Transactions returns the channel of completed transactions. It is
// closed after Close once all connection goroutines finish.
func (s *Service) Transactions() <-chan *transaction.Transaction {
	return s.out
}

// Interceptor returns the interception controller for this service.
func (s *Service) Interceptor() *Interceptor {
	return s.interceptor
}

// Addr returns the bound listen address, or "" before ListenAndServe.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ListenAndServe binds the listener and serves until ctx is cancelled
// or Close is called. It returns the bind error immediately; accept
// errors after shutdown are swallowed.
func (s *Service) ListenAndServe(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("proxy: bind %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.running = true
	s.mu.Unlock()

	s.log.Info("proxy listening", "addr", ln.Addr().String(), "mitm", s.cfg.MITMEnabled)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.wg.Wait()
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.running = false
	s.mu.Unlock()
	if !alreadyClosed {
		close(s.out)
	}
	return nil
}

// Close stops the listener. Pending connections drain before the
// transaction channel closes.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Close()
	}
	s.closed = true
	return nil
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	if req.Method == http.MethodConnect {
		s.handleConnect(ctx, conn, br, req)
		return
	}
	s.serveHTTP(ctx, conn, br, req, false, "")
}

// handleConnect decides between MITM and blind tunneling for an HTTPS
// connection.
func (s *Service) handleConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request) {
	hostPort := req.URL.Host
	if hostPort == "" {
		hostPort = req.Host
	}
	host, _, err := net.SplitHostPort(hostPort)
	if err != nil {
		host = hostPort
		hostPort = net.JoinHostPort(host, "443")
	}

	if !s.cfg.MITMEnabled || s.isBypassed(host) {
		s.blindTunnel(conn, br, hostPort)
		return
	}

	leaf, err := s.ca.GetOrCreateLeaf(host)
	if err != nil {
		s.log.Warn("leaf signing failed, tunneling", "host", host, "error", err)
		s.emitError("connect", fmt.Sprintf("leaf signing for %s: %v", host, err))
		s.blindTunnel(conn, br, hostPort)
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	tlsConn := tls.Server(conn, &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if hello.ServerName != "" && hello.ServerName != host {
				c, err := s.ca.GetOrCreateLeaf(hello.ServerName)
				if err != nil {
					return nil, err
				}
				return &c, nil
			}
			return &leaf, nil
		},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.noteHandshakeFailure(host, err)
		return
	}

	tlsReader := bufio.NewReader(tlsConn)
	req, err = http.ReadRequest(tlsReader)
	if err != nil {
		return
	}
	s.serveHTTP(ctx, tlsConn, tlsReader, req, true, host)
}

// serveHTTP processes request/response pairs on one (possibly
// decrypted) client connection until the peer goes away.
func (s *Service) serveHTTP(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, isTLS bool, connectHost string) {
	for {
		keepAlive := s.handleExchange(ctx, conn, req, isTLS, connectHost)
		if !keepAlive {
			return
		}
		var err error
		req, err = http.ReadRequest(br)
		if err != nil {
			return
		}
	}
}

// handleExchange forwards one request and relays the response,
// publishing the captured transaction. It reports whether the
// connection can serve another request.
func (s *Service) handleExchange(ctx context.Context, conn net.Conn, req *http.Request, isTLS bool, connectHost string) bool {
	tx := transaction.New()
	if addr := conn.RemoteAddr(); addr != nil {
		tx.ClientAddr = addr.String()
	}

	var reqBody []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			s.log.Debug("request body read failed", "error", err)
			return false
		}
		reqBody = b
	}

	targetURL := absoluteURL(req, isTLS, connectHost)
	tx.Request = transaction.Request{
		Method:    req.Method,
		URL:       targetURL,
		Proto:     req.Proto,
		Headers:   req.Header.Clone(),
		Body:      bounded(reqBody, s.cfg.MaxBodySize),
		Query:     req.URL.Query(),
		IsTLS:     isTLS,
		Timestamp: time.Now(),
	}

	outbound := req
	if s.interceptor.Enabled() {
		decision, err := s.interceptor.Await(ctx, tx.ID)
		if err != nil {
			return false
		}
		switch decision.Action {
		case ActionDrop:
			if s.sess != nil {
				s.sess.RecordDropped()
			}
			writeSimpleResponse(conn, req, http.StatusBadGateway, "request dropped by operator")
			return false
		case ActionModify:
			if decision.Request != nil {
				modified, err := buildRequest(decision.Request)
				if err != nil {
					s.log.Warn("modified request invalid, forwarding original", "error", err)
				} else {
					outbound = modified
					tx.Request = *decision.Request
					reqBody = decision.Request.Body
				}
			}
		}
	}

	upstreamReq, err := outboundRequest(outbound, reqBody, isTLS, connectHost)
	if err != nil {
		s.emitError("forward", err.Error())
		writeSimpleResponse(conn, req, http.StatusBadRequest, "malformed request")
		return false
	}

	start := time.Now()
	resp, err := s.client.Do(upstreamReq)
	timing := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		s.emitError("upstream", err.Error())
		writeSimpleResponse(conn, req, http.StatusBadGateway, "upstream unreachable")
		return false
	}

	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		s.emitError("upstream", fmt.Sprintf("read response body: %v", err))
		return false
	}

	// The response gate pauses delivery for an operator decision. An
	// unresolved response auto-forwards after the wait window so the
	// client connection cannot stall forever.
	dropped := false
	if s.interceptor.ResponseEnabled() {
		decision, err := s.interceptor.AwaitResponse(ctx, tx.ID)
		if err != nil {
			return false
		}
		switch decision.Action {
		case ActionDrop:
			dropped = true
		case ActionModify:
			if decision.Response != nil {
				if decision.Response.Status != 0 {
					resp.StatusCode = decision.Response.Status
					resp.Status = ""
				}
				if decision.Response.Headers != nil {
					resp.Header = decision.Response.Headers.Clone()
				}
				respBody = decision.Response.Body
			}
		}
	}

	if dropped {
		if s.sess != nil {
			s.sess.RecordDropped()
		}
		writeSimpleResponse(conn, req, http.StatusNoContent, "")
	} else {
		// Relay the original bytes before any inspection work. The
		// client side of the tunnel always speaks HTTP/1.1 regardless
		// of what the upstream negotiated.
		relay := *resp
		relay.Body = io.NopCloser(bytes.NewReader(respBody))
		relay.ContentLength = int64(len(respBody))
		relay.TransferEncoding = nil
		relay.Proto = "HTTP/1.1"
		relay.ProtoMajor = 1
		relay.ProtoMinor = 1
		if err := relay.Write(conn); err != nil {
			return false
		}
	}

	captured := decompressBody(bounded(respBody, s.cfg.MaxBodySize), resp.Header.Get("Content-Encoding"))
	tx.Response = &transaction.Response{
		Status:    resp.StatusCode,
		Headers:   resp.Header.Clone(),
		Body:      bounded(captured, s.cfg.MaxBodySize),
		TimingMs:  timing,
		Timestamp: time.Now(),
	}

	if s.sess != nil {
		s.sess.RecordTransaction(isTLS)
	}
	if s.dispatcher != nil {
		sessionID := ""
		if s.sess != nil {
			sessionID = s.sess.ID
		}
		s.dispatcher.Dispatch(ctx, events.NewTransaction(
			sessionID, tx.ID, tx.Request.Method, tx.Request.URL,
			resp.StatusCode, isTLS, timing))
	}

	// Backpressure: a full pipeline blocks this connection rather
	// than dropping the transaction.
	select {
	case s.out <- tx:
	case <-ctx.Done():
		return false
	}

	return !dropped && !req.Close && resp.StatusCode != http.StatusSwitchingProtocols
}

// blindTunnel splices bytes between client and upstream without
// interception.
func (s *Service) blindTunnel(conn net.Conn, br *bufio.Reader, hostPort string) {
	upstream, err := net.DialTimeout("tcp", hostPort, 10*time.Second)
	if err != nil {
		s.emitError("tunnel", fmt.Sprintf("dial %s: %v", hostPort, err))
		return
	}
	defer upstream.Close()

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		// Drain anything the client already pushed into the buffer.
		io.Copy(upstream, br)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
}

func (s *Service) isBypassed(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bypass[host]
}

func (s *Service) noteHandshakeFailure(host string, err error) {
	s.mu.Lock()
	s.failCount[host]++
	count := s.failCount[host]
	if count >= s.cfg.BypassThreshold {
		s.bypass[host] = true
	}
	bypassed := s.bypass[host]
	s.mu.Unlock()

	s.log.Warn("TLS handshake failed", "host", host, "failures", count, "error", err)
	if bypassed {
		s.log.Info("MITM disabled for host, future CONNECTs will be tunneled", "host", host)
	}
}

func (s *Service) emitError(stage, msg string) {
	if s.dispatcher == nil {
		return
	}
	sessionID := ""
	if s.sess != nil {
		sessionID = s.sess.ID
	}
	s.dispatcher.Dispatch(context.Background(), events.NewError(sessionID, stage, msg))
}

// absoluteURL reconstructs the full target URL. Plain proxy requests
// carry an absolute URI; decrypted CONNECT traffic carries only a
// path.
func absoluteURL(req *http.Request, isTLS bool, connectHost string) string {
	if req.URL.IsAbs() {
		return req.URL.String()
	}
	scheme := "http"
	host := req.Host
	if isTLS {
		scheme = "https"
		if host == "" {
			host = connectHost
		}
	}
	return scheme + "://" + host + req.URL.RequestURI()
}

// outboundRequest builds the upstream copy of the client request with
// hop-by-hop headers stripped.
func outboundRequest(req *http.Request, body []byte, isTLS bool, connectHost string) (*http.Request, error) {
	target := absoluteURL(req, isTLS, connectHost)
	out, err := http.NewRequest(req.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	out.Header = req.Header.Clone()
	for _, h := range hopByHopHeaders {
		out.Header.Del(h)
	}
	out.ContentLength = int64(len(body))
	return out, nil
}

// buildRequest converts an operator-modified request back into an
// http.Request.
func buildRequest(r *transaction.Request) (*http.Request, error) {
	u, err := url.Parse(r.URL)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("modified request URL %q is not absolute", r.URL)
	}
	req, err := http.NewRequest(r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}
	if r.Headers != nil {
		req.Header = r.Headers.Clone()
	}
	return req, nil
}

var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func bounded(b []byte, max int) []byte {
	if len(b) > max {
		return b[:max]
	}
	return b
}

func writeSimpleResponse(conn net.Conn, req *http.Request, status int, body string) {
	resp := &http.Response{
		StatusCode:    status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	_ = resp.Write(conn)
}
