package hooks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mitmscan/mitmscan/pkg/events"
)

// Compile-time interface check.
var _ events.Hook = (*PrometheusHook)(nil)

// PrometheusHook exposes proxy metrics for Prometheus scraping. It
// starts an HTTP server serving the metrics endpoint and updates
// counters and histograms from the event stream.
type PrometheusHook struct {
	server   *http.Server
	registry *prometheus.Registry
	opts     PrometheusOptions

	transactionsTotal *prometheus.CounterVec
	findingsTotal     *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	pluginEnabled     *prometheus.GaugeVec
	upstreamSeconds   *prometheus.HistogramVec

	mu     sync.Mutex
	closed bool
}

// PrometheusOptions configures the Prometheus hook behavior.
type PrometheusOptions struct {
	// Addr for the metrics server (default: ":9090").
	Addr string

	// Path for the metrics endpoint (default: "/metrics").
	Path string

	// ReadTimeout for the HTTP server (default: 5s).
	ReadTimeout time.Duration

	// WriteTimeout for the HTTP server (default: 10s).
	WriteTimeout time.Duration
}

// NewPrometheusHook creates a Prometheus hook. The metrics server
// starts immediately and runs until Close is called.
func NewPrometheusHook(opts PrometheusOptions) (*PrometheusHook, error) {
	if opts.Addr == "" {
		opts.Addr = ":9090"
	}
	if opts.Path == "" {
		opts.Path = "/metrics"
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	// Custom registry, don't pollute the default one.
	registry := prometheus.NewRegistry()

	hook := &PrometheusHook{
		registry: registry,
		opts:     opts,
	}
	if err := hook.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	hook.startServer()
	return hook, nil
}

func (h *PrometheusHook) initMetrics() error {
	h.transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mitmscan_transactions_total",
			Help: "Total number of intercepted request/response pairs",
		},
		[]string{"scheme", "status_class"},
	)

	h.findingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mitmscan_findings_total",
			Help: "Total number of unique findings reported by plugins",
		},
		[]string{"plugin", "severity"},
	)

	h.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mitmscan_errors_total",
			Help: "Total number of non-fatal runtime errors",
		},
		[]string{"stage"},
	)

	h.pluginEnabled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mitmscan_plugin_enabled",
			Help: "Whether a plugin is currently enabled (1) or disabled (0)",
		},
		[]string{"plugin"},
	)

	h.upstreamSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mitmscan_upstream_duration_seconds",
			Help:    "Upstream round-trip time distribution in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"scheme"},
	)

	collectors := []prometheus.Collector{
		h.transactionsTotal,
		h.findingsTotal,
		h.errorsTotal,
		h.pluginEnabled,
		h.upstreamSeconds,
	}
	for _, c := range collectors {
		if err := h.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (h *PrometheusHook) startServer() {
	mux := http.NewServeMux()
	mux.Handle(h.opts.Path, promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	h.server = &http.Server{
		Addr:         h.opts.Addr,
		Handler:      mux,
		ReadTimeout:  h.opts.ReadTimeout,
		WriteTimeout: h.opts.WriteTimeout,
	}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("prometheus: metrics server error: %v", err)
		}
	}()
}

// EventTypes limits this hook to the events it records.
func (h *PrometheusHook) EventTypes() []events.EventType {
	return []events.EventType{
		events.EventTypeTransaction,
		events.EventTypeFinding,
		events.EventTypePluginState,
		events.EventTypeError,
	}
}

// OnEvent updates metrics from the event stream.
func (h *PrometheusHook) OnEvent(ctx context.Context, event events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	switch e := event.(type) {
	case *events.TransactionEvent:
		scheme := "http"
		if e.IsTLS {
			scheme = "https"
		}
		h.transactionsTotal.WithLabelValues(scheme, statusClass(e.Status)).Inc()
		if e.TimingMs > 0 {
			h.upstreamSeconds.WithLabelValues(scheme).Observe(e.TimingMs / 1000.0)
		}
	case *events.FindingEvent:
		h.findingsTotal.WithLabelValues(e.Finding.PluginID, string(e.Finding.Severity)).Inc()
	case *events.PluginStateEvent:
		v := 0.0
		if e.Enabled {
			v = 1.0
		}
		h.pluginEnabled.WithLabelValues(e.PluginID).Set(v)
	case *events.ErrorEvent:
		h.errorsTotal.WithLabelValues(e.Stage).Inc()
	}
	return nil
}

// Registry exposes the hook's registry, mainly for tests.
func (h *PrometheusHook) Registry() *prometheus.Registry { return h.registry }

// Close shuts down the metrics server.
func (h *PrometheusHook) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.server.Shutdown(ctx)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}
