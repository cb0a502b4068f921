package hooks

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mitmscan/mitmscan/pkg/events"
)

// Compile-time interface check.
var _ events.Hook = (*OTelHook)(nil)

// OTelHook exports proxy telemetry to an OpenTelemetry collector. It
// opens a root span per session and records findings and errors as
// span events.
type OTelHook struct {
	opts           OTelOptions
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer

	mu       sync.Mutex
	rootSpan trace.Span
	rootCtx  context.Context
	closed   bool
}

// OTelOptions configures the OpenTelemetry hook behavior.
type OTelOptions struct {
	// Endpoint is the OTLP endpoint (e.g. "localhost:4317").
	Endpoint string

	// ServiceName is the service name for traces (default: "mitmscan").
	ServiceName string

	// Insecure uses an insecure connection (no TLS).
	Insecure bool

	// Headers contains additional headers for the OTLP exporter.
	Headers map[string]string

	// ShutdownTimeout is the timeout for graceful shutdown (default: 5s).
	ShutdownTimeout time.Duration

	// ConnectionTimeout is the timeout for establishing the
	// exporter connection (default: 10s).
	ConnectionTimeout time.Duration
}

// NewOTelHook creates an OpenTelemetry hook exporting to the
// configured endpoint. Connection failures are handled gracefully and
// never block the proxy.
func NewOTelHook(opts OTelOptions) (*OTelHook, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "mitmscan"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "localhost:4317"
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = 10 * time.Second
	}

	grpcOpts := []grpc.DialOption{}
	if opts.Insecure {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithDialOption(grpcOpts...),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(opts.Headers))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectionTimeout)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		attribute.String("service.component", "proxy"),
	)

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)

	return &OTelHook{
		opts:           opts,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer("mitmscan/proxy"),
	}, nil
}

// EventTypes limits this hook to session lifecycle, findings, and
// errors.
func (h *OTelHook) EventTypes() []events.EventType {
	return []events.EventType{
		events.EventTypeSessionStart,
		events.EventTypeFinding,
		events.EventTypeError,
		events.EventTypeSessionComplete,
	}
}

// OnEvent exports telemetry for the event.
func (h *OTelHook) OnEvent(ctx context.Context, event events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	switch e := event.(type) {
	case *events.SessionStartEvent:
		spanCtx, span := h.tracer.Start(ctx, "mitmscan.session",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("session_id", e.SessionID()),
				attribute.String("listen_addr", e.ListenAddr),
				attribute.Int("plugins", len(e.Plugins)),
			),
		)
		h.rootSpan = span
		h.rootCtx = spanCtx
	case *events.FindingEvent:
		if h.rootSpan == nil {
			return nil
		}
		h.rootSpan.AddEvent("finding", trace.WithAttributes(
			attribute.String("plugin_id", e.Finding.PluginID),
			attribute.String("vuln_type", e.Finding.VulnType),
			attribute.String("severity", string(e.Finding.Severity)),
			attribute.String("url", e.Finding.URL),
			attribute.String("location", e.Finding.Location),
		))
	case *events.ErrorEvent:
		if h.rootSpan == nil {
			return nil
		}
		h.rootSpan.AddEvent("error", trace.WithAttributes(
			attribute.String("stage", e.Stage),
			attribute.String("message", e.Message),
		))
	case *events.SessionCompleteEvent:
		if h.rootSpan == nil {
			return nil
		}
		h.rootSpan.SetAttributes(
			attribute.Int64("http_total", e.Stats.HTTPTotal),
			attribute.Int64("https_total", e.Stats.HTTPSTotal),
			attribute.Int64("findings_total", e.Stats.FindingsTotal),
		)
		h.rootSpan.End()
		h.rootSpan = nil
	}
	return nil
}

// Close ends any open span and flushes the exporter.
func (h *OTelHook) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	if h.rootSpan != nil {
		h.rootSpan.End()
		h.rootSpan = nil
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout)
	defer cancel()
	return h.tracerProvider.Shutdown(ctx)
}
