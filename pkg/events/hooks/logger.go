// Package hooks contains event consumers for real-time integrations:
// structured logging, Prometheus metrics, and OpenTelemetry traces.
package hooks

import (
	"context"
	"log/slog"

	"github.com/mitmscan/mitmscan/pkg/events"
)

// Compile-time interface check.
var _ events.Hook = (*LoggerHook)(nil)

// LoggerHook writes every event to a structured logger. It is the
// default hook wired in when no other sink is configured.
type LoggerHook struct {
	log *slog.Logger
}

// NewLoggerHook creates a logging hook. A nil logger falls back to
// slog.Default().
func NewLoggerHook(log *slog.Logger) *LoggerHook {
	return &LoggerHook{log: orDefault(log)}
}

// EventTypes returns nil: the logger receives all events.
func (h *LoggerHook) EventTypes() []events.EventType { return nil }

// OnEvent logs the event with type-specific attributes.
func (h *LoggerHook) OnEvent(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case *events.SessionStartEvent:
		h.log.InfoContext(ctx, "session started",
			"session_id", e.SessionID(),
			"listen_addr", e.ListenAddr,
			"ca_fingerprint", e.CAFingerprint,
			"plugins", len(e.Plugins))
	case *events.TransactionEvent:
		h.log.DebugContext(ctx, "transaction",
			"method", e.Method,
			"url", e.URL,
			"status", e.Status,
			"tls", e.IsTLS,
			"timing_ms", e.TimingMs)
	case *events.FindingEvent:
		h.log.InfoContext(ctx, "finding",
			"plugin_id", e.Finding.PluginID,
			"vuln_type", e.Finding.VulnType,
			"severity", string(e.Finding.Severity),
			"url", e.Finding.URL,
			"location", e.Finding.Location)
	case *events.PluginStateEvent:
		h.log.InfoContext(ctx, "plugin state changed",
			"plugin_id", e.PluginID,
			"enabled", e.Enabled,
			"reason", e.Reason)
	case *events.StatsEvent:
		h.log.DebugContext(ctx, "stats",
			"http_total", e.Stats.HTTPTotal,
			"https_total", e.Stats.HTTPSTotal,
			"findings_total", e.Stats.FindingsTotal)
	case *events.ErrorEvent:
		h.log.WarnContext(ctx, "runtime error",
			"stage", e.Stage,
			"error", e.Message)
	case *events.SessionCompleteEvent:
		h.log.InfoContext(ctx, "session complete",
			"session_id", e.SessionID(),
			"http_total", e.Stats.HTTPTotal,
			"https_total", e.Stats.HTTPSTotal,
			"findings_total", e.Stats.FindingsTotal,
			"elapsed", e.Stats.Elapsed)
	}
	return nil
}

// orDefault returns l if non-nil, otherwise slog.Default().
func orDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
