package hooks

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitmscan/mitmscan/pkg/events"
	"github.com/mitmscan/mitmscan/pkg/finding"
)

func TestLoggerHookWritesEvents(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := NewLoggerHook(log)

	ctx := context.Background()
	require.NoError(t, h.OnEvent(ctx, events.NewSessionStart("s1", ":8080", "AB:CD", []string{"sqli-detector"})))
	require.NoError(t, h.OnEvent(ctx, events.NewFinding("s1", finding.New("sqli-detector", "sqli-error-leak", finding.High))))
	require.NoError(t, h.OnEvent(ctx, events.NewError("s1", "tunnel", "peer reset")))

	out := buf.String()
	assert.Contains(t, out, "session started")
	assert.Contains(t, out, "sqli-error-leak")
	assert.Contains(t, out, "peer reset")
}

func TestLoggerHookReceivesAllEvents(t *testing.T) {
	h := NewLoggerHook(nil)
	assert.Empty(t, h.EventTypes())
}

func TestPrometheusHookCounts(t *testing.T) {
	h, err := NewPrometheusHook(PrometheusOptions{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer h.Close()

	ctx := context.Background()
	require.NoError(t, h.OnEvent(ctx, events.NewTransaction("s1", "t1", "GET", "http://example.com/", 200, false, 42)))
	require.NoError(t, h.OnEvent(ctx, events.NewTransaction("s1", "t2", "GET", "https://example.com/", 500, true, 10)))
	require.NoError(t, h.OnEvent(ctx, events.NewFinding("s1", finding.New("sqli-detector", "sqli-error-leak", finding.High))))
	require.NoError(t, h.OnEvent(ctx, events.NewPluginState("s1", "sqli-detector", true, "operator")))
	require.NoError(t, h.OnEvent(ctx, events.NewError("s1", "pipeline", "boom")))

	assert.Equal(t, 1.0, testutil.ToFloat64(h.transactionsTotal.WithLabelValues("http", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.transactionsTotal.WithLabelValues("https", "5xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.findingsTotal.WithLabelValues("sqli-detector", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.pluginEnabled.WithLabelValues("sqli-detector")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.errorsTotal.WithLabelValues("pipeline")))
}

func TestPrometheusHookIgnoresAfterClose(t *testing.T) {
	h, err := NewPrometheusHook(PrometheusOptions{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	require.NoError(t, h.OnEvent(context.Background(), events.NewError("s1", "tunnel", "late")))
	assert.Equal(t, 0, testutil.CollectAndCount(h.errorsTotal))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(302))
	assert.Equal(t, "4xx", statusClass(404))
	assert.Equal(t, "5xx", statusClass(502))
	assert.Equal(t, "other", statusClass(0))
}
