package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hangingPluginCode = `
scan := func(tx) {
	for {}
	return []
}
`

func TestWorkerScan(t *testing.T) {
	w, err := NewWorker(Metadata{ID: "echo-plugin"}, echoPluginCode, time.Second, nil)
	require.NoError(t, err)
	defer w.Close()

	findings, err := w.Scan(context.Background(), testTransaction())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "echo-plugin", findings[0].PluginID)

	stats := w.Stats()
	assert.EqualValues(t, 1, stats.Executions)
	assert.EqualValues(t, 0, stats.Failures)
}

func TestWorkerTimeoutRestarts(t *testing.T) {
	w, err := NewWorker(Metadata{ID: "hang"}, hangingPluginCode, 50*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Scan(context.Background(), testTransaction())
	require.ErrorIs(t, err, ErrTimeout)

	stats := w.Stats()
	assert.EqualValues(t, 1, stats.Failures)
	assert.EqualValues(t, 1, stats.Restarts, "timeout must restart the worker engine")
}

func TestWorkerSerializesCalls(t *testing.T) {
	w, err := NewWorker(Metadata{ID: "echo-plugin"}, echoPluginCode, time.Second, nil)
	require.NoError(t, err)
	defer w.Close()

	for i := 0; i < 10; i++ {
		_, err := w.Scan(context.Background(), testTransaction())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 10, w.Stats().Executions)
}

func TestWorkerReload(t *testing.T) {
	w, err := NewWorker(Metadata{ID: "swap"}, echoPluginCode, time.Second, nil)
	require.NoError(t, err)
	defer w.Close()

	replacement := `
scan := func(tx) {
	return [{
		vuln_type: "replaced",
		severity: "medium",
		confidence: "high",
		location: "n/a",
		evidence: "new code"
	}]
}
`
	require.NoError(t, w.Reload(replacement))

	findings, err := w.Scan(context.Background(), testTransaction())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "replaced", findings[0].VulnType)
	assert.Equal(t, "swap", w.ID(), "reload must preserve identity")
}

func TestWorkerReloadRejectsBrokenCode(t *testing.T) {
	w, err := NewWorker(Metadata{ID: "swap"}, echoPluginCode, time.Second, nil)
	require.NoError(t, err)
	defer w.Close()

	err = w.Reload(`scan := func(tx) { return`)
	require.ErrorIs(t, err, ErrLoad)

	// Old code keeps serving.
	findings, err := w.Scan(context.Background(), testTransaction())
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestWorkerClosedScan(t *testing.T) {
	w, err := NewWorker(Metadata{ID: "gone"}, echoPluginCode, time.Second, nil)
	require.NoError(t, err)
	w.Close()

	_, err = w.Scan(context.Background(), testTransaction())
	assert.True(t, errors.Is(err, ErrWorkerClosed))
}

func TestWorkerFaultIsolation(t *testing.T) {
	// A hanging plugin must not delay a healthy sibling dispatched
	// concurrently.
	slow, err := NewWorker(Metadata{ID: "hang"}, hangingPluginCode, 100*time.Millisecond, nil)
	require.NoError(t, err)
	defer slow.Close()

	fast, err := NewWorker(Metadata{ID: "echo-plugin"}, echoPluginCode, time.Second, nil)
	require.NoError(t, err)
	defer fast.Close()

	type result struct {
		id  string
		err error
	}
	results := make(chan result, 2)

	tx := testTransaction()
	go func() {
		_, err := slow.Scan(context.Background(), tx)
		results <- result{"hang", err}
	}()
	go func() {
		_, err := fast.Scan(context.Background(), tx)
		results <- result{"echo-plugin", err}
	}()

	got := map[string]error{}
	for i := 0; i < 2; i++ {
		r := <-results
		got[r.id] = r.err
	}

	assert.NoError(t, got["echo-plugin"])
	assert.ErrorIs(t, got["hang"], ErrTimeout)
}
