package pipeline

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mitmscan/mitmscan/pkg/dedup"
	"github.com/mitmscan/mitmscan/pkg/events"
	"github.com/mitmscan/mitmscan/pkg/plugin"
	"github.com/mitmscan/mitmscan/pkg/session"
	"github.com/mitmscan/mitmscan/pkg/storage"
	"github.com/mitmscan/mitmscan/pkg/transaction"
)

type findingRecorder struct {
	mu   sync.Mutex
	seen []*events.FindingEvent
}

func (r *findingRecorder) OnEvent(ctx context.Context, event events.Event) error {
	if fe, ok := event.(*events.FindingEvent); ok {
		r.mu.Lock()
		r.seen = append(r.seen, fe)
		r.mu.Unlock()
	}
	return nil
}

func (r *findingRecorder) EventTypes() []events.EventType {
	return []events.EventType{events.EventTypeFinding}
}

func (r *findingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func sqliTransaction() *transaction.Transaction {
	tx := transaction.New()
	tx.Request = transaction.Request{
		Method:  "GET",
		URL:     "https://shop.example.com/search?q=1'",
		Headers: http.Header{},
		IsTLS:   true,
	}
	tx.Response = &transaction.Response{
		Status:  500,
		Headers: http.Header{"Content-Type": []string{"text/html"}},
		Body:    []byte("You have an error in your SQL syntax near ''1'''"),
	}
	return tx
}

func newTestPipeline(t *testing.T) (*Pipeline, *plugin.Manager, *storage.SQLiteStore, *session.Session, *findingRecorder) {
	t.Helper()

	manager := plugin.NewManager(plugin.ManagerConfig{ScanTimeout: time.Second})
	require.NoError(t, manager.RegisterBuiltins())
	t.Cleanup(manager.Close)

	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sess := session.New()
	recorder := &findingRecorder{}
	dispatcher := events.New(events.Config{})
	dispatcher.RegisterHook(recorder)

	p := New(Config{StopGrace: 2 * time.Second}, manager, dedup.New(dedup.DefaultMaxSize), store, sess, dispatcher)
	return p, manager, store, sess, recorder
}

func TestPipelineDeduplicatesAcrossTransactions(t *testing.T) {
	p, _, store, sess, recorder := newTestPipeline(t)

	in := make(chan *transaction.Transaction, 2)
	in <- sqliTransaction()
	in <- sqliTransaction()
	close(in)

	p.Run(context.Background(), in)

	// Both transactions triggered the detector at the same location;
	// only the first produces a notification.
	assert.Equal(t, 1, recorder.count())
	assert.Equal(t, int64(1), sess.Snapshot().FindingsTotal)

	stored, err := store.QueryFindings(context.Background(), storage.FindingFilter{PluginID: "sqli-detector"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(2), stored[0].Hits)
}

func TestPipelineDistinctLocationsAreDistinctFindings(t *testing.T) {
	p, _, _, sess, recorder := newTestPipeline(t)

	first := sqliTransaction()
	second := sqliTransaction()
	second.Request.URL = "https://shop.example.com/profile?id=2"

	in := make(chan *transaction.Transaction, 2)
	in <- first
	in <- second
	close(in)

	p.Run(context.Background(), in)

	assert.Equal(t, 2, recorder.count())
	assert.Equal(t, int64(2), sess.Snapshot().FindingsTotal)
}

func TestPipelineSnapshotsWorkersPerTransaction(t *testing.T) {
	p, manager, _, _, recorder := newTestPipeline(t)

	// With every plugin disabled, nothing is scanned.
	for _, meta := range manager.List() {
		require.NoError(t, manager.Disable(meta.ID))
	}

	in := make(chan *transaction.Transaction, 1)
	in <- sqliTransaction()
	close(in)
	p.Run(context.Background(), in)

	assert.Equal(t, 0, recorder.count())
}

func TestPipelineSurvivesPluginFault(t *testing.T) {
	p, manager, _, _, recorder := newTestPipeline(t)

	faulty := `
name := "faulty"
version := "0.0.1"
scan := func(tx) {
	return tx.body + 1
}
`
	require.NoError(t, manager.Register(plugin.Metadata{ID: "faulty", Source: plugin.SourceUser}, faulty))
	require.NoError(t, manager.Enable("faulty"))

	in := make(chan *transaction.Transaction, 1)
	in <- sqliTransaction()
	close(in)
	p.Run(context.Background(), in)

	// The faulty plugin errors out; the detector still reports.
	assert.Equal(t, 1, recorder.count())
}

func TestPipelineStopDrains(t *testing.T) {
	p, _, _, _, _ := newTestPipeline(t)

	in := make(chan *transaction.Transaction)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(context.Background(), in)
	}()

	in <- sqliTransaction()
	p.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}
