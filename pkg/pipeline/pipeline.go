// Package pipeline consumes completed transactions from the proxy and
// fans them out to every enabled plugin worker, deduplicating and
// persisting whatever findings come back.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mitmscan/mitmscan/pkg/dedup"
	"github.com/mitmscan/mitmscan/pkg/events"
	"github.com/mitmscan/mitmscan/pkg/finding"
	"github.com/mitmscan/mitmscan/pkg/plugin"
	"github.com/mitmscan/mitmscan/pkg/session"
	"github.com/mitmscan/mitmscan/pkg/storage"
	"github.com/mitmscan/mitmscan/pkg/transaction"
)

// DefaultStopGrace bounds how long Stop waits for in-flight scans.
const DefaultStopGrace = 10 * time.Second

// Config configures the scan pipeline.
type Config struct {
	// StopGrace bounds the drain on Stop (default 10s).
	StopGrace time.Duration

	// Logger receives pipeline logs. Nil falls back to slog.Default().
	Logger *slog.Logger
}

// Pipeline dispatches transactions to plugin workers. Each transaction
// sees the set of workers enabled at the moment it is dequeued, and
// each enabled worker sees it exactly once.
type Pipeline struct {
	manager    *plugin.Manager
	dedup      *dedup.Deduplicator
	store      storage.Store
	sess       *session.Session
	dispatcher *events.Dispatcher
	log        *slog.Logger
	grace      time.Duration

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// New creates a pipeline. Store may be nil for no persistence; session
// and dispatcher may be nil as well.
func New(cfg Config, manager *plugin.Manager, dd *dedup.Deduplicator, store storage.Store, sess *session.Session, dispatcher *events.Dispatcher) *Pipeline {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if store == nil {
		store = storage.NopStore{}
	}
	return &Pipeline{
		manager:    manager,
		dedup:      dd,
		store:      store,
		sess:       sess,
		dispatcher: dispatcher,
		log:        cfg.Logger,
		grace:      cfg.StopGrace,
		stopped:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run consumes transactions until the channel closes or Stop is
// called. It blocks; callers usually run it in a goroutine.
func (p *Pipeline) Run(ctx context.Context, in <-chan *transaction.Transaction) {
	defer close(p.done)

	for {
		select {
		case <-p.stopped:
			return
		case <-ctx.Done():
			return
		case tx, ok := <-in:
			if !ok {
				return
			}
			p.process(ctx, tx)
		}
	}
}

// Stop halts intake and waits up to the grace period for the current
// transaction to finish.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
	select {
	case <-p.done:
	case <-time.After(p.grace):
		p.log.Warn("pipeline stop grace expired with scans in flight")
	}
}

// process runs one transaction through every enabled worker. The
// worker snapshot is taken once so plugins toggled mid-flight never
// see a partial dispatch.
func (p *Pipeline) process(ctx context.Context, tx *transaction.Transaction) {
	if err := p.store.SaveTransaction(ctx, tx); err != nil {
		p.log.Warn("persist transaction failed", "tx_id", tx.ID, "error", err)
	}

	workers := p.manager.EnabledWorkers()
	if len(workers) == 0 {
		return
	}

	type result struct {
		pluginID string
		findings []finding.Finding
		err      error
	}

	results := make(chan result, len(workers))
	var wg sync.WaitGroup
	for _, h := range workers {
		wg.Add(1)
		go func(h plugin.Handle) {
			defer wg.Done()
			findings, err := h.Worker.Scan(ctx, tx)
			results <- result{pluginID: h.ID, findings: findings, err: err}
		}(h)
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			p.notePluginError(ctx, r.pluginID, r.err)
			continue
		}
		for _, f := range r.findings {
			p.handleFinding(ctx, f)
		}
	}
}

// handleFinding applies dedup and routes a first-seen finding to
// storage, events, and counters.
func (p *Pipeline) handleFinding(ctx context.Context, f finding.Finding) {
	sig := f.Signature()
	if p.dedup.IsDuplicate(sig) {
		if err := p.store.IncrementHits(ctx, sig); err != nil {
			p.log.Warn("hit update failed", "signature", sig, "error", err)
		}
		return
	}
	p.dedup.MarkSeen(sig)

	if err := p.store.SaveFinding(ctx, f, sig); err != nil {
		p.log.Warn("persist finding failed", "finding_id", f.ID, "error", err)
	}
	if p.sess != nil {
		p.sess.RecordFindings(1)
	}
	if p.dispatcher != nil {
		p.dispatcher.Dispatch(ctx, events.NewFinding(p.sessionID(), f))
	}
	p.log.Info("new finding",
		"plugin_id", f.PluginID,
		"vuln_type", f.VulnType,
		"severity", string(f.Severity),
		"url", f.URL)
}

// notePluginError isolates one plugin's failure from the rest of the
// dispatch and feeds the manager's failure policy.
func (p *Pipeline) notePluginError(ctx context.Context, pluginID string, err error) {
	if errors.Is(err, plugin.ErrWorkerClosed) {
		return
	}
	p.manager.RecordFailure(pluginID)
	p.log.Warn("plugin scan failed", "plugin_id", pluginID, "error", err)
	if p.dispatcher != nil {
		p.dispatcher.Dispatch(ctx, events.NewError(p.sessionID(), "plugin:"+pluginID, err.Error()))
	}
}

func (p *Pipeline) sessionID() string {
	if p.sess == nil {
		return ""
	}
	return p.sess.ID
}
