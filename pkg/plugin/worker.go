package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitmscan/mitmscan/pkg/finding"
	"github.com/mitmscan/mitmscan/pkg/transaction"
)

// DefaultScanTimeout bounds a single scan call when no timeout is
// configured on the worker.
const DefaultScanTimeout = 5 * time.Second

type scanReply struct {
	findings []finding.Finding
	err      error
}

type scanRequest struct {
	tx    *transaction.Transaction
	reply chan scanReply
}

type reloadRequest struct {
	code  string
	reply chan error
}

// Stats reports a worker's execution counters.
type Stats struct {
	Executions          int64
	Failures            int64
	ConsecutiveFailures int64
	Restarts            int64
}

// Worker owns exactly one plugin engine confined to a dedicated
// goroutine. All requests pass through one ordered channel, so the
// engine never sees concurrent calls and a fault in one plugin cannot
// touch host state or sibling workers.
type Worker struct {
	id      string
	meta    Metadata
	timeout time.Duration

	cmds    chan scanRequest
	reloads chan reloadRequest
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	executions  atomic.Int64
	failures    atomic.Int64
	consecutive atomic.Int64
	restarts    atomic.Int64

	log *slog.Logger
}

// NewWorker compiles the plugin code and starts the worker goroutine.
// Compilation failure is returned immediately; nothing is started.
func NewWorker(meta Metadata, code string, timeout time.Duration, log *slog.Logger) (*Worker, error) {
	if timeout <= 0 {
		timeout = DefaultScanTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	engine, err := NewEngine(code, meta)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		id:      meta.ID,
		meta:    engine.Metadata(),
		timeout: timeout,
		cmds:    make(chan scanRequest),
		reloads: make(chan reloadRequest),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     log.With("plugin", meta.ID),
	}

	go w.run(engine, code)
	return w, nil
}

// ID returns the plugin's stable identity.
func (w *Worker) ID() string { return w.id }

// Metadata returns the effective metadata at load time.
func (w *Worker) Metadata() Metadata { return w.meta }

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Executions:          w.executions.Load(),
		Failures:            w.failures.Load(),
		ConsecutiveFailures: w.consecutive.Load(),
		Restarts:            w.restarts.Load(),
	}
}

// run is the worker goroutine. It owns the engine and the current code;
// both are replaced in place on reload or after a timeout restart.
func (w *Worker) run(engine *Engine, code string) {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case req := <-w.reloads:
			fresh, err := NewEngine(req.code, w.meta)
			if err == nil {
				engine, code = fresh, req.code
				w.restarts.Add(1)
				w.consecutive.Store(0)
				w.log.Info("plugin reloaded")
			}
			req.reply <- err

		case req := <-w.cmds:
			ctx, cancel := scanDeadline(context.Background(), w.timeout)
			findings, err := engine.Scan(ctx, req.tx)
			cancel()

			w.executions.Add(1)
			if err != nil {
				w.failures.Add(1)
				w.consecutive.Add(1)
			} else {
				w.consecutive.Store(0)
			}

			// A timed-out VM may hold partially-executed state; throw
			// the engine away and recompile so the next call starts
			// clean. The plugin's external identity is unchanged.
			if errors.Is(err, ErrTimeout) {
				w.log.Warn("scan timed out, restarting worker engine")
				if fresh, rerr := NewEngine(code, w.meta); rerr == nil {
					engine = fresh
					w.restarts.Add(1)
				}
			}

			req.reply <- scanReply{findings: findings, err: err}
		}
	}
}

// Scan sends the transaction to the worker and awaits the result. The
// call is bounded by the worker timeout plus a small margin; the
// context can cancel the wait early but the worker goroutine always
// drains its reply.
func (w *Worker) Scan(ctx context.Context, tx *transaction.Transaction) ([]finding.Finding, error) {
	req := scanRequest{tx: tx, reply: make(chan scanReply, 1)}

	select {
	case w.cmds <- req:
	case <-w.done:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case rep := <-req.reply:
		return rep.findings, rep.err
	case <-w.done:
		return nil, ErrWorkerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reload swaps in new plugin code without disturbing other plugins.
// The worker keeps its identity and pending requests are processed by
// the new engine.
func (w *Worker) Reload(code string) error {
	req := reloadRequest{code: code, reply: make(chan error, 1)}

	select {
	case w.reloads <- req:
	case <-w.done:
		return ErrWorkerClosed
	}

	select {
	case err := <-req.reply:
		return err
	case <-w.done:
		return ErrWorkerClosed
	}
}

// Close stops the worker goroutine. In-flight work finishes first;
// Close blocks until the goroutine exits or the grace period lapses.
func (w *Worker) Close() {
	w.once.Do(func() { close(w.done) })

	select {
	case <-w.stopped:
	case <-time.After(w.timeout + time.Second):
		w.log.Warn("worker did not stop within grace period")
	}
}
