package plugin

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Handle pairs a plugin ID with its running worker. It is the dispatch
// surface consumed by the scan pipeline.
type Handle struct {
	ID     string
	Worker *Worker
}

// ManagerConfig configures the plugin manager.
type ManagerConfig struct {
	// ScanTimeout bounds each worker scan call.
	ScanTimeout time.Duration

	// AutoDisableAfter disables a plugin once it fails this many
	// consecutive scans. Zero (the default) turns the policy off.
	AutoDisableAfter int64

	// Logger receives structured plugin lifecycle logs.
	Logger *slog.Logger
}

type registration struct {
	meta   Metadata
	code   string
	worker *Worker // nil while disabled
}

// Manager maintains the plugin registry and owns one worker per enabled
// plugin. Reads dominate (every transaction snapshots the enabled set),
// so the registry uses readers-writer locking; writes happen only on
// enable/disable/reload.
type Manager struct {
	mu      sync.RWMutex
	plugins map[string]*registration

	timeout          time.Duration
	autoDisableAfter int64
	log              *slog.Logger

	// onStateChange, when set, is invoked outside the lock after a
	// plugin is enabled or disabled.
	onStateChange func(Metadata)
}

// NewManager creates an empty manager. Built-in plugins are registered
// by RegisterBuiltins; user plugins arrive via Register.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = DefaultScanTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		plugins:          make(map[string]*registration),
		timeout:          cfg.ScanTimeout,
		autoDisableAfter: cfg.AutoDisableAfter,
		log:              cfg.Logger,
	}
}

// OnStateChange sets the callback invoked after enable/disable state
// transitions, for event emission.
func (m *Manager) OnStateChange(fn func(Metadata)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// Register adds a plugin to the registry without starting it. The code
// is compile-checked up front so a broken script is rejected at
// registration rather than at first dispatch.
func (m *Manager) Register(meta Metadata, code string) error {
	engine, err := NewEngine(code, meta)
	if err != nil {
		return err
	}
	meta = engine.Metadata()
	meta.Enabled = false

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.plugins[meta.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, meta.ID)
	}
	m.plugins[meta.ID] = &registration{meta: meta, code: code}
	m.log.Debug("plugin registered", "plugin", meta.ID, "source", meta.Source)
	return nil
}

// RegisterBuiltins registers and enables every built-in plugin.
func (m *Manager) RegisterBuiltins() error {
	for _, b := range Builtins() {
		if err := m.Register(b.Metadata, b.Code); err != nil {
			return err
		}
		if err := m.Enable(b.Metadata.ID); err != nil {
			return err
		}
	}
	return nil
}

// Enable starts the plugin's worker. Enabling an already-enabled plugin
// is a no-op.
func (m *Manager) Enable(id string) error {
	m.mu.Lock()
	reg, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if reg.worker != nil {
		m.mu.Unlock()
		return nil
	}

	worker, err := NewWorker(reg.meta, reg.code, m.timeout, m.log)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	reg.worker = worker
	reg.meta.Enabled = true
	meta := reg.meta
	notify := m.onStateChange
	m.mu.Unlock()

	m.log.Info("plugin enabled", "plugin", id)
	if notify != nil {
		notify(meta)
	}
	return nil
}

// Disable stops the plugin's worker. Disabling an already-disabled
// plugin is a no-op.
func (m *Manager) Disable(id string) error {
	m.mu.Lock()
	reg, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	worker := reg.worker
	reg.worker = nil
	reg.meta.Enabled = false
	meta := reg.meta
	notify := m.onStateChange
	m.mu.Unlock()

	if worker != nil {
		worker.Close()
		m.log.Info("plugin disabled", "plugin", id)
		if notify != nil {
			notify(meta)
		}
	}
	return nil
}

// Reload replaces a plugin's code. A running worker hot-swaps its
// engine in place; a disabled plugin just gets new code for its next
// enable. Other plugins are untouched.
func (m *Manager) Reload(id, code string) error {
	m.mu.Lock()
	reg, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	worker := reg.worker
	m.mu.Unlock()

	if worker != nil {
		if err := worker.Reload(code); err != nil {
			return err
		}
	} else {
		// Compile-check even when disabled, mirroring Register.
		if _, err := NewEngine(code, Metadata{ID: id}); err != nil {
			return err
		}
	}

	m.mu.Lock()
	if reg, ok := m.plugins[id]; ok {
		reg.code = code
	}
	m.mu.Unlock()

	m.log.Info("plugin reloaded", "plugin", id)
	return nil
}

// List reports all registered plugins sorted by ID.
func (m *Manager) List() []Metadata {
	m.mu.RLock()
	out := make([]Metadata, 0, len(m.plugins))
	for _, reg := range m.plugins {
		out = append(out, reg.meta)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EnabledWorkers snapshots the currently-enabled dispatch surface. The
// pipeline calls this once per transaction, which is what makes the
// exactly-once-per-enabled-plugin guarantee hold.
func (m *Manager) EnabledWorkers() []Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Handle, 0, len(m.plugins))
	for id, reg := range m.plugins {
		if reg.worker != nil {
			out = append(out, Handle{ID: id, Worker: reg.worker})
		}
	}
	return out
}

// RecordFailure applies the auto-disable policy after a scan error.
// With the policy off (threshold zero) it does nothing.
func (m *Manager) RecordFailure(id string) {
	if m.autoDisableAfter <= 0 {
		return
	}

	m.mu.RLock()
	reg, ok := m.plugins[id]
	var consecutive int64
	if ok && reg.worker != nil {
		consecutive = reg.worker.Stats().ConsecutiveFailures
	}
	m.mu.RUnlock()

	if ok && consecutive >= m.autoDisableAfter {
		m.log.Warn("auto-disabling plugin after repeated failures",
			"plugin", id, "consecutive_failures", consecutive)
		_ = m.Disable(id)
	}
}

// Close stops all workers.
func (m *Manager) Close() {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.plugins))
	for _, reg := range m.plugins {
		if reg.worker != nil {
			workers = append(workers, reg.worker)
			reg.worker = nil
			reg.meta.Enabled = false
		}
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
}
