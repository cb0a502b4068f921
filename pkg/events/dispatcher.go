package events

import (
	"context"
	"sync"
)

// Hook is the interface for event consumers. Hooks receive events
// matching their EventTypes filter; integrations that need cleanup
// also implement io.Closer and are closed by the dispatcher.
type Hook interface {
	// OnEvent is called for each matching event.
	OnEvent(ctx context.Context, event Event) error

	// EventTypes returns the event types this hook handles.
	// Return nil or an empty slice to receive all events.
	EventTypes() []EventType
}

// Dispatcher routes events to registered hooks. It is safe for
// concurrent use.
type Dispatcher struct {
	mu    sync.RWMutex
	hooks []Hook
	async bool

	wg sync.WaitGroup
}

// Config configures the dispatcher behavior.
type Config struct {
	// Async calls hooks in goroutines instead of inline on the
	// dispatching path. Close waits for in-flight calls.
	Async bool
}

// New creates a new event dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{async: cfg.Async}
}

// RegisterHook adds a hook to the dispatcher.
func (d *Dispatcher) RegisterHook(h Hook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hooks = append(d.hooks, h)
}

// Dispatch sends an event to all hooks that handle its type. Hook
// errors are swallowed so every consumer sees every event.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, h := range d.hooks {
		if !hookSupportsEvent(h, event.EventType()) {
			continue
		}
		if d.async {
			d.wg.Add(1)
			go func(hook Hook) {
				defer d.wg.Done()
				_ = hook.OnEvent(ctx, event)
			}(h)
		} else {
			_ = h.OnEvent(ctx, event)
		}
	}
}

// Close waits for async hook calls to finish, then closes every hook
// that implements io.Closer. The dispatcher must not be used after
// Close.
func (d *Dispatcher) Close() error {
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, h := range d.hooks {
		if c, ok := h.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	d.hooks = nil
	return firstErr
}

func hookSupportsEvent(h Hook, t EventType) bool {
	types := h.EventTypes()
	if len(types) == 0 {
		return true
	}
	for _, et := range types {
		if et == t {
			return true
		}
	}
	return false
}
