package proxy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mitmscan/mitmscan/pkg/transaction"
)

// Action is an operator decision on an intercepted request or response.
type Action int

const (
	// ActionForward relays the message unchanged.
	ActionForward Action = iota
	// ActionModify relays a replacement message.
	ActionModify
	// ActionDrop rejects the message without delivering it.
	ActionDrop
)

// DefaultResponseWait bounds how long a response stays held for an
// operator decision before it auto-forwards. Responses cannot wait
// indefinitely: the client connection is stalled while one is pending.
const DefaultResponseWait = 30 * time.Second

// Decision carries the action and, for ActionModify, the replacement
// request or response (whichever side is being resolved).
type Decision struct {
	Action   Action
	Request  *transaction.Request
	Response *transaction.Response
}

// Interceptor holds requests and responses awaiting an operator
// decision. The two sides are gated independently; each pending entry
// has a one-shot decision channel keyed by transaction ID, and Resolve
// delivers exactly once. When a side is disabled its Await returns
// ActionForward immediately and nothing ever blocks.
type Interceptor struct {
	mu              sync.Mutex
	enabled         bool
	responseEnabled bool
	pending         map[string]chan Decision
	pendingResp     map[string]chan Decision
	responseWait    time.Duration
}

// NewInterceptor creates an interceptor with both sides disabled.
func NewInterceptor() *Interceptor {
	return &Interceptor{
		pending:      make(map[string]chan Decision),
		pendingResp:  make(map[string]chan Decision),
		responseWait: DefaultResponseWait,
	}
}

// SetEnabled toggles request interception. Disabling releases every
// pending request as ActionForward.
func (i *Interceptor) SetEnabled(enabled bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enabled = enabled
	if !enabled {
		for id, ch := range i.pending {
			ch <- Decision{Action: ActionForward}
			delete(i.pending, id)
		}
	}
}

// Enabled reports whether request interception is active.
func (i *Interceptor) Enabled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.enabled
}

// SetResponseEnabled toggles response interception. Disabling releases
// every pending response as ActionForward.
func (i *Interceptor) SetResponseEnabled(enabled bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.responseEnabled = enabled
	if !enabled {
		for id, ch := range i.pendingResp {
			ch <- Decision{Action: ActionForward}
			delete(i.pendingResp, id)
		}
	}
}

// ResponseEnabled reports whether response interception is active.
func (i *Interceptor) ResponseEnabled() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.responseEnabled
}

// Await blocks until the request is resolved, the context fires, or
// request interception is disabled. With interception off it returns
// ActionForward without registering anything.
func (i *Interceptor) Await(ctx context.Context, txID string) (Decision, error) {
	i.mu.Lock()
	if !i.enabled {
		i.mu.Unlock()
		return Decision{Action: ActionForward}, nil
	}
	ch := make(chan Decision, 1)
	i.pending[txID] = ch
	i.mu.Unlock()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		i.mu.Lock()
		delete(i.pending, txID)
		i.mu.Unlock()
		return Decision{Action: ActionForward}, ctx.Err()
	}
}

// AwaitResponse blocks until the response is resolved, the wait window
// expires (auto-forward), the context fires, or response interception
// is disabled. With interception off it returns ActionForward without
// registering anything.
func (i *Interceptor) AwaitResponse(ctx context.Context, txID string) (Decision, error) {
	i.mu.Lock()
	if !i.responseEnabled {
		i.mu.Unlock()
		return Decision{Action: ActionForward}, nil
	}
	ch := make(chan Decision, 1)
	i.pendingResp[txID] = ch
	wait := i.responseWait
	i.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case d := <-ch:
		return d, nil
	case <-timer.C:
		i.mu.Lock()
		delete(i.pendingResp, txID)
		i.mu.Unlock()
		return Decision{Action: ActionForward}, nil
	case <-ctx.Done():
		i.mu.Lock()
		delete(i.pendingResp, txID)
		i.mu.Unlock()
		return Decision{Action: ActionForward}, ctx.Err()
	}
}

// Resolve delivers the decision for a pending request. A second
// resolution for the same transaction returns ErrNoPending since the
// entry is consumed by the first.
func (i *Interceptor) Resolve(txID string, d Decision) error {
	i.mu.Lock()
	ch, ok := i.pending[txID]
	if ok {
		delete(i.pending, txID)
	}
	i.mu.Unlock()

	if !ok {
		return ErrNoPending
	}
	ch <- d
	return nil
}

// ResolveResponse delivers the decision for a pending response. A
// response already auto-forwarded or resolved returns ErrNoPending.
func (i *Interceptor) ResolveResponse(txID string, d Decision) error {
	i.mu.Lock()
	ch, ok := i.pendingResp[txID]
	if ok {
		delete(i.pendingResp, txID)
	}
	i.mu.Unlock()

	if !ok {
		return ErrNoPending
	}
	ch <- d
	return nil
}

// Pending returns the IDs of requests awaiting a decision, sorted for
// stable display.
func (i *Interceptor) Pending() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return sortedKeys(i.pending)
}

// PendingResponses returns the IDs of responses awaiting a decision,
// sorted for stable display.
func (i *Interceptor) PendingResponses() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return sortedKeys(i.pendingResp)
}

func sortedKeys(m map[string]chan Decision) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
