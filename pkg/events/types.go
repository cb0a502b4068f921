// Package events defines the event stream a proxy run emits: session
// lifecycle, intercepted transactions, deduplicated findings, and
// plugin state changes. All events serialize to JSON.
//
// BaseEvent is embedded by the concrete event types; the Dispatcher in
// this package routes them to registered hooks.
package events

import (
	"time"

	"github.com/mitmscan/mitmscan/pkg/finding"
	"github.com/mitmscan/mitmscan/pkg/session"
)

// EventType represents the type of an emitted event.
type EventType string

const (
	// EventTypeSessionStart indicates the proxy began accepting traffic.
	EventTypeSessionStart EventType = "session_start"
	// EventTypeTransaction indicates one request/response pair completed.
	EventTypeTransaction EventType = "transaction"
	// EventTypeFinding indicates a plugin reported a new, deduplicated finding.
	EventTypeFinding EventType = "finding"
	// EventTypePluginState indicates a plugin was enabled or disabled.
	EventTypePluginState EventType = "plugin_state"
	// EventTypeStats indicates a periodic counter snapshot.
	EventTypeStats EventType = "stats"
	// EventTypeError indicates a non-fatal runtime error.
	EventTypeError EventType = "error"
	// EventTypeSessionComplete indicates the proxy shut down.
	EventTypeSessionComplete EventType = "session_complete"
)

// Event is the base interface for all events.
type Event interface {
	EventType() EventType
	Timestamp() time.Time
	SessionID() string
}

// BaseEvent contains common fields for all events.
// It is designed to be embedded in specific event types.
type BaseEvent struct {
	Type    EventType `json:"type"`
	Time    time.Time `json:"timestamp"`
	Session string    `json:"session_id"`
}

// EventType returns the type of this event.
func (e BaseEvent) EventType() EventType { return e.Type }

// Timestamp returns when this event occurred.
func (e BaseEvent) Timestamp() time.Time { return e.Time }

// SessionID returns the proxy session that produced this event.
func (e BaseEvent) SessionID() string { return e.Session }

func newBase(t EventType, sessionID string) BaseEvent {
	return BaseEvent{Type: t, Time: time.Now(), Session: sessionID}
}

// SessionStartEvent is emitted when the proxy starts listening.
type SessionStartEvent struct {
	BaseEvent
	ListenAddr    string   `json:"listen_addr"`
	CAFingerprint string   `json:"ca_fingerprint"`
	Plugins       []string `json:"plugins,omitempty"`
}

// NewSessionStart builds a SessionStartEvent.
func NewSessionStart(sessionID, listenAddr, caFingerprint string, plugins []string) *SessionStartEvent {
	return &SessionStartEvent{
		BaseEvent:     newBase(EventTypeSessionStart, sessionID),
		ListenAddr:    listenAddr,
		CAFingerprint: caFingerprint,
		Plugins:       plugins,
	}
}

// TransactionEvent is emitted for every completed request/response
// pair, after the response has been relayed to the client.
type TransactionEvent struct {
	BaseEvent
	TransactionID string  `json:"transaction_id"`
	Method        string  `json:"method"`
	URL           string  `json:"url"`
	Status        int     `json:"status"`
	IsTLS         bool    `json:"is_tls"`
	TimingMs      float64 `json:"timing_ms"`
}

// NewTransaction builds a TransactionEvent.
func NewTransaction(sessionID, txID, method, url string, status int, isTLS bool, timingMs float64) *TransactionEvent {
	return &TransactionEvent{
		BaseEvent:     newBase(EventTypeTransaction, sessionID),
		TransactionID: txID,
		Method:        method,
		URL:           url,
		Status:        status,
		IsTLS:         isTLS,
		TimingMs:      timingMs,
	}
}

// FindingEvent is emitted once per unique finding. Duplicates are
// suppressed upstream; hooks never see the same signature twice in a
// session.
type FindingEvent struct {
	BaseEvent
	Finding finding.Finding `json:"finding"`
}

// NewFinding builds a FindingEvent.
func NewFinding(sessionID string, f finding.Finding) *FindingEvent {
	return &FindingEvent{
		BaseEvent: newBase(EventTypeFinding, sessionID),
		Finding:   f,
	}
}

// PluginStateEvent is emitted when a plugin transitions between
// enabled and disabled, whether operator-driven or automatic.
type PluginStateEvent struct {
	BaseEvent
	PluginID string `json:"plugin_id"`
	Enabled  bool   `json:"enabled"`
	Reason   string `json:"reason,omitempty"`
}

// NewPluginState builds a PluginStateEvent.
func NewPluginState(sessionID, pluginID string, enabled bool, reason string) *PluginStateEvent {
	return &PluginStateEvent{
		BaseEvent: newBase(EventTypePluginState, sessionID),
		PluginID:  pluginID,
		Enabled:   enabled,
		Reason:    reason,
	}
}

// StatsEvent carries a periodic counter snapshot.
type StatsEvent struct {
	BaseEvent
	Stats session.Snapshot `json:"stats"`
}

// NewStats builds a StatsEvent.
func NewStats(sessionID string, snap session.Snapshot) *StatsEvent {
	return &StatsEvent{
		BaseEvent: newBase(EventTypeStats, sessionID),
		Stats:     snap,
	}
}

// ErrorEvent reports a non-fatal error from a named stage (accept
// loop, tunnel, pipeline, plugin).
type ErrorEvent struct {
	BaseEvent
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// NewError builds an ErrorEvent.
func NewError(sessionID, stage, message string) *ErrorEvent {
	return &ErrorEvent{
		BaseEvent: newBase(EventTypeError, sessionID),
		Stage:     stage,
		Message:   message,
	}
}

// SessionCompleteEvent is emitted after the proxy stops and the
// pipeline drains, carrying the final counters.
type SessionCompleteEvent struct {
	BaseEvent
	Stats session.Snapshot `json:"stats"`
}

// NewSessionComplete builds a SessionCompleteEvent.
func NewSessionComplete(sessionID string, snap session.Snapshot) *SessionCompleteEvent {
	return &SessionCompleteEvent{
		BaseEvent: newBase(EventTypeSessionComplete, sessionID),
		Stats:     snap,
	}
}
