// Package session tracks the lifetime and counters of one proxy run.
package session

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Session accumulates traffic and finding counters for a single proxy
// run. All counters are safe for concurrent update from the proxy
// accept loop and the scan pipeline.
type Session struct {
	ID        string
	StartedAt time.Time

	httpTotal     atomic.Int64
	httpsTotal    atomic.Int64
	droppedTotal  atomic.Int64
	findingsTotal atomic.Int64

	closed   atomic.Bool
	closedAt atomic.Int64 // unix nanos, 0 while running
}

// Snapshot is a point-in-time copy of session counters.
type Snapshot struct {
	ID            string        `json:"id"`
	StartedAt     time.Time     `json:"started_at"`
	Elapsed       time.Duration `json:"elapsed"`
	HTTPTotal     int64         `json:"http_total"`
	HTTPSTotal    int64         `json:"https_total"`
	DroppedTotal  int64         `json:"dropped_total"`
	FindingsTotal int64         `json:"findings_total"`
	Closed        bool          `json:"closed"`
}

// New starts a session with a fresh identifier.
func New() *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}
}

// RecordTransaction counts one completed transaction, bucketed by
// transport.
func (s *Session) RecordTransaction(isTLS bool) {
	if isTLS {
		s.httpsTotal.Add(1)
	} else {
		s.httpTotal.Add(1)
	}
}

// RecordDropped counts a transaction the operator dropped before it
// reached the upstream.
func (s *Session) RecordDropped() {
	s.droppedTotal.Add(1)
}

// RecordFindings counts n deduplicated findings.
func (s *Session) RecordFindings(n int) {
	if n > 0 {
		s.findingsTotal.Add(int64(n))
	}
}

// Snapshot returns the current counter values. Elapsed stops growing
// once the session is closed.
func (s *Session) Snapshot() Snapshot {
	end := time.Now()
	if ns := s.closedAt.Load(); ns != 0 {
		end = time.Unix(0, ns)
	}
	return Snapshot{
		ID:            s.ID,
		StartedAt:     s.StartedAt,
		Elapsed:       end.Sub(s.StartedAt),
		HTTPTotal:     s.httpTotal.Load(),
		HTTPSTotal:    s.httpsTotal.Load(),
		DroppedTotal:  s.droppedTotal.Load(),
		FindingsTotal: s.findingsTotal.Load(),
		Closed:        s.closed.Load(),
	}
}

// Close freezes the session clock. Further counter updates are still
// recorded; callers are expected to stop feeding traffic first.
func (s *Session) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.closedAt.Store(time.Now().UnixNano())
	}
}
