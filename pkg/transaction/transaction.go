// Package transaction models one completed HTTP request/response
// exchange captured by the intercepting proxy. Transactions are
// assembled by the proxy and treated as immutable once finalized.
package transaction

import (
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Request holds the captured client request.
type Request struct {
	Method    string      `json:"method"`
	URL       string      `json:"url"`
	Proto     string      `json:"proto"`
	Headers   http.Header `json:"headers"`
	Body      []byte      `json:"body,omitempty"`
	Query     url.Values  `json:"query,omitempty"`
	IsTLS     bool        `json:"is_tls"`
	Timestamp time.Time   `json:"timestamp"`
}

// Response holds the captured upstream response. The body is the
// decompressed representation used for inspection; the client always
// receives the original encoded bytes.
type Response struct {
	Status    int         `json:"status"`
	Headers   http.Header `json:"headers"`
	Body      []byte      `json:"body,omitempty"`
	TimingMs  float64     `json:"timing_ms"`
	Timestamp time.Time   `json:"timestamp"`
}

// Transaction is one completed request/response pair plus connection
// metadata. ID correlates the transaction through interception,
// dispatch and reporting.
type Transaction struct {
	ID         string    `json:"id"`
	Request    Request   `json:"request"`
	Response   *Response `json:"response,omitempty"`
	ClientAddr string    `json:"client_addr,omitempty"`
}

// New creates a transaction with a fresh correlation ID.
func New() *Transaction {
	return &Transaction{ID: uuid.New().String()}
}

// Host returns the request host, without the port.
func (t *Transaction) Host() string {
	u, err := url.Parse(t.Request.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Complete reports whether the transaction captured both sides of the
// exchange. The scan pipeline only dispatches complete transactions.
func (t *Transaction) Complete() bool {
	return t.Response != nil
}
