// Package storage persists intercepted transactions and findings so a
// scan session survives process restarts and can be queried afterward.
package storage

import (
	"context"

	"github.com/mitmscan/mitmscan/pkg/finding"
	"github.com/mitmscan/mitmscan/pkg/transaction"
)

// Store is the persistence interface used by the scan pipeline.
type Store interface {
	// SaveTransaction persists a completed request/response pair.
	SaveTransaction(ctx context.Context, tx *transaction.Transaction) error

	// SaveFinding persists a new finding under its dedup signature.
	SaveFinding(ctx context.Context, f finding.Finding, signature string) error

	// IncrementHits bumps the hit counter of an already-stored
	// finding when its signature recurs.
	IncrementHits(ctx context.Context, signature string) error

	// QueryFindings returns stored findings matching the filter,
	// most recent first.
	QueryFindings(ctx context.Context, filter FindingFilter) ([]StoredFinding, error)

	// Close releases the underlying resources.
	Close() error
}

// FindingFilter narrows a findings query. Zero values match
// everything.
type FindingFilter struct {
	PluginID string
	Severity finding.Severity
	Limit    int
}

// StoredFinding is a finding as read back from the store, with its
// dedup signature and hit count.
type StoredFinding struct {
	finding.Finding
	Signature string `json:"signature"`
	Hits      int64  `json:"hits"`
}

// NopStore discards everything. It is wired in when persistence is
// disabled.
type NopStore struct{}

// Compile-time check that NopStore implements Store.
var _ Store = (*NopStore)(nil)

func (NopStore) SaveTransaction(context.Context, *transaction.Transaction) error { return nil }
func (NopStore) SaveFinding(context.Context, finding.Finding, string) error      { return nil }
func (NopStore) IncrementHits(context.Context, string) error                     { return nil }
func (NopStore) QueryFindings(context.Context, FindingFilter) ([]StoredFinding, error) {
	return nil, nil
}
func (NopStore) Close() error { return nil }
