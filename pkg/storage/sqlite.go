package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mitmscan/mitmscan/pkg/finding"
	"github.com/mitmscan/mitmscan/pkg/transaction"
)

// SQLiteStore implements Store using SQLite via modernc.org/sqlite
// (pure Go, no cgo).
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates a SQLite-backed store. dbPath is the
// path to the database file; use ":memory:" for testing.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS transactions (
			id          TEXT PRIMARY KEY,
			method      TEXT NOT NULL,
			url         TEXT NOT NULL,
			status      INTEGER DEFAULT 0,
			is_tls      INTEGER DEFAULT 0,
			timing_ms   REAL DEFAULT 0,
			tx_json     TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS findings (
			id           TEXT PRIMARY KEY,
			signature    TEXT NOT NULL UNIQUE,
			plugin_id    TEXT NOT NULL,
			vuln_type    TEXT NOT NULL,
			severity     TEXT NOT NULL,
			confidence   TEXT DEFAULT '',
			url          TEXT DEFAULT '',
			location     TEXT DEFAULT '',
			evidence     TEXT DEFAULT '',
			description  TEXT DEFAULT '',
			hits         INTEGER DEFAULT 1,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_findings_plugin ON findings(plugin_id);
		CREATE INDEX IF NOT EXISTS idx_transactions_url ON transactions(url);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveTransaction persists a completed request/response pair. The full
// transaction is stored as JSON next to the indexed columns.
func (s *SQLiteStore) SaveTransaction(ctx context.Context, tx *transaction.Transaction) error {
	txJSON, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("storage: marshal transaction: %w", err)
	}

	status := 0
	timingMs := 0.0
	if tx.Response != nil {
		status = tx.Response.Status
		timingMs = tx.Response.TimingMs
	}

	query := `
		INSERT INTO transactions (id, method, url, status, is_tls, timing_ms, tx_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status    = excluded.status,
			timing_ms = excluded.timing_ms,
			tx_json   = excluded.tx_json
	`
	_, err = s.db.ExecContext(ctx, query,
		tx.ID,
		tx.Request.Method,
		tx.Request.URL,
		status,
		boolToInt(tx.Request.IsTLS),
		timingMs,
		string(txJSON),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storage: save transaction: %w", err)
	}
	return nil
}

// SaveFinding persists a finding keyed by its dedup signature. Saving
// an existing signature bumps the hit counter instead of duplicating
// the row.
func (s *SQLiteStore) SaveFinding(ctx context.Context, f finding.Finding, signature string) error {
	query := `
		INSERT INTO findings (id, signature, plugin_id, vuln_type, severity, confidence, url, location, evidence, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET hits = hits + 1
	`
	_, err := s.db.ExecContext(ctx, query,
		f.ID,
		signature,
		f.PluginID,
		f.VulnType,
		string(f.Severity),
		string(f.Confidence),
		f.URL,
		f.Location,
		f.Evidence,
		f.Description,
		f.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storage: save finding: %w", err)
	}
	return nil
}

// IncrementHits bumps the hit counter for a recurring signature. A
// signature that was never stored is a no-op.
func (s *SQLiteStore) IncrementHits(ctx context.Context, signature string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE findings SET hits = hits + 1 WHERE signature = ?`, signature)
	if err != nil {
		return fmt.Errorf("storage: increment hits: %w", err)
	}
	return nil
}

// QueryFindings returns stored findings matching the filter, most
// recent first.
func (s *SQLiteStore) QueryFindings(ctx context.Context, filter FindingFilter) ([]StoredFinding, error) {
	query := `
		SELECT id, signature, plugin_id, vuln_type, severity, confidence, url, location, evidence, description, hits, created_at
		FROM findings WHERE 1=1
	`
	args := []interface{}{}
	if filter.PluginID != "" {
		query += " AND plugin_id = ?"
		args = append(args, filter.PluginID)
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(filter.Severity))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query findings: %w", err)
	}
	defer rows.Close()

	var out []StoredFinding
	for rows.Next() {
		var sf StoredFinding
		var severity, confidence, createdAt string
		if err := rows.Scan(
			&sf.ID, &sf.Signature, &sf.PluginID, &sf.VulnType,
			&severity, &confidence, &sf.URL, &sf.Location,
			&sf.Evidence, &sf.Description, &sf.Hits, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan row: %w", err)
		}
		sf.Severity = finding.Severity(severity)
		sf.Confidence = finding.Confidence(confidence)
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			sf.Timestamp = ts
		}
		out = append(out, sf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate rows: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
