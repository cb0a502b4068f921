// Package finding defines the security finding model produced by scan
// plugins, along with the deduplication signature derived from the
// fields that identify an issue independent of the HTTP exchange that
// surfaced it.
package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Finding is a structured record of a detected security issue.
// Findings are immutable after creation; they are produced only inside
// a plugin worker's scan call.
type Finding struct {
	// ID uniquely identifies this finding instance.
	ID string `json:"id"`

	// PluginID is the stable identity of the plugin that produced it.
	PluginID string `json:"plugin_id"`

	// VulnType is the vulnerability class (e.g., sqli, xss, info-leak).
	VulnType string `json:"vuln_type"`

	// Severity is the assessed impact level.
	Severity Severity `json:"severity"`

	// Confidence is the detection confidence.
	Confidence Confidence `json:"confidence"`

	// URL is the full URL of the transaction that surfaced the issue.
	URL string `json:"url"`

	// Location narrows the issue inside the exchange (header name,
	// parameter, body offset).
	Location string `json:"location"`

	// Evidence is the matched content proving the issue.
	Evidence string `json:"evidence"`

	// Description is a human-readable explanation.
	Description string `json:"description,omitempty"`

	// Timestamp records when the finding was produced.
	Timestamp time.Time `json:"timestamp"`
}

// New creates a finding with a fresh ID and the current time.
func New(pluginID, vulnType string, severity Severity) Finding {
	return Finding{
		ID:        uuid.New().String(),
		PluginID:  pluginID,
		VulnType:  vulnType,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
	}
}

// Signature returns the hex-encoded SHA-256 deduplication signature.
// Two findings with identical plugin, URL, location and evidence hash
// to the same signature regardless of ID or timestamp.
func (f Finding) Signature() string {
	h := sha256.New()
	h.Write([]byte(f.PluginID))
	h.Write([]byte(f.URL))
	h.Write([]byte(f.Location))
	h.Write([]byte(f.Evidence))
	return hex.EncodeToString(h.Sum(nil))
}
