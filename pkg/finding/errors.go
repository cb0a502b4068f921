package finding

import "errors"

// Sentinel errors for finding validation failures.
// Callers should use errors.Is() to check for these.
var (
	// ErrMissingPlugin indicates a finding arrived without a plugin ID,
	// which would break deduplication and attribution.
	ErrMissingPlugin = errors.New("finding: missing plugin id")

	// ErrMissingType indicates a finding arrived without a vulnerability
	// type.
	ErrMissingType = errors.New("finding: missing vuln type")
)

// Validate reports whether the finding carries the fields every
// downstream consumer depends on.
func (f Finding) Validate() error {
	if f.PluginID == "" {
		return ErrMissingPlugin
	}
	if f.VulnType == "" {
		return ErrMissingType
	}
	return nil
}
