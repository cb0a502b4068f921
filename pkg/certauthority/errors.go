package certauthority

import "errors"

// Sentinel errors for certificate failure modes.
// Callers should use errors.Is() to check for these.
var (
	// ErrRootGeneration indicates the root key or self-signed root
	// certificate could not be created or persisted. Fatal at startup.
	ErrRootGeneration = errors.New("certauthority: root generation failed")

	// ErrLeafSigning indicates a per-host leaf certificate could not be
	// issued. Non-fatal: the affected connection degrades to passthrough.
	ErrLeafSigning = errors.New("certauthority: leaf signing failed")
)
