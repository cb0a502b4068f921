package plugin

// Source identifies where a plugin's code came from.
type Source string

const (
	// SourceBuiltin marks plugins compiled into the binary.
	SourceBuiltin Source = "builtin"
	// SourceUser marks plugins installed by the operator.
	SourceUser Source = "user"
)

// Metadata describes a registered plugin. ID is the stable identity
// used throughout dispatch and deduplication; hot-reload preserves it.
type Metadata struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Source      Source `json:"source"`
}
