package finding

// Severity represents the severity level of a security finding.
// All values are lowercase strings; plugins report the same strings
// over the script boundary.
type Severity string

const (
	// Critical represents immediate system compromise (RCE, auth bypass).
	Critical Severity = "critical"

	// High represents significant impact requiring prompt fix (SQLi, stored XSS).
	High Severity = "high"

	// Medium represents moderate impact (reflected XSS, CSRF).
	Medium Severity = "medium"

	// Low represents limited impact (verbose errors, minor info leak).
	Low Severity = "low"

	// Info represents informational findings with no direct security impact.
	Info Severity = "info"
)

// IsValid reports whether s is a recognized severity level.
func (s Severity) IsValid() bool {
	switch s {
	case Critical, High, Medium, Low, Info:
		return true
	}
	return false
}

// Score returns a numeric score for sorting and comparison.
// Critical=5, High=4, Medium=3, Low=2, Info=1, Unknown=0.
func (s Severity) Score() int {
	switch s {
	case Critical:
		return 5
	case High:
		return 4
	case Medium:
		return 3
	case Low:
		return 2
	case Info:
		return 1
	default:
		return 0
	}
}

// String returns the severity as a string.
func (s Severity) String() string {
	return string(s)
}

// ParseSeverity normalizes a plugin-supplied severity string.
// Unrecognized values fall back to Info so a sloppy plugin cannot
// inflate a finding's rank.
func ParseSeverity(v string) Severity {
	s := Severity(v)
	if s.IsValid() {
		return s
	}
	return Info
}

// Confidence represents the detection confidence level of a finding.
// Follows Burp Suite and OWASP ZAP patterns for triage.
type Confidence string

const (
	// ConfidenceCertain indicates definitive confirmation (e.g., payload reflected in response).
	ConfidenceCertain Confidence = "certain"
	// ConfidenceHigh indicates high likelihood (e.g., error-based detection).
	ConfidenceHigh Confidence = "high"
	// ConfidenceMedium indicates probable finding (e.g., status code change).
	ConfidenceMedium Confidence = "medium"
	// ConfidenceLow indicates possible finding (e.g., timing difference).
	ConfidenceLow Confidence = "low"
	// ConfidenceTentative indicates requires manual verification.
	ConfidenceTentative Confidence = "tentative"
)

// Priority returns numeric priority for sorting (higher = more confident).
func (c Confidence) Priority() int {
	switch c {
	case ConfidenceCertain:
		return 5
	case ConfidenceHigh:
		return 4
	case ConfidenceMedium:
		return 3
	case ConfidenceLow:
		return 2
	case ConfidenceTentative:
		return 1
	default:
		return 0
	}
}
