package plugin

// Builtin pairs metadata with the Tengo source of a plugin shipped in
// the binary.
type Builtin struct {
	Metadata Metadata
	Code     string
}

// Builtins returns the built-in passive scan plugins. They are
// registered and enabled at manager initialization; operators can
// disable them like any user plugin.
func Builtins() []Builtin {
	return []Builtin{
		{
			Metadata: Metadata{ID: "sqli-detector", Source: SourceBuiltin},
			Code:     sqliDetectorCode,
		},
		{
			Metadata: Metadata{ID: "security-headers", Source: SourceBuiltin},
			Code:     securityHeadersCode,
		},
		{
			Metadata: Metadata{ID: "server-version-leak", Source: SourceBuiltin},
			Code:     serverVersionLeakCode,
		},
		{
			Metadata: Metadata{ID: "basic-auth-cleartext", Source: SourceBuiltin},
			Code:     basicAuthCleartextCode,
		},
	}
}

const sqliDetectorCode = `
text := import("text")

name := "sqli-detector"
version := "1.0.0"
description := "Detects database error strings leaking into response bodies"

signatures := [
	"SQL syntax",
	"mysql_fetch_array",
	"mysqli_fetch",
	"ORA-00933",
	"ORA-01756",
	"PostgreSQL query failed",
	"pg_query()",
	"SQLite3::query",
	"Unclosed quotation mark",
	"Microsoft OLE DB Provider for SQL Server"
]

scan := func(tx) {
	findings := []
	if tx.status == 0 {
		return findings
	}
	for sig in signatures {
		if text.contains(tx.response_body, sig) {
			findings = append(findings, {
				vuln_type: "sqli-error-leak",
				severity: "high",
				confidence: "medium",
				location: "response body",
				evidence: sig,
				description: "Response contains a database error string, suggesting unhandled SQL errors and possible injection."
			})
			break
		}
	}
	return findings
}
`

const securityHeadersCode = `
name := "security-headers"
version := "1.0.0"
description := "Reports missing HTTP security response headers"

scan := func(tx) {
	findings := []
	if tx.status == 0 {
		return findings
	}

	if tx.response_headers["x-content-type-options"] == undefined {
		findings = append(findings, {
			vuln_type: "missing-security-header",
			severity: "low",
			confidence: "certain",
			location: "X-Content-Type-Options",
			evidence: "header absent",
			description: "Responses without X-Content-Type-Options: nosniff allow MIME sniffing."
		})
	}

	if tx.response_headers["content-security-policy"] == undefined && tx.response_headers["x-frame-options"] == undefined {
		findings = append(findings, {
			vuln_type: "missing-security-header",
			severity: "low",
			confidence: "certain",
			location: "Content-Security-Policy",
			evidence: "header absent",
			description: "Neither Content-Security-Policy nor X-Frame-Options is set; the page can be framed."
		})
	}

	if tx.is_tls && tx.response_headers["strict-transport-security"] == undefined {
		findings = append(findings, {
			vuln_type: "missing-security-header",
			severity: "low",
			confidence: "certain",
			location: "Strict-Transport-Security",
			evidence: "header absent",
			description: "HTTPS response without HSTS leaves clients open to protocol downgrade."
		})
	}

	return findings
}
`

const serverVersionLeakCode = `
text := import("text")

name := "server-version-leak"
version := "1.0.0"
description := "Flags server banners that disclose software versions"

scan := func(tx) {
	findings := []
	if tx.status == 0 {
		return findings
	}

	for header in ["server", "x-powered-by", "x-aspnet-version"] {
		value := tx.response_headers[header]
		if value == undefined {
			continue
		}
		// A digit in the banner almost always means a version string.
		has_digit := false
		for ch in ["0", "1", "2", "3", "4", "5", "6", "7", "8", "9"] {
			if text.contains(value, ch) {
				has_digit = true
				break
			}
		}
		if has_digit {
			findings = append(findings, {
				vuln_type: "version-disclosure",
				severity: "info",
				confidence: "high",
				location: header,
				evidence: value,
				description: "Response header discloses server software version."
			})
		}
	}
	return findings
}
`

const basicAuthCleartextCode = `
text := import("text")

name := "basic-auth-cleartext"
version := "1.0.0"
description := "Detects HTTP Basic credentials sent over cleartext connections"

scan := func(tx) {
	findings := []
	auth := tx.headers["authorization"]
	if auth == undefined {
		return findings
	}
	if !tx.is_tls && text.has_prefix(text.to_lower(auth), "basic ") {
		findings = append(findings, {
			vuln_type: "cleartext-credentials",
			severity: "high",
			confidence: "certain",
			location: "Authorization",
			evidence: "Basic credentials over plain HTTP",
			description: "Basic authentication credentials are base64 only; over HTTP they are readable by any on-path observer."
		})
	}
	return findings
}
`
