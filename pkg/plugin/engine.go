// Package plugin hosts the scan plugin system: a Tengo-based script
// engine, one isolated worker per plugin, and the manager that owns the
// registry. Scripts run in a sandboxed VM with only safe stdlib modules
// and a read-only view of the transaction; their only output channel is
// the list of findings returned from scan().
package plugin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"

	"github.com/mitmscan/mitmscan/pkg/finding"
	"github.com/mitmscan/mitmscan/pkg/transaction"
)

// safeModules are the only Tengo stdlib modules available to scripts.
// No file I/O, no network, no OS access, no insecure randomness.
var safeModules = stdlib.GetModuleMap("text", "fmt", "math", "times", "json", "base64", "hex")

// maxScriptAllocs bounds VM object allocations per script run.
const maxScriptAllocs = 10_000_000

// loadTimeout bounds the metadata probe run at load time, so a script
// with a non-terminating top level cannot hang registration.
var loadTimeout = 5 * time.Second

// Engine compiles and executes one plugin script. It is not safe for
// concurrent use; a Worker serializes all calls to its engine.
//
// The script contract: optional top-level `name`, `version` and
// `description` variables, and a required `scan` function taking a
// transaction map and returning an array of finding maps.
type Engine struct {
	meta     Metadata
	compiled *tengo.Compiled
}

// NewEngine compiles the plugin code once. The returned engine reuses
// the compiled program for every scan via Clone(), so per-call cost is
// VM execution only.
func NewEngine(code string, meta Metadata) (*Engine, error) {
	// First pass runs the bare script to validate it and pick up the
	// self-declared metadata.
	probe := tengo.NewScript([]byte(code))
	probe.SetImports(safeModules)
	probe.SetMaxAllocs(maxScriptAllocs)

	loadCtx, cancel := context.WithTimeout(context.Background(), loadTimeout)
	defer cancel()
	ran, err := probe.RunContext(loadCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, meta.ID, err)
	}

	if ran.Get("scan").IsUndefined() {
		return nil, fmt.Errorf("%w: %s: missing 'scan' function", ErrLoad, meta.ID)
	}
	if v := ran.Get("name"); !v.IsUndefined() {
		meta.Name = v.String()
	}
	if v := ran.Get("version"); !v.IsUndefined() {
		meta.Version = v.String()
	}
	if v := ran.Get("description"); !v.IsUndefined() {
		meta.Description = v.String()
	}

	// Second pass compiles the scan wrapper without invoking it, so
	// each call only needs Clone+Set+Run.
	wrapper := fmt.Sprintf("%s\n__findings__ := scan(__tx__)\n", code)
	script := tengo.NewScript([]byte(wrapper))
	script.SetImports(safeModules)
	script.SetMaxAllocs(maxScriptAllocs)
	_ = script.Add("__tx__", map[string]interface{}{})

	compiled, err := script.Compile()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, meta.ID, err)
	}

	return &Engine{meta: meta, compiled: compiled}, nil
}

// Metadata returns the engine's effective metadata (registration values
// overridden by script-declared ones).
func (e *Engine) Metadata() Metadata {
	return e.meta
}

// Scan executes the plugin against the transaction. The context bounds
// execution; on cancellation the VM is aborted and the error reflects
// the deadline. Panics inside VM glue are recovered into ErrExecution.
func (e *Engine) Scan(ctx context.Context, tx *transaction.Transaction) (findings []finding.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = fmt.Errorf("%w: %s: panic: %v", ErrExecution, e.meta.ID, r)
		}
	}()

	c := e.compiled.Clone()
	if err := c.Set("__tx__", transactionMap(tx)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrExecution, e.meta.ID, err)
	}

	if err := c.RunContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, e.meta.ID)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrExecution, e.meta.ID, err)
	}

	raw := c.Get("__findings__")
	if raw.IsUndefined() {
		return nil, nil
	}

	arr, ok := raw.Value().([]interface{})
	if !ok {
		// A plugin returning nothing useful is not an error.
		return nil, nil
	}

	out := make([]finding.Finding, 0, len(arr))
	for _, item := range arr {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		f := finding.New(e.meta.ID, stringField(m, "vuln_type"), finding.ParseSeverity(stringField(m, "severity")))
		f.Confidence = finding.Confidence(stringField(m, "confidence"))
		f.Location = stringField(m, "location")
		f.Evidence = stringField(m, "evidence")
		f.Description = stringField(m, "description")
		f.URL = tx.Request.URL
		if f.Validate() != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// transactionMap builds the read-only view handed to scripts.
func transactionMap(tx *transaction.Transaction) map[string]interface{} {
	m := map[string]interface{}{
		"id":      tx.ID,
		"method":  tx.Request.Method,
		"url":     tx.Request.URL,
		"headers": headerMap(tx.Request.Headers),
		"body":    string(tx.Request.Body),
		"is_tls":  tx.Request.IsTLS,

		"status":           0,
		"response_headers": map[string]interface{}{},
		"response_body":    "",
		"timing_ms":        float64(0),
	}
	if tx.Response != nil {
		m["status"] = tx.Response.Status
		m["response_headers"] = headerMap(tx.Response.Headers)
		m["response_body"] = string(tx.Response.Body)
		m["timing_ms"] = tx.Response.TimingMs
	}
	return m
}

func headerMap(h map[string][]string) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for k, vals := range h {
		out[strings.ToLower(k)] = strings.Join(vals, ", ")
	}
	return out
}

func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// scanDeadline derives the per-call context for a worker's scan.
func scanDeadline(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
