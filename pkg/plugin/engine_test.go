package plugin

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/mitmscan/mitmscan/pkg/transaction"
)

const echoPluginCode = `
name := "echo"
version := "2.0.0"
description := "test plugin"

scan := func(tx) {
	return [{
		vuln_type: "echo",
		severity: "info",
		confidence: "certain",
		location: "body",
		evidence: tx.body,
		description: "echoes the request body"
	}]
}
`

func testTransaction() *transaction.Transaction {
	tx := transaction.New()
	tx.Request = transaction.Request{
		Method:  "GET",
		URL:     "https://example.com/search?q=1",
		Headers: http.Header{"User-Agent": []string{"test"}},
		Body:    []byte("hello"),
		IsTLS:   true,
	}
	tx.Response = &transaction.Response{
		Status:   200,
		Headers:  http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte("<html>ok</html>"),
		TimingMs: 12,
	}
	return tx
}

func TestEngineLoadAndScan(t *testing.T) {
	engine, err := NewEngine(echoPluginCode, Metadata{ID: "echo-plugin"})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	meta := engine.Metadata()
	if meta.Name != "echo" || meta.Version != "2.0.0" {
		t.Errorf("script metadata not applied: %+v", meta)
	}

	findings, err := engine.Scan(context.Background(), testTransaction())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(findings))
	}

	f := findings[0]
	if f.PluginID != "echo-plugin" {
		t.Errorf("plugin id = %q", f.PluginID)
	}
	if f.Evidence != "hello" {
		t.Errorf("evidence = %q, want request body", f.Evidence)
	}
	if f.URL != "https://example.com/search?q=1" {
		t.Errorf("url = %q, want transaction URL", f.URL)
	}
	if f.ID == "" {
		t.Error("finding ID must be assigned by the host")
	}
}

func TestEngineMissingScanFunction(t *testing.T) {
	_, err := NewEngine(`name := "broken"`, Metadata{ID: "broken"})
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad, got %v", err)
	}
}

func TestEngineCompileError(t *testing.T) {
	_, err := NewEngine(`scan := func(tx) { return`, Metadata{ID: "syntax"})
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad, got %v", err)
	}
}

func TestEngineLoadBoundsRunawayScript(t *testing.T) {
	old := loadTimeout
	loadTimeout = 100 * time.Millisecond
	defer func() { loadTimeout = old }()

	code := `
scan := func(tx) { return [] }
for true {
}
`
	_, err := NewEngine(code, Metadata{ID: "spin"})
	if !errors.Is(err, ErrLoad) {
		t.Fatalf("expected ErrLoad for non-terminating script, got %v", err)
	}
}

func TestEngineRuntimeFault(t *testing.T) {
	code := `
scan := func(tx) {
	return tx.body + 1
}
`
	engine, err := NewEngine(code, Metadata{ID: "faulty"})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	_, err = engine.Scan(context.Background(), testTransaction())
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
}

func TestEngineRequestOnlyTransaction(t *testing.T) {
	code := `
scan := func(tx) {
	if tx.status != 0 {
		return []
	}
	return [{
		vuln_type: "request-only",
		severity: "info",
		confidence: "low",
		location: "request",
		evidence: tx.method
	}]
}
`
	engine, err := NewEngine(code, Metadata{ID: "req-only"})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	tx := testTransaction()
	tx.Response = nil

	findings, err := engine.Scan(context.Background(), tx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 1 || findings[0].Evidence != "GET" {
		t.Fatalf("unexpected findings: %+v", findings)
	}
}

func TestEngineInvalidFindingsSkipped(t *testing.T) {
	code := `
scan := func(tx) {
	return [
		{severity: "high"},
		{vuln_type: "kept", severity: "low", location: "x", evidence: "y"}
	]
}
`
	engine, err := NewEngine(code, Metadata{ID: "partial"})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	findings, err := engine.Scan(context.Background(), testTransaction())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 1 || findings[0].VulnType != "kept" {
		t.Fatalf("expected only the valid finding, got %+v", findings)
	}
}
