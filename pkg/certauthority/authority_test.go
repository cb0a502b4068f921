package certauthority

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	a, err := LoadOrGenerateRoot(t.TempDir())
	if err != nil {
		t.Fatalf("LoadOrGenerateRoot: %v", err)
	}
	return a
}

func TestGenerateAndReloadRoot(t *testing.T) {
	dir := t.TempDir()

	a, err := LoadOrGenerateRoot(dir)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	// Both PEM files must be persisted.
	for _, name := range []string{"ca.crt", "ca.key"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}

	// A second load must reuse the persisted root, not regenerate.
	b, err := LoadOrGenerateRoot(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("reloaded root must match the persisted root")
	}
}

func TestRootIsCA(t *testing.T) {
	a := newTestAuthority(t)

	block, _ := pem.Decode(a.RootCertPEM())
	if block == nil {
		t.Fatal("RootCertPEM did not decode")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse root: %v", err)
	}
	if !cert.IsCA {
		t.Error("root certificate must be a CA")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("root must be allowed to sign certificates")
	}
}

func TestLeafStableUntilExpiry(t *testing.T) {
	a := newTestAuthority(t)

	first, err := a.GetOrCreateLeaf("example.com")
	if err != nil {
		t.Fatalf("first leaf: %v", err)
	}
	second, err := a.GetOrCreateLeaf("example.com")
	if err != nil {
		t.Fatalf("second leaf: %v", err)
	}

	k1 := first.PrivateKey.(*ecdsa.PrivateKey)
	k2 := second.PrivateKey.(*ecdsa.PrivateKey)
	if !k1.PublicKey.Equal(&k2.PublicKey) {
		t.Error("leaf public key must be stable for a host within validity")
	}

	other, err := a.GetOrCreateLeaf("other.com")
	if err != nil {
		t.Fatalf("other leaf: %v", err)
	}
	k3 := other.PrivateKey.(*ecdsa.PrivateKey)
	if k1.PublicKey.Equal(&k3.PublicKey) {
		t.Error("different hosts must get freshly generated keys")
	}

	if a.CacheSize() != 2 {
		t.Errorf("expected 2 cached leaves, got %d", a.CacheSize())
	}
}

func TestLeafExpiryTriggersReissue(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrGenerateRoot(dir, WithLeafTTL(time.Millisecond))
	if err != nil {
		t.Fatalf("LoadOrGenerateRoot: %v", err)
	}

	first, err := a.GetOrCreateLeaf("example.com")
	if err != nil {
		t.Fatalf("first leaf: %v", err)
	}

	// TTL is below the renewal margin, so the cached entry is already
	// considered stale on the next lookup.
	second, err := a.GetOrCreateLeaf("example.com")
	if err != nil {
		t.Fatalf("second leaf: %v", err)
	}

	k1 := first.PrivateKey.(*ecdsa.PrivateKey)
	k2 := second.PrivateKey.(*ecdsa.PrivateKey)
	if k1.PublicKey.Equal(&k2.PublicKey) {
		t.Error("expired leaf must be reissued with a fresh key")
	}
}

func TestLeafSANAndChain(t *testing.T) {
	a := newTestAuthority(t)

	tests := []struct {
		host  string
		isIP  bool
	}{
		{"example.com", false},
		{"10.0.0.5", true},
	}

	for _, tt := range tests {
		leaf, err := a.GetOrCreateLeaf(tt.host)
		if err != nil {
			t.Fatalf("leaf %s: %v", tt.host, err)
		}
		if len(leaf.Certificate) != 2 {
			t.Fatalf("expected leaf+root chain, got %d certs", len(leaf.Certificate))
		}

		cert, err := x509.ParseCertificate(leaf.Certificate[0])
		if err != nil {
			t.Fatalf("parse leaf: %v", err)
		}
		if tt.isIP {
			if len(cert.IPAddresses) != 1 || cert.IPAddresses[0].String() != tt.host {
				t.Errorf("expected IP SAN %s, got %v", tt.host, cert.IPAddresses)
			}
		} else {
			if len(cert.DNSNames) != 1 || cert.DNSNames[0] != tt.host {
				t.Errorf("expected DNS SAN %s, got %v", tt.host, cert.DNSNames)
			}
		}

		// Leaf must verify against the exported root.
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(a.RootCertPEM()) {
			t.Fatal("failed to add root to pool")
		}
		opts := x509.VerifyOptions{Roots: roots, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}}
		if _, err := cert.Verify(opts); err != nil {
			t.Errorf("leaf for %s does not verify against root: %v", tt.host, err)
		}
	}
}
