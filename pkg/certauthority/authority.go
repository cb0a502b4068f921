// Package certauthority implements the local certificate authority used
// for TLS interception. It persists a self-signed ECDSA root and issues
// short-lived per-host leaf certificates on demand, caching them so a
// host keeps the same leaf key until expiry.
package certauthority

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	rootCertFile = "ca.crt"
	rootKeyFile  = "ca.key"

	rootValidity = 10 * 365 * 24 * time.Hour

	// DefaultLeafTTL bounds how long an issued leaf stays valid.
	DefaultLeafTTL = 7 * 24 * time.Hour

	// renewBefore re-issues a cached leaf this long before it expires,
	// so a client never completes a handshake with a nearly-dead cert.
	renewBefore = time.Hour
)

type leafEntry struct {
	cert      tls.Certificate
	expiresAt time.Time
}

// Authority issues leaf certificates signed by a locally generated root.
// It is safe for concurrent use; the leaf cache uses readers-writer
// locking since cache hits dominate.
type Authority struct {
	rootCert *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	rootDER  []byte

	leafTTL time.Duration

	mu     sync.RWMutex
	leaves map[string]leafEntry

	log *slog.Logger
}

// Option configures an Authority.
type Option func(*Authority)

// WithLeafTTL overrides the leaf certificate validity window.
func WithLeafTTL(ttl time.Duration) Option {
	return func(a *Authority) {
		if ttl > 0 {
			a.leafTTL = ttl
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) {
		if l != nil {
			a.log = l
		}
	}
}

// LoadOrGenerateRoot loads the root keypair and certificate from dir,
// generating and persisting a fresh self-signed root if none exists.
// Any failure here wraps ErrRootGeneration and should abort startup.
func LoadOrGenerateRoot(dir string, opts ...Option) (*Authority, error) {
	a := &Authority{
		leafTTL: DefaultLeafTTL,
		leaves:  make(map[string]leafEntry),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	certPath := filepath.Join(dir, rootCertFile)
	keyPath := filepath.Join(dir, rootKeyFile)

	if cert, key, der, err := loadRoot(certPath, keyPath); err == nil {
		a.rootCert, a.rootKey, a.rootDER = cert, key, der
		a.log.Debug("loaded existing root certificate", "path", certPath)
		return a, nil
	}

	cert, key, der, err := generateRoot()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootGeneration, err)
	}

	if err := persistRoot(dir, certPath, keyPath, der, key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootGeneration, err)
	}

	a.rootCert, a.rootKey, a.rootDER = cert, key, der
	a.log.Info("generated new root certificate", "path", certPath)
	return a, nil
}

func loadRoot(certPath, keyPath string) (*x509.Certificate, *ecdsa.PrivateKey, []byte, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, nil, nil, fmt.Errorf("no certificate block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, nil, fmt.Errorf("no key block in %s", keyPath)
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, nil, err
	}

	return cert, key, certBlock.Bytes, nil
}

func generateRoot() (*x509.Certificate, *ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "mitmscan Root CA",
			Organization: []string{"mitmscan"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, err
	}

	return cert, key, der, nil
}

func persistRoot(dir, certPath, keyPath string, der []byte, key *ecdsa.PrivateKey) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return err
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return os.WriteFile(keyPath, keyPEM, 0o600)
}

// GetOrCreateLeaf returns a cached, still-valid leaf certificate for
// host, issuing and caching a new one on miss or approaching expiry.
// The returned certificate chain includes the root so clients that
// expect a full chain can validate.
func (a *Authority) GetOrCreateLeaf(host string) (tls.Certificate, error) {
	a.mu.RLock()
	entry, ok := a.leaves[host]
	a.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt.Add(-renewBefore)) {
		return entry.cert, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Another goroutine may have issued while we waited for the lock.
	if entry, ok := a.leaves[host]; ok && time.Now().Before(entry.expiresAt.Add(-renewBefore)) {
		return entry.cert, nil
	}

	cert, expiresAt, err := a.issueLeaf(host)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: host %s: %v", ErrLeafSigning, host, err)
	}

	a.leaves[host] = leafEntry{cert: cert, expiresAt: expiresAt}
	a.log.Debug("issued leaf certificate", "host", host, "expires", expiresAt)
	return cert, nil
}

func (a *Authority) issueLeaf(host string) (tls.Certificate, time.Time, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}

	serial, err := randomSerial()
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}

	now := time.Now()
	expiresAt := now.Add(a.leafTTL)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     expiresAt,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, a.rootCert, &key.PublicKey, a.rootKey)
	if err != nil {
		return tls.Certificate{}, time.Time{}, err
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der, a.rootDER},
		PrivateKey:  key,
	}
	return cert, expiresAt, nil
}

// RootCertPEM returns the PEM-encoded root certificate for export, so
// clients can install it as a trusted authority.
func (a *Authority) RootCertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.rootDER})
}

// Fingerprint returns the colon-separated SHA-256 fingerprint of the
// root certificate.
func (a *Authority) Fingerprint() string {
	sum := sha256.Sum256(a.rootDER)
	hexStr := hex.EncodeToString(sum[:])
	out := make([]byte, 0, len(hexStr)+len(hexStr)/2)
	for i := 0; i < len(hexStr); i += 2 {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, hexStr[i], hexStr[i+1])
	}
	return string(out)
}

// CacheSize returns the number of cached leaf certificates.
func (a *Authority) CacheSize() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.leaves)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}
