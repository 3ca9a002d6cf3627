// Package tlstest mints a throwaway CA and session TLS settings for
// acceptor and initiator tests. Files land in the test's temp dir.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/fixctl/internal/session"
)

// CA signs leaf certificates for loopback sessions.
type CA struct {
	dir    string
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	serial atomic.Int64
	file   string
}

func NewCA(t testing.TB) *CA {
	t.Helper()
	ca := &CA{dir: t.TempDir()}
	ca.serial.Store(1)
	ca.key = newKey(t)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "fixctl test ca"},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(2 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &ca.key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("tlstest: self-sign ca: %v", err)
	}
	if ca.cert, err = x509.ParseCertificate(der); err != nil {
		t.Fatalf("tlstest: parse ca: %v", err)
	}
	ca.file = ca.writePEM(t, "ca.pem", "CERTIFICATE", der)
	return ca
}

// File is the PEM path of the CA certificate.
func (ca *CA) File() string { return ca.file }

// ServerTLS returns acceptor settings valid for 127.0.0.1 and localhost.
// With mutual set, initiators must present a certificate from this CA.
func (ca *CA) ServerTLS(t testing.TB, mutual bool) session.TLSConfig {
	t.Helper()
	cert, key := ca.issue(t, "acceptor", x509.ExtKeyUsageServerAuth, "localhost", "127.0.0.1", "::1")
	cfg := session.TLSConfig{Enabled: true, Mutual: mutual, CertFile: cert, KeyFile: key}
	if mutual {
		cfg.CAFile = ca.file
	}
	return cfg
}

// ClientTLS returns initiator settings that trust this CA. With mutual set
// the client presents a certificate whose CommonName is compID.
func (ca *CA) ClientTLS(t testing.TB, compID string, mutual bool) session.TLSConfig {
	t.Helper()
	cfg := session.TLSConfig{Enabled: true, Mutual: mutual, CAFile: ca.file}
	if mutual {
		cfg.CertFile, cfg.KeyFile = ca.issue(t, compID, x509.ExtKeyUsageClientAuth)
	}
	return cfg
}

func (ca *CA) issue(t testing.TB, name string, usage x509.ExtKeyUsage, hosts ...string) (string, string) {
	t.Helper()
	key := newKey(t)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(ca.serial.Add(1)),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		t.Fatalf("tlstest: sign %s: %v", name, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("tlstest: marshal %s key: %v", name, err)
	}
	cert := ca.writePEM(t, name+".crt.pem", "CERTIFICATE", der)
	keyPath := ca.writePEM(t, name+".key.pem", "EC PRIVATE KEY", keyDER)
	return cert, keyPath
}

func (ca *CA) writePEM(t testing.TB, name, blockType string, der []byte) string {
	t.Helper()
	path := filepath.Join(ca.dir, name)
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der}), 0o600); err != nil {
		t.Fatalf("tlstest: write %s: %v", name, err)
	}
	return path
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("tlstest: generate key: %v", err)
	}
	return key
}
