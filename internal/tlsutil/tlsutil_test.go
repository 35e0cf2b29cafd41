package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func leafOf(t *testing.T, cert *tls.Certificate) *x509.Certificate {
	t.Helper()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return leaf
}

func TestSelfSigned_Defaults(t *testing.T) {
	t.Parallel()

	cert, err := SelfSigned()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	leaf := leafOf(t, cert)

	if leaf.Subject.CommonName != "localhost" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "localhost")
	}
	if !slices.Contains(leaf.DNSNames, "localhost") {
		t.Errorf("DNS SANs: %v does not contain localhost", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "127.0.0.1" {
		t.Errorf("IP SANs: got %v, want [127.0.0.1]", leaf.IPAddresses)
	}

	validity := leaf.NotAfter.Sub(leaf.NotBefore)
	if validity < selfSignedValidity || validity > selfSignedValidity+time.Hour {
		t.Errorf("validity: got %v, want about %v", validity, selfSignedValidity)
	}

	key, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		t.Fatal("public key is not ECDSA")
	}
	if key.Curve != elliptic.P256() {
		t.Errorf("curve: got %v, want P-256", key.Curve.Params().Name)
	}
	if leaf.Issuer.CommonName != leaf.Subject.CommonName {
		t.Errorf("issuer CN %q does not match subject CN %q", leaf.Issuer.CommonName, leaf.Subject.CommonName)
	}
}

func TestServerConfig_SelfSignedForHostname(t *testing.T) {
	t.Parallel()

	cfg, mode, err := ServerConfig("", "", "relay.shop.test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != ModeSelfSigned {
		t.Errorf("mode: got %q, want %q", mode, ModeSelfSigned)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion: got %d, want TLS 1.2", cfg.MinVersion)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates: got %d, want 1", len(cfg.Certificates))
	}

	leaf := leafOf(t, &cfg.Certificates[0])
	if leaf.Subject.CommonName != "relay.shop.test" {
		t.Errorf("CN: got %q, want %q", leaf.Subject.CommonName, "relay.shop.test")
	}
	if !slices.Contains(leaf.DNSNames, "localhost") {
		t.Errorf("DNS SANs: %v does not contain localhost", leaf.DNSNames)
	}
}

func TestServerConfig_FromFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certFile, keyFile := writeKeyPair(t, dir)

	cfg, mode, err := ServerConfig(certFile, keyFile, "ignored")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mode != ModeFile {
		t.Errorf("mode: got %q, want %q", mode, ModeFile)
	}
	if len(cfg.Certificates) != 1 {
		t.Errorf("Certificates: got %d, want 1", len(cfg.Certificates))
	}
}

func TestServerConfig_FileNotFound(t *testing.T) {
	t.Parallel()

	if _, _, err := ServerConfig("/nonexistent/cert.pem", "/nonexistent/key.pem", ""); err == nil {
		t.Error("expected error for nonexistent files, got nil")
	}
}

func TestClientConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certFile, _ := writeKeyPair(t, dir)

	cfg, err := ClientConfig("", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs != nil || cfg.InsecureSkipVerify {
		t.Error("default client config should use system roots with verification")
	}

	cfg, err = ClientConfig(certFile, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("RootCAs should be set from CA file")
	}
	if !cfg.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be set")
	}

	junk := filepath.Join(dir, "junk.pem")
	if err := os.WriteFile(junk, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ClientConfig(junk, false); !errors.Is(err, ErrNoCertificates) {
		t.Errorf("got %v, want ErrNoCertificates", err)
	}
}

// writeKeyPair stores a fresh self-signed pair as PEM files in dir.
func writeKeyPair(t *testing.T, dir string) (string, string) {
	t.Helper()

	cert, err := SelfSigned("localhost")
	if err != nil {
		t.Fatalf("SelfSigned: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(certFile, certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}
