package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeCertPair writes a self-signed certificate and key under dir and
// returns their paths.
func writeCertPair(t *testing.T, dir string) (string, string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "bridge-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPath := filepath.Join(dir, "cert.pem")
	certOut, err := os.Create(certPath)
	if err != nil {
		t.Fatalf("create cert file: %v", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("encode certificate: %v", err)
	}
	certOut.Close()

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPath := filepath.Join(dir, "key.pem")
	keyOut, err := os.Create(keyPath)
	if err != nil {
		t.Fatalf("create key file: %v", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		t.Fatalf("encode key: %v", err)
	}
	keyOut.Close()

	return certPath, keyPath
}

func TestLoadTLSConfigDisabled(t *testing.T) {
	cfg, err := LoadTLSConfig(&TLSConfig{Enabled: false})
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}
	if cfg != nil {
		t.Fatal("disabled config should yield nil")
	}
}

func TestLoadTLSConfigListener(t *testing.T) {
	certPath, keyPath := writeCertPair(t, t.TempDir())

	cfg, err := LoadTLSConfig(&TLSConfig{
		Enabled:  true,
		CertFile: certPath,
		KeyFile:  keyPath,
	})
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}

	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates = %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("min version = %x, want TLS 1.2", cfg.MinVersion)
	}
	if cfg.ClientAuth != tls.NoClientCert {
		t.Errorf("client auth = %v without a CA", cfg.ClientAuth)
	}
}

func TestLoadTLSConfigMutual(t *testing.T) {
	certPath, keyPath := writeCertPair(t, t.TempDir())

	cfg, err := LoadTLSConfig(&TLSConfig{
		Enabled:  true,
		CertFile: certPath,
		KeyFile:  keyPath,
		CAFile:   certPath,
	})
	if err != nil {
		t.Fatalf("LoadTLSConfig: %v", err)
	}

	if cfg.ClientCAs == nil {
		t.Error("client CA pool not set")
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("client auth = %v, want RequireAndVerifyClientCert", cfg.ClientAuth)
	}
}

func TestLoadTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeCertPair(t, dir)

	garbage := filepath.Join(dir, "garbage.pem")
	if err := os.WriteFile(garbage, []byte("not a certificate"), 0644); err != nil {
		t.Fatalf("write garbage: %v", err)
	}

	tests := []struct {
		name string
		cfg  TLSConfig
	}{
		{"missing key", TLSConfig{Enabled: true, CertFile: certPath}},
		{"missing cert", TLSConfig{Enabled: true, KeyFile: keyPath}},
		{"cert not found", TLSConfig{Enabled: true, CertFile: filepath.Join(dir, "nope.pem"), KeyFile: keyPath}},
		{"bad ca", TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath, CAFile: garbage}},
		{"ca not found", TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath, CAFile: filepath.Join(dir, "noca.pem")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadTLSConfig(&tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
