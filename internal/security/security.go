// Package security builds TLS configurations for the collector's tcp
// listeners. A field bridge forwarding a serial console across the open
// network is the one place meshcollect terminates TLS itself; forwarder
// clients bring their own TLS stacks.
package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig holds the listener TLS settings of one tcp source.
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	// CAFile turns on mutual TLS: bridges must present a certificate
	// signed by this CA.
	CAFile     string
	MinVersion uint16
}

// LoadTLSConfig builds the listener configuration. A disabled config
// returns nil so callers fall back to plaintext.
func LoadTLSConfig(cfg *TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, fmt.Errorf("tls enabled but certificate or key missing")
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate and key: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   cfg.MinVersion,
	}
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, nil
}
