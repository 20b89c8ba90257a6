package netrepeater

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// ServerTLSOptions describes the certificate material of an inbound TLS
// listener, referenced by file paths as they appear in the server config.
type ServerTLSOptions struct {
	CertPath string
	KeyPath  string

	// CA bundle used to verify client certificates when VerifyClient is
	// set.
	ClientCAPath string
	VerifyClient bool
}

// Build returns the tls.Config a RepeatListener uses to terminate inbound
// TLS sessions.
func (o ServerTLSOptions) Build() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(o.CertPath, o.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate from %s: %w", o.CertPath, err)
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	if o.VerifyClient {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if o.ClientCAPath != "" {
		pool, err := loadCertPool(o.ClientCAPath)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// ClientTLSOptions describes the TLS session a forwarder establishes with
// its upstream: the server name presented for SNI and verification, an
// optional CA bundle and an optional client certificate.
type ClientTLSOptions struct {
	ServerName string
	CAPath     string
	CertPath   string
	KeyPath    string
}

// Build returns the tls.Config handed to a TLSDialer.
func (o ClientTLSOptions) Build() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: o.ServerName,
	}
	if o.CAPath != "" {
		pool, err := loadCertPool(o.CAPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if o.CertPath == "" && o.KeyPath == "" {
		return cfg, nil
	}
	cert, err := tls.LoadX509KeyPair(o.CertPath, o.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate from %s: %w", o.CertPath, err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(b); !ok {
		return nil, fmt.Errorf("no CA certificates found in %s", path)
	}
	return pool, nil
}
