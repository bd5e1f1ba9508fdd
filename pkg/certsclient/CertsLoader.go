// Package certsclient with helpers to load certificates and build the TLS
// configurations of the binding servers and clients.
package certsclient

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// LoadX509CertFromPEM loads an x509 certificate from a PEM file
func LoadX509CertFromPEM(pemPath string) (*x509.Certificate, error) {
	pemEncoded, err := os.ReadFile(pemPath)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(pemEncoded)
	if block == nil {
		return nil, fmt.Errorf("certificate file '%s' is not in PEM format", pemPath)
	}
	return x509.ParseCertificate(block.Bytes)
}

// LoadTLSCertFromPEM loads a TLS certificate with its private key from a
// pair of PEM files.
func LoadTLSCertFromPEM(certPath string, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// LoadCAPool loads a certificate pool with the CA certificate of the file
func LoadCAPool(caPath string) (*x509.CertPool, error) {
	pemEncoded, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(pemEncoded) {
		return nil, fmt.Errorf("CA file '%s' holds no usable certificate", caPath)
	}
	return caPool, nil
}

// ServerTLSConfig builds the TLS configuration of a binding server from its
// certificate and key files.
func ServerTLSConfig(certPath string, keyPath string) (*tls.Config, error) {
	cert, err := LoadTLSCertFromPEM(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("can't load the server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the TLS configuration of a binding client that
// trusts the given CA. An empty path returns a config trusting the system
// pool.
func ClientTLSConfig(caPath string) (*tls.Config, error) {
	if caPath == "" {
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
	caPool, err := LoadCAPool(caPath)
	if err != nil {
		logrus.Warningf("ClientTLSConfig: %s", err)
		return nil, err
	}
	return &tls.Config{
		RootCAs:    caPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
