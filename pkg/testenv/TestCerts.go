// Package testenv with self-signed certificates and simulated services for
// use in tests.
package testenv

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path"
	"time"
)

// TestCerts holds a self-signed CA with a server certificate for localhost.
// Intended for TLS tests only.
type TestCerts struct {
	CaCert *x509.Certificate
	CaKey  *ecdsa.PrivateKey

	ServerCert *tls.Certificate

	// PEM encoded forms for tests that read certificate files
	CaCertPEM     []byte
	ServerCertPEM []byte
	ServerKeyPEM  []byte
}

// CreateTestCerts generates a CA and a localhost server certificate.
// Generation failures panic; this runs in tests only.
func CreateTestCerts() *TestCerts {
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"servient test CA"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		panic(err)
	}
	caCert, _ := x509.ParseCertificate(caDER)

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	serverDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		panic(err)
	}
	serverKeyDER, _ := x509.MarshalECPrivateKey(serverKey)

	certs := &TestCerts{
		CaCert:        caCert,
		CaKey:         caKey,
		CaCertPEM:     pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER}),
		ServerCertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: serverDER}),
		ServerKeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: serverKeyDER}),
	}
	serverCert, err := tls.X509KeyPair(certs.ServerCertPEM, certs.ServerKeyPEM)
	if err != nil {
		panic(err)
	}
	certs.ServerCert = &serverCert
	return certs
}

// SavePEM writes the CA and server certificate PEM files into the folder and
// returns their paths: caCert.pem, serverCert.pem and serverKey.pem.
func (certs *TestCerts) SavePEM(folder string) (caPath string, certPath string, keyPath string, err error) {
	caPath = path.Join(folder, "caCert.pem")
	certPath = path.Join(folder, "serverCert.pem")
	keyPath = path.Join(folder, "serverKey.pem")
	if err = os.WriteFile(caPath, certs.CaCertPEM, 0600); err != nil {
		return
	}
	if err = os.WriteFile(certPath, certs.ServerCertPEM, 0600); err != nil {
		return
	}
	err = os.WriteFile(keyPath, certs.ServerKeyPEM, 0600)
	return
}

// ServerTLSConfig returns the TLS configuration of a test server using the
// generated server certificate.
func (certs *TestCerts) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{*certs.ServerCert},
		MinVersion:   tls.VersionTLS12,
	}
}

// ClientTLSConfig returns the TLS configuration of a test client trusting
// the generated CA.
func (certs *TestCerts) ClientTLSConfig() *tls.Config {
	caPool := x509.NewCertPool()
	caPool.AddCert(certs.CaCert)
	return &tls.Config{
		RootCAs:    caPool,
		MinVersion: tls.VersionTLS12,
	}
}
