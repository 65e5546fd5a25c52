// Package tlsutil generates the self-signed TLS identity synclan serves with
// on the local network. There is no certificate authority involved: peers on
// a private network trust the exported certificate directly.
package tlsutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

// DefaultValidity is the lifetime of a generated server identity.
const DefaultValidity = 10 * 365 * 24 * time.Hour

// ServerIdentity is a generated certificate/key pair in PEM form.
type ServerIdentity struct {
	CertPEM []byte
	KeyPEM  []byte
}

// IdentityRequest describes the inputs for a self-signed server identity.
type IdentityRequest struct {
	CommonName string
	Validity   time.Duration
	IPs        []net.IP
	DNSNames   []string
}

// GenerateServerIdentity creates a self-signed ed25519 server certificate
// whose subject alternative names cover the supplied addresses.
func GenerateServerIdentity(req IdentityRequest) (ServerIdentity, error) {
	if req.CommonName == "" {
		req.CommonName = "synclan-server"
	}
	if req.Validity <= 0 {
		req.Validity = DefaultValidity
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ServerIdentity{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return ServerIdentity{}, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: req.CommonName},
		NotBefore:             now.Add(-1 * time.Hour),
		NotAfter:              now.Add(req.Validity),
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	for _, ip := range req.IPs {
		if ip == nil {
			continue
		}
		template.IPAddresses = append(template.IPAddresses, ip)
	}
	for _, name := range req.DNSNames {
		if name == "" {
			continue
		}
		template.DNSNames = append(template.DNSNames, name)
	}
	if len(template.IPAddresses) == 0 && len(template.DNSNames) == 0 {
		return ServerIdentity{}, fmt.Errorf("server identity needs at least one SAN")
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return ServerIdentity{}, fmt.Errorf("create certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return ServerIdentity{}, fmt.Errorf("marshal key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	return ServerIdentity{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// ServerTLSConfig validates a PEM pair by building a usable TLS config from
// it. Callers treat failure as "never persist this pair".
func ServerTLSConfig(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
