// Package tls builds the TLS configuration for the HTTPS listener, either
// from certificate files or from an in-memory self-signed certificate.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// selfSignedValidity is how long a generated certificate stays valid.
const selfSignedValidity = 90 * 24 * time.Hour

// Source reports where the serving certificate came from.
type Source string

const (
	SourceFiles      Source = "files"
	SourceSelfSigned Source = "self-signed"
)

// Options selects the certificate for the listener.
type Options struct {
	CertFile string
	KeyFile  string
	// Hosts are added as SANs to a generated certificate, next to
	// localhost and 127.0.0.1.
	Hosts []string
}

// GenerateSelfSignedCert creates an in-memory ECDSA P-256 certificate for
// localhost plus the given hosts. Entries that parse as IPs become IP SANs.
func GenerateSelfSignedCert(hosts []string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	dnsNames, ips := splitSANs(append([]string{"localhost", "127.0.0.1"}, hosts...))

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "localhost", Organization: []string{"form-relay"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse generated certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// splitSANs separates IP literals from DNS names and drops duplicates.
func splitSANs(hosts []string) ([]string, []net.IP) {
	seen := make(map[string]bool, len(hosts))
	var dnsNames []string
	var ips []net.IP
	for _, h := range hosts {
		if h == "" || seen[h] {
			continue
		}
		seen[h] = true
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
			continue
		}
		dnsNames = append(dnsNames, h)
	}
	return dnsNames, ips
}

// Load returns a server TLS config. Both files set loads the key pair;
// neither set generates a self-signed certificate.
func Load(opts Options) (*tls.Config, Source, error) {
	var (
		cert   tls.Certificate
		source Source
	)

	switch {
	case opts.CertFile != "" && opts.KeyFile != "":
		if _, err := os.Stat(opts.CertFile); err != nil {
			return nil, "", fmt.Errorf("certificate file not found: %w", err)
		}
		if _, err := os.Stat(opts.KeyFile); err != nil {
			return nil, "", fmt.Errorf("key file not found: %w", err)
		}

		loaded, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cert, source = loaded, SourceFiles

	case opts.CertFile == "" && opts.KeyFile == "":
		generated, err := GenerateSelfSignedCert(opts.Hosts)
		if err != nil {
			return nil, "", fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		cert, source = *generated, SourceSelfSigned

	default:
		return nil, "", fmt.Errorf("certificate and key files must be set together")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"h2", "http/1.1"},
	}, source, nil
}
