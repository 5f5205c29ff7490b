package pki

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Source identifies where the server's TLS credentials came from.
type Source string

const (
	SourcePFX        Source = "pfx"
	SourcePEM        Source = "pem"
	SourceSelfSigned Source = "self-signed"
)

var (
	// ErrIncompletePEMPair is returned when only one of the certificate and key paths is set.
	ErrIncompletePEMPair = errors.New("both HTTPS_CERT_PATH and HTTPS_KEY_PATH must be set")
	// ErrInvalidExternalIP is returned when EXTERNAL_IP is not an IP address.
	ErrInvalidExternalIP = errors.New("external IP is not a valid IP address")
)

// Config selects the TLS credential source. The first configured source wins:
// PFX bundle, then PEM pair, then self-signed generation.
type Config struct {
	PFXPath       string
	PFXPassphrase string
	CertPath      string
	KeyPath       string
	SelfSigned    bool
	ExternalIP    string
}

// Material holds the resolved server credentials for the lifetime of the TLS listener.
type Material struct {
	Source      Source
	Certificate tls.Certificate
	Leaf        *x509.Certificate
}

// TLSConfig builds the server TLS configuration for the material.
func (m *Material) TLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{m.Certificate},
	}
}

// ExpiresWithin reports whether the leaf certificate is expired or expires within d of now.
func (m *Material) ExpiresWithin(now time.Time, d time.Duration) bool {
	if m.Leaf == nil {
		return false
	}
	return now.Add(d).After(m.Leaf.NotAfter)
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (m *Material) MarshalZerologObject(e *zerolog.Event) {
	e.Str("source", string(m.Source))
	if m.Leaf == nil {
		return
	}
	e.Str("subject", m.Leaf.Subject.CommonName).
		Strs("dns_names", m.Leaf.DNSNames).
		Strs("ip_addresses", ipStrings(m.Leaf.IPAddresses)).
		Time("not_after", m.Leaf.NotAfter)
}

func ipStrings(ips []net.IP) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, ip.String())
	}
	return out
}
