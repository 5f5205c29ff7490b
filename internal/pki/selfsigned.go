package pki

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

const (
	// SelfSignedValidity is how long a generated certificate stays valid.
	SelfSignedValidity = 365 * 24 * time.Hour
	// SelfSignedKeyBits is the RSA key size of a generated certificate.
	SelfSignedKeyBits = 2048

	selfSignedCommonName = "localhost"
)

// GenerateSelfSigned creates an in-memory certificate for localhost valid from now
// for SelfSignedValidity. SANs are DNS localhost and IP 127.0.0.1, plus externalIP
// when it is non-empty.
func GenerateSelfSigned(now time.Time, externalIP string) (*Material, error) {
	ips := []net.IP{net.IPv4(127, 0, 0, 1)}
	if externalIP != "" {
		ip := net.ParseIP(externalIP)
		if ip == nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidExternalIP, externalIP)
		}
		ips = append(ips, ip)
	}

	key, err := rsa.GenerateKey(rand.Reader, SelfSignedKeyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: selfSignedCommonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(SelfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           ips,
	}

	der, err := selfSigner{key: key}.signCertificate(template)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return &Material{
		Source: SourceSelfSigned,
		Certificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  key,
			Leaf:        leaf,
		},
		Leaf: leaf,
	}, nil
}
