package pki

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
)

// selfSigner signs a template with the private key matching the template's own
// public key, so the resulting certificate is its own issuer.
type selfSigner struct {
	key crypto.Signer
}

// signCertificate returns the DER encoding of template signed by itself.
func (s selfSigner) signCertificate(template *x509.Certificate) ([]byte, error) {
	return x509.CreateCertificate(rand.Reader, template, template, s.key.Public(), s.key)
}
