package pki

import (
	"time"
)

// Resolve picks the TLS credential source in priority order and loads it.
// It returns nil material and a nil error when no source is configured, which
// means HTTPS is disabled. A configured source that cannot be loaded is an
// error; it never falls through to a lower-priority source.
func Resolve(cfg Config, now time.Time) (*Material, error) {
	switch {
	case cfg.PFXPath != "":
		return LoadPFX(cfg.PFXPath, cfg.PFXPassphrase)
	case cfg.CertPath != "" && cfg.KeyPath != "":
		return LoadPEM(cfg.CertPath, cfg.KeyPath)
	case cfg.CertPath != "" || cfg.KeyPath != "":
		return nil, ErrIncompletePEMPair
	case cfg.SelfSigned:
		return GenerateSelfSigned(now, cfg.ExternalIP)
	default:
		return nil, nil
	}
}
