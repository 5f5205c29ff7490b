package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fondiui/fondiui-server/internal/pki"
)

// Config is the process configuration, fixed at startup.
type Config struct {
	// Host is the interface both listeners bind to. Empty means all interfaces.
	Host string

	Port      int
	HTTPSPort int

	RedirectHTTPToHTTPS bool

	TLS pki.Config

	StaticDir string
	IndexFile string

	UpstreamTimeout time.Duration
	CORSOrigins     []string
}

// Validate checks ports and addresses before anything is bound.
func (c *Config) Validate() error {
	if err := validatePort("PORT", c.Port); err != nil {
		return err
	}
	if err := validatePort("HTTPS_PORT", c.HTTPSPort); err != nil {
		return err
	}
	if c.TLS.ExternalIP != "" && net.ParseIP(c.TLS.ExternalIP) == nil {
		return fmt.Errorf("EXTERNAL_IP %q: %w", c.TLS.ExternalIP, pki.ErrInvalidExternalIP)
	}
	if c.StaticDir == "" {
		return errors.New("static directory is required")
	}
	if c.UpstreamTimeout < 0 {
		return errors.New("upstream timeout must not be negative")
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func (c *Config) addr(port int) string {
	return net.JoinHostPort(c.Host, fmt.Sprint(port))
}
