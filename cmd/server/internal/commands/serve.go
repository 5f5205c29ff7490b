package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fondiui/fondiui-server/internal/logger"
	"github.com/fondiui/fondiui-server/internal/pki"
	"github.com/fondiui/fondiui-server/internal/proxy"
	"github.com/fondiui/fondiui-server/internal/server"
	"github.com/fondiui/fondiui-server/internal/spa"
	"github.com/fondiui/fondiui-server/internal/telemetry"
)

// expiryWarning is how far ahead a loaded certificate's expiry is reported.
const expiryWarning = 30 * 24 * time.Hour

type ServeCmd struct {
	// Listeners
	Port                int  `name:"port" help:"plaintext listener port" default:"32100" env:"PORT"`
	HTTPSPort           int  `name:"https-port" help:"HTTPS listener port" default:"443" env:"HTTPS_PORT"`
	RedirectHTTPToHTTPS bool `name:"redirect-http-to-https" help:"redirect plaintext requests to the HTTPS port" default:"false" env:"REDIRECT_HTTP_TO_HTTPS"`

	// TLS material, first configured source wins
	PFXPath       string `name:"https-pfx-path" help:"path to a PKCS#12 bundle" default:"" env:"HTTPS_PFX_PATH"`
	PFXPassphrase string `name:"https-pfx-passphrase" help:"passphrase of the PKCS#12 bundle" default:"" env:"HTTPS_PFX_PASSPHRASE"`
	CertPath      string `name:"https-cert-path" help:"path to a PEM certificate" default:"" env:"HTTPS_CERT_PATH"`
	KeyPath       string `name:"https-key-path" help:"path to a PEM private key" default:"" env:"HTTPS_KEY_PATH"`
	SelfSignedTLS bool   `name:"enable-self-signed-https" help:"generate a self-signed certificate when no other source is set" default:"false" env:"ENABLE_SELF_SIGNED_HTTPS"`
	ExternalIP    string `name:"external-ip" help:"extra IP SAN for the self-signed certificate" default:"" env:"EXTERNAL_IP"`

	// App and upstreams
	StaticDir       string        `name:"static-dir" help:"directory holding the built app" default:"dist" env:"STATIC_DIR"`
	IndexFile       string        `name:"index-file" help:"entry document served for client side routes" default:"index.html" env:"INDEX_FILE"`
	UpstreamTimeout time.Duration `name:"upstream-timeout" help:"how long to wait for upstream response headers" default:"30s" env:"UPSTREAM_TIMEOUT"`
	CORSOrigins     []string      `name:"cors-origins" help:"origins allowed to call the proxied prefixes" env:"CORS_ORIGINS"`

	// Operational
	Tracing         bool          `name:"tracing" help:"enable tracing and metrics export" default:"false" env:"OTEL_ENABLED"`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" help:"grace period for in-flight requests on shutdown" default:"10s" env:"SHUTDOWN_TIMEOUT"`
}

// Config converts the parsed flags into the server configuration.
func (c *ServeCmd) Config() *server.Config {
	return &server.Config{
		Port:                c.Port,
		HTTPSPort:           c.HTTPSPort,
		RedirectHTTPToHTTPS: c.RedirectHTTPToHTTPS,
		TLS: pki.Config{
			PFXPath:       c.PFXPath,
			PFXPassphrase: c.PFXPassphrase,
			CertPath:      c.CertPath,
			KeyPath:       c.KeyPath,
			SelfSigned:    c.SelfSignedTLS,
			ExternalIP:    c.ExternalIP,
		},
		StaticDir:       c.StaticDir,
		IndexFile:       c.IndexFile,
		UpstreamTimeout: c.UpstreamTimeout,
		CORSOrigins:     c.CORSOrigins,
	}
}

// Validate is called by kong after parsing.
func (c *ServeCmd) Validate() error {
	return c.Config().Validate()
}

func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Setup telemetry if enabled
	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, log, "fondiui-server", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}
	metrics := telemetry.NewMetrics(nil)

	cfg := c.Config()

	now := time.Now()
	material, err := pki.Resolve(cfg.TLS, now)
	if err != nil {
		return fmt.Errorf("failed to load TLS material: %w", err)
	}
	if material != nil {
		log.Info().Object("tls", material).Msg("HTTPS enabled")
		if material.Source != pki.SourceSelfSigned && material.ExpiresWithin(now, expiryWarning) {
			log.Warn().Time("not_after", material.Leaf.NotAfter).Msg("TLS certificate is expired or expires soon")
		}
	} else {
		log.Info().Msg("HTTPS disabled, no certificate source configured")
	}

	router, err := proxy.NewRouter(proxy.DefaultRules(), proxy.Options{
		Timeout: cfg.UpstreamTimeout,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create proxy router: %w", err)
	}
	log.Info().Str("rules", router.String()).Msg("Proxy rules registered")

	static, err := spa.New(cfg.StaticDir, cfg.IndexFile)
	if err != nil {
		return fmt.Errorf("failed to load static app: %w", err)
	}

	srv := server.New(cfg, material, server.NewHandler(cfg, router, static, metrics, log), log)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	runErr := wait(ctx, srv.Err(), log)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown server gracefully")
	}

	return runErr
}

// wait blocks until ctx is done or the plaintext listener fails. HTTPS failures
// are already logged by the server and leave plaintext serving.
func wait(ctx context.Context, errs <-chan error, log zerolog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Shutting down")
			return nil
		case err := <-errs:
			var lerr *server.ListenerError
			if errors.As(err, &lerr) && !lerr.Fatal() {
				log.Warn().Err(err).Msg("Continuing without HTTPS")
				continue
			}
			return err
		}
	}
}
