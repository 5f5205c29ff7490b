package server

import (
	"io"
	"net/http"

	"filippo.io/csrf"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	httpmiddleware "github.com/fondiui/fondiui-server/internal/http"
	"github.com/fondiui/fondiui-server/internal/logger"
	"github.com/fondiui/fondiui-server/internal/proxy"
	"github.com/fondiui/fondiui-server/internal/telemetry"
)

// HealthPath answers load balancer probes on either listener without redirecting.
const HealthPath = "/healthz"

// NewHandler assembles the pipeline shared by both listeners:
// client IP, access log, health probe, optional https redirect, proxy rules,
// then the static app behind cross-origin protection.
func NewHandler(cfg *Config, router *proxy.Router, static http.Handler, metrics *telemetry.Metrics, log zerolog.Logger) http.Handler {
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}

	protection := csrf.New()
	app := router.Handler(protection.Handler(static))

	if len(cfg.CORSOrigins) > 0 {
		proxied := withCORS(cfg.CORSOrigins, app)
		plain := app
		app = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Proxied prefixes get CORS, app routes get CSRF
			if _, ok := router.Match(r.URL.Path); ok {
				proxied.ServeHTTP(w, r)
				return
			}
			plain.ServeHTTP(w, r)
		})
	}

	if cfg.RedirectHTTPToHTTPS {
		app = httpmiddleware.RedirectToHTTPS(cfg.HTTPSPort, func(r *http.Request) {
			metrics.RedirectsTotal.Add(r.Context(), 1)
		})(app)
	}

	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == HealthPath {
			healthz(w, r)
			return
		}
		app.ServeHTTP(w, r)
	})

	h = logger.HTTPRequests(log)(h)
	return httpmiddleware.TrackClientIP(h)
}

func healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// withCORS lets a UI served from another origin call the proxied prefixes.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept", "X-Requested-With"},
		ExposedHeaders:   []string{logger.RequestIDHeader},
		AllowCredentials: true,
	})
	return middleware.Handler(h)
}
