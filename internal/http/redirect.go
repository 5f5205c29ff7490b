package http

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const defaultHTTPSPort = 443

// IsSecure reports whether the request arrived over TLS, either on this process's
// own listener or at a load balancer that set X-Forwarded-Proto.
func IsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	proto, _, _ := strings.Cut(r.Header.Get("X-Forwarded-Proto"), ",")
	return strings.EqualFold(strings.TrimSpace(proto), "https")
}

// HTTPSURL builds the https URL for the request: the Host header without its port,
// the https port unless it is 443, then the original path and query.
func HTTPSURL(r *http.Request, httpsPort int) string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	if httpsPort != defaultHTTPSPort {
		host += ":" + strconv.Itoa(httpsPort)
	}

	return "https://" + host + r.URL.RequestURI()
}

// RedirectToHTTPS answers insecure requests with a 301 to the https listener and
// passes secure requests through unmodified.
func RedirectToHTTPS(httpsPort int, onRedirect func(*http.Request)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsSecure(r) {
				next.ServeHTTP(w, r)
				return
			}

			target := HTTPSURL(r, httpsPort)
			zerolog.Ctx(r.Context()).Debug().Str("location", target).Msg("redirecting to https")
			if onRedirect != nil {
				onRedirect(r)
			}
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})
	}
}
