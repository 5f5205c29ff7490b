// Package proxy relays requests under fixed path prefixes to fixed upstream origins.
package proxy

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fondiui/fondiui-server/internal/logger"
	"github.com/fondiui/fondiui-server/internal/telemetry"
)

// StatusClientClosedRequest is recorded when the client went away before the upstream answered.
const StatusClientClosedRequest = 499

// DefaultTimeout bounds the wait for upstream response headers.
const DefaultTimeout = 30 * time.Second

// Options configures the upstream side of a Router.
type Options struct {
	// Timeout bounds the wait for upstream response headers. Zero means DefaultTimeout.
	Timeout time.Duration
	// RootCAs verifies upstream certificates. Nil means the system roots.
	RootCAs *x509.CertPool
	// Retry controls re-dialing of bodiless idempotent requests. Zero means DefaultRetryPolicy.
	Retry RetryPolicy
	// Transport replaces the transport built from Timeout, RootCAs and Retry.
	Transport http.RoundTripper
	Metrics   *telemetry.Metrics
}

// Router evaluates its rules in order; the first matching rule handles the
// request and nothing after it is consulted.
type Router struct {
	routes []*route
}

type route struct {
	rule    Rule
	proxy   *httputil.ReverseProxy
	metrics *telemetry.Metrics
	attrs   attribute.Set
}

// NewRouter validates the rules and builds one reverse proxy per rule.
// Overlapping prefixes are rejected rather than resolved by order.
func NewRouter(rules []Rule, opts Options) (*Router, error) {
	if len(rules) == 0 {
		return nil, errors.New("at least one proxy rule is required")
	}
	for i, rule := range rules {
		if err := rule.validate(); err != nil {
			return nil, err
		}
		for _, prev := range rules[:i] {
			if overlaps(prev, rule) {
				return nil, fmt.Errorf("rule %s prefix %q overlaps rule %s prefix %q", rule.Name, rule.Prefix, prev.Name, prev.Prefix)
			}
		}
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewMetrics(nil)
	}
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(opts.Timeout, opts.RootCAs, opts.Retry)
	}

	r := &Router{}
	for _, rule := range rules {
		rt := &route{
			rule:    rule,
			metrics: opts.Metrics,
			attrs:   attribute.NewSet(attribute.String("rule", rule.Name)),
		}
		rt.proxy = &httputil.ReverseProxy{
			Rewrite:        rt.rewrite,
			Transport:      transport,
			FlushInterval:  -1,
			ModifyResponse: rt.modifyResponse,
			ErrorHandler:   rt.handleError,
		}
		r.routes = append(r.routes, rt)
	}

	return r, nil
}

// Match returns the rule that would handle path.
func (r *Router) Match(path string) (Rule, bool) {
	for _, rt := range r.routes {
		if rt.rule.Match(path) {
			return rt.rule, true
		}
	}
	return Rule{}, false
}

// Handler relays matching requests and hands everything else to next.
func (r *Router) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		for _, rt := range r.routes {
			if rt.rule.Match(req.URL.Path) {
				rt.ServeHTTP(w, req)
				return
			}
		}
		next.ServeHTTP(w, req)
	})
}

// requestIDKey holds the id the access log assigned, for responses where the
// upstream did not send its own.
type requestIDKey struct{}

func (rt *route) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := zerolog.Ctx(r.Context()).With().Str("rule", rt.rule.Name).Logger().WithContext(r.Context())

	// The proxy adds upstream headers to ours, so a second X-Request-Id would
	// reach the client.
	if id := w.Header().Get(logger.RequestIDHeader); id != "" {
		w.Header().Del(logger.RequestIDHeader)
		ctx = context.WithValue(ctx, requestIDKey{}, id)
	}
	m := httpsnoop.CaptureMetrics(rt.proxy, w, r.WithContext(ctx))

	attrs := metric.WithAttributeSet(attribute.NewSet(
		attribute.String("rule", rt.rule.Name),
		attribute.String("status_class", statusClass(m.Code)),
	))
	rt.metrics.ProxyRequestsTotal.Add(ctx, 1, attrs)
	rt.metrics.ProxyDuration.Record(ctx, float64(m.Duration.Milliseconds()), metric.WithAttributeSet(rt.attrs))
}

func (rt *route) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL.Path, pr.Out.URL.RawPath = rt.rule.stripURL(pr.In.URL)

	pr.SetURL(rt.rule.Upstream)
	if !rt.rule.ChangeOrigin {
		pr.Out.Host = pr.In.Host
	}
}

func (rt *route) modifyResponse(resp *http.Response) error {
	if resp.Header.Get(logger.RequestIDHeader) != "" || resp.Request == nil {
		return nil
	}
	if id, ok := resp.Request.Context().Value(requestIDKey{}).(string); ok {
		resp.Header.Set(logger.RequestIDHeader, id)
	}
	return nil
}

func (rt *route) handleError(w http.ResponseWriter, r *http.Request, err error) {
	log := zerolog.Ctx(r.Context())
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		w.Header().Set(logger.RequestIDHeader, id)
	}
	kind, status := classifyError(r.Context(), err)

	rt.metrics.ProxyErrorsTotal.Add(r.Context(), 1, metric.WithAttributeSet(attribute.NewSet(
		attribute.String("rule", rt.rule.Name),
		attribute.String("kind", kind),
	)))

	if status == StatusClientClosedRequest {
		log.Debug().Err(err).Msg("client went away before upstream responded")
		w.WriteHeader(status)
		return
	}

	log.Warn().Err(err).Str("kind", kind).Str("upstream", rt.rule.Upstream.Host).Msg("upstream request failed")
	http.Error(w, http.StatusText(status), status)
}

// classifyError maps a transport failure to a metric kind and response status.
func classifyError(ctx context.Context, err error) (string, int) {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return "canceled", StatusClientClosedRequest
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", http.StatusGatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", http.StatusGatewayTimeout
	}
	return "connect", http.StatusBadGateway
}

func statusClass(code int) string {
	if code < 100 || code > 999 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// String renders the rule table for startup logs.
func (r *Router) String() string {
	parts := make([]string, 0, len(r.routes))
	for _, rt := range r.routes {
		parts = append(parts, rt.rule.Prefix+" -> "+rt.rule.Upstream.String())
	}
	return strings.Join(parts, ", ")
}
