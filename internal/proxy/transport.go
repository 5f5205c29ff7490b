package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultMaxAttempts = 3
)

// RetryPolicy bounds how often a request that never reached the upstream is re-dialed.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns the policy used for the fixed upstreams.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     defaultMaxAttempts,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// NewTransport builds the upstream transport: certificate verification against
// rootCAs (system roots when nil), bounded dial and header wait, retries for
// failed dials of bodiless idempotent requests, and otelhttp client spans.
func NewTransport(responseHeaderTimeout time.Duration, rootCAs *x509.CertPool, retry RetryPolicy) http.RoundTripper {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = (&net.Dialer{
		Timeout:   defaultDialTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	base.TLSHandshakeTimeout = defaultDialTimeout
	base.ResponseHeaderTimeout = responseHeaderTimeout
	base.TLSClientConfig = &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    rootCAs,
	}
	base.MaxIdleConnsPerHost = 20

	return otelhttp.NewTransport(&retryTransport{next: base, policy: retry})
}

type retryTransport struct {
	next   http.RoundTripper
	policy RetryPolicy
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !replayable(req) || t.policy.MaxAttempts <= 1 {
		return t.next.RoundTrip(req)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.policy.InitialInterval
	b.MaxInterval = t.policy.MaxInterval

	return backoff.Retry(req.Context(), func() (*http.Response, error) {
		resp, err := t.next.RoundTrip(req)
		if err != nil && !isDialError(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(t.policy.MaxAttempts))
}

// replayable reports whether req can be sent again without side effects.
func replayable(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
	default:
		return false
	}
	return req.Body == nil || req.Body == http.NoBody
}

// isDialError reports whether err happened before any byte reached the upstream.
func isDialError(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
