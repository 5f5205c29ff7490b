package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/fondiui/fondiui-server"
)

// Metrics holds the OpenTelemetry metric instruments for the edge server.
type Metrics struct {
	ProxyRequestsTotal metric.Int64Counter
	ProxyErrorsTotal   metric.Int64Counter
	ProxyDuration      metric.Float64Histogram
	RedirectsTotal     metric.Int64Counter
}

// NewMetrics creates the instruments from the meter provider. A nil provider means
// the global one, which is a no-op until InitTelemetry installs a real provider.
func NewMetrics(provider metric.MeterProvider) *Metrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &Metrics{}

	m.ProxyRequestsTotal, _ = meter.Int64Counter(
		"fondiui.proxy.requests.total",
		metric.WithDescription("Total number of requests relayed to an upstream"),
		metric.WithUnit("{request}"),
	)

	m.ProxyErrorsTotal, _ = meter.Int64Counter(
		"fondiui.proxy.errors.total",
		metric.WithDescription("Total number of relayed requests that failed before an upstream response"),
		metric.WithUnit("{error}"),
	)

	m.ProxyDuration, _ = meter.Float64Histogram(
		"fondiui.proxy.duration",
		metric.WithDescription("Duration of relayed requests until response headers"),
		metric.WithUnit("ms"),
	)

	m.RedirectsTotal, _ = meter.Int64Counter(
		"fondiui.http.redirects.total",
		metric.WithDescription("Total number of plaintext requests redirected to https"),
		metric.WithUnit("{request}"),
	)

	return m
}
