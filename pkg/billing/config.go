package billing

import (
	"net/http"
	"time"
)

// DefaultHTTPTimeout is used when Config.HTTPClient is nil.
const DefaultHTTPTimeout = 10 * time.Second

// Config defines the standard configuration all providers should accept
type Config struct {
	// APIKey is used for outbound API calls to the billing provider
	// (customer lookups, session creation, subscription sync).
	APIKey string

	// WebhookSecret is used to verify the signature of incoming webhook requests.
	WebhookSecret string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	// Allows custom timeouts, proxies, or instrumentation (e.g., OpenTelemetry).
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics
}

// MetricsOrNoop returns the configured collector or a no-op one.
func (c Config) MetricsOrNoop() Metrics {
	if c.Metrics == nil {
		return &NoopMetrics{}
	}
	return c.Metrics
}

// HTTPClientOrDefault returns the configured HTTP client or one with DefaultHTTPTimeout.
func (c Config) HTTPClientOrDefault() *http.Client {
	if c.HTTPClient == nil {
		return &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return c.HTTPClient
}
