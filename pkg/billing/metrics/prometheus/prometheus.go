package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

const subsystem = "billing"

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	webhookErrorsTotal        *prometheus.CounterVec
	eventOutcomesTotal        *prometheus.CounterVec
	identityResolutionsTotal  *prometheus.CounterVec
	userSyncTotal             *prometheus.CounterVec
	userSyncDuration          *prometheus.HistogramVec
	planChangesTotal          *prometheus.CounterVec
	apiCallsTotal             *prometheus.CounterVec
	apiCallDuration           *prometheus.HistogramVec
}

// NewMetrics creates a new Prometheus metrics implementation for billing providers.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   prometheus.DefBuckets,
		}, labels)
	}

	return &Metrics{
		webhookEventsTotal: counter("webhook_events_total",
			"Total number of webhook events received from billing providers.", "provider", "event_type", "status"),
		webhookProcessingDuration: histogram("webhook_processing_duration_seconds",
			"Duration of webhook processing in seconds.", "provider", "event_type"),
		webhookErrorsTotal: counter("webhook_errors_total",
			"Total number of webhook processing errors.", "provider", "error_type"),
		eventOutcomesTotal: counter("event_outcomes_total",
			"Total number of reconciled events by outcome.", "provider", "event_type", "outcome"),
		identityResolutionsTotal: counter("identity_resolutions_total",
			"Total number of identity resolutions by resolving method.", "provider", "method"),
		userSyncTotal: counter("user_sync_total",
			"Total number of user synchronization operations.", "provider", "status"),
		userSyncDuration: histogram("user_sync_duration_seconds",
			"Duration of user synchronization operations in seconds.", "provider"),
		planChangesTotal: counter("plan_changes_total",
			"Total number of plan changes.", "provider", "from_plan", "to_plan"),
		apiCallsTotal: counter("api_calls_total",
			"Total number of API calls to billing providers.", "provider", "endpoint", "status"),
		apiCallDuration: histogram("api_call_duration_seconds",
			"Duration of API calls to billing providers in seconds.", "provider", "endpoint"),
	}
}

func (m *Metrics) RecordWebhookEvent(provider, eventType, status string) {
	m.webhookEventsTotal.WithLabelValues(provider, eventType, status).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(provider, eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordWebhookError(provider, errorType string) {
	m.webhookErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

func (m *Metrics) RecordEventOutcome(provider, eventType, outcome string) {
	m.eventOutcomesTotal.WithLabelValues(provider, eventType, outcome).Inc()
}

func (m *Metrics) RecordIdentityResolution(provider, method string) {
	m.identityResolutionsTotal.WithLabelValues(provider, method).Inc()
}

func (m *Metrics) RecordUserSync(provider, status string) {
	m.userSyncTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordUserSyncDuration(provider string, duration time.Duration) {
	m.userSyncDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func (m *Metrics) RecordPlanChange(provider, fromPlan, toPlan string) {
	m.planChangesTotal.WithLabelValues(provider, fromPlan, toPlan).Inc()
}

func (m *Metrics) RecordAPICall(provider, endpoint, status string) {
	m.apiCallsTotal.WithLabelValues(provider, endpoint, status).Inc()
}

func (m *Metrics) RecordAPICallDuration(provider, endpoint string, duration time.Duration) {
	m.apiCallDuration.WithLabelValues(provider, endpoint).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
