package billing

import "time"

// Metrics defines the interface for tracking billing provider operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// eventType: The type of event (e.g., "customer.subscription.updated")
	// status: "success" or "error"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "missing_signature", "auth_failed", "processing_error")
	RecordWebhookError(provider, errorType string)

	// RecordEventOutcome records what reconciliation did with an event.
	// outcome: "applied", "ignored", "unresolved" or "duplicate"
	RecordEventOutcome(provider, eventType, outcome string)

	// RecordIdentityResolution records which step of the fallback chain resolved a user.
	// method: "metadata", "profile_link", "subscription_record", "customer_metadata", "email" or "none"
	RecordIdentityResolution(provider, method string)

	// RecordUserSync records a user synchronization operation.
	// status: "success" or "error"
	RecordUserSync(provider, status string)

	// RecordUserSyncDuration records how long a user sync took.
	RecordUserSyncDuration(provider string, duration time.Duration)

	// RecordPlanChange records when a user's plan changes.
	RecordPlanChange(provider, fromPlan, toPlan string)

	// RecordAPICall records an API call to the billing provider.
	// endpoint: The API endpoint called (e.g., "/checkout/sessions")
	// status: "success", "error" or "not_found"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordEventOutcome(_, _, _ string)                            {}
func (n *NoopMetrics) RecordIdentityResolution(_, _ string)                         {}
func (n *NoopMetrics) RecordUserSync(_, _ string)                                   {}
func (n *NoopMetrics) RecordUserSyncDuration(_ string, _ time.Duration)             {}
func (n *NoopMetrics) RecordPlanChange(_, _, _ string)                              {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
