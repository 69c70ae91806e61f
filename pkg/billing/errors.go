package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrMissingWebhookSignature is returned when the signature header is absent
	ErrMissingWebhookSignature = errors.New("missing webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrSubscriptionNotFound is returned when a subscription cannot be found in the provider
	ErrSubscriptionNotFound = errors.New("subscription not found in billing provider")
)

// APIError wraps a provider error. Message is only set when the provider
// addressed it to the end user; Detail keeps the raw text for logs.
type APIError struct {
	// Message is the provider's user-facing message, if any
	Message string
	// Detail is the provider's message for operators. Never shown to users.
	Detail string
	// Code is the provider's error code (e.g. "resource_missing")
	Code string
	// StatusCode is the HTTP status returned by the provider
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	switch {
	case e.Detail != "":
		return ErrProviderAPIError.Error() + ": " + e.Detail
	case e.Message != "":
		return ErrProviderAPIError.Error() + ": " + e.Message
	}
	return ErrProviderAPIError.Error()
}

// Unwrap lets errors.Is match both ErrProviderAPIError and the cause.
func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProviderAPIError}
	}
	return []error{ErrProviderAPIError, e.Err}
}

// SafeMessage returns the user-facing provider message when there is one, or a
// generic message.
func SafeMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "The billing provider is temporarily unavailable. Please try again."
}
