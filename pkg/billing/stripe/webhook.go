package stripe

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/internal"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const (
	// DefaultMaxBodyBytes caps webhook request bodies.
	DefaultMaxBodyBytes int64 = 256 * 1024

	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100

	signatureHeader = "Stripe-Signature"
)

// WebhookConfig configures a WebhookHandler
type WebhookConfig struct {
	Config

	// Handler receives every verified event. Required.
	Handler billing.EventHandler

	// RateLimit is the number of requests allowed per client IP per
	// RateLimitWindow. Defaults to 100 per minute; negative disables it.
	RateLimit       int
	RateLimitWindow time.Duration
	// TrustProxy keys the rate limiter on X-Forwarded-For.
	TrustProxy bool

	// MaxBodyBytes defaults to DefaultMaxBodyBytes.
	MaxBodyBytes int64
}

// WebhookHandler verifies Stripe webhook requests and passes decoded events
// to a billing.EventHandler.
type WebhookHandler struct {
	secret       string
	handler      billing.EventHandler
	limiter      *internal.RateLimiter
	logger       entitlement.Logger
	metrics      billing.Metrics
	maxBodyBytes int64
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a WebhookHandler. A missing WebhookSecret is not
// an error; the endpoint then answers 503.
func NewWebhookHandler(config WebhookConfig) (*WebhookHandler, error) {
	if config.Handler == nil {
		return nil, fmt.Errorf("%w: webhook event handler is required", billing.ErrProviderNotConfigured)
	}

	h := &WebhookHandler{
		secret:       strings.TrimSpace(config.WebhookSecret),
		handler:      config.Handler,
		logger:       config.LoggerOrNoop(),
		metrics:      config.MetricsOrNoop(),
		maxBodyBytes: config.MaxBodyBytes,
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = DefaultMaxBodyBytes
	}

	if config.RateLimit >= 0 {
		limit, window := config.RateLimit, config.RateLimitWindow
		if limit == 0 {
			limit = defaultRateLimitRequests
		}
		if window <= 0 {
			window = defaultRateLimitWindow
		}
		var opts []internal.RateLimiterOption
		if config.TrustProxy {
			opts = append(opts, internal.WithTrustedProxy())
		}
		h.limiter = internal.NewRateLimiter(limit, window, opts...)
	}
	return h, nil
}

// ServeHTTP implements http.Handler
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		internal.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.limiter == nil {
		h.serveWebhook(w, r)
		return
	}
	h.limiter.Middleware(http.HandlerFunc(h.serveWebhook)).ServeHTTP(w, r)
}

func (h *WebhookHandler) serveWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	if h.secret == "" {
		h.metrics.RecordWebhookError(providerName, "not_configured")
		internal.WriteError(w, http.StatusServiceUnavailable, "webhook secret not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, h.maxBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			h.metrics.RecordWebhookError(providerName, "payload_too_large")
			internal.WriteError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		h.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	sig := r.Header.Get(signatureHeader)
	if strings.TrimSpace(sig) == "" {
		h.metrics.RecordWebhookError(providerName, "missing_signature")
		internal.WriteError(w, http.StatusBadRequest, billing.ErrMissingWebhookSignature.Error())
		return
	}

	if _, err := webhook.ConstructEventWithOptions(body, sig, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}); err != nil {
		h.metrics.RecordWebhookError(providerName, "auth_failed")
		h.logger.Warn("Stripe webhook signature rejected", entitlement.ErrField(err))
		internal.WriteError(w, http.StatusBadRequest, billing.ErrInvalidWebhookSignature.Error())
		return
	}

	event, err := DecodeEvent(body)
	if err != nil {
		h.metrics.RecordWebhookError(providerName, "invalid_payload")
		internal.WriteError(w, http.StatusBadRequest, billing.ErrInvalidWebhookPayload.Error())
		return
	}
	eventType := event.Header().Type

	if err := h.handler.HandleEvent(r.Context(), event); err != nil {
		h.logger.Error("Stripe webhook processing failed",
			entitlement.Field{Key: "event_id", Value: event.Header().ID},
			entitlement.Field{Key: "event_type", Value: eventType},
			entitlement.ErrField(err))
		h.metrics.RecordWebhookEvent(providerName, eventType, "error")
		h.metrics.RecordWebhookError(providerName, "processing_error")
		h.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
		internal.WriteError(w, http.StatusInternalServerError, "processing failed")
		return
	}

	h.metrics.RecordWebhookEvent(providerName, eventType, "success")
	h.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	_ = internal.WriteJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
}

var _ http.Handler = (*WebhookHandler)(nil)
