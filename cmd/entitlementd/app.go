package main

import (
	"context"
	"fmt"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/pkg/billing"
	billingprom "github.com/mihaimyh/goentitle/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	"github.com/mihaimyh/goentitle/pkg/checkout"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	zerologadapter "github.com/mihaimyh/goentitle/pkg/entitlement/logger/zerolog"
	entprom "github.com/mihaimyh/goentitle/pkg/entitlement/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/reconcile"
	sentryalert "github.com/mihaimyh/goentitle/pkg/reconcile/alert/sentry"
)

// app holds the wired components shared by every command
type app struct {
	cfg      Config
	log      zerolog.Logger
	registry *prometheus.Registry
	backend  *backend

	client         billing.Client
	billingMetrics billing.Metrics
	dispatcher     *reconcile.Dispatcher
	gate           *entitlement.Gate
	initiator      *checkout.Initiator
}

// newApp wires storage, provider client and domain services for cfg. The
// caller must Close the app.
func newApp(ctx context.Context, cfg Config, log zerolog.Logger) (*app, error) {
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	billingMetrics := billingprom.NewMetrics(registry, cfg.MetricsNamespace)
	gateMetrics := entprom.NewMetrics(registry, cfg.MetricsNamespace)
	logger := zerologadapter.NewLogger(log)

	a := &app{
		cfg:            cfg,
		log:            log,
		registry:       registry,
		backend:        b,
		billingMetrics: billingMetrics,
	}

	// a nil *stripe.Client must not become a non-nil billing.Client
	if cfg.StripeAPIKey != "" {
		client, err := stripe.NewClient(stripe.Config{
			Config: billing.Config{
				APIKey:  cfg.StripeAPIKey,
				Metrics: billingMetrics,
			},
			Logger: logger,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		a.client = client
	} else {
		log.Warn().Msg("STRIPE_API_KEY not set; checkout, portal and user sync are disabled")
	}

	a.dispatcher, err = reconcile.New(reconcile.Config{
		Storage:        b.storage,
		Client:         a.client,
		Directory:      b.directory,
		EmailFallback:  cfg.emailFallback(),
		Alerter:        a.alerter(),
		OnPlanChange:   a.logPlanChange,
		ProvisionalTTL: cfg.ProvisionalTTL,
		Logger:         logger,
		Metrics:        billingMetrics,
		Provider:       "stripe",
	})
	if err != nil {
		b.Close()
		return nil, err
	}

	a.gate, err = entitlement.NewGate(entitlement.GateConfig{
		Storage: b.storage,
		Counter: b.counter,
		Logger:  logger,
		Metrics: gateMetrics,
	})
	if err != nil {
		b.Close()
		return nil, err
	}

	a.initiator, err = checkout.New(checkout.Config{
		Storage:         b.storage,
		Client:          a.client,
		Directory:       b.directory,
		PriceID:         cfg.StripePriceID,
		SuccessURL:      cfg.CheckoutSuccessURL,
		CancelURL:       cfg.CheckoutCancelURL,
		PortalReturnURL: cfg.PortalReturnURL,
		Logger:          logger,
	})
	if err != nil {
		b.Close()
		return nil, err
	}

	return a, nil
}

// Close releases storage
func (a *app) Close() {
	a.backend.Close()
}

// alerter reports to Sentry when a DSN is configured, otherwise to the log
func (a *app) alerter() reconcile.Alerter {
	if a.cfg.SentryDSN != "" {
		return sentryalert.NewAlerter(nil)
	}
	return reconcile.AlerterFunc(func(_ context.Context, alert reconcile.Alert) {
		a.log.Warn().
			Str("kind", string(alert.Kind)).
			Str("event_id", alert.EventID).
			Str("customer_id", alert.CustomerID).
			Strs("candidates", alert.Candidates).
			Msg(alert.Message)
	})
}

func (a *app) logPlanChange(_ context.Context, change reconcile.PlanChange) {
	a.log.Info().
		Str("user_id", change.UserID).
		Str("from", string(change.PreviousPlan)).
		Str("to", string(change.NewPlan)).
		Bool("provisional", change.Provisional).
		Str("event_id", change.EventID).
		Str("event_type", change.EventType).
		Str("method", string(change.Method)).
		Msg("Plan changed")
}

// initSentry configures the global hub. The returned func flushes pending events.
func initSentry(cfg Config) (func(), error) {
	if cfg.SentryDSN == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.Environment,
	}); err != nil {
		return nil, fmt.Errorf("sentry init: %w", err)
	}
	return func() { sentry.Flush(sentryFlushTimeout) }, nil
}
