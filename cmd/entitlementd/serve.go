package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	zerologadapter "github.com/mihaimyh/goentitle/pkg/entitlement/logger/zerolog"
)

const (
	// PathStripeWebhook receives Stripe event deliveries
	PathStripeWebhook = "/webhooks/stripe"

	shutdownTimeout    = 10 * time.Second
	sentryFlushTimeout = 2 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the webhook, billing API and metrics endpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, runServe)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address (ENTITLE_HTTP_ADDR)")
}

// newRouter mounts every endpoint served by the process
func newRouter(a *app) (http.Handler, error) {
	logger := zerologadapter.NewLogger(a.log)

	webhook, err := stripe.NewWebhookHandler(stripe.WebhookConfig{
		Config: stripe.Config{
			Config: billing.Config{
				WebhookSecret: a.cfg.StripeWebhookSecret,
				Metrics:       a.billingMetrics,
			},
			Logger: logger,
		},
		Handler:    a.dispatcher,
		TrustProxy: a.cfg.TrustProxy,
	})
	if err != nil {
		return nil, err
	}

	billingAPI, err := api.NewHandler(api.Config{
		Sessions:     a.initiator,
		Entitlements: a.gate,
		GetUserID:    api.FromHeader(a.cfg.UserIDHeader),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.backend.Ping(ctx); err != nil {
			a.log.Warn().Err(err).Msg("Health check failed")
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	r.Method(http.MethodPost, PathStripeWebhook, webhook)

	// the api mux matches on the full path, which chi leaves intact
	r.Mount("/billing", billingAPI.Routes())

	return r, nil
}

func runServe(ctx context.Context, a *app) error {
	flush, err := initSentry(a.cfg)
	if err != nil {
		return err
	}
	defer flush()

	router, err := newRouter(a)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.log.Info().Msg("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})

	if a.cfg.SweepInterval > 0 {
		g.Go(func() error {
			runSweepLoop(ctx, a)
			return nil
		})
	}

	return g.Wait()
}

// runSweepLoop settles stale provisional grants until ctx ends
func runSweepLoop(ctx context.Context, a *app) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.dispatcher.ExpireProvisional(ctx, 0)
			if err != nil {
				a.log.Error().Err(err).Int("reverted", n).Msg("Provisional sweep failed")
				continue
			}
			if n > 0 {
				a.log.Info().Int("reverted", n).Msg("Provisional sweep reverted grants")
			}
		}
	}
}
