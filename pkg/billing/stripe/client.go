package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
)

const providerName = "stripe"

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// BaseURL overrides the Stripe API endpoint (stripe-mock, tests).
	BaseURL string

	// MaxNetworkRetries is passed to the Stripe backend. Zero disables retries;
	// redelivery and user retries cover transient failures.
	MaxNetworkRetries int64

	// Logger receives client and webhook logs, including stripe-go's own.
	// Defaults to a no-op logger.
	Logger entitlement.Logger
}

// LoggerOrNoop returns the configured logger or a no-op one.
func (c Config) LoggerOrNoop() entitlement.Logger {
	if c.Logger == nil {
		return &entitlement.NoopLogger{}
	}
	return c.Logger
}

// Client implements billing.Client over the Stripe API
type Client struct {
	sc      *stripe.Client
	metrics billing.Metrics
}

// NewClient creates a Stripe client. APIKey is required.
func NewClient(config Config) (*Client, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: stripe api key is required", billing.ErrProviderNotConfigured)
	}

	backendConfig := &stripe.BackendConfig{
		HTTPClient:        config.HTTPClientOrDefault(),
		MaxNetworkRetries: stripe.Int64(config.MaxNetworkRetries),
		LeveledLogger:     leveledLogger{logger: config.LoggerOrNoop()},
	}
	if config.BaseURL != "" {
		backendConfig.URL = stripe.String(strings.TrimRight(config.BaseURL, "/"))
	}

	return &Client{
		sc:      stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig))),
		metrics: config.MetricsOrNoop(),
	}, nil
}

// Name implements billing.Client
func (c *Client) Name() string { return providerName }

// GetCustomer implements billing.Client
func (c *Client) GetCustomer(ctx context.Context, customerID string) (*billing.Customer, error) {
	start := time.Now()
	cust, err := c.sc.V1Customers.Retrieve(ctx, customerID, nil)
	c.record("/customers/retrieve", start, err)
	if err != nil {
		return nil, mapError(err, billing.ErrCustomerNotFound)
	}
	if cust.Deleted {
		return nil, billing.ErrCustomerNotFound
	}
	return toCustomer(cust), nil
}

// CreateCustomer implements billing.Client
func (c *Client) CreateCustomer(ctx context.Context, params billing.CustomerParams) (*billing.Customer, error) {
	p := &stripe.CustomerCreateParams{}
	if params.Email != "" {
		p.Email = stripe.String(params.Email)
	}
	p.AddMetadata(billing.MetadataUserID, params.UserID)
	if params.IdempotencyKey != "" {
		p.SetIdempotencyKey(params.IdempotencyKey)
	}

	start := time.Now()
	cust, err := c.sc.V1Customers.Create(ctx, p)
	c.record("/customers/create", start, err)
	if err != nil {
		return nil, mapError(err, nil)
	}
	return toCustomer(cust), nil
}

// FindCustomerByUserID implements billing.Client with the customer Search API.
// Search is eventually consistent; prefer the stored profile link.
func (c *Client) FindCustomerByUserID(ctx context.Context, userID string) (*billing.Customer, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", billing.MetadataUserID, strings.ReplaceAll(userID, "'", "\\'"))

	start := time.Now()
	for cust, err := range c.sc.V1Customers.Search(ctx, params) {
		if err != nil {
			c.record("/customers/search", start, err)
			return nil, mapError(err, nil)
		}
		// search matches are not always exact
		if cust.Metadata[billing.MetadataUserID] == userID && !cust.Deleted {
			c.record("/customers/search", start, nil)
			return toCustomer(cust), nil
		}
	}
	c.record("/customers/search", start, nil)
	return nil, billing.ErrCustomerNotFound
}

// GetSubscription implements billing.Client
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	start := time.Now()
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	c.record("/subscriptions/retrieve", start, err)
	if err != nil {
		return nil, mapError(err, billing.ErrSubscriptionNotFound)
	}
	return toSubscription(sub), nil
}

// ListSubscriptions implements billing.Client
func (c *Client) ListSubscriptions(ctx context.Context, customerID string) ([]*billing.Subscription, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String("all"),
	}

	start := time.Now()
	var out []*billing.Subscription
	for sub, err := range c.sc.V1Subscriptions.List(ctx, params) {
		if err != nil {
			c.record("/subscriptions/list", start, err)
			return nil, mapError(err, nil)
		}
		out = append(out, toSubscription(sub))
	}
	c.record("/subscriptions/list", start, nil)
	return out, nil
}

// CreateCheckoutSession implements billing.Client
func (c *Client) CreateCheckoutSession(ctx context.Context, params billing.CheckoutParams) (*billing.Session, error) {
	p := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(params.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(params.SuccessURL),
		CancelURL:         stripe.String(params.CancelURL),
		ClientReferenceID: stripe.String(params.UserID),
	}
	if params.CustomerID != "" {
		p.Customer = stripe.String(params.CustomerID)
	}
	p.AddMetadata(billing.MetadataUserID, params.UserID)
	p.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	p.SubscriptionData.AddMetadata(billing.MetadataUserID, params.UserID)

	start := time.Now()
	session, err := c.sc.V1CheckoutSessions.Create(ctx, p)
	c.record("/checkout/sessions", start, err)
	if err != nil {
		return nil, mapError(err, nil)
	}
	return &billing.Session{ID: session.ID, URL: session.URL}, nil
}

// CreatePortalSession implements billing.Client
func (c *Client) CreatePortalSession(ctx context.Context, params billing.PortalParams) (*billing.Session, error) {
	p := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(params.CustomerID),
		ReturnURL: stripe.String(params.ReturnURL),
	}

	start := time.Now()
	session, err := c.sc.V1BillingPortalSessions.Create(ctx, p)
	c.record("/billing_portal/sessions", start, err)
	if err != nil {
		return nil, mapError(err, nil)
	}
	return &billing.Session{ID: session.ID, URL: session.URL}, nil
}

func (c *Client) record(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode != 0 {
			status = fmt.Sprintf("%d", serr.HTTPStatusCode)
		}
	}
	c.metrics.RecordAPICall(providerName, endpoint, status)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

// mapError converts Stripe errors into billing errors. resource_missing maps
// to notFound when given. Only card errors carry a message meant for the
// customer; everything else can expose account configuration.
func mapError(err error, notFound error) error {
	var serr *stripe.Error
	if !errors.As(err, &serr) {
		return &billing.APIError{Err: err}
	}
	if notFound != nil && serr.Code == stripe.ErrorCodeResourceMissing {
		return notFound
	}
	apiErr := &billing.APIError{
		Detail:     serr.Msg,
		Code:       string(serr.Code),
		StatusCode: serr.HTTPStatusCode,
		Err:        err,
	}
	if serr.Type == stripe.ErrorTypeCard {
		apiErr.Message = serr.Msg
	}
	return apiErr
}

func toCustomer(cust *stripe.Customer) *billing.Customer {
	return &billing.Customer{
		ID:       cust.ID,
		Email:    cust.Email,
		Metadata: cust.Metadata,
		Deleted:  cust.Deleted,
	}
}

func toSubscription(sub *stripe.Subscription) *billing.Subscription {
	out := &billing.Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
		Created:           unixTime(sub.Created),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if out.PriceID == "" && item.Price != nil {
				out.PriceID = item.Price.ID
			}
			start := unixTime(item.CurrentPeriodStart)
			if !start.IsZero() && (out.CurrentPeriodStart.IsZero() || start.Before(out.CurrentPeriodStart)) {
				out.CurrentPeriodStart = start
			}
			if end := unixTime(item.CurrentPeriodEnd); end.After(out.CurrentPeriodEnd) {
				out.CurrentPeriodEnd = end
			}
		}
	}
	return out
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

var _ billing.Client = (*Client)(nil)
