// Package billingtest provides an in-memory billing.Client for tests.
package billingtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// Call is one recorded invocation of the fake client.
type Call struct {
	Method string
	Arg    interface{}
}

// Client is a scriptable billing.Client. Zero value is not usable; use NewClient.
type Client struct {
	mu            sync.Mutex
	customers     map[string]*billing.Customer
	subscriptions map[string]*billing.Subscription
	idempotency   map[string]string // key -> customer id
	calls         []Call
	seq           int

	// Err, when set for a method name, is returned by that method.
	Err map[string]error

	// SessionURL is the URL returned for created sessions.
	SessionURL string
}

// NewClient creates an empty fake.
func NewClient() *Client {
	return &Client{
		customers:     make(map[string]*billing.Customer),
		subscriptions: make(map[string]*billing.Subscription),
		idempotency:   make(map[string]string),
		Err:           make(map[string]error),
		SessionURL:    "https://billing.example.test/session",
	}
}

// AddCustomer registers a customer.
func (c *Client) AddCustomer(cust *billing.Customer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *cust
	c.customers[cust.ID] = &cp
}

// AddSubscription registers a subscription.
func (c *Client) AddSubscription(sub *billing.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *sub
	c.subscriptions[sub.ID] = &cp
}

// Calls returns the recorded invocations.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (c *Client) CallCount(method string) int {
	n := 0
	for _, call := range c.Calls() {
		if call.Method == method {
			n++
		}
	}
	return n
}

func (c *Client) record(method string, arg interface{}) error {
	c.calls = append(c.calls, Call{Method: method, Arg: arg})
	return c.Err[method]
}

// Name implements billing.Client
func (c *Client) Name() string { return "fake" }

// GetCustomer implements billing.Client
func (c *Client) GetCustomer(_ context.Context, customerID string) (*billing.Customer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GetCustomer", customerID); err != nil {
		return nil, err
	}
	cust, ok := c.customers[customerID]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	cp := *cust
	return &cp, nil
}

// CreateCustomer implements billing.Client
func (c *Client) CreateCustomer(_ context.Context, params billing.CustomerParams) (*billing.Customer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("CreateCustomer", params); err != nil {
		return nil, err
	}
	if id, ok := c.idempotency[params.IdempotencyKey]; ok && params.IdempotencyKey != "" {
		cp := *c.customers[id]
		return &cp, nil
	}
	c.seq++
	cust := &billing.Customer{
		ID:       fmt.Sprintf("cus_fake_%d", c.seq),
		Email:    params.Email,
		Metadata: map[string]string{billing.MetadataUserID: params.UserID},
	}
	c.customers[cust.ID] = cust
	if params.IdempotencyKey != "" {
		c.idempotency[params.IdempotencyKey] = cust.ID
	}
	cp := *cust
	return &cp, nil
}

// FindCustomerByUserID implements billing.Client. The lowest matching id wins.
func (c *Client) FindCustomerByUserID(_ context.Context, userID string) (*billing.Customer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("FindCustomerByUserID", userID); err != nil {
		return nil, err
	}
	var found *billing.Customer
	for _, cust := range c.customers {
		if cust.Deleted || cust.UserID() != userID {
			continue
		}
		if found == nil || cust.ID < found.ID {
			found = cust
		}
	}
	if found == nil {
		return nil, billing.ErrCustomerNotFound
	}
	cp := *found
	return &cp, nil
}

// ForgetIdempotencyKeys drops remembered idempotency keys, as the provider
// does once they expire.
func (c *Client) ForgetIdempotencyKeys() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency = make(map[string]string)
}

// GetSubscription implements billing.Client
func (c *Client) GetSubscription(_ context.Context, subscriptionID string) (*billing.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GetSubscription", subscriptionID); err != nil {
		return nil, err
	}
	sub, ok := c.subscriptions[subscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

// ListSubscriptions implements billing.Client
func (c *Client) ListSubscriptions(_ context.Context, customerID string) ([]*billing.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("ListSubscriptions", customerID); err != nil {
		return nil, err
	}
	var out []*billing.Subscription
	for _, sub := range c.subscriptions {
		if sub.CustomerID == customerID {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CreateCheckoutSession implements billing.Client
func (c *Client) CreateCheckoutSession(_ context.Context, params billing.CheckoutParams) (*billing.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("CreateCheckoutSession", params); err != nil {
		return nil, err
	}
	c.seq++
	return &billing.Session{ID: fmt.Sprintf("cs_fake_%d", c.seq), URL: c.SessionURL}, nil
}

// CreatePortalSession implements billing.Client
func (c *Client) CreatePortalSession(_ context.Context, params billing.PortalParams) (*billing.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("CreatePortalSession", params); err != nil {
		return nil, err
	}
	c.seq++
	return &billing.Session{ID: fmt.Sprintf("bps_fake_%d", c.seq), URL: c.SessionURL}, nil
}

var _ billing.Client = (*Client)(nil)
