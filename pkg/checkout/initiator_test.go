package checkout_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goentitle/pkg/billing"
	"github.com/mihaimyh/goentitle/pkg/billing/billingtest"
	"github.com/mihaimyh/goentitle/pkg/checkout"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	"github.com/mihaimyh/goentitle/storage/memory"
)

func newInitiator(t *testing.T) (*checkout.Initiator, *memory.Storage, *billingtest.Client) {
	t.Helper()
	store := memory.New()
	client := billingtest.NewClient()
	i, err := checkout.New(checkout.Config{
		Storage:         store,
		Client:          client,
		Directory:       store,
		PriceID:         "price_pro_monthly",
		SuccessURL:      "https://app.example.com/billing/success",
		CancelURL:       "https://app.example.com/billing/cancel",
		PortalReturnURL: "https://app.example.com/account",
	})
	require.NoError(t, err)
	return i, store, client
}

func setPlan(t *testing.T, store *memory.Storage, userID string, plan entitlement.Plan, customerID string) {
	t.Helper()
	_, err := store.UpdateProfile(context.Background(), userID, func(p *entitlement.Profile) error {
		p.Plan = plan
		p.ExternalCustomerID = customerID
		return nil
	})
	require.NoError(t, err)
}

func TestStartCheckout_CreatesAndLinksCustomer(t *testing.T) {
	i, store, client := newInitiator(t)
	store.SetUser("u1", "u1@example.com")

	url, err := i.StartCheckout(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, client.SessionURL, url)

	p, err := store.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_fake_1", p.ExternalCustomerID)
	assert.Equal(t, entitlement.PlanFree, p.Plan)

	calls := client.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "FindCustomerByUserID", calls[0].Method)
	assert.Equal(t, "CreateCustomer", calls[1].Method)
	cp := calls[1].Arg.(billing.CustomerParams)
	assert.Equal(t, "u1", cp.UserID)
	assert.Equal(t, "u1@example.com", cp.Email)
	assert.Equal(t, checkout.IdempotencyKey("u1"), cp.IdempotencyKey)

	assert.Equal(t, "CreateCheckoutSession", calls[2].Method)
	sp := calls[2].Arg.(billing.CheckoutParams)
	assert.Equal(t, "cus_fake_1", sp.CustomerID)
	assert.Equal(t, "u1", sp.UserID)
	assert.Equal(t, "price_pro_monthly", sp.PriceID)
}

func TestStartCheckout_ReusesLinkedCustomer(t *testing.T) {
	i, store, client := newInitiator(t)
	setPlan(t, store, "u1", entitlement.PlanFree, "cus_existing")

	_, err := i.StartCheckout(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, client.CallCount("CreateCustomer"))
	assert.Equal(t, "cus_existing", client.Calls()[0].Arg.(billing.CheckoutParams).CustomerID)
}

func TestStartCheckout_RetryKeepsSingleCustomer(t *testing.T) {
	i, store, client := newInitiator(t)
	client.Err["CreateCheckoutSession"] = errors.New("stripe down")

	_, err := i.StartCheckout(context.Background(), "u1")
	require.ErrorIs(t, err, billing.ErrProviderAPIError)

	delete(client.Err, "CreateCheckoutSession")
	_, err = i.StartCheckout(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, client.CallCount("CreateCustomer"))
	p, err := store.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_fake_1", p.ExternalCustomerID)
}

func TestStartCheckout_ReusesTaggedCustomerAfterLinkFailure(t *testing.T) {
	store := &failingLinkStorage{Storage: memory.New(), failures: 1}
	client := billingtest.NewClient()
	i, err := checkout.New(checkout.Config{
		Storage:    store,
		Client:     client,
		PriceID:    "price_pro_monthly",
		SuccessURL: "https://app.example.com/ok",
		CancelURL:  "https://app.example.com/cancel",
	})
	require.NoError(t, err)

	// the customer is created but the link is not stored
	_, err = i.StartCheckout(context.Background(), "u1")
	require.Error(t, err)
	require.Equal(t, 1, client.CallCount("CreateCustomer"))

	// the idempotency key has expired by the time the user retries
	client.ForgetIdempotencyKeys()
	_, err = i.StartCheckout(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, client.CallCount("CreateCustomer"))
	p, err := store.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_fake_1", p.ExternalCustomerID)
}

func TestStartCheckout_SearchFailureFallsBackToCreate(t *testing.T) {
	i, store, client := newInitiator(t)
	client.Err["FindCustomerByUserID"] = &billing.APIError{Detail: "search unavailable", StatusCode: 500}

	_, err := i.StartCheckout(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, client.CallCount("CreateCustomer"))

	p, err := store.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_fake_1", p.ExternalCustomerID)
}

func TestStartCheckout_Errors(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		plan    entitlement.Plan
		config  func(*checkout.Config)
		wantErr error
	}{
		{name: "unauthenticated", userID: "  ", wantErr: checkout.ErrUnauthenticated},
		{name: "already pro", userID: "u1", plan: entitlement.PlanPro, wantErr: checkout.ErrAlreadySubscribed},
		{name: "already lifetime", userID: "u1", plan: entitlement.PlanLifetime, wantErr: checkout.ErrAlreadySubscribed},
		{
			name: "missing price", userID: "u1",
			config:  func(c *checkout.Config) { c.PriceID = "" },
			wantErr: checkout.ErrNotConfigured,
		},
		{
			name: "missing client", userID: "u1",
			config:  func(c *checkout.Config) { c.Client = nil },
			wantErr: checkout.ErrNotConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			client := billingtest.NewClient()
			config := checkout.Config{
				Storage:    store,
				Client:     client,
				PriceID:    "price_pro_monthly",
				SuccessURL: "https://app.example.com/ok",
				CancelURL:  "https://app.example.com/cancel",
			}
			if tt.config != nil {
				tt.config(&config)
			}
			if tt.plan != "" {
				setPlan(t, store, "u1", tt.plan, "cus_1")
			}
			i, err := checkout.New(config)
			require.NoError(t, err)

			_, err = i.StartCheckout(context.Background(), tt.userID)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Zero(t, client.CallCount("CreateCheckoutSession"))
		})
	}
}

func TestStartCheckout_ProviderMessageIsPreserved(t *testing.T) {
	i, _, client := newInitiator(t)
	client.Err["CreateCustomer"] = &billing.APIError{Message: "Your card was declined.", StatusCode: 402}

	_, err := i.StartCheckout(context.Background(), "u1")
	require.ErrorIs(t, err, billing.ErrProviderAPIError)
	assert.Equal(t, "Your card was declined.", billing.SafeMessage(err))
}

func TestStartPortal(t *testing.T) {
	t.Run("free user needs upgrade and provider is not called", func(t *testing.T) {
		i, _, client := newInitiator(t)
		_, err := i.StartPortal(context.Background(), "u1")
		assert.ErrorIs(t, err, checkout.ErrUpgradeRequired)
		assert.Empty(t, client.Calls())
	})

	t.Run("paid user gets portal", func(t *testing.T) {
		i, store, client := newInitiator(t)
		setPlan(t, store, "u1", entitlement.PlanPro, "cus_1")

		url, err := i.StartPortal(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, client.SessionURL, url)
		pp := client.Calls()[0].Arg.(billing.PortalParams)
		assert.Equal(t, "cus_1", pp.CustomerID)
		assert.Equal(t, "https://app.example.com/account", pp.ReturnURL)
	})

	t.Run("paid user without link", func(t *testing.T) {
		i, store, client := newInitiator(t)
		setPlan(t, store, "u1", entitlement.PlanLifetime, "")

		_, err := i.StartPortal(context.Background(), "u1")
		assert.ErrorIs(t, err, checkout.ErrMissingCustomerLink)
		assert.Empty(t, client.Calls())
	})

	t.Run("unauthenticated", func(t *testing.T) {
		i, _, _ := newInitiator(t)
		_, err := i.StartPortal(context.Background(), "")
		assert.ErrorIs(t, err, checkout.ErrUnauthenticated)
	})

	t.Run("provider failure", func(t *testing.T) {
		i, store, client := newInitiator(t)
		setPlan(t, store, "u1", entitlement.PlanPro, "cus_1")
		client.Err["CreatePortalSession"] = errors.New("timeout")

		_, err := i.StartPortal(context.Background(), "u1")
		assert.ErrorIs(t, err, billing.ErrProviderAPIError)
	})
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, checkout.IdempotencyKey("u1"), checkout.IdempotencyKey("u1"))
	assert.NotEqual(t, checkout.IdempotencyKey("u1"), checkout.IdempotencyKey("u2"))
	assert.Len(t, checkout.IdempotencyKey("u1"), 36)
}

// racingStorage links a different customer just before the first profile
// update, as a concurrent checkout for the same user would.
type racingStorage struct {
	*memory.Storage
	raced bool
}

func (s *racingStorage) UpdateProfile(ctx context.Context, userID string, fn entitlement.ProfileUpdateFunc) (*entitlement.Profile, error) {
	if !s.raced {
		s.raced = true
		if _, err := s.Storage.UpdateProfile(ctx, userID, func(p *entitlement.Profile) error {
			p.ExternalCustomerID = "cus_winner"
			return nil
		}); err != nil {
			return nil, err
		}
	}
	return s.Storage.UpdateProfile(ctx, userID, fn)
}

func TestStartCheckout_ConcurrentLinkWins(t *testing.T) {
	store := &racingStorage{Storage: memory.New()}
	client := billingtest.NewClient()
	i, err := checkout.New(checkout.Config{
		Storage:    store,
		Client:     client,
		PriceID:    "price_pro_monthly",
		SuccessURL: "https://app.example.com/ok",
		CancelURL:  "https://app.example.com/cancel",
	})
	require.NoError(t, err)

	_, err = i.StartCheckout(context.Background(), "u1")
	require.NoError(t, err)

	calls := client.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "cus_winner", calls[2].Arg.(billing.CheckoutParams).CustomerID)

	p, err := store.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_winner", p.ExternalCustomerID)
}

// failingLinkStorage fails the first UpdateProfile calls, after the provider
// customer already exists.
type failingLinkStorage struct {
	*memory.Storage
	failures int
}

func (s *failingLinkStorage) UpdateProfile(ctx context.Context, userID string, fn entitlement.ProfileUpdateFunc) (*entitlement.Profile, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("write timeout")
	}
	return s.Storage.UpdateProfile(ctx, userID, fn)
}
