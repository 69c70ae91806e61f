package stripe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mihaimyh/goentitle/pkg/billing"
)

// envelope is the part of a Stripe event the decoder reads.
type envelope struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Created  int64  `json:"created"`
	Livemode bool   `json:"livemode"`
	Data     struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// expandableID accepts either an id string or an expanded object with an id.
type expandableID string

func (e *expandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = expandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = expandableID(obj.ID)
	return nil
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          expandableID      `json:"customer"`
	CustomerEmail     string            `json:"customer_email"`
	Subscription      expandableID      `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CustomerDetails   struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

type subscriptionObject struct {
	ID                 string            `json:"id"`
	Customer           expandableID      `json:"customer"`
	Status             string            `json:"status"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	Created            int64             `json:"created"`
	Metadata           map[string]string `json:"metadata"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type invoiceObject struct {
	ID            string            `json:"id"`
	Customer      expandableID      `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  expandableID      `json:"subscription"`
	PeriodStart   int64             `json:"period_start"`
	PeriodEnd     int64             `json:"period_end"`
	Metadata      map[string]string `json:"metadata"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription expandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// DecodeEvent parses a Stripe event payload into a billing.Event. It does not
// verify signatures; WebhookHandler does that before decoding.
func DecodeEvent(payload []byte) (billing.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: event id and type are required", billing.ErrInvalidWebhookPayload)
	}

	h := billing.EventHeader{
		ID:       env.ID,
		Type:     env.Type,
		Created:  unixTime(env.Created),
		Livemode: env.Livemode,
		Raw:      payload,
	}

	switch env.Type {
	case billing.EventCheckoutSessionCompleted:
		var obj checkoutSessionObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		email := obj.CustomerEmail
		if email == "" {
			email = obj.CustomerDetails.Email
		}
		return &billing.CheckoutCompleted{
			EventHeader:       h,
			SessionID:         obj.ID,
			Mode:              obj.Mode,
			CustomerID:        string(obj.Customer),
			CustomerEmail:     email,
			SubscriptionID:    string(obj.Subscription),
			ClientReferenceID: obj.ClientReferenceID,
			Metadata:          obj.Metadata,
		}, nil

	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		var obj subscriptionObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		sub := obj.toSubscription()
		switch env.Type {
		case billing.EventSubscriptionCreated:
			return &billing.SubscriptionCreated{EventHeader: h, Subscription: sub}, nil
		case billing.EventSubscriptionUpdated:
			return &billing.SubscriptionUpdated{EventHeader: h, Subscription: sub}, nil
		default:
			return &billing.SubscriptionDeleted{EventHeader: h, Subscription: sub}, nil
		}

	case billing.EventInvoicePaymentSucceeded, billing.EventInvoicePaymentFailed:
		var obj invoiceObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		inv := obj.toInvoice()
		if env.Type == billing.EventInvoicePaymentSucceeded {
			return &billing.InvoicePaymentSucceeded{EventHeader: h, Invoice: inv}, nil
		}
		return &billing.InvoicePaymentFailed{EventHeader: h, Invoice: inv}, nil
	}

	return &billing.Unhandled{EventHeader: h}, nil
}

func decodeObject(env envelope, v interface{}) error {
	if len(env.Data.Object) == 0 {
		return fmt.Errorf("%w: %s event without data.object", billing.ErrInvalidWebhookPayload, env.Type)
	}
	if err := json.Unmarshal(env.Data.Object, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", billing.ErrInvalidWebhookPayload, env.Type, err)
	}
	return nil
}

func (o subscriptionObject) toSubscription() billing.Subscription {
	sub := billing.Subscription{
		ID:                 o.ID,
		CustomerID:         string(o.Customer),
		Status:             strings.ToLower(o.Status),
		CancelAtPeriodEnd:  o.CancelAtPeriodEnd,
		Metadata:           o.Metadata,
		Created:            unixTime(o.Created),
		CurrentPeriodStart: unixTime(o.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(o.CurrentPeriodEnd),
	}
	// newer API versions carry periods on the items only
	for _, item := range o.Items.Data {
		if sub.PriceID == "" {
			sub.PriceID = item.Price.ID
		}
		start := unixTime(item.CurrentPeriodStart)
		if !start.IsZero() && (sub.CurrentPeriodStart.IsZero() || start.Before(sub.CurrentPeriodStart)) {
			sub.CurrentPeriodStart = start
		}
		if end := unixTime(item.CurrentPeriodEnd); end.After(sub.CurrentPeriodEnd) {
			sub.CurrentPeriodEnd = end
		}
	}
	return sub
}

func (o invoiceObject) toInvoice() billing.Invoice {
	inv := billing.Invoice{
		ID:             o.ID,
		CustomerID:     string(o.Customer),
		CustomerEmail:  o.CustomerEmail,
		SubscriptionID: string(o.Parent.SubscriptionDetails.Subscription),
		PeriodStart:    unixTime(o.PeriodStart),
		PeriodEnd:      unixTime(o.PeriodEnd),
		Metadata:       o.Parent.SubscriptionDetails.Metadata,
	}
	if inv.SubscriptionID == "" {
		inv.SubscriptionID = string(o.Subscription)
	}
	if len(inv.Metadata) == 0 {
		inv.Metadata = o.Metadata
	}
	return inv
}
