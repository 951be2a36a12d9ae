// Package payments wraps the Stripe API client and decodes the hosted
// payments-webhook event format.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

type ErrorKind int

const (
	ErrInternal ErrorKind = iota
	ErrInvalidRequest
	ErrUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case ErrInvalidRequest:
		return "invalid_request"
	case ErrUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

var ErrInactivePrice = errors.New("payments: price is not active")

// Classify maps a Stripe client failure to an ErrorKind.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrInternal
	}
	if errors.Is(err, ErrInactivePrice) {
		return ErrInvalidRequest
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500 || se.Type == stripe.ErrorTypeAPI:
			return ErrUnavailable
		case se.Type == stripe.ErrorTypeInvalidRequest:
			return ErrInvalidRequest
		}
		return ErrInternal
	}
	var ue *url.Error
	var ne net.Error
	if errors.As(err, &ue) || errors.As(err, &ne) || errors.Is(err, context.DeadlineExceeded) {
		return ErrUnavailable
	}
	return ErrInternal
}

// Options configures Client.
type Options struct {
	SecretKey     string
	TestSecretKey string
	WebhookSecret string
	// BackendURL overrides the Stripe API base URL.
	BackendURL string
}

// Client holds one Stripe API client per mode. It is built once at startup.
type Client struct {
	live          *client.API
	test          *client.API
	webhookSecret string
}

func NewClient(opts Options) *Client {
	c := &Client{webhookSecret: opts.WebhookSecret}
	c.live = newAPI(opts.SecretKey, opts.BackendURL)
	if opts.TestSecretKey != "" {
		c.test = newAPI(opts.TestSecretKey, opts.BackendURL)
	}
	return c
}

func newAPI(key, backendURL string) *client.API {
	if backendURL == "" {
		return client.New(key, nil)
	}
	b := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(backendURL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return client.New(key, &stripe.Backends{API: b, Connect: b, Uploads: b})
}

func (c *Client) api(testMode bool) *client.API {
	if testMode && c.test != nil {
		return c.test
	}
	return c.live
}

// Price fetches a price and rejects inactive ones.
func (c *Client) Price(ctx context.Context, priceID string, testMode bool) (*stripe.Price, error) {
	params := &stripe.PriceParams{}
	params.Context = ctx
	p, err := c.api(testMode).Prices.Get(priceID, params)
	if err != nil {
		return nil, fmt.Errorf("get price %s: %w", priceID, err)
	}
	if !p.Active {
		return nil, fmt.Errorf("%w: %s", ErrInactivePrice, priceID)
	}
	return p, nil
}

// CheckoutRequest describes a hosted subscription checkout.
type CheckoutRequest struct {
	PriceID       string
	UserID        string
	CustomerEmail string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
	TestMode      bool
}

type CheckoutResult struct {
	SessionID string
	URL       string
}

// CreateCheckout opens a subscription checkout. user_id is written to both
// the session and the subscription metadata, and to client_reference_id.
func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	meta := map[string]string{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta["user_id"] = req.UserID
	meta["price_id"] = req.PriceID

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.UserID),
		Metadata:          meta,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx

	s, err := c.api(req.TestMode).CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutResult{SessionID: s.ID, URL: s.URL}, nil
}

// CreatePortal returns the billing portal URL for a customer.
func (c *Client) CreatePortal(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	s, err := c.live.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create portal session: %w", err)
	}
	return s.URL, nil
}

// CancelAtPeriodEnd schedules the provider subscription to end with its period.
func (c *Client) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	if _, err := c.live.Subscriptions.Update(subscriptionID, params); err != nil {
		return fmt.Errorf("cancel subscription %s: %w", subscriptionID, err)
	}
	return nil
}

// VerifyStripeEvent checks the Stripe-Signature header and decodes the event.
func (c *Client) VerifyStripeEvent(payload []byte, header string) (stripe.Event, error) {
	if c.webhookSecret == "" {
		return stripe.Event{}, errors.New("stripe webhook secret not configured")
	}
	return webhook.ConstructEventWithOptions(payload, header, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
}
