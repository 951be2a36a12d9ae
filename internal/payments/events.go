package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Payments-webhook event names.
const (
	EventOrderCreated          = "order_created"
	EventSubscriptionCreated   = "subscription_created"
	EventSubscriptionUpdated   = "subscription_updated"
	EventSubscriptionResumed   = "subscription_resumed"
	EventSubscriptionCancelled = "subscription_cancelled"
	EventSubscriptionExpired   = "subscription_expired"
)

var ErrBadSignature = errors.New("payments: signature mismatch")

// VerifySignature checks that sig is the hex HMAC-SHA256 of body under secret.
func VerifySignature(secret string, body []byte, sig string) error {
	if secret == "" || sig == "" {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(sig))
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign returns the hex signature VerifySignature expects.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type Event struct {
	Meta Meta `json:"meta"`
	Data Data `json:"data"`
}

type Meta struct {
	EventName  string         `json:"event_name"`
	TestMode   bool           `json:"test_mode"`
	CustomData map[string]any `json:"custom_data"`
}

type Data struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Attributes Attributes `json:"attributes"`
}

// Attributes covers the order and subscription fields the service reads.
type Attributes struct {
	Status      string     `json:"status"`
	UserEmail   string     `json:"user_email"`
	ProductName string     `json:"product_name"`
	VariantName string     `json:"variant_name"`
	CustomerID  int64      `json:"customer_id"`
	Total       int64      `json:"total"`
	Currency    string     `json:"currency"`
	Cancelled   bool       `json:"cancelled"`
	RenewsAt    *time.Time `json:"renews_at"`
	EndsAt      *time.Time `json:"ends_at"`
	CreatedAt   *time.Time `json:"created_at"`
	FirstItem   *Item      `json:"first_subscription_item"`
}

type Item struct {
	PriceID int64 `json:"price_id"`
	Price   int64 `json:"price"`
}

// ParseEvent decodes a payments-webhook body.
func ParseEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if ev.Meta.EventName == "" {
		return nil, errors.New("decode event: missing meta.event_name")
	}
	return &ev, nil
}

// UserID is the user the checkout was opened for, when the provider echoed it.
func (e *Event) UserID() string {
	return e.Custom("user_id")
}

// Custom returns a string value from meta.custom_data, or "".
func (e *Event) Custom(key string) string {
	s, _ := e.Meta.CustomData[key].(string)
	return strings.TrimSpace(s)
}

// PlanName prefers the variant ("Creator Monthly") over the product name.
func (a Attributes) PlanName() string {
	if a.VariantName != "" && !strings.EqualFold(a.VariantName, "default") {
		return a.VariantName
	}
	return a.ProductName
}

// BillingCycle infers monthly/yearly from the plan name.
func (a Attributes) BillingCycle() string {
	name := strings.ToLower(a.VariantName + " " + a.ProductName)
	switch {
	case strings.Contains(name, "year") || strings.Contains(name, "annual"):
		return "yearly"
	case strings.Contains(name, "month"):
		return "monthly"
	}
	return ""
}

// Amount is the order total or the subscription item price, in cents.
func (a Attributes) Amount() int64 {
	if a.Total > 0 {
		return a.Total
	}
	if a.FirstItem != nil {
		return a.FirstItem.Price
	}
	return 0
}

// NormalizeStatus folds the provider's "cancelled" spelling into "canceled".
func NormalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "cancelled" {
		return "canceled"
	}
	return s
}
