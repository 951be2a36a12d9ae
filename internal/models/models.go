package models

import (
	"encoding/json"
	"time"
)

// Subscription statuses the service reasons about. Provider-specific values
// (past_due, on_trial, ...) are stored as-is.
const (
	StatusActive   = "active"
	StatusCanceled = "canceled"
	StatusExpired  = "expired"
)

// Checkout session statuses.
const (
	CheckoutPending   = "pending"
	CheckoutCompleted = "completed"
)

type Profile struct {
	ID                  string    `json:"id"`
	Email               string    `json:"email"`
	FullName            *string   `json:"fullName,omitempty"`
	AvatarURL           *string   `json:"avatarUrl,omitempty"`
	OnboardingCompleted bool      `json:"onboardingCompleted"`
	Niche               *string   `json:"niche,omitempty"`
	Tone                *string   `json:"tone,omitempty"`
	PlanName            *string   `json:"planName,omitempty"`
	PlanStatus          *string   `json:"planStatus,omitempty"`
	BillingCycle        *string   `json:"billingCycle,omitempty"`
	IsActive            bool      `json:"isActive"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Subscription mirrors a row in public.subscriptions. Period bounds are epoch seconds.
type Subscription struct {
	ID                 string          `json:"id"`
	ExternalID         string          `json:"externalId"`
	UserID             *string         `json:"userId,omitempty"`
	Status             string          `json:"status"`
	PlanName           string          `json:"planName"`
	BillingCycle       string          `json:"billingCycle"`
	CurrentPeriodStart int64           `json:"currentPeriodStart"`
	CurrentPeriodEnd   int64           `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool            `json:"cancelAtPeriodEnd"`
	Amount             int64           `json:"amount"`
	Currency           string          `json:"currency"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}

// IsActive reports whether the row's status is the literal "active".
func (s *Subscription) IsActive() bool {
	return s != nil && s.Status == StatusActive
}

// MetadataString returns a string value from the metadata object, or "".
func (s *Subscription) MetadataString(key string) string {
	if s == nil || len(s.Metadata) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(s.Metadata, &m); err != nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

type CheckoutSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	PriceID      string    `json:"priceId"`
	PlanName     string    `json:"planName"`
	BillingCycle string    `json:"billingCycle"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type PlatformConnection struct {
	ID               string    `json:"id"`
	UserID           string    `json:"userId"`
	Platform         string    `json:"platform"`
	PlatformUsername string    `json:"platformUsername"`
	PlatformUserID   *string   `json:"platformUserId,omitempty"`
	FollowerCount    int64     `json:"followerCount"`
	EngagementRate   float64   `json:"engagementRate"`
	IsActive         bool      `json:"isActive"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// BillingEvent is a verbatim copy of an inbound payment-provider event.
type BillingEvent struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	EventName  string          `json:"eventName"`
	ExternalID string          `json:"externalId"`
	Payload    json.RawMessage `json:"payload"`
	Processed  bool            `json:"processed"`
	Error      *string         `json:"error,omitempty"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

type BillingPlan struct {
	ID            string  `json:"id"`
	Tier          string  `json:"tier"`
	Name          string  `json:"name"`
	Description   *string `json:"description,omitempty"`
	PriceCents    int64   `json:"priceCents"`
	Currency      string  `json:"currency"`
	BillingCycle  string  `json:"billingCycle"`
	StripePriceID *string `json:"stripePriceId,omitempty"`
	IsActive      bool    `json:"isActive"`
}
