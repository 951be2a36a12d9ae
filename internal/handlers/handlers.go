// Package handlers is the HTTP surface: the auth callback, the platform
// connections API, the billing edge functions, the payment webhooks and the
// page shells.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/PortNumber53/pegasus/internal/auth"
	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/PortNumber53/pegasus/internal/payments"
	"github.com/PortNumber53/pegasus/internal/reconcile"
	"github.com/PortNumber53/pegasus/internal/store"
	"github.com/go-playground/validator/v10"
	"github.com/stripe/stripe-go/v79"
	"golang.org/x/oauth2"
)

// Store is the persistence the handlers need; *store.Store satisfies it.
type Store interface {
	UpsertProfile(ctx context.Context, in store.ProfileUpsert) (*models.Profile, error)
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	SetProfilePlan(ctx context.Context, userID string, plan store.PlanState) error

	ActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	HasAnySubscription(ctx context.Context, userID string) (bool, error)
	SubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error)
	SetSubscriptionStatus(ctx context.Context, externalID, status string) (*models.Subscription, error)
	SetCancelAtPeriodEnd(ctx context.Context, externalID string, cancel bool) error

	CreateCheckoutSession(ctx context.Context, c *models.CheckoutSession) error
	CompleteCheckoutSession(ctx context.Context, id string) error
	CompleteLatestCheckoutForUser(ctx context.Context, userID string) (*models.CheckoutSession, error)

	ArchiveEvent(ctx context.Context, source, eventName, externalID string, payload []byte) (string, error)
	MarkEventProcessed(ctx context.Context, id string, procErr error) error

	UpsertPlatformConnection(ctx context.Context, c *models.PlatformConnection) (*models.PlatformConnection, error)
	ListPlatformConnections(ctx context.Context, userID string) ([]models.PlatformConnection, error)

	ListActivePlans(ctx context.Context) ([]models.BillingPlan, error)
	PlanByPriceID(ctx context.Context, priceID string) (*models.BillingPlan, error)
}

// Payments is the Stripe surface; *payments.Client satisfies it.
type Payments interface {
	Price(ctx context.Context, priceID string, testMode bool) (*stripe.Price, error)
	CreateCheckout(ctx context.Context, req payments.CheckoutRequest) (*payments.CheckoutResult, error)
	CreatePortal(ctx context.Context, customerID, returnURL string) (string, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
	VerifyStripeEvent(payload []byte, header string) (stripe.Event, error)
}

// AuthProvider exchanges callback codes; *auth.Provider satisfies it.
type AuthProvider interface {
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Verify(accessToken string) (*auth.User, error)
}

// Sessions manages the auth cookies; *auth.Sessions satisfies it.
type Sessions interface {
	GetUser(w http.ResponseWriter, r *http.Request) *auth.User
	Save(w http.ResponseWriter, tok *oauth2.Token)
	Clear(w http.ResponseWriter)
}

type Config struct {
	SiteURL               string
	PaymentsWebhookSecret string
	OperatorToken         string
	// SignInURL starts the hosted sign-in flow.
	SignInURL string
	// EnvPresence is reported to operators by the edge functions.
	EnvPresence map[string]bool
}

type Deps struct {
	Store      Store
	Payments   Payments
	Auth       AuthProvider
	Sessions   Sessions
	Reconciler reconcile.Job
	// Ping checks the database for /health. Optional.
	Ping func(ctx context.Context) error
}

type Handler struct {
	store      Store
	payments   Payments
	auth       AuthProvider
	sessions   Sessions
	reconciler reconcile.Job
	ping       func(ctx context.Context) error
	cfg        Config
	validate   *validator.Validate
	now        func() time.Time
}

func New(deps Deps, cfg Config) *Handler {
	return &Handler{
		store:      deps.Store,
		payments:   deps.Payments,
		auth:       deps.Auth,
		sessions:   deps.Sessions,
		reconciler: deps.Reconciler,
		ping:       deps.Ping,
		cfg:        cfg,
		validate:   newValidator(),
		now:        time.Now,
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "database unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// currentUser prefers the user the guard stored on the context.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) *auth.User {
	if u := auth.UserFromContext(r.Context()); u != nil {
		return u
	}
	if h.sessions == nil {
		return nil
	}
	return h.sessions.GetUser(w, r)
}
