package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/PortNumber53/pegasus/internal/auth"
	"github.com/PortNumber53/pegasus/internal/models"
)

// AccessState is recomputed for every request the guard admits.
type AccessState int

const (
	Anonymous AccessState = iota
	AuthenticatedNoSub
	AuthenticatedActive
)

func (s AccessState) String() string {
	switch s {
	case AuthenticatedNoSub:
		return "authenticated_no_sub"
	case AuthenticatedActive:
		return "authenticated_active"
	default:
		return "anonymous"
	}
}

// UserResolver returns the signed-in user, refreshing cookies on w as needed.
type UserResolver interface {
	GetUser(w http.ResponseWriter, r *http.Request) *auth.User
}

type SubscriptionReader interface {
	ActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	HasAnySubscription(ctx context.Context, userID string) (bool, error)
}

// AccessGuard gates the protected pages by sign-in and subscription state.
type AccessGuard struct {
	Users         UserResolver
	Subscriptions SubscriptionReader
}

func NewAccessGuard(users UserResolver, subs SubscriptionReader) *AccessGuard {
	return &AccessGuard{Users: users, Subscriptions: subs}
}

var skipPrefixes = []string{
	"/static/",
	"/public/",
	"/favicon.ico",
	"/functions/v1/payments-webhook",
	"/webhook/stripe",
	"/storyboard",
}

func (g *AccessGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSkip(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		user := g.Users.GetUser(w, r)
		protected, authPage := isProtected(r.URL.Path), isAuthPage(r.URL.Path)

		state := Anonymous
		if user != nil {
			state = AuthenticatedNoSub
			if protected || authPage {
				state = g.lookup(r.Context(), user.ID)
			}
		}

		switch {
		case protected && state == Anonymous:
			redirect(w, r, "/sign-in")
			return
		case protected && state == AuthenticatedNoSub:
			redirect(w, r, "/pricing")
			return
		case authPage && state == AuthenticatedActive:
			redirect(w, r, "/dashboard")
			return
		case authPage && state == AuthenticatedNoSub:
			redirect(w, r, "/pricing")
			return
		}

		ctx := r.Context()
		if user != nil {
			ctx = auth.WithUser(ctx, user)
		}
		ctx = WithAccessState(ctx, state)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// lookup resolves the subscription state. Lookup errors deny access.
func (g *AccessGuard) lookup(ctx context.Context, userID string) AccessState {
	sub, err := g.Subscriptions.ActiveSubscription(ctx, userID)
	if err != nil {
		log.Printf("[Guard][Lookup] active subscription user=%s: %v", userID, err)
		return AuthenticatedNoSub
	}
	if sub != nil {
		return AuthenticatedActive
	}
	// Users with any past subscription row keep access.
	hasAny, err := g.Subscriptions.HasAnySubscription(ctx, userID)
	if err != nil {
		log.Printf("[Guard][Lookup] any subscription user=%s: %v", userID, err)
		return AuthenticatedNoSub
	}
	if hasAny {
		return AuthenticatedActive
	}
	return AuthenticatedNoSub
}

func shouldSkip(path string) bool {
	for _, p := range skipPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func isProtected(path string) bool {
	return hasSegmentPrefix(path, "/dashboard") || hasSegmentPrefix(path, "/content-hub")
}

func isAuthPage(path string) bool {
	return path == "/sign-in" || path == "/sign-up"
}

// hasSegmentPrefix matches /dashboard and /dashboard/... but not /dashboards.
func hasSegmentPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func redirect(w http.ResponseWriter, r *http.Request, target string) {
	http.Redirect(w, r, target, http.StatusFound)
}

type accessKey struct{}

func WithAccessState(ctx context.Context, s AccessState) context.Context {
	return context.WithValue(ctx, accessKey{}, s)
}

func AccessStateFromContext(ctx context.Context) AccessState {
	s, _ := ctx.Value(accessKey{}).(AccessState)
	return s
}
