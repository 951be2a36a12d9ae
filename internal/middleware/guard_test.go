package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/PortNumber53/pegasus/internal/auth"
	"github.com/PortNumber53/pegasus/internal/models"
)

type fakeUsers struct{ user *auth.User }

func (f fakeUsers) GetUser(http.ResponseWriter, *http.Request) *auth.User { return f.user }

type fakeSubs struct {
	active *models.Subscription
	hasAny bool
	err    error
}

func (f fakeSubs) ActiveSubscription(context.Context, string) (*models.Subscription, error) {
	return f.active, f.err
}

func (f fakeSubs) HasAnySubscription(context.Context, string) (bool, error) {
	return f.hasAny, f.err
}

func serve(t *testing.T, g *AccessGuard, path string) *httptest.ResponseRecorder {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-State", AccessStateFromContext(r.Context()).String())
		w.WriteHeader(http.StatusOK)
	})
	rr := httptest.NewRecorder()
	g.Middleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestAccessGuard_DecisionTable(t *testing.T) {
	user := &auth.User{ID: "u1"}
	active := &models.Subscription{ExternalID: "sub_1", Status: "active"}

	cases := []struct {
		name     string
		user     *auth.User
		subs     fakeSubs
		path     string
		wantCode int
		wantLoc  string
	}{
		{"anonymous dashboard", nil, fakeSubs{}, "/dashboard", http.StatusFound, "/sign-in"},
		{"anonymous content hub child", nil, fakeSubs{}, "/content-hub/ideas", http.StatusFound, "/sign-in"},
		{"no sub dashboard", user, fakeSubs{}, "/dashboard", http.StatusFound, "/pricing"},
		{"active dashboard", user, fakeSubs{active: active}, "/dashboard/settings", http.StatusOK, ""},
		{"active sign-in", user, fakeSubs{active: active}, "/sign-in", http.StatusFound, "/dashboard"},
		{"no sub sign-up", user, fakeSubs{}, "/sign-up", http.StatusFound, "/pricing"},
		{"anonymous sign-in", nil, fakeSubs{}, "/sign-in", http.StatusOK, ""},
		{"grandfathered", user, fakeSubs{hasAny: true}, "/dashboard", http.StatusOK, ""},
		{"lookup error fails closed", user, fakeSubs{err: errors.New("db down")}, "/dashboard", http.StatusFound, "/pricing"},
		{"other path", nil, fakeSubs{}, "/pricing", http.StatusOK, ""},
		{"similar prefix is not protected", nil, fakeSubs{}, "/dashboards", http.StatusOK, ""},
		{"webhook skipped", nil, fakeSubs{}, "/functions/v1/payments-webhook", http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := serve(t, NewAccessGuard(fakeUsers{tc.user}, tc.subs), tc.path)
			if rr.Code != tc.wantCode {
				t.Fatalf("expected %d got %d", tc.wantCode, rr.Code)
			}
			if loc := rr.Header().Get("Location"); loc != tc.wantLoc {
				t.Fatalf("expected Location %q got %q", tc.wantLoc, loc)
			}
		})
	}
}

func TestAccessGuard_PutsStateInContext(t *testing.T) {
	active := &models.Subscription{ExternalID: "sub_1", Status: "active"}
	rr := serve(t, NewAccessGuard(fakeUsers{&auth.User{ID: "u1"}}, fakeSubs{active: active}), "/dashboard")
	if got := rr.Header().Get("X-State"); got != "authenticated_active" {
		t.Fatalf("unexpected state %q", got)
	}
}
