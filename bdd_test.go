package pegasus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PortNumber53/pegasus/internal/auth"
	"github.com/PortNumber53/pegasus/internal/handlers"
	"github.com/PortNumber53/pegasus/internal/middleware"
	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/PortNumber53/pegasus/internal/payments"
	"github.com/PortNumber53/pegasus/internal/reconcile"
	"github.com/PortNumber53/pegasus/internal/store/storetest"
	"github.com/cucumber/godog"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"
)

const (
	bddWebhookSecret = "whsec_bdd"
	testUserHeader   = "X-Test-User"
)

// headerSessions resolves the signed-in user from a request header.
type headerSessions struct{}

func (headerSessions) GetUser(_ http.ResponseWriter, r *http.Request) *auth.User {
	id := r.Header.Get(testUserHeader)
	if id == "" {
		return nil
	}
	return &auth.User{ID: id, Email: id + "@example.com"}
}

func (headerSessions) Save(http.ResponseWriter, *oauth2.Token) {}
func (headerSessions) Clear(http.ResponseWriter)               {}

type bddTestContext struct {
	mem          *storetest.Memory
	server       *httptest.Server
	client       *http.Client
	userID       string
	lastResponse *http.Response
	lastBody     []byte
}

func (ctx *bddTestContext) reset() {
	if ctx.lastResponse != nil && ctx.lastResponse.Body != nil {
		ctx.lastResponse.Body.Close()
	}
	ctx.lastResponse = nil
	ctx.lastBody = nil
	ctx.userID = ""
	ctx.mem = storetest.New()
}

func (ctx *bddTestContext) theAPIServerIsRunning() error {
	if ctx.server != nil {
		return nil
	}
	sessions := headerSessions{}
	h := handlers.New(handlers.Deps{
		Store:      ctx.mem,
		Sessions:   sessions,
		Reconciler: reconcile.New(ctx.mem),
	}, handlers.Config{
		SiteURL:               "http://pegasus.test",
		PaymentsWebhookSecret: bddWebhookSecret,
	})
	r := mux.NewRouter()
	handlers.RegisterRoutes(h, r)
	guard := middleware.NewAccessGuard(sessions, ctx.mem)

	ctx.server = httptest.NewServer(guard.Middleware(r))
	ctx.client = &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	return nil
}

func (ctx *bddTestContext) send(method, path string, body []byte, headers map[string]string) error {
	req, err := http.NewRequest(method, ctx.server.URL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ctx.userID != "" {
		req.Header.Set(testUserHeader, ctx.userID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	if ctx.lastResponse != nil {
		ctx.lastResponse.Body.Close()
	}
	resp, err := ctx.client.Do(req)
	if err != nil {
		return err
	}
	ctx.lastResponse = resp
	ctx.lastBody, err = io.ReadAll(resp.Body)
	return err
}

func (ctx *bddTestContext) iAmSignedInAs(id string) error {
	ctx.userID = id
	return nil
}

func (ctx *bddTestContext) iAmNotSignedIn() error {
	ctx.userID = ""
	return nil
}

func (ctx *bddTestContext) userHasASubscription(userID, status, externalID string) error {
	_, err := ctx.mem.UpsertSubscription(context.Background(), &models.Subscription{
		ExternalID: externalID,
		UserID:     &userID,
		Status:     status,
		PlanName:   "creator_monthly",
	})
	return err
}

func (ctx *bddTestContext) iSendAGETRequestTo(path string) error {
	return ctx.send(http.MethodGet, path, nil, nil)
}

func (ctx *bddTestContext) iSendAPOSTRequestToWithJSON(path string, body *godog.DocString) error {
	return ctx.send(http.MethodPost, path, []byte(body.Content), nil)
}

func (ctx *bddTestContext) paymentsEvent(name, subID, userID string) []byte {
	status := "active"
	switch name {
	case payments.EventSubscriptionCancelled:
		status = "cancelled"
	case payments.EventSubscriptionExpired:
		status = "expired"
	}
	b, _ := json.Marshal(map[string]any{
		"meta": map[string]any{"event_name": name, "custom_data": map[string]any{"user_id": userID}},
		"data": map[string]any{
			"id":         subID,
			"type":       "subscriptions",
			"attributes": map[string]any{"status": status, "variant_name": "Creator Monthly"},
		},
	})
	return b
}

func (ctx *bddTestContext) theProviderSendsAnEvent(name, subID, userID string) error {
	body := ctx.paymentsEvent(name, subID, userID)
	return ctx.send(http.MethodPost, "/functions/v1/payments-webhook", body, map[string]string{
		"X-Signature": payments.Sign(bddWebhookSecret, body),
	})
}

func (ctx *bddTestContext) theProviderSendsAnEventWithAnInvalidSignature(name, subID, userID string) error {
	body := ctx.paymentsEvent(name, subID, userID)
	return ctx.send(http.MethodPost, "/functions/v1/payments-webhook", body, map[string]string{
		"X-Signature": payments.Sign("not-the-secret", body),
	})
}

func (ctx *bddTestContext) theResponseStatusCodeShouldBe(expectedCode int) error {
	if ctx.lastResponse == nil {
		return fmt.Errorf("no response received")
	}
	if ctx.lastResponse.StatusCode != expectedCode {
		return fmt.Errorf("expected status code %d, got %d. Body: %s",
			expectedCode, ctx.lastResponse.StatusCode, string(ctx.lastBody))
	}
	return nil
}

func (ctx *bddTestContext) iShouldBeRedirectedTo(location string) error {
	if err := ctx.theResponseStatusCodeShouldBe(http.StatusFound); err != nil {
		return err
	}
	if got := ctx.lastResponse.Header.Get("Location"); got != location {
		return fmt.Errorf("expected redirect to %q, got %q", location, got)
	}
	return nil
}

func (ctx *bddTestContext) theResponseShouldContainJSONWithSetTo(key, value string) error {
	var data map[string]interface{}
	if err := json.Unmarshal(ctx.lastBody, &data); err != nil {
		return fmt.Errorf("failed to parse JSON: %w. Body: %s", err, string(ctx.lastBody))
	}
	actualValue, ok := data[key]
	if !ok {
		return fmt.Errorf("key %q not found in response: %s", key, string(ctx.lastBody))
	}
	if actualStr := fmt.Sprintf("%v", actualValue); actualStr != value {
		return fmt.Errorf("expected %q to be %q, got %q", key, value, actualStr)
	}
	return nil
}

func (ctx *bddTestContext) theResponseShouldContainError(errorMsg string) error {
	if !strings.Contains(string(ctx.lastBody), errorMsg) {
		return fmt.Errorf("expected error message %q not found in response: %s", errorMsg, string(ctx.lastBody))
	}
	return nil
}

func (ctx *bddTestContext) thereShouldBeSubscriptionRows(n int) error {
	if got := len(ctx.mem.Subscriptions()); got != n {
		return fmt.Errorf("expected %d subscription rows, got %d", n, got)
	}
	return nil
}

func (ctx *bddTestContext) thereShouldBeArchivedBillingEvents(n int) error {
	if got := len(ctx.mem.Events()); got != n {
		return fmt.Errorf("expected %d billing events, got %d", n, got)
	}
	return nil
}

func (ctx *bddTestContext) subscriptionShouldHaveStatus(externalID, status string) error {
	sub, err := ctx.mem.SubscriptionByExternalID(context.Background(), externalID)
	if err != nil {
		return err
	}
	if sub.Status != status {
		return fmt.Errorf("expected %s to be %q, got %q", externalID, status, sub.Status)
	}
	return nil
}

func (ctx *bddTestContext) userShouldHavePlatformConnections(userID string, n int) error {
	conns, err := ctx.mem.ListPlatformConnections(context.Background(), userID)
	if err != nil {
		return err
	}
	if len(conns) != n {
		return fmt.Errorf("expected %d connections, got %d", n, len(conns))
	}
	return nil
}

func (ctx *bddTestContext) theConnectionShouldHaveFollowers(platform, userID string, followers int) error {
	conns, err := ctx.mem.ListPlatformConnections(context.Background(), userID)
	if err != nil {
		return err
	}
	for _, c := range conns {
		if c.Platform == platform {
			if c.FollowerCount != int64(followers) {
				return fmt.Errorf("expected %d followers, got %d", followers, c.FollowerCount)
			}
			return nil
		}
	}
	return fmt.Errorf("no %s connection for %s", platform, userID)
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	testCtx := &bddTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		testCtx.reset()
		return ctx, nil
	})

	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if testCtx.server != nil {
			testCtx.server.Close()
			testCtx.server = nil
		}
		return ctx, nil
	})

	ctx.Step(`^the API server is running$`, testCtx.theAPIServerIsRunning)
	ctx.Step(`^I am signed in as "([^"]*)"$`, testCtx.iAmSignedInAs)
	ctx.Step(`^I am not signed in$`, testCtx.iAmNotSignedIn)
	ctx.Step(`^user "([^"]*)" has an? "([^"]*)" subscription "([^"]*)"$`, testCtx.userHasASubscription)
	ctx.Step(`^I send a GET request to "([^"]*)"$`, testCtx.iSendAGETRequestTo)
	ctx.Step(`^I send a POST request to "([^"]*)" with JSON:$`, testCtx.iSendAPOSTRequestToWithJSON)
	ctx.Step(`^the payments provider sends a "([^"]*)" event for subscription "([^"]*)" and user "([^"]*)"$`, testCtx.theProviderSendsAnEvent)
	ctx.Step(`^the payments provider sends a "([^"]*)" event for subscription "([^"]*)" and user "([^"]*)" with an invalid signature$`, testCtx.theProviderSendsAnEventWithAnInvalidSignature)
	ctx.Step(`^the response status code should be (\d+)$`, testCtx.theResponseStatusCodeShouldBe)
	ctx.Step(`^I should be redirected to "([^"]*)"$`, testCtx.iShouldBeRedirectedTo)
	ctx.Step(`^the response should contain JSON with "([^"]*)" set to "([^"]*)"$`, testCtx.theResponseShouldContainJSONWithSetTo)
	ctx.Step(`^the response should contain error "([^"]*)"$`, testCtx.theResponseShouldContainError)
	ctx.Step(`^there should be (\d+) subscription rows$`, testCtx.thereShouldBeSubscriptionRows)
	ctx.Step(`^there should be (\d+) archived billing events$`, testCtx.thereShouldBeArchivedBillingEvents)
	ctx.Step(`^subscription "([^"]*)" should have status "([^"]*)"$`, testCtx.subscriptionShouldHaveStatus)
	ctx.Step(`^user "([^"]*)" should have (\d+) platform connections$`, testCtx.userShouldHavePlatformConnections)
	ctx.Step(`^the "([^"]*)" connection of "([^"]*)" should have (\d+) followers$`, testCtx.theConnectionShouldHaveFollowers)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
