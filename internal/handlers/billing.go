package handlers

import (
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/PortNumber53/pegasus/internal/payments"
	"github.com/PortNumber53/pegasus/internal/store"
	"github.com/PortNumber53/pegasus/internal/tier"
	"github.com/stripe/stripe-go/v79"
)

// Edge function reason codes.
const (
	codeMissingFields       = "missing_fields"
	codeInvalidPrice        = "invalid_price"
	codeProviderUnavailable = "provider_unavailable"
	codeInternal            = "internal_error"
	codeUnauthorized        = "unauthorized"
	codeForbidden           = "forbidden"
	codeNotFound            = "not_found"
)

// respond writes the edge function envelope. Operators also get the map of
// which environment variables are set.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	if _, ok := body["success"]; !ok {
		body["success"] = status < 400
	}
	body["timestamp"] = h.now().UTC().Format(time.RFC3339)
	if h.isOperator(r) && h.cfg.EnvPresence != nil {
		body["env"] = h.cfg.EnvPresence
	}
	writeJSON(w, status, body)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	h.respond(w, r, status, map[string]any{"success": false, "error": msg, "code": code})
}

func (h *Handler) isOperator(r *http.Request) bool {
	if h.cfg.OperatorToken == "" {
		return false
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.OperatorToken)) == 1
}

// authorizeFor lets operators act for any user and signed-in users act only
// for themselves. It writes the 401/403 and returns false otherwise.
func (h *Handler) authorizeFor(w http.ResponseWriter, r *http.Request, userID string) bool {
	if h.isOperator(r) {
		return true
	}
	u := h.currentUser(w, r)
	if u == nil {
		h.fail(w, r, http.StatusUnauthorized, codeUnauthorized, "Sign in required")
		return false
	}
	if u.ID != userID {
		h.fail(w, r, http.StatusForbidden, codeForbidden, "user_id does not match the signed-in user")
		return false
	}
	return true
}

// reservedMetadata are checkout metadata keys the server owns. Client values
// for them are dropped.
var reservedMetadata = map[string]bool{
	"plan_name":     true,
	"plan_id":       true,
	"billing_cycle": true,
	"user_id":       true,
	"price_id":      true,
}

type createCheckoutRequest struct {
	PriceID       string            `json:"price_id" validate:"required"`
	UserID        string            `json:"user_id" validate:"required"`
	ReturnURL     string            `json:"return_url" validate:"omitempty,url"`
	CancelURL     string            `json:"cancel_url" validate:"omitempty,url"`
	CustomerEmail string            `json:"customer_email" validate:"omitempty,email"`
	PlanName      string            `json:"plan_name"`
	BillingCycle  string            `json:"billing_cycle" validate:"omitempty,oneof=monthly yearly"`
	Metadata      map[string]string `json:"metadata"`
	TestMode      bool              `json:"test_mode"`
}

// CreateCheckout opens a hosted subscription checkout for user_id.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req createCheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, http.StatusBadRequest, codeMissingFields, "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, r, http.StatusBadRequest, codeMissingFields, validationMessage(err))
		return
	}
	if !h.authorizeFor(w, r, req.UserID) {
		return
	}

	ctx := r.Context()
	price, err := h.payments.Price(ctx, req.PriceID, req.TestMode)
	if err != nil {
		log.Printf("[Billing][Checkout] price=%s: %v", req.PriceID, err)
		switch payments.Classify(err) {
		case payments.ErrInvalidRequest:
			h.fail(w, r, http.StatusBadRequest, codeInvalidPrice, "Price is not available")
		case payments.ErrUnavailable:
			h.fail(w, r, http.StatusServiceUnavailable, codeProviderUnavailable, "Payment provider unavailable")
		default:
			h.fail(w, r, http.StatusInternalServerError, codeInternal, "Failed to verify price")
		}
		return
	}

	// A catalog plan bound to the price decides what the user is buying. The
	// request's plan_name and billing_cycle only label prices outside the catalog.
	planName, cycle, planID := "", req.BillingCycle, ""
	plan, err := h.store.PlanByPriceID(ctx, req.PriceID)
	switch {
	case err == nil:
		planName, cycle, planID = plan.ID, plan.BillingCycle, plan.ID
	case !errors.Is(err, store.ErrNotFound):
		log.Printf("[Billing][Checkout] plan lookup price=%s: %v", req.PriceID, err)
	}
	if planName == "" {
		planName = price.Nickname
	}
	if planName == "" {
		planName = planLabelWithin(req.PlanName, price.UnitAmount)
	}
	if cycle == "" {
		cycle = cycleFromPrice(price)
	}

	meta := map[string]string{}
	for k, v := range req.Metadata {
		if reservedMetadata[k] {
			continue
		}
		meta[k] = v
	}
	meta["price_id"] = req.PriceID
	if planID != "" {
		meta["plan_id"] = planID
	}
	if planName != "" {
		meta["plan_name"] = planName
	}
	if cycle != "" {
		meta["billing_cycle"] = cycle
	}

	site := strings.TrimRight(h.cfg.SiteURL, "/")
	successURL := req.ReturnURL
	if successURL == "" {
		successURL = site + "/dashboard?checkout=success&session_id={CHECKOUT_SESSION_ID}"
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = site + "/pricing?checkout=cancelled"
	}

	res, err := h.payments.CreateCheckout(ctx, payments.CheckoutRequest{
		PriceID:       req.PriceID,
		UserID:        req.UserID,
		CustomerEmail: req.CustomerEmail,
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
		Metadata:      meta,
		TestMode:      req.TestMode,
	})
	if err != nil {
		log.Printf("[Billing][Checkout] create user=%s: %v", req.UserID, err)
		if payments.Classify(err) == payments.ErrUnavailable {
			h.fail(w, r, http.StatusServiceUnavailable, codeProviderUnavailable, "Payment provider unavailable")
			return
		}
		h.fail(w, r, http.StatusInternalServerError, codeInternal, "Failed to create checkout session")
		return
	}

	if err := h.store.CreateCheckoutSession(ctx, &models.CheckoutSession{
		ID:           res.SessionID,
		UserID:       req.UserID,
		PriceID:      req.PriceID,
		PlanName:     planName,
		BillingCycle: cycle,
		Amount:       price.UnitAmount,
		Currency:     string(price.Currency),
		Status:       models.CheckoutPending,
	}); err != nil {
		log.Printf("[Billing][Checkout] persist session=%s: %v", res.SessionID, err)
	}

	h.respond(w, r, http.StatusOK, map[string]any{
		"sessionId": res.SessionID,
		"url":       res.URL,
		"success":   true,
	})
}

// planLabelWithin returns name unless it names a tier above what amount pays for.
func planLabelWithin(name string, amount int64) string {
	named := tier.ResolveTier(&models.Subscription{Status: models.StatusActive, PlanName: name}, "")
	if named.Rank() > tier.FromAmount(amount).Rank() {
		return ""
	}
	return name
}

func cycleFromPrice(p *stripe.Price) string {
	if p == nil || p.Recurring == nil {
		return ""
	}
	switch p.Recurring.Interval {
	case stripe.PriceRecurringIntervalYear:
		return "yearly"
	case stripe.PriceRecurringIntervalMonth:
		return "monthly"
	}
	return ""
}

type cancelSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	UserID         string `json:"user_id" validate:"required"`
}

// CancelSubscription cancels provider subscriptions at period end and manual
// ones immediately, after checking that user_id owns the subscription.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req cancelSubscriptionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, http.StatusBadRequest, codeMissingFields, "Invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.fail(w, r, http.StatusBadRequest, codeMissingFields, validationMessage(err))
		return
	}
	if !h.authorizeFor(w, r, req.UserID) {
		return
	}

	ctx := r.Context()
	sub, err := h.store.SubscriptionByExternalID(ctx, req.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		h.fail(w, r, http.StatusNotFound, codeNotFound, "Subscription not found")
		return
	}
	if err != nil {
		log.Printf("[Billing][Cancel] lookup sub=%s: %v", req.SubscriptionID, err)
		h.fail(w, r, http.StatusInternalServerError, codeInternal, "Failed to load subscription")
		return
	}
	if sub.UserID == nil || *sub.UserID != req.UserID {
		h.fail(w, r, http.StatusForbidden, codeForbidden, "Subscription does not belong to this user")
		return
	}

	if strings.HasPrefix(sub.ExternalID, "manual_") {
		if _, err := h.store.SetSubscriptionStatus(ctx, sub.ExternalID, models.StatusCanceled); err != nil {
			log.Printf("[Billing][Cancel] manual sub=%s: %v", sub.ExternalID, err)
			h.fail(w, r, http.StatusInternalServerError, codeInternal, "Failed to cancel subscription")
			return
		}
		if err := h.store.SetProfilePlan(ctx, req.UserID, store.PlanState{
			Name: sub.PlanName, Status: models.StatusCanceled, BillingCycle: sub.BillingCycle,
		}); err != nil {
			log.Printf("[Billing][Cancel] profile user=%s: %v", req.UserID, err)
		}
		h.respond(w, r, http.StatusOK, map[string]any{
			"subscription_id": sub.ExternalID,
			"status":          models.StatusCanceled,
		})
		return
	}

	if err := h.payments.CancelAtPeriodEnd(ctx, sub.ExternalID); err != nil {
		log.Printf("[Billing][Cancel] provider sub=%s: %v", sub.ExternalID, err)
		if payments.Classify(err) == payments.ErrUnavailable {
			h.fail(w, r, http.StatusServiceUnavailable, codeProviderUnavailable, "Payment provider unavailable")
			return
		}
		h.fail(w, r, http.StatusInternalServerError, codeInternal, "Failed to cancel subscription")
		return
	}
	if err := h.store.SetCancelAtPeriodEnd(ctx, sub.ExternalID, true); err != nil {
		log.Printf("[Billing][Cancel] local sub=%s: %v", sub.ExternalID, err)
	}
	h.respond(w, r, http.StatusOK, map[string]any{
		"subscription_id":      sub.ExternalID,
		"status":               sub.Status,
		"cancel_at_period_end": true,
		"current_period_end":   sub.CurrentPeriodEnd,
	})
}

// CreatePortalSession returns the billing portal URL for customer_id.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	customerID := strings.TrimSpace(r.URL.Query().Get("customer_id"))
	if customerID == "" {
		h.fail(w, r, http.StatusBadRequest, codeMissingFields, "customer_id is required")
		return
	}
	url, err := h.payments.CreatePortal(r.Context(), customerID, strings.TrimRight(h.cfg.SiteURL, "/")+"/dashboard")
	if err != nil {
		log.Printf("[Billing][Portal] customer=%s: %v", customerID, err)
		switch payments.Classify(err) {
		case payments.ErrUnavailable:
			h.fail(w, r, http.StatusServiceUnavailable, codeProviderUnavailable, "Payment provider unavailable")
		case payments.ErrInvalidRequest:
			h.fail(w, r, http.StatusBadRequest, codeNotFound, "Unknown customer")
		default:
			h.fail(w, r, http.StatusInternalServerError, codeInternal, "Failed to create portal session")
		}
		return
	}
	h.respond(w, r, http.StatusOK, map[string]any{"url": url})
}
