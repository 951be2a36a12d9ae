package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/PortNumber53/pegasus/internal/payments"
	"github.com/PortNumber53/pegasus/internal/store"
	"github.com/stripe/stripe-go/v79"
)

const (
	sourcePayments = "payments"
	sourceStripe   = "stripe"
)

// PaymentsWebhook receives HMAC-signed events from the hosted payments
// provider. Unverified bodies are rejected before anything is stored.
func (h *Handler) PaymentsWebhook(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Printf("[Billing][PaymentsWebhook] read error: %v", err)
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if err := payments.VerifySignature(h.cfg.PaymentsWebhookSecret, body, r.Header.Get("X-Signature")); err != nil {
		log.Printf("[Billing][PaymentsWebhook] signature rejected")
		writeError(w, http.StatusBadRequest, "Invalid signature")
		return
	}
	ev, err := payments.ParseEvent(body)
	if err != nil {
		log.Printf("[Billing][PaymentsWebhook] %v", err)
		writeError(w, http.StatusBadRequest, "Invalid event payload")
		return
	}

	ctx := r.Context()
	eventID, err := h.store.ArchiveEvent(ctx, sourcePayments, ev.Meta.EventName, ev.Data.ID, body)
	if err != nil {
		log.Printf("[Billing][PaymentsWebhook] archive %s: %v", ev.Meta.EventName, err)
		writeError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}

	procErr := h.processPaymentsEvent(ctx, ev)
	if err := h.store.MarkEventProcessed(ctx, eventID, procErr); err != nil {
		log.Printf("[Billing][PaymentsWebhook] mark event=%s: %v", eventID, err)
	}
	if procErr != nil {
		log.Printf("[Billing][PaymentsWebhook] %s id=%s: %v", ev.Meta.EventName, ev.Data.ID, procErr)
		writeError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (h *Handler) processPaymentsEvent(ctx context.Context, ev *payments.Event) error {
	switch ev.Meta.EventName {
	case payments.EventOrderCreated:
		return h.completeOrder(ctx, ev)
	case payments.EventSubscriptionCreated, payments.EventSubscriptionUpdated, payments.EventSubscriptionResumed:
		_, err := h.applySubscription(ctx, subscriptionFromEvent(ev))
		return err
	case payments.EventSubscriptionCancelled:
		return h.transitionSubscription(ctx, subscriptionFromEvent(ev), models.StatusCanceled)
	case payments.EventSubscriptionExpired:
		return h.transitionSubscription(ctx, subscriptionFromEvent(ev), models.StatusExpired)
	default:
		log.Printf("[Billing][PaymentsWebhook] unhandled event: %s", ev.Meta.EventName)
		return nil
	}
}

func (h *Handler) completeOrder(ctx context.Context, ev *payments.Event) error {
	if sessionID := ev.Custom("checkout_session_id"); sessionID != "" {
		err := h.store.CompleteCheckoutSession(ctx, sessionID)
		if err == nil || !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	userID := ev.UserID()
	if userID == "" {
		log.Printf("[Billing][PaymentsWebhook] order %s has no user_id", ev.Data.ID)
		return nil
	}
	if _, err := h.store.CompleteLatestCheckoutForUser(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

func subscriptionFromEvent(ev *payments.Event) *models.Subscription {
	a := ev.Data.Attributes
	sub := &models.Subscription{
		ExternalID:        ev.Data.ID,
		Status:            payments.NormalizeStatus(a.Status),
		PlanName:          a.PlanName(),
		BillingCycle:      a.BillingCycle(),
		CancelAtPeriodEnd: a.Cancelled,
		Amount:            a.Amount(),
		Currency:          a.Currency,
	}
	if id := ev.UserID(); id != "" {
		sub.UserID = &id
	}
	if a.CreatedAt != nil {
		sub.CurrentPeriodStart = a.CreatedAt.Unix()
	}
	switch {
	case a.RenewsAt != nil:
		sub.CurrentPeriodEnd = a.RenewsAt.Unix()
	case a.EndsAt != nil:
		sub.CurrentPeriodEnd = a.EndsAt.Unix()
	}
	meta := map[string]any{"source": sourcePayments}
	for k, v := range ev.Meta.CustomData {
		meta[k] = v
	}
	sub.Metadata, _ = json.Marshal(meta)
	return sub
}

// applySubscription upserts by external id and mirrors the plan on the profile.
func (h *Handler) applySubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	if sub.ExternalID == "" {
		return nil, errors.New("subscription event without id")
	}
	saved, err := h.store.UpsertSubscription(ctx, sub)
	if err != nil {
		return nil, fmt.Errorf("upsert subscription %s: %w", sub.ExternalID, err)
	}
	h.syncProfilePlan(ctx, saved)
	return saved, nil
}

// transitionSubscription sets the terminal status, creating the row from the
// event when the created event was never seen.
func (h *Handler) transitionSubscription(ctx context.Context, sub *models.Subscription, status string) error {
	saved, err := h.store.SetSubscriptionStatus(ctx, sub.ExternalID, status)
	if errors.Is(err, store.ErrNotFound) {
		sub.Status = status
		_, err = h.applySubscription(ctx, sub)
		return err
	}
	if err != nil {
		return fmt.Errorf("set status %s: %w", sub.ExternalID, err)
	}
	h.syncProfilePlan(ctx, saved)
	return nil
}

func (h *Handler) syncProfilePlan(ctx context.Context, sub *models.Subscription) {
	if sub == nil || sub.UserID == nil {
		return
	}
	if err := h.store.SetProfilePlan(ctx, *sub.UserID, store.PlanState{
		Name:         sub.PlanName,
		Status:       sub.Status,
		BillingCycle: sub.BillingCycle,
		Active:       sub.IsActive(),
	}); err != nil {
		log.Printf("[Billing][Profile] user=%s: %v", *sub.UserID, err)
	}
}

// StripeWebhook receives Stripe-signed events.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		log.Printf("[Billing][Webhook] read error: %v", err)
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		writeError(w, http.StatusBadRequest, "Missing signature")
		return
	}
	event, err := h.payments.VerifyStripeEvent(payload, sig)
	if err != nil {
		log.Printf("[Billing][Webhook] signature verification error: %v", err)
		writeError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	ctx := r.Context()
	eventID, err := h.store.ArchiveEvent(ctx, sourceStripe, string(event.Type), event.ID, payload)
	if err != nil {
		log.Printf("[Billing][Webhook] archive %s: %v", event.ID, err)
		writeError(w, http.StatusInternalServerError, "Failed to record event")
		return
	}
	procErr := h.processStripeEvent(ctx, event)
	if err := h.store.MarkEventProcessed(ctx, eventID, procErr); err != nil {
		log.Printf("[Billing][Webhook] mark event=%s: %v", eventID, err)
	}
	if procErr != nil {
		log.Printf("[Billing][Webhook] %s: %v", event.Type, procErr)
		writeError(w, http.StatusInternalServerError, "Failed to process event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

func (h *Handler) processStripeEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return h.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		var s stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		_, err := h.applySubscription(ctx, h.subscriptionFromStripe(ctx, &s))
		return err
	case "customer.subscription.deleted":
		var s stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return fmt.Errorf("decode subscription: %w", err)
		}
		return h.transitionSubscription(ctx, h.subscriptionFromStripe(ctx, &s), models.StatusCanceled)
	default:
		log.Printf("[Billing][Webhook] unhandled event type: %s", event.Type)
		return nil
	}
}

func (h *Handler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}
	if err := h.store.CompleteCheckoutSession(ctx, sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if sess.Subscription == nil || sess.Subscription.ID == "" {
		return nil
	}

	userID := sess.Metadata["user_id"]
	if userID == "" {
		userID = sess.ClientReferenceID
	}
	sub := &models.Subscription{
		ExternalID:   sess.Subscription.ID,
		Status:       models.StatusActive,
		PlanName:     sess.Metadata["plan_name"],
		BillingCycle: sess.Metadata["billing_cycle"],
		Amount:       sess.AmountTotal,
		Currency:     string(sess.Currency),
	}
	if userID != "" {
		sub.UserID = &userID
	}
	sub.Metadata, _ = json.Marshal(map[string]string{
		"source":              sourceStripe,
		"user_id":             userID,
		"checkout_session_id": sess.ID,
	})
	_, err := h.applySubscription(ctx, sub)
	return err
}

func (h *Handler) subscriptionFromStripe(ctx context.Context, s *stripe.Subscription) *models.Subscription {
	sub := &models.Subscription{
		ExternalID:         s.ID,
		Status:             payments.NormalizeStatus(string(s.Status)),
		PlanName:           s.Metadata["plan_name"],
		BillingCycle:       s.Metadata["billing_cycle"],
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		Currency:           string(s.Currency),
	}
	if id := s.Metadata["user_id"]; id != "" {
		sub.UserID = &id
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		price := s.Items.Data[0].Price
		sub.Amount = price.UnitAmount
		if sub.BillingCycle == "" {
			sub.BillingCycle = cycleFromPrice(price)
		}
		if sub.PlanName == "" {
			if plan, err := h.store.PlanByPriceID(ctx, price.ID); err == nil {
				sub.PlanName = plan.ID
			} else {
				sub.PlanName = price.Nickname
			}
		}
	}
	meta := map[string]string{"source": sourceStripe}
	for k, v := range s.Metadata {
		meta[k] = v
	}
	sub.Metadata, _ = json.Marshal(meta)
	return sub
}
