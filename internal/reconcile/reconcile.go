// Package reconcile repairs subscription state the webhook path failed to
// produce: checkouts that never became subscriptions, and subscriptions that
// arrived without a user.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/PortNumber53/pegasus/internal/store"
)

const repairWindow = 30 * 24 * time.Hour

// Result outcomes.
const (
	OutcomeCreated  = "created"
	OutcomeAttached = "attached"
	OutcomeSkipped  = "skipped"
	OutcomeError    = "error"
)

// Attribution methods for orphan subscriptions.
const (
	MethodMetadata        = "metadata"
	MethodCheckoutSession = "checkout_session"
	MethodHeuristic       = "heuristic"
)

// Result reports what happened to one row.
type Result struct {
	Operation      string `json:"operation"`
	UserID         string `json:"user_id,omitempty"`
	SessionID      string `json:"session_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	ExternalID     string `json:"external_id,omitempty"`
	Outcome        string `json:"outcome"`
	Method         string `json:"method,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Job is the reconciliation surface used by the operator endpoints, the CLI
// and the periodic worker.
type Job interface {
	RepairCheckoutSessions(ctx context.Context, userID string) ([]Result, error)
	AttachOrphanSubscriptions(ctx context.Context, allowHeuristic bool) ([]Result, error)
}

type Store interface {
	ListUnreconciledCheckouts(ctx context.Context, userID string) ([]models.CheckoutSession, error)
	UpsertSubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error)
	CompleteCheckoutSession(ctx context.Context, id string) error
	GetCheckoutSession(ctx context.Context, id string) (*models.CheckoutSession, error)
	LatestCheckoutUser(ctx context.Context, before int64) (string, error)
	SetProfilePlan(ctx context.Context, userID string, plan store.PlanState) error
	ListUnownedSubscriptions(ctx context.Context) ([]models.Subscription, error)
	AssignSubscriptionUser(ctx context.Context, id, userID string) error
}

type Reconciler struct {
	store Store
	now   func() time.Time
}

func New(s Store) *Reconciler {
	return &Reconciler{store: s, now: time.Now}
}

// RepairCheckoutSessions synthesizes an active manual subscription for every
// user whose latest checkout never produced a subscription row. An empty
// userID repairs all users. Rows are processed one at a time; a failing row
// does not stop the rest.
func (r *Reconciler) RepairCheckoutSessions(ctx context.Context, userID string) ([]Result, error) {
	sessions, err := r.store.ListUnreconciledCheckouts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list checkouts: %w", err)
	}

	results := make([]Result, 0, len(sessions))
	for _, cs := range sessions {
		results = append(results, r.repairOne(ctx, cs))
	}
	return results, nil
}

func (r *Reconciler) repairOne(ctx context.Context, cs models.CheckoutSession) Result {
	now := r.now()
	res := Result{Operation: "repair_checkout", UserID: cs.UserID, SessionID: cs.ID}

	meta, _ := json.Marshal(map[string]string{
		"user_id":             cs.UserID,
		"checkout_session_id": cs.ID,
		"price_id":            cs.PriceID,
		"source":              "manual_repair",
	})
	userID := cs.UserID
	sub, err := r.store.UpsertSubscription(ctx, &models.Subscription{
		ExternalID:         fmt.Sprintf("manual_%s_%d", cs.ID, now.Unix()),
		UserID:             &userID,
		Status:             models.StatusActive,
		PlanName:           cs.PlanName,
		BillingCycle:       cs.BillingCycle,
		CurrentPeriodStart: now.Unix(),
		CurrentPeriodEnd:   now.Add(repairWindow).Unix(),
		Amount:             cs.Amount,
		Currency:           cs.Currency,
		Metadata:           meta,
	})
	if err != nil {
		log.Printf("[Reconcile][Repair] session=%s user=%s: %v", cs.ID, cs.UserID, err)
		res.Outcome, res.Error = OutcomeError, err.Error()
		return res
	}
	res.SubscriptionID, res.ExternalID, res.Outcome = sub.ID, sub.ExternalID, OutcomeCreated

	if cs.Status != models.CheckoutCompleted {
		if err := r.store.CompleteCheckoutSession(ctx, cs.ID); err != nil {
			log.Printf("[Reconcile][Repair] complete session=%s: %v", cs.ID, err)
			res.Error = err.Error()
		}
	}
	if err := r.store.SetProfilePlan(ctx, cs.UserID, store.PlanState{
		Name: cs.PlanName, Status: models.StatusActive, BillingCycle: cs.BillingCycle, Active: true,
	}); err != nil {
		log.Printf("[Reconcile][Repair] profile user=%s: %v", cs.UserID, err)
		res.Error = err.Error()
	}
	log.Printf("[Reconcile][Repair] created %s for user=%s", sub.ExternalID, cs.UserID)
	return res
}

// AttachOrphanSubscriptions assigns subscriptions with no user. Attribution
// uses the row's own metadata first; the most-recent-checkout guess only runs
// when allowHeuristic is set and its results are tagged as such.
func (r *Reconciler) AttachOrphanSubscriptions(ctx context.Context, allowHeuristic bool) ([]Result, error) {
	orphans, err := r.store.ListUnownedSubscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}

	results := make([]Result, 0, len(orphans))
	for _, sub := range orphans {
		results = append(results, r.attachOne(ctx, sub, allowHeuristic))
	}
	return results, nil
}

func (r *Reconciler) attachOne(ctx context.Context, sub models.Subscription, allowHeuristic bool) Result {
	res := Result{Operation: "attach_orphan", SubscriptionID: sub.ID, ExternalID: sub.ExternalID}

	userID, method, err := r.attribute(ctx, sub, allowHeuristic)
	if err != nil {
		res.Outcome, res.Error = OutcomeError, err.Error()
		return res
	}
	if userID == "" {
		res.Outcome = OutcomeSkipped
		return res
	}
	res.UserID, res.Method = userID, method

	if err := r.store.AssignSubscriptionUser(ctx, sub.ID, userID); err != nil {
		log.Printf("[Reconcile][Attach] sub=%s user=%s: %v", sub.ExternalID, userID, err)
		res.Outcome, res.Error = OutcomeError, err.Error()
		return res
	}
	res.Outcome = OutcomeAttached

	if sub.IsActive() {
		if err := r.store.SetProfilePlan(ctx, userID, store.PlanState{
			Name: sub.PlanName, Status: sub.Status, BillingCycle: sub.BillingCycle, Active: true,
		}); err != nil {
			res.Error = err.Error()
		}
	}
	log.Printf("[Reconcile][Attach] %s -> user=%s via %s", sub.ExternalID, userID, method)
	return res
}

func (r *Reconciler) attribute(ctx context.Context, sub models.Subscription, allowHeuristic bool) (string, string, error) {
	if id := sub.MetadataString("user_id"); id != "" {
		return id, MethodMetadata, nil
	}
	if csID := sub.MetadataString("checkout_session_id"); csID != "" {
		cs, err := r.store.GetCheckoutSession(ctx, csID)
		switch {
		case err == nil && cs.UserID != "":
			return cs.UserID, MethodCheckoutSession, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return "", "", err
		}
	}
	if !allowHeuristic {
		return "", "", nil
	}
	id, err := r.store.LatestCheckoutUser(ctx, sub.CreatedAt.Unix())
	if errors.Is(err, store.ErrNotFound) {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return id, MethodHeuristic, nil
}

// Summary aggregates both passes.
type Summary struct {
	Repaired []Result `json:"repaired"`
	Attached []Result `json:"attached"`
}

// RunAll runs the orphan pass first so repaired users are not given a second
// row for a subscription that only needed attaching.
func RunAll(ctx context.Context, job Job, attachOrphans, allowHeuristic bool) (*Summary, error) {
	sum := &Summary{Repaired: []Result{}, Attached: []Result{}}
	if attachOrphans {
		attached, err := job.AttachOrphanSubscriptions(ctx, allowHeuristic)
		if err != nil {
			return sum, err
		}
		sum.Attached = attached
	}
	repaired, err := job.RepairCheckoutSessions(ctx, "")
	if err != nil {
		return sum, err
	}
	sum.Repaired = repaired
	return sum, nil
}
