// Package storetest provides an in-memory stand-in for store.Store that
// enforces the same uniqueness rules, for handler, reconcile and feature tests.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/PortNumber53/pegasus/internal/store"
	"github.com/google/uuid"
)

type Memory struct {
	mu            sync.Mutex
	now           func() time.Time
	profiles      map[string]*models.Profile
	subscriptions map[string]*models.Subscription // by external id
	checkouts     map[string]*models.CheckoutSession
	connections   map[string]*models.PlatformConnection // by user|platform
	events        []models.BillingEvent
	plans         map[string]*models.BillingPlan

	// Fail, when set, is returned by every operation.
	Fail error
}

func New() *Memory {
	return &Memory{
		now:           time.Now,
		profiles:      map[string]*models.Profile{},
		subscriptions: map[string]*models.Subscription{},
		checkouts:     map[string]*models.CheckoutSession{},
		connections:   map[string]*models.PlatformConnection{},
		plans:         map[string]*models.BillingPlan{},
	}
}

// SetClock replaces the time source used for timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) UpsertProfile(_ context.Context, in store.ProfileUpsert) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	p, ok := m.profiles[in.ID]
	if !ok {
		p = &models.Profile{ID: in.ID, CreatedAt: m.now()}
		m.profiles[in.ID] = p
	}
	if in.Email != "" {
		p.Email = in.Email
	}
	if in.FullName != "" {
		p.FullName = strPtr(in.FullName)
	}
	if in.AvatarURL != "" {
		p.AvatarURL = strPtr(in.AvatarURL)
	}
	p.UpdatedAt = m.now()
	cp := *p
	return &cp, nil
}

func (m *Memory) GetProfile(_ context.Context, id string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	p, ok := m.profiles[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) SetProfilePlan(_ context.Context, userID string, plan store.PlanState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	p, ok := m.profiles[userID]
	if !ok {
		return nil
	}
	p.PlanName = optPtr(plan.Name)
	p.PlanStatus = optPtr(plan.Status)
	p.BillingCycle = optPtr(plan.BillingCycle)
	p.IsActive = plan.Active
	p.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ActiveSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	for _, s := range m.subscriptions {
		if s.UserID != nil && *s.UserID == userID && s.Status == models.StatusActive {
			cp := *s
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) HasAnySubscription(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return false, m.Fail
	}
	return m.hasAny(userID), nil
}

func (m *Memory) hasAny(userID string) bool {
	for _, s := range m.subscriptions {
		if s.UserID != nil && *s.UserID == userID {
			return true
		}
	}
	return false
}

func (m *Memory) SubscriptionByExternalID(_ context.Context, externalID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	s, ok := m.subscriptions[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpsertSubscription(_ context.Context, sub *models.Subscription) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	cur, ok := m.subscriptions[sub.ExternalID]
	if !ok {
		cur = &models.Subscription{ID: sub.ID, ExternalID: sub.ExternalID, CreatedAt: m.now(), Metadata: json.RawMessage(`{}`)}
		if cur.ID == "" {
			cur.ID = uuid.NewString()
		}
		m.subscriptions[sub.ExternalID] = cur
	}
	if sub.UserID != nil {
		cur.UserID = strPtr(*sub.UserID)
	}
	cur.Status = sub.Status
	if sub.PlanName != "" {
		cur.PlanName = sub.PlanName
	}
	if sub.BillingCycle != "" {
		cur.BillingCycle = sub.BillingCycle
	}
	cur.CurrentPeriodStart = sub.CurrentPeriodStart
	cur.CurrentPeriodEnd = sub.CurrentPeriodEnd
	cur.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if sub.Amount > 0 {
		cur.Amount = sub.Amount
	}
	if sub.Currency != "" {
		cur.Currency = sub.Currency
	}
	cur.Metadata = mergeJSON(cur.Metadata, sub.Metadata)
	cur.UpdatedAt = m.now()
	if cur.Status == models.StatusActive && cur.UserID != nil {
		m.demoteOthers(*cur.UserID, cur.ExternalID)
	}
	cp := *cur
	return &cp, nil
}

func (m *Memory) demoteOthers(userID, keep string) {
	for ext, s := range m.subscriptions {
		if ext != keep && s.UserID != nil && *s.UserID == userID && s.Status == models.StatusActive {
			s.Status = models.StatusCanceled
			s.UpdatedAt = m.now()
		}
	}
}

func (m *Memory) SetSubscriptionStatus(_ context.Context, externalID, status string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	s, ok := m.subscriptions[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if status == models.StatusActive && s.UserID != nil {
		for ext, o := range m.subscriptions {
			if ext != externalID && o.UserID != nil && *o.UserID == *s.UserID && o.Status == models.StatusActive {
				return nil, store.ErrConflict
			}
		}
	}
	s.Status = status
	s.UpdatedAt = m.now()
	cp := *s
	return &cp, nil
}

func (m *Memory) SetCancelAtPeriodEnd(_ context.Context, externalID string, cancel bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	s, ok := m.subscriptions[externalID]
	if !ok {
		return store.ErrNotFound
	}
	s.CancelAtPeriodEnd = cancel
	s.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ListUnownedSubscriptions(_ context.Context) ([]models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	var out []models.Subscription
	for _, s := range m.subscriptions {
		if s.UserID == nil {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) AssignSubscriptionUser(_ context.Context, id, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	for _, s := range m.subscriptions {
		if s.ID == id && s.UserID == nil {
			if s.Status == models.StatusActive {
				m.demoteOthers(userID, s.ExternalID)
			}
			s.UserID = strPtr(userID)
			s.UpdatedAt = m.now()
			return nil
		}
	}
	return store.ErrNotFound
}

// Subscriptions returns a snapshot of every row, ordered by external id.
func (m *Memory) Subscriptions() []models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Subscription, 0, len(m.subscriptions))
	for _, s := range m.subscriptions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

func (m *Memory) CreateCheckoutSession(_ context.Context, c *models.CheckoutSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	cp := *c
	if cp.Status == "" {
		cp.Status = models.CheckoutPending
	}
	if existing, ok := m.checkouts[c.ID]; ok {
		cp.Status = existing.Status
		cp.CreatedAt = existing.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.now()
	}
	cp.UpdatedAt = m.now()
	m.checkouts[c.ID] = &cp
	return nil
}

func (m *Memory) GetCheckoutSession(_ context.Context, id string) (*models.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	c, ok := m.checkouts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) CompleteCheckoutSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	c, ok := m.checkouts[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Status = models.CheckoutCompleted
	c.UpdatedAt = m.now()
	return nil
}

func (m *Memory) CompleteLatestCheckoutForUser(_ context.Context, userID string) (*models.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	var latest *models.CheckoutSession
	for _, c := range m.checkouts {
		if c.UserID == userID && c.Status == models.CheckoutPending && (latest == nil || c.CreatedAt.After(latest.CreatedAt)) {
			latest = c
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	latest.Status = models.CheckoutCompleted
	latest.UpdatedAt = m.now()
	cp := *latest
	return &cp, nil
}

func (m *Memory) ListUnreconciledCheckouts(_ context.Context, userID string) ([]models.CheckoutSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	latest := map[string]*models.CheckoutSession{}
	for _, c := range m.checkouts {
		if c.Status != models.CheckoutPending && c.Status != models.CheckoutCompleted {
			continue
		}
		if userID != "" && c.UserID != userID {
			continue
		}
		if m.hasAny(c.UserID) {
			continue
		}
		if cur, ok := latest[c.UserID]; !ok || c.CreatedAt.After(cur.CreatedAt) {
			latest[c.UserID] = c
		}
	}
	out := make([]models.CheckoutSession, 0, len(latest))
	for _, c := range latest {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) LatestCheckoutUser(_ context.Context, before int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return "", m.Fail
	}
	var latest *models.CheckoutSession
	for _, c := range m.checkouts {
		if c.CreatedAt.Unix() <= before && (latest == nil || c.CreatedAt.After(latest.CreatedAt)) {
			latest = c
		}
	}
	if latest == nil {
		return "", store.ErrNotFound
	}
	return latest.UserID, nil
}

func (m *Memory) ArchiveEvent(_ context.Context, source, eventName, externalID string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return "", m.Fail
	}
	ev := models.BillingEvent{
		ID:         uuid.NewString(),
		Source:     source,
		EventName:  eventName,
		ExternalID: externalID,
		Payload:    append(json.RawMessage(nil), payload...),
		ReceivedAt: m.now(),
	}
	m.events = append(m.events, ev)
	return ev.ID, nil
}

func (m *Memory) MarkEventProcessed(_ context.Context, id string, procErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	for i := range m.events {
		if m.events[i].ID == id {
			m.events[i].Processed = procErr == nil
			if procErr != nil {
				m.events[i].Error = strPtr(procErr.Error())
			}
			return nil
		}
	}
	return nil
}

// Events returns the archived billing events in arrival order.
func (m *Memory) Events() []models.BillingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.BillingEvent(nil), m.events...)
}

func (m *Memory) UpsertPlatformConnection(_ context.Context, c *models.PlatformConnection) (*models.PlatformConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	key := c.UserID + "|" + c.Platform
	cur, ok := m.connections[key]
	if !ok {
		cur = &models.PlatformConnection{ID: c.ID, UserID: c.UserID, Platform: c.Platform, CreatedAt: m.now()}
		if cur.ID == "" {
			cur.ID = uuid.NewString()
		}
		m.connections[key] = cur
	}
	cur.PlatformUsername = c.PlatformUsername
	if c.PlatformUserID != nil {
		cur.PlatformUserID = strPtr(*c.PlatformUserID)
	}
	cur.FollowerCount = c.FollowerCount
	cur.EngagementRate = c.EngagementRate
	cur.IsActive = true
	cur.UpdatedAt = m.now()
	cp := *cur
	return &cp, nil
}

func (m *Memory) ListPlatformConnections(_ context.Context, userID string) ([]models.PlatformConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	out := []models.PlatformConnection{}
	for _, c := range m.connections {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out, nil
}

func (m *Memory) UpsertPlan(_ context.Context, p *models.BillingPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if p.StripePriceID != nil {
		for id, o := range m.plans {
			if id != p.ID && o.StripePriceID != nil && *o.StripePriceID == *p.StripePriceID {
				return store.ErrConflict
			}
		}
	}
	cp := *p
	m.plans[p.ID] = &cp
	return nil
}

func (m *Memory) ListActivePlans(_ context.Context) ([]models.BillingPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	out := []models.BillingPlan{}
	for _, p := range m.plans {
		if p.IsActive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceCents != out[j].PriceCents {
			return out[i].PriceCents < out[j].PriceCents
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListPlans returns every plan, active or not, cheapest first.
func (m *Memory) ListPlans(_ context.Context) ([]models.BillingPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	out := make([]models.BillingPlan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceCents != out[j].PriceCents {
			return out[i].PriceCents < out[j].PriceCents
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) SetPlanActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	p, ok := m.plans[id]
	if !ok {
		return store.ErrNotFound
	}
	p.IsActive = active
	return nil
}

func (m *Memory) PlanByPriceID(_ context.Context, priceID string) (*models.BillingPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	for _, p := range m.plans {
		if p.StripePriceID != nil && *p.StripePriceID == priceID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func mergeJSON(base, overlay json.RawMessage) json.RawMessage {
	out := map[string]any{}
	_ = json.Unmarshal(base, &out)
	var extra map[string]any
	if json.Unmarshal(overlay, &extra) == nil {
		for k, v := range extra {
			out[k] = v
		}
	}
	b, _ := json.Marshal(out)
	return b
}

func strPtr(s string) *string { return &s }

func optPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
