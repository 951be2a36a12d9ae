// Package tier maps subscriptions to entitlement tiers and feature access.
// Everything here is pure: no I/O, no errors, bad input degrades to Free.
package tier

import (
	"strings"

	"github.com/PortNumber53/pegasus/internal/models"
)

type Tier string

const (
	Free       Tier = "free"
	Creator    Tier = "creator"
	Influencer Tier = "influencer"
	Superstar  Tier = "superstar"
)

// Rank orders tiers so entitlement checks can compare them.
func (t Tier) Rank() int {
	switch t {
	case Creator:
		return 1
	case Influencer:
		return 2
	case Superstar:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether t grants everything min grants.
func (t Tier) AtLeast(min Tier) bool {
	return t.Rank() >= min.Rank()
}

// keywordOrder is the single order used for display-name matching. Highest
// tier first so a name mentioning several tiers resolves to the best one.
var keywordOrder = []Tier{Superstar, Influencer, Creator}

// amountThresholds are checked top-down, in cents.
var amountThresholds = []struct {
	min  int64
	tier Tier
}{
	{9999, Superstar},
	{5999, Influencer},
	{3999, Creator},
}

// ParsePlanID resolves a canonical plan identifier ("creator", "influencer_yearly", ...).
// Display names are not accepted here; ok is false when id is not canonical.
func ParsePlanID(id string) (Tier, bool) {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.TrimSuffix(id, "_monthly")
	id = strings.TrimSuffix(id, "_yearly")
	switch Tier(id) {
	case Creator, Influencer, Superstar:
		return Tier(id), true
	case Free:
		return Free, true
	}
	return Free, false
}

// ResolveTier returns the tier granted by sub. When status is empty the row's own
// status is used. Anything that is not an active subscription is Free.
func ResolveTier(sub *models.Subscription, status string) Tier {
	if sub == nil {
		return Free
	}
	if status == "" {
		status = sub.Status
	}
	if status != models.StatusActive {
		return Free
	}

	if t, ok := ParsePlanID(sub.PlanName); ok {
		return t
	}
	name := strings.ToLower(sub.PlanName)
	for _, t := range keywordOrder {
		if strings.Contains(name, string(t)) {
			return t
		}
	}

	// metadata only fills in when the name carries no tier
	if t, ok := ParsePlanID(sub.MetadataString("plan_id")); ok {
		return t
	}

	return FromAmount(sub.Amount)
}

// FromAmount maps a price in cents to a tier using the threshold table.
func FromAmount(cents int64) Tier {
	for _, th := range amountThresholds {
		if cents >= th.min {
			return th.tier
		}
	}
	return Free
}
