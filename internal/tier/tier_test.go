package tier

import (
	"encoding/json"
	"testing"

	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/stretchr/testify/assert"
)

func sub(status, plan string, amount int64) *models.Subscription {
	return &models.Subscription{Status: status, PlanName: plan, Amount: amount}
}

func TestResolveTier_InactiveIsAlwaysFree(t *testing.T) {
	for _, status := range []string{"canceled", "cancelled", "past_due", "expired", ""} {
		for _, plan := range []string{"Superstar", "creator", "Influencer Yearly", "anything"} {
			s := sub(status, plan, 19999)
			if status == "" {
				s.Status = "trialing"
			}
			assert.Equal(t, Free, ResolveTier(s, status), "status=%q plan=%q", status, plan)
		}
	}
	assert.Equal(t, Free, ResolveTier(nil, "active"))
}

func TestResolveTier_ExplicitStatusOverridesRow(t *testing.T) {
	s := sub("active", "creator", 0)
	assert.Equal(t, Free, ResolveTier(s, "canceled"))
	assert.Equal(t, Creator, ResolveTier(s, ""))
}

func TestResolveTier_SuperstarKeywordWins(t *testing.T) {
	names := []string{
		"Superstar",
		"SUPERSTAR yearly",
		"Creator to Superstar upgrade",
		"influencer superstar bundle",
		"pegasus-superstar-creator",
	}
	for _, name := range names {
		// amounts that would map lower if the fallback were consulted
		for _, amount := range []int64{0, 3999, 5999} {
			assert.Equal(t, Superstar, ResolveTier(sub("active", name, amount), ""), "name=%q amount=%d", name, amount)
		}
	}
}

func TestResolveTier_CanonicalIDs(t *testing.T) {
	cases := map[string]Tier{
		"creator":            Creator,
		"influencer":         Influencer,
		"superstar":          Superstar,
		"creator_yearly":     Creator,
		"Influencer_Monthly": Influencer,
	}
	for id, want := range cases {
		assert.Equal(t, want, ResolveTier(sub("active", id, 0), ""), id)
	}
}

func TestResolveTier_PlanIDInMetadata(t *testing.T) {
	s := sub("active", "Pegasus Pro", 0)
	s.Metadata = json.RawMessage(`{"plan_id":"influencer_yearly"}`)
	assert.Equal(t, Influencer, ResolveTier(s, ""))
}

func TestResolveTier_NameBeatsMetadataPlanID(t *testing.T) {
	s := sub("active", "Superstar Monthly", 9999)
	s.Metadata = json.RawMessage(`{"plan_id":"creator"}`)
	assert.Equal(t, Superstar, ResolveTier(s, ""))

	s = sub("active", "creator_monthly", 9999)
	s.Metadata = json.RawMessage(`{"plan_id":"superstar"}`)
	assert.Equal(t, Creator, ResolveTier(s, ""))
}

func TestResolveTier_AmountFallback(t *testing.T) {
	cases := []struct {
		amount int64
		want   Tier
	}{
		{0, Free},
		{3998, Free},
		{3999, Creator},
		{5998, Creator},
		{5999, Influencer},
		{9998, Influencer},
		{9999, Superstar},
		{49900, Superstar},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ResolveTier(sub("active", "Pegasus Monthly", c.amount), ""), "amount=%d", c.amount)
	}
}

func TestParsePlanID_RejectsDisplayNames(t *testing.T) {
	_, ok := ParsePlanID("Creator Plan")
	assert.False(t, ok)
	got, ok := ParsePlanID(" superstar_yearly ")
	assert.True(t, ok)
	assert.Equal(t, Superstar, got)
}
