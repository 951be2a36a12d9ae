package tier

import "github.com/PortNumber53/pegasus/internal/models"

// Feature names accepted by HasFeature.
const (
	FeatureContentHub        = "content_hub"
	FeatureViralPredictor    = "viral_predictor"
	FeatureAdvancedAnalytics = "advanced_analytics"
	FeatureStoryboard        = "storyboard"
	FeaturePrioritySupport   = "priority_support"
)

// FeatureAccess is the entitlement set for one tier. Numeric limits use -1 for unlimited.
type FeatureAccess struct {
	Tier              Tier `json:"tier"`
	ContentHub        bool `json:"content_hub"`
	ViralPredictor    bool `json:"viral_predictor"`
	AdvancedAnalytics bool `json:"advanced_analytics"`
	Storyboard        bool `json:"storyboard"`
	PrioritySupport   bool `json:"priority_support"`
	MaxPlatforms      int  `json:"max_platforms"`
	MonthlyPosts      int  `json:"monthly_posts"`
}

// featureMinTier holds the lowest tier that unlocks each boolean feature.
var featureMinTier = map[string]Tier{
	FeatureContentHub:        Creator,
	FeatureViralPredictor:    Influencer,
	FeatureAdvancedAnalytics: Influencer,
	FeatureStoryboard:        Superstar,
	FeaturePrioritySupport:   Superstar,
}

var limits = map[Tier]struct{ platforms, posts int }{
	Creator:    {3, 60},
	Influencer: {5, 200},
	Superstar:  {-1, -1},
}

// HasFeature reports whether t unlocks the named feature. Unknown names are false.
func HasFeature(t Tier, feature string) bool {
	min, ok := featureMinTier[feature]
	if !ok || t == Free {
		return false
	}
	return t.AtLeast(min)
}

// AccessFor builds the entitlement set for a tier. Free gets the zero value.
func AccessFor(t Tier) FeatureAccess {
	if t.Rank() == 0 {
		return FeatureAccess{Tier: Free}
	}
	l := limits[t]
	return FeatureAccess{
		Tier:              t,
		ContentHub:        HasFeature(t, FeatureContentHub),
		ViralPredictor:    HasFeature(t, FeatureViralPredictor),
		AdvancedAnalytics: HasFeature(t, FeatureAdvancedAnalytics),
		Storyboard:        HasFeature(t, FeatureStoryboard),
		PrioritySupport:   HasFeature(t, FeaturePrioritySupport),
		MaxPlatforms:      l.platforms,
		MonthlyPosts:      l.posts,
	}
}

// GetFeatureAccess resolves sub to a tier and returns its entitlements.
func GetFeatureAccess(sub *models.Subscription, status string) FeatureAccess {
	return AccessFor(ResolveTier(sub, status))
}
