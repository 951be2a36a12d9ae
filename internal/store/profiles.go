package store

import (
	"context"
	"database/sql"

	"github.com/PortNumber53/pegasus/internal/models"
)

// ProfileUpsert carries the identity fields known at sign-in time.
type ProfileUpsert struct {
	ID        string
	Email     string
	FullName  string
	AvatarURL string
}

// PlanState is the denormalized plan snapshot kept on the profile row.
type PlanState struct {
	Name         string
	Status       string
	BillingCycle string
	Active       bool
}

const profileColumns = `id, email, full_name, avatar_url, onboarding_completed, niche, tone,
	plan_name, plan_status, billing_cycle, is_active, created_at, updated_at`

func scanProfile(row scanner) (*models.Profile, error) {
	var p models.Profile
	var fullName, avatar, niche, tone, planName, planStatus, cycle sql.NullString
	err := row.Scan(&p.ID, &p.Email, &fullName, &avatar, &p.OnboardingCompleted, &niche, &tone,
		&planName, &planStatus, &cycle, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.FullName = nullStringPtr(fullName)
	p.AvatarURL = nullStringPtr(avatar)
	p.Niche = nullStringPtr(niche)
	p.Tone = nullStringPtr(tone)
	p.PlanName = nullStringPtr(planName)
	p.PlanStatus = nullStringPtr(planStatus)
	p.BillingCycle = nullStringPtr(cycle)
	return &p, nil
}

// UpsertProfile inserts the profile or refreshes its identity fields. Empty
// inputs never clobber values already stored.
func (s *Store) UpsertProfile(ctx context.Context, in ProfileUpsert) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO public.profiles (id, email, full_name, avatar_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), public.profiles.email),
			full_name = COALESCE(EXCLUDED.full_name, public.profiles.full_name),
			avatar_url = COALESCE(EXCLUDED.avatar_url, public.profiles.avatar_url),
			updated_at = NOW()
		RETURNING `+profileColumns,
		in.ID, in.Email, nullString(in.FullName), nullString(in.AvatarURL))
	p, err := scanProfile(row)
	return p, mapErr(err)
}

func (s *Store) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM public.profiles WHERE id = $1`, id)
	p, err := scanProfile(row)
	return p, mapErr(err)
}

// SetProfilePlan updates the denormalized plan fields. A missing profile is not an error:
// webhooks can arrive before the user's first sign-in.
func (s *Store) SetProfilePlan(ctx context.Context, userID string, plan PlanState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE public.profiles
		SET plan_name = $2, plan_status = $3, billing_cycle = $4, is_active = $5, updated_at = NOW()
		WHERE id = $1
	`, userID, nullString(plan.Name), nullString(plan.Status), nullString(plan.BillingCycle), plan.Active)
	return mapErr(err)
}
