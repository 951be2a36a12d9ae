package store

import (
	"context"
	"database/sql"

	"github.com/PortNumber53/pegasus/internal/models"
)

const planColumns = `id, tier, name, description, price_cents, currency, billing_cycle, stripe_price_id, is_active`

func scanPlan(row scanner) (*models.BillingPlan, error) {
	var p models.BillingPlan
	var desc, priceID sql.NullString
	if err := row.Scan(&p.ID, &p.Tier, &p.Name, &desc, &p.PriceCents, &p.Currency, &p.BillingCycle, &priceID, &p.IsActive); err != nil {
		return nil, err
	}
	p.Description = nullStringPtr(desc)
	p.StripePriceID = nullStringPtr(priceID)
	return &p, nil
}

func (s *Store) ListActivePlans(ctx context.Context) ([]models.BillingPlan, error) {
	return s.listPlans(ctx, true)
}

func (s *Store) ListPlans(ctx context.Context) ([]models.BillingPlan, error) {
	return s.listPlans(ctx, false)
}

func (s *Store) listPlans(ctx context.Context, activeOnly bool) ([]models.BillingPlan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+`
		FROM public.billing_plans
		WHERE ($1 = false OR is_active = true)
		ORDER BY price_cents ASC, id ASC
	`, activeOnly)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := []models.BillingPlan{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// PlanByPriceID looks up the catalog entry for a provider price id.
func (s *Store) PlanByPriceID(ctx context.Context, priceID string) (*models.BillingPlan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM public.billing_plans WHERE stripe_price_id = $1`, priceID)
	p, err := scanPlan(row)
	return p, mapErr(err)
}

func (s *Store) UpsertPlan(ctx context.Context, p *models.BillingPlan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public.billing_plans (id, tier, name, description, price_cents, currency, billing_cycle, stripe_price_id, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			tier = EXCLUDED.tier,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price_cents = EXCLUDED.price_cents,
			currency = EXCLUDED.currency,
			billing_cycle = EXCLUDED.billing_cycle,
			stripe_price_id = COALESCE(EXCLUDED.stripe_price_id, public.billing_plans.stripe_price_id),
			is_active = EXCLUDED.is_active
	`, p.ID, p.Tier, p.Name, nullString(derefString(p.Description)), p.PriceCents, p.Currency, p.BillingCycle,
		nullString(derefString(p.StripePriceID)), p.IsActive)
	return mapErr(err)
}

func (s *Store) SetPlanActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE public.billing_plans SET is_active = $2 WHERE id = $1`, id, active)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
