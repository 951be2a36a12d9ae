package store

import (
	"context"
	"database/sql"

	"github.com/PortNumber53/pegasus/internal/models"
)

const checkoutColumns = `id, user_id, price_id, plan_name, billing_cycle, amount, currency, status, created_at, updated_at`

func scanCheckout(row scanner) (*models.CheckoutSession, error) {
	var c models.CheckoutSession
	err := row.Scan(&c.ID, &c.UserID, &c.PriceID, &c.PlanName, &c.BillingCycle, &c.Amount, &c.Currency,
		&c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCheckoutSession records a hosted checkout as pending. Re-recording the
// same session id refreshes the price fields and keeps the status.
func (s *Store) CreateCheckoutSession(ctx context.Context, c *models.CheckoutSession) error {
	status := c.Status
	if status == "" {
		status = models.CheckoutPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO public.checkout_sessions (id, user_id, price_id, plan_name, billing_cycle, amount, currency, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			price_id = EXCLUDED.price_id,
			plan_name = COALESCE(NULLIF(EXCLUDED.plan_name, ''), public.checkout_sessions.plan_name),
			billing_cycle = COALESCE(NULLIF(EXCLUDED.billing_cycle, ''), public.checkout_sessions.billing_cycle),
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			updated_at = NOW()
	`, c.ID, c.UserID, c.PriceID, c.PlanName, c.BillingCycle, c.Amount, c.Currency, status)
	return mapErr(err)
}

func (s *Store) GetCheckoutSession(ctx context.Context, id string) (*models.CheckoutSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkoutColumns+` FROM public.checkout_sessions WHERE id = $1`, id)
	c, err := scanCheckout(row)
	return c, mapErr(err)
}

func (s *Store) CompleteCheckoutSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.checkout_sessions SET status = 'completed', updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteLatestCheckoutForUser marks the user's most recent pending checkout
// completed and returns it.
func (s *Store) CompleteLatestCheckoutForUser(ctx context.Context, userID string) (*models.CheckoutSession, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE public.checkout_sessions
		SET status = 'completed', updated_at = NOW()
		WHERE id = (
			SELECT id FROM public.checkout_sessions
			WHERE user_id = $1 AND status = 'pending'
			ORDER BY created_at DESC
			LIMIT 1
		)
		RETURNING `+checkoutColumns,
		userID)
	c, err := scanCheckout(row)
	return c, mapErr(err)
}

// ListUnreconciledCheckouts returns, per user, the latest pending or completed
// checkout of users that own no subscription row. An empty userID scans all users.
func (s *Store) ListUnreconciledCheckouts(ctx context.Context, userID string) ([]models.CheckoutSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (c.user_id) `+prefixed("c", checkoutColumns)+`
		FROM public.checkout_sessions c
		WHERE c.status IN ('pending', 'completed')
		  AND ($1 = '' OR c.user_id = $1)
		  AND NOT EXISTS (SELECT 1 FROM public.subscriptions s WHERE s.user_id = c.user_id)
		ORDER BY c.user_id, c.created_at DESC
	`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []models.CheckoutSession
	for rows.Next() {
		c, err := scanCheckout(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// LatestCheckoutUser returns the user of the most recent checkout created at or
// before the given epoch second, for heuristic orphan attribution.
func (s *Store) LatestCheckoutUser(ctx context.Context, before int64) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM public.checkout_sessions
		WHERE created_at <= to_timestamp($1)
		ORDER BY created_at DESC
		LIMIT 1
	`, before).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return userID, mapErr(err)
}
