package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/google/uuid"
)

const subscriptionColumns = `id, external_id, user_id, status, plan_name, billing_cycle,
	current_period_start, current_period_end, cancel_at_period_end, amount, currency,
	metadata, created_at, updated_at`

func scanSubscription(row scanner) (*models.Subscription, error) {
	var sub models.Subscription
	var userID sql.NullString
	var metadata []byte
	err := row.Scan(&sub.ID, &sub.ExternalID, &userID, &sub.Status, &sub.PlanName, &sub.BillingCycle,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd, &sub.Amount, &sub.Currency,
		&metadata, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.UserID = nullStringPtr(userID)
	if len(metadata) > 0 {
		sub.Metadata = json.RawMessage(metadata)
	}
	return &sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]models.Subscription, error) {
	defer rows.Close()
	var out []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

// ActiveSubscription returns the user's active subscription, or (nil, nil) when there is none.
func (s *Store) ActiveSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM public.subscriptions
		WHERE user_id = $1 AND status = 'active'
		ORDER BY updated_at DESC
		LIMIT 1
	`, userID)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, mapErr(err)
}

// HasAnySubscription reports whether the user owns a subscription row in any status.
func (s *Store) HasAnySubscription(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM public.subscriptions WHERE user_id = $1)
	`, userID).Scan(&exists)
	return exists, mapErr(err)
}

func (s *Store) SubscriptionByExternalID(ctx context.Context, externalID string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM public.subscriptions WHERE external_id = $1
	`, externalID)
	sub, err := scanSubscription(row)
	return sub, mapErr(err)
}

// UpsertSubscription writes sub keyed by external_id. When the row becomes active,
// any other active row of the same user is demoted to canceled in the same
// transaction so the one-active-per-user index holds.
func (s *Store) UpsertSubscription(ctx context.Context, sub *models.Subscription) (*models.Subscription, error) {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	metadata := []byte(sub.Metadata)
	if len(metadata) == 0 {
		metadata = []byte(`{}`)
	}

	var out *models.Subscription
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if sub.Status == models.StatusActive {
			owner, err := subscriptionOwner(ctx, tx, sub)
			if err != nil {
				return err
			}
			if owner != "" {
				if _, err := tx.ExecContext(ctx, `
					UPDATE public.subscriptions
					SET status = 'canceled', updated_at = NOW()
					WHERE user_id = $1 AND status = 'active' AND external_id <> $2
				`, owner, sub.ExternalID); err != nil {
					return err
				}
			}
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO public.subscriptions (
				id, external_id, user_id, status, plan_name, billing_cycle,
				current_period_start, current_period_end, cancel_at_period_end,
				amount, currency, metadata, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
			ON CONFLICT (external_id) DO UPDATE SET
				user_id = COALESCE(EXCLUDED.user_id, public.subscriptions.user_id),
				status = EXCLUDED.status,
				plan_name = COALESCE(NULLIF(EXCLUDED.plan_name, ''), public.subscriptions.plan_name),
				billing_cycle = COALESCE(NULLIF(EXCLUDED.billing_cycle, ''), public.subscriptions.billing_cycle),
				current_period_start = EXCLUDED.current_period_start,
				current_period_end = EXCLUDED.current_period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				amount = CASE WHEN EXCLUDED.amount > 0 THEN EXCLUDED.amount ELSE public.subscriptions.amount END,
				currency = COALESCE(NULLIF(EXCLUDED.currency, ''), public.subscriptions.currency),
				metadata = public.subscriptions.metadata || EXCLUDED.metadata,
				updated_at = NOW()
			RETURNING `+subscriptionColumns,
			sub.ID, sub.ExternalID, nullString(derefString(sub.UserID)), sub.Status, sub.PlanName, sub.BillingCycle,
			sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
			sub.Amount, sub.Currency, metadata)
		var err error
		out, err = scanSubscription(row)
		return err
	})
	return out, mapErr(err)
}

// subscriptionOwner is the user the row will belong to after the upsert: the
// incoming user_id, else the one already stored (locked for the rest of the tx).
func subscriptionOwner(ctx context.Context, tx *sql.Tx, sub *models.Subscription) (string, error) {
	if sub.UserID != nil && *sub.UserID != "" {
		return *sub.UserID, nil
	}
	var existing sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT user_id FROM public.subscriptions WHERE external_id = $1 FOR UPDATE
	`, sub.ExternalID).Scan(&existing)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return existing.String, nil
}

// SetSubscriptionStatus transitions the row identified by externalID.
func (s *Store) SetSubscriptionStatus(ctx context.Context, externalID, status string) (*models.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE public.subscriptions
		SET status = $2, updated_at = NOW()
		WHERE external_id = $1
		RETURNING `+subscriptionColumns,
		externalID, status)
	sub, err := scanSubscription(row)
	return sub, mapErr(err)
}

func (s *Store) SetCancelAtPeriodEnd(ctx context.Context, externalID string, cancel bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE public.subscriptions
		SET cancel_at_period_end = $2, updated_at = NOW()
		WHERE external_id = $1
	`, externalID, cancel)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnownedSubscriptions returns rows whose user_id was never resolved.
func (s *Store) ListUnownedSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM public.subscriptions
		WHERE user_id IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanSubscriptions(rows)
}

// AssignSubscriptionUser attributes an unowned row to userID. An active row takes
// precedence over whatever the user already had active.
func (s *Store) AssignSubscriptionUser(ctx context.Context, id, userID string) error {
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE public.subscriptions
			SET status = 'canceled', updated_at = NOW()
			WHERE user_id = $1 AND status = 'active'
			  AND EXISTS (SELECT 1 FROM public.subscriptions o WHERE o.id = $2 AND o.status = 'active')
		`, userID, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE public.subscriptions
			SET user_id = $2, updated_at = NOW()
			WHERE id = $1 AND user_id IS NULL
		`, id, userID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	return mapErr(err)
}
