package store

import (
	"context"
	"database/sql"

	"github.com/PortNumber53/pegasus/internal/models"
	"github.com/google/uuid"
)

const connectionColumns = `id, user_id, platform, platform_username, platform_user_id,
	follower_count, engagement_rate, is_active, created_at, updated_at`

func scanConnection(row scanner) (*models.PlatformConnection, error) {
	var c models.PlatformConnection
	var platformUserID sql.NullString
	err := row.Scan(&c.ID, &c.UserID, &c.Platform, &c.PlatformUsername, &platformUserID,
		&c.FollowerCount, &c.EngagementRate, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.PlatformUserID = nullStringPtr(platformUserID)
	return &c, nil
}

// UpsertPlatformConnection writes one row per (user_id, platform); the last write wins.
func (s *Store) UpsertPlatformConnection(ctx context.Context, c *models.PlatformConnection) (*models.PlatformConnection, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO public.platform_connections (
			id, user_id, platform, platform_username, platform_user_id,
			follower_count, engagement_rate, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, true, NOW(), NOW())
		ON CONFLICT (user_id, platform) DO UPDATE SET
			platform_username = EXCLUDED.platform_username,
			platform_user_id = COALESCE(EXCLUDED.platform_user_id, public.platform_connections.platform_user_id),
			follower_count = EXCLUDED.follower_count,
			engagement_rate = EXCLUDED.engagement_rate,
			is_active = true,
			updated_at = NOW()
		RETURNING `+connectionColumns,
		c.ID, c.UserID, c.Platform, c.PlatformUsername, nullString(derefString(c.PlatformUserID)),
		c.FollowerCount, c.EngagementRate)
	out, err := scanConnection(row)
	return out, mapErr(err)
}

func (s *Store) ListPlatformConnections(ctx context.Context, userID string) ([]models.PlatformConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connectionColumns+`
		FROM public.platform_connections
		WHERE user_id = $1
		ORDER BY platform ASC
	`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := []models.PlatformConnection{}
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
