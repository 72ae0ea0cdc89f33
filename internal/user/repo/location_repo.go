package repo

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

// LocationRepo writes user_locations rows.
type LocationRepo struct {
	db *sqlx.DB
}

func NewLocationRepo(db *sqlx.DB) *LocationRepo { return &LocationRepo{db: db} }

// Create appends a row of l.Type.
func (r *LocationRepo) Create(ctx context.Context, l *entity.Location) error {
	if l.ID == 0 {
		l.ID = utilities.NewSnowflakeID()
	}
	const q = `INSERT INTO user_locations
		(id, user_id, type, ip, country, city, region, timezone, latitude, longitude, platform, device, browser)
		VALUES (:id, :user_id, :type, :ip, :country, :city, :region, :timezone, :latitude, :longitude, :platform, :device, :browser)`
	_, err := r.db.NamedExecContext(ctx, q, l)
	return err
}

// UpsertLastLogin keeps exactly one last_login row per user, overwriting it.
func (r *LocationRepo) UpsertLastLogin(ctx context.Context, l *entity.Location) error {
	l.Type = entity.LocationLastLogin
	if l.ID == 0 {
		l.ID = utilities.NewSnowflakeID()
	}
	const q = `INSERT INTO user_locations
		(id, user_id, type, ip, country, city, region, timezone, latitude, longitude, platform, device, browser)
		VALUES (:id, :user_id, :type, :ip, :country, :city, :region, :timezone, :latitude, :longitude, :platform, :device, :browser)
		ON CONFLICT (user_id) WHERE type = 'last_login' DO UPDATE SET
			ip = EXCLUDED.ip,
			country = EXCLUDED.country,
			city = EXCLUDED.city,
			region = EXCLUDED.region,
			timezone = EXCLUDED.timezone,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			platform = EXCLUDED.platform,
			device = EXCLUDED.device,
			browser = EXCLUDED.browser,
			updated_at = NOW()`
	_, err := r.db.NamedExecContext(ctx, q, l)
	return err
}
