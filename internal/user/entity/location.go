package entity

import "time"

type LocationType string

const (
	LocationRegistration LocationType = "registration"
	LocationLastLogin    LocationType = "last_login"
)

// Location is an informational audit row in `user_locations`. Registration
// rows accumulate; there is at most one last_login row per user.
type Location struct {
	ID        int64        `db:"id"`
	UserID    string       `db:"user_id"`
	Type      LocationType `db:"type"`
	IP        string       `db:"ip"`
	Country   *string      `db:"country"`
	City      *string      `db:"city"`
	Region    *string      `db:"region"`
	Timezone  *string      `db:"timezone"`
	Latitude  *float64     `db:"latitude"`
	Longitude *float64     `db:"longitude"`
	Platform  *string      `db:"platform"`
	Device    *string      `db:"device"`
	Browser   *string      `db:"browser"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}
