// Package session manages refresh-token backed login sessions.
package session

import "time"

// Session binds an opaque refresh token to a user and device. A user may
// hold any number of sessions at once.
type Session struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	RefreshToken string    `db:"refresh_token"`
	DeviceInfo   string    `db:"device_info"`
	ExpiresAt    time.Time `db:"expires_at"`
	CreatedAt    time.Time `db:"created_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
