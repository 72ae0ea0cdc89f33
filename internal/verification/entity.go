package verification

import (
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/internal/device"
)

type Type string

const (
	TypeEmail         Type = "email"
	TypePasswordReset Type = "password_reset"
)

// Verification is a single-use token proving control of an email address or
// authorizing a password reset. Web clients get a link token, mobile
// clients a 6-digit code.
type Verification struct {
	ID        string          `db:"id"`
	UserID    string          `db:"user_id"`
	Type      Type            `db:"type"`
	Platform  device.Platform `db:"platform"`
	Token     string          `db:"token"`
	ExpiresAt time.Time       `db:"expires_at"`
	CreatedAt time.Time       `db:"created_at"`
}

func (v *Verification) Expired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}
