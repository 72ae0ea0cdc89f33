package entity

import "time"

type Provider string

const (
	ProviderCustom   Provider = "custom"
	ProviderGoogle   Provider = "google"
	ProviderFacebook Provider = "facebook"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// User represents an account row in the `users` table.
// A custom-provider user always has a PasswordHash; OAuth users have none.
type User struct {
	ID           string    `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Email        string    `db:"email" json:"email"`
	PasswordHash *string   `db:"password" json:"-"`
	Image        *string   `db:"image" json:"image"`
	Provider     Provider  `db:"provider" json:"provider"`
	ProviderID   *string   `db:"provider_id" json:"providerId"`
	Role         Role      `db:"role" json:"role"`
	IsVerified   bool      `db:"is_verified" json:"isVerified"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// HasPassword reports whether the user can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}
