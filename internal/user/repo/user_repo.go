package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

const userColumns = `id, name, email, password, image, provider, provider_id, role, is_verified, created_at, updated_at`

// UserRepo provides data access for the users table using sqlx.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo { return &UserRepo{db: db} }

// GetByEmail returns the user with the given email or sql.ErrNoRows.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	var u entity.User
	if err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE email=$1`, email); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByID returns the user with the given id or sql.ErrNoRows.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	var u entity.User
	if err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id=$1`, id); err != nil {
		return nil, err
	}
	return &u, nil
}

// Create inserts u, assigning its id and timestamps. A duplicate email or
// provider identity surfaces as a unique violation.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	if u.ID == "" {
		u.ID = utilities.NewUUID()
	}
	if u.Provider == "" {
		u.Provider = entity.ProviderCustom
	}
	if u.Role == "" {
		u.Role = entity.RoleUser
	}
	const q = `INSERT INTO users (id, name, email, password, image, provider, provider_id, role, is_verified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`
	row := r.db.QueryRowxContext(ctx, q,
		u.ID, u.Name, u.Email, u.PasswordHash, u.Image, u.Provider, u.ProviderID, u.Role, u.IsVerified)
	return row.Scan(&u.CreatedAt, &u.UpdatedAt)
}

// Reclaim overwrites an unverified account in place with a fresh name and
// password. It returns sql.ErrNoRows when the account was verified in the
// meantime.
func (r *UserRepo) Reclaim(ctx context.Context, id, name, passwordHash string) (*entity.User, error) {
	const q = `UPDATE users
		SET name=$2, password=$3, is_verified=false, created_at=NOW(), updated_at=NOW()
		WHERE id=$1 AND is_verified=false AND provider='custom'
		RETURNING ` + userColumns
	var u entity.User
	if err := r.db.GetContext(ctx, &u, q, id, name, passwordHash); err != nil {
		return nil, err
	}
	return &u, nil
}

// SetVerified marks the user verified and returns the updated row.
func (r *UserRepo) SetVerified(ctx context.Context, id string) (*entity.User, error) {
	const q = `UPDATE users SET is_verified=true, updated_at=NOW() WHERE id=$1 RETURNING ` + userColumns
	var u entity.User
	if err := r.db.GetContext(ctx, &u, q, id); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdatePassword replaces the password hash of a custom-provider user.
func (r *UserRepo) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET password=$2, updated_at=NOW() WHERE id=$1 AND provider='custom'`, id, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateImage sets the avatar URL, used when a provider profile carries one.
func (r *UserRepo) UpdateImage(ctx context.Context, id, image string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET image=$2, updated_at=NOW() WHERE id=$1`, id, image)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// IsNotFound reports whether err means no row matched.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
