package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/database"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

// VerificationRepo persists rows of the `verifications` table.
type VerificationRepo struct {
	db *sqlx.DB
}

func NewVerificationRepo(db *sqlx.DB) *VerificationRepo {
	return &VerificationRepo{db: db}
}

// Replace deletes every pending verification of v's (user, type, platform)
// and inserts v, in one transaction. The owning user row is locked first so
// concurrent replaces for the same user run one after the other.
func (r *VerificationRepo) Replace(ctx context.Context, v *verification.Verification) error {
	if v.ID == "" {
		v.ID = utilities.NewUUID()
	}
	return database.WithTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var id string
		if err := tx.GetContext(ctx, &id, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, v.UserID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM verifications WHERE user_id = $1 AND type = $2 AND platform = $3`,
			v.UserID, v.Type, v.Platform); err != nil {
			return err
		}
		const q = `INSERT INTO verifications (id, user_id, type, platform, token, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`
		return tx.QueryRowxContext(ctx, q, v.ID, v.UserID, v.Type, v.Platform, v.Token, v.ExpiresAt).Scan(&v.CreatedAt)
	})
}

// GetByToken returns the verification holding token or sql.ErrNoRows.
func (r *VerificationRepo) GetByToken(ctx context.Context, token string) (*verification.Verification, error) {
	var v verification.Verification
	const q = `SELECT id, user_id, type, platform, token, expires_at, created_at FROM verifications WHERE token = $1`
	if err := r.db.GetContext(ctx, &v, q, token); err != nil {
		return nil, err
	}
	return &v, nil
}

// Delete removes the row by id and reports whether this call removed it.
func (r *VerificationRepo) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM verifications WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *VerificationRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM verifications WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
