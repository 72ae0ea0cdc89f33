package repo

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/utilities"
)

// SessionRepo persists sessions in the `sessions` table.
type SessionRepo struct {
	db *sqlx.DB
}

func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, s *session.Session) error {
	if s.ID == "" {
		s.ID = utilities.NewUUID()
	}
	const q = `INSERT INTO sessions (id, user_id, refresh_token, device_info, expires_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`
	return r.db.QueryRowxContext(ctx, q, s.ID, s.UserID, s.RefreshToken, s.DeviceInfo, s.ExpiresAt).Scan(&s.CreatedAt)
}

// GetByRefreshToken returns the session holding token or sql.ErrNoRows.
func (r *SessionRepo) GetByRefreshToken(ctx context.Context, token string) (*session.Session, error) {
	var s session.Session
	const q = `SELECT id, user_id, refresh_token, device_info, expires_at, created_at FROM sessions WHERE refresh_token = $1`
	if err := r.db.GetContext(ctx, &s, q, token); err != nil {
		return nil, err
	}
	return &s, nil
}

// Rotate swaps oldToken for newToken in a single conditional UPDATE. Of two
// concurrent callers presenting the same token only one sees true.
func (r *SessionRepo) Rotate(ctx context.Context, oldToken, newToken string, expiresAt, now time.Time) (bool, error) {
	const q = `UPDATE sessions SET refresh_token = $2, expires_at = $3
		WHERE refresh_token = $1 AND expires_at > $4`
	res, err := r.db.ExecContext(ctx, q, oldToken, newToken, expiresAt, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SessionRepo) DeleteByRefreshToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE refresh_token = $1`, token)
	return err
}

func (r *SessionRepo) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpired removes every session whose expiry is at or before now.
func (r *SessionRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
