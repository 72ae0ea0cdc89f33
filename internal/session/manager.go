package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ovaphlow/pitchfork/service-auth/pkg/apperror"
)

const (
	MsgInvalidRefreshToken = "Invalid refresh token"
	MsgExpiredRefreshToken = "Refresh token has expired"
)

// Store is the persistence the Manager needs. Lookups return sql.ErrNoRows
// when nothing matches.
type Store interface {
	Create(ctx context.Context, s *Session) error
	GetByRefreshToken(ctx context.Context, token string) (*Session, error)
	Rotate(ctx context.Context, oldToken, newToken string, expiresAt, now time.Time) (bool, error)
	DeleteByRefreshToken(ctx context.Context, token string) error
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Manager applies session lifecycle rules on top of a Store.
type Manager struct {
	store Store
	ttl   time.Duration
	Now   func() time.Time
}

func NewManager(store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Manager{store: store, ttl: ttl, Now: time.Now}
}

// Create persists a new session for userID expiring after the refresh TTL.
func (m *Manager) Create(ctx context.Context, userID, refreshToken, deviceInfo string) (*Session, error) {
	s := &Session{
		UserID:       userID,
		RefreshToken: refreshToken,
		DeviceInfo:   deviceInfo,
		ExpiresAt:    m.Now().Add(m.ttl),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Rotate replaces oldToken with newToken on the same session and extends its
// expiry. The old token stops working immediately.
func (m *Manager) Rotate(ctx context.Context, oldToken, newToken string) (*Session, error) {
	if oldToken == "" {
		return nil, apperror.Unauthorized(MsgInvalidRefreshToken)
	}
	s, err := m.store.GetByRefreshToken(ctx, oldToken)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.Unauthorized(MsgInvalidRefreshToken)
		}
		return nil, err
	}

	now := m.Now()
	if s.Expired(now) {
		if err := m.store.DeleteByRefreshToken(ctx, oldToken); err != nil {
			return nil, err
		}
		return nil, apperror.Unauthorized(MsgExpiredRefreshToken)
	}

	expiresAt := now.Add(m.ttl)
	ok, err := m.store.Rotate(ctx, oldToken, newToken, expiresAt, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// another request rotated or revoked it first
		return nil, apperror.Unauthorized(MsgInvalidRefreshToken)
	}
	s.RefreshToken = newToken
	s.ExpiresAt = expiresAt
	return s, nil
}

// Logout deletes the session holding token when it belongs to userID.
// Unknown tokens and tokens of other users are silently ignored.
func (m *Manager) Logout(ctx context.Context, userID, token string) error {
	if token == "" {
		return nil
	}
	s, err := m.store.GetByRefreshToken(ctx, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.UserID != userID {
		return nil
	}
	return m.store.DeleteByRefreshToken(ctx, token)
}

// LogoutAll deletes every session of userID.
func (m *Manager) LogoutAll(ctx context.Context, userID string) (int64, error) {
	return m.store.DeleteByUserID(ctx, userID)
}

// DeleteExpired purges sessions past their expiry.
func (m *Manager) DeleteExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, m.Now())
}
