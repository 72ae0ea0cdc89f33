// Package verification issues and consumes single-use email verification and
// password reset tokens.
package verification

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/device"
	"github.com/ovaphlow/pitchfork/service-auth/internal/mailer"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/apperror"
)

const (
	MsgInvalidToken = "Invalid verification token"
	MsgExpiredToken = "Verification token has expired"
	MsgEmailFailed  = "Failed to send email"
)

// insert attempts before a colliding token is reported
const maxTokenAttempts = 3

// Store persists verifications. Lookups return sql.ErrNoRows when nothing matches.
type Store interface {
	Replace(ctx context.Context, v *Verification) error
	GetByToken(ctx context.Context, token string) (*Verification, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type Config struct {
	FrontendURL string
	LinkTTL     time.Duration
	OTPTTL      time.Duration
}

// Service implements the pending/consumed/expired lifecycle of verifications.
type Service struct {
	store  Store
	mail   mailer.Sender
	cfg    Config
	logger *zap.SugaredLogger
	Now    func() time.Time

	linkToken func() (string, error)
	otp       func() (string, error)
}

func NewService(store Store, mail mailer.Sender, cfg Config, logger *zap.SugaredLogger) *Service {
	if cfg.LinkTTL <= 0 {
		cfg.LinkTTL = 24 * time.Hour
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 10 * time.Minute
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	return &Service{
		store:     store,
		mail:      mail,
		cfg:       cfg,
		logger:    logger,
		Now:       time.Now,
		linkToken: newLinkToken,
		otp:       newOTP,
	}
}

// SendVerification issues an email verification for the platform (a link for
// web, a code for mobile) and mails it. Earlier pending ones for the same
// user and platform are discarded.
func (s *Service) SendVerification(ctx context.Context, userID, email string, platform device.Platform) error {
	v, err := s.issue(ctx, userID, TypeEmail, platform)
	if err != nil {
		return err
	}
	msg := mailer.Message{To: email}
	if platform == device.PlatformMobile {
		msg.Subject = "Your Verification Code"
		msg.Text = "Your verification code is: " + v.Token
	} else {
		msg.Subject = "Verify Your Email Address"
		msg.Text = "Click this link to verify your email: " + s.link("/verify-email", v.Token)
	}
	return s.deliver(ctx, msg)
}

// SendPasswordReset is SendVerification for password resets.
func (s *Service) SendPasswordReset(ctx context.Context, userID, email string, platform device.Platform) error {
	v, err := s.issue(ctx, userID, TypePasswordReset, platform)
	if err != nil {
		return err
	}
	msg := mailer.Message{To: email}
	if platform == device.PlatformMobile {
		msg.Subject = "Your Password Reset Code"
		msg.Text = "Your password reset code is: " + v.Token
	} else {
		msg.Subject = "Reset Your Password"
		msg.Text = "Click this link to reset your password: " + s.link("/reset-password", v.Token)
	}
	return s.deliver(ctx, msg)
}

func (s *Service) issue(ctx context.Context, userID string, typ Type, platform device.Platform) (*Verification, error) {
	if !platform.Valid() {
		platform = device.PlatformWeb
	}
	ttl := s.cfg.LinkTTL
	gen := s.linkToken
	if platform == device.PlatformMobile {
		ttl = s.cfg.OTPTTL
		gen = s.otp
	}

	var lastErr error
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		tok, err := gen()
		if err != nil {
			return nil, err
		}
		v := &Verification{
			UserID:    userID,
			Type:      typ,
			Platform:  platform,
			Token:     tok,
			ExpiresAt: s.Now().Add(ttl),
		}
		err = s.store.Replace(ctx, v)
		if err == nil {
			return v, nil
		}
		if !apperror.IsUniqueViolation(err) {
			return nil, err
		}
		// token collided with another pending one
		lastErr = err
	}
	return nil, apperror.Internal(fmt.Errorf("no unique token after %d attempts: %w", maxTokenAttempts, lastErr))
}

func (s *Service) deliver(ctx context.Context, msg mailer.Message) error {
	if err := s.mail.Send(ctx, msg); err != nil {
		s.logger.Warnw("verification email failed", "to", msg.To, "err", err)
		return apperror.Wrap(err, apperror.KindBadRequest, MsgEmailFailed)
	}
	return nil
}

func (s *Service) link(path, token string) string {
	return s.cfg.FrontendURL + path + "?token=" + url.QueryEscape(token)
}

// Query selects the verification a consumer expects.
type Query struct {
	Token    string
	Type     Type
	Platform device.Platform
	// UserID, when set, must own the verification.
	UserID string
}

// Consume validates and claims a verification. The row is deleted before
// Consume returns, so a token is honoured at most once even under
// concurrent use. A token issued for another platform, type or user is
// reported exactly like an unknown one.
func (s *Service) Consume(ctx context.Context, q Query) (*Verification, error) {
	if q.Token == "" {
		return nil, apperror.BadRequest(MsgInvalidToken)
	}
	v, err := s.store.GetByToken(ctx, q.Token)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.BadRequest(MsgInvalidToken)
		}
		return nil, err
	}

	if v.Expired(s.Now()) {
		if _, err := s.store.Delete(ctx, v.ID); err != nil {
			return nil, err
		}
		return nil, apperror.BadRequest(MsgExpiredToken)
	}

	if v.Type != q.Type || v.Platform != q.Platform || (q.UserID != "" && v.UserID != q.UserID) {
		s.logger.Debugw("verification rejected",
			"type", v.Type, "want_type", q.Type,
			"platform", v.Platform, "want_platform", q.Platform,
		)
		return nil, apperror.BadRequest(MsgInvalidToken)
	}

	claimed, err := s.store.Delete(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, apperror.BadRequest(MsgInvalidToken)
	}
	return v, nil
}

// DeleteExpired purges verifications past their expiry.
func (s *Service) DeleteExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpired(ctx, s.Now())
}

// newLinkToken returns 32 random bytes as hex.
func newLinkToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

var otpSpan = big.NewInt(900000)

// newOTP returns a uniform 6-digit code in [100000, 999999].
func newOTP() (string, error) {
	n, err := rand.Int(rand.Reader, otpSpan)
	if err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
