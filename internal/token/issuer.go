// Package token issues and verifies the signed and opaque tokens handed to clients.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ovaphlow/pitchfork/service-auth/internal/device"
)

// Kind discriminates the purpose of a signed token. A token of one kind is
// never accepted where another is expected.
type Kind string

const (
	KindAccess        Kind = "access"
	KindPasswordReset Kind = "password_reset"
	KindOAuthState    Kind = "oauth_state"
)

// ErrSigning is returned when a token cannot be signed, which only happens
// when the secret is missing.
var ErrSigning = errors.New("token signing failed")

// Claims is the identity carried by an access token.
type Claims struct {
	UserID   string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Provider string `json:"provider"`
}

// State is the OAuth round-trip payload.
type State struct {
	Device      device.Info `json:"deviceInfo"`
	ClientIP    string      `json:"clientIp"`
	RedirectURL string      `json:"redirectUrl,omitempty"`
}

type accessClaims struct {
	Claims
	Type Kind `json:"typ"`
	jwt.RegisteredClaims
}

type resetClaims struct {
	Type Kind `json:"typ"`
	jwt.RegisteredClaims
}

type stateClaims struct {
	State
	Type Kind `json:"typ"`
	jwt.RegisteredClaims
}

type Config struct {
	Secret    string
	Issuer    string
	AccessTTL time.Duration
	ResetTTL  time.Duration
	StateTTL  time.Duration
}

// Issuer signs HS256 tokens with a shared server secret.
type Issuer struct {
	secret []byte
	cfg    Config
	// Now is the clock used for iat/exp and validation.
	Now func() time.Time
}

func NewIssuer(cfg Config) *Issuer {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 10 * time.Hour
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = 15 * time.Minute
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = 10 * time.Minute
	}
	return &Issuer{secret: []byte(cfg.Secret), cfg: cfg, Now: time.Now}
}

func (i *Issuer) registered(subject string, ttl time.Duration) jwt.RegisteredClaims {
	now := i.Now()
	return jwt.RegisteredClaims{
		Issuer:    i.cfg.Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
}

func (i *Issuer) sign(claims jwt.Claims) (string, error) {
	if len(i.secret) == 0 {
		return "", ErrSigning
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return signed, nil
}

func (i *Issuer) parse(raw string, claims jwt.Claims) bool {
	if raw == "" || len(i.secret) == 0 {
		return false
	}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.Now),
		jwt.WithExpirationRequired(),
	)
	return err == nil
}

// IssueAccessToken signs c for AccessTTL.
func (i *Issuer) IssueAccessToken(c Claims) (string, error) {
	return i.sign(accessClaims{
		Claims:           c,
		Type:             KindAccess,
		RegisteredClaims: i.registered(c.UserID, i.cfg.AccessTTL),
	})
}

// VerifyAccessToken returns the claims of a valid access token, or nil on a
// bad signature, expiry or wrong kind.
func (i *Issuer) VerifyAccessToken(raw string) *Claims {
	var c accessClaims
	if !i.parse(raw, &c) || c.Type != KindAccess || c.UserID == "" {
		return nil
	}
	return &c.Claims
}

// IssueRefreshToken returns 256 random bits, base64url encoded. It is only
// valid through the session that stores it.
func (i *Issuer) IssueRefreshToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// IssuePasswordResetToken signs the short-lived token that lets a client
// which proved an OTP set a new password.
func (i *Issuer) IssuePasswordResetToken(userID string) (string, error) {
	return i.sign(resetClaims{Type: KindPasswordReset, RegisteredClaims: i.registered(userID, i.cfg.ResetTTL)})
}

// VerifyPasswordResetToken returns the user id of a valid reset token.
func (i *Issuer) VerifyPasswordResetToken(raw string) (string, bool) {
	var c resetClaims
	if !i.parse(raw, &c) || c.Type != KindPasswordReset || c.Subject == "" {
		return "", false
	}
	return c.Subject, true
}

// IssueState signs an OAuth state parameter.
func (i *Issuer) IssueState(s State) (string, error) {
	return i.sign(stateClaims{State: s, Type: KindOAuthState, RegisteredClaims: i.registered("", i.cfg.StateTTL)})
}

// VerifyState decodes a state issued by IssueState.
func (i *Issuer) VerifyState(raw string) (State, bool) {
	var c stateClaims
	if !i.parse(raw, &c) || c.Type != KindOAuthState {
		return State{}, false
	}
	return c.State, true
}
