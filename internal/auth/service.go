// Package auth is the authentication engine: it composes the user directory,
// verifications, sessions and token issuer into the register, login,
// verification, password reset, refresh and OAuth flows, and exposes them
// over HTTP.
package auth

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/device"
	"github.com/ovaphlow/pitchfork/service-auth/internal/geo"
	"github.com/ovaphlow/pitchfork/service-auth/internal/metrics"
	"github.com/ovaphlow/pitchfork/service-auth/internal/oauth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/internal/throttle"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/apperror"
)

// Messages returned to callers.
const (
	MsgUserExists          = "User already exists"
	MsgInvalidCredentials  = "Invalid credentials"
	MsgAlreadyVerified     = "Account is already verified"
	MsgUserNotFound        = "User not found"
	MsgInvalidResetToken   = "Invalid or expired reset token"
	MsgOAuthEmailMissing   = "Email not provided by the identity provider"
	MsgOAuthProfileInvalid = "Invalid identity provider profile"
	MsgCooldown            = "Please wait before requesting another email"

	MsgRegisteredWeb       = "User registered successfully. Please check your email to verify your account"
	MsgRegisteredMobile    = "User registered successfully. A verification code has been sent to your email"
	MsgVerificationSentWeb = "A new verification link has been sent to your email"
	MsgVerificationSentOTP = "A new verification code has been sent to your email"
	MsgResetSent           = "If an account exists for this email, password reset instructions have been sent"
	MsgResetOTPVerified    = "OTP verified successfully"
	MsgPasswordReset       = "Password reset successful"
)

// Users is the user directory. Lookups return sql.ErrNoRows when nothing matches.
type Users interface {
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByID(ctx context.Context, id string) (*entity.User, error)
	Create(ctx context.Context, u *entity.User) error
	Reclaim(ctx context.Context, id, name, passwordHash string) (*entity.User, error)
	SetVerified(ctx context.Context, id string) (*entity.User, error)
	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateImage(ctx context.Context, id, image string) error
}

type Locations interface {
	Create(ctx context.Context, l *entity.Location) error
	UpsertLastLogin(ctx context.Context, l *entity.Location) error
}

type Sessions interface {
	Create(ctx context.Context, userID, refreshToken, deviceInfo string) (*session.Session, error)
	Rotate(ctx context.Context, oldToken, newToken string) (*session.Session, error)
	Logout(ctx context.Context, userID, refreshToken string) error
	LogoutAll(ctx context.Context, userID string) (int64, error)
}

type Verifications interface {
	SendVerification(ctx context.Context, userID, email string, platform device.Platform) error
	SendPasswordReset(ctx context.Context, userID, email string, platform device.Platform) error
	Consume(ctx context.Context, q verification.Query) (*verification.Verification, error)
}

// Deps are the collaborators of a Service. Geo, Cooldown and Metrics are optional.
type Deps struct {
	Users         Users
	Locations     Locations
	Sessions      Sessions
	Verifications Verifications
	Tokens        *token.Issuer
	Hasher        user.PasswordHasher
	Geo           geo.Locator
	Cooldown      throttle.Cooldown
	Metrics       metrics.Recorder
	Logger        *zap.SugaredLogger
}

type Config struct {
	// LogoutOnPasswordReset revokes every session of a user whose password was reset.
	LogoutOnPasswordReset bool
}

// Service holds no per-request state and is safe for concurrent use.
type Service struct {
	Deps
	cfg Config
}

func NewService(d Deps, cfg Config) *Service {
	if d.Geo == nil {
		d.Geo = geo.Static{}
	}
	if d.Cooldown == nil {
		d.Cooldown = throttle.Noop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	return &Service{Deps: d, cfg: cfg}
}

// Client identifies the caller of an operation.
type Client struct {
	Device device.Info
	IP     string
}

// TokenPair is an access token with the refresh token of its session.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// LoginResult is returned by every flow that signs a user in.
type LoginResult struct {
	TokenPair
	User *entity.User `json:"user"`
}

type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// observe records the outcome of op once it returns.
func (s *Service) observe(op string, err *error) {
	outcome := "success"
	if *err != nil {
		outcome = apperror.KindOf(*err).String()
	}
	s.Metrics.RecordOperation(op, outcome)
}

// Register creates a custom-provider account, or reclaims an unverified one
// registered earlier under the same email, and sends its verification.
func (s *Service) Register(ctx context.Context, in RegisterInput, c Client) (u *entity.User, msg string, err error) {
	defer s.observe("register", &err)

	email := normalizeEmail(in.Email)
	existing, err := s.Users.GetByEmail(ctx, email)
	if err != nil && !repo.IsNotFound(err) {
		return nil, "", err
	}
	if existing != nil && (existing.IsVerified || existing.Provider != entity.ProviderCustom) {
		return nil, "", apperror.Conflict(MsgUserExists)
	}

	hash, err := s.Hasher.Hash(in.Password)
	if err != nil {
		return nil, "", apperror.Internal(err)
	}

	if existing != nil {
		u, err = s.Users.Reclaim(ctx, existing.ID, in.Name, hash)
		if repo.IsNotFound(err) {
			// verified between the lookup and the update
			return nil, "", apperror.Conflict(MsgUserExists)
		}
	} else {
		u = &entity.User{
			Name:         in.Name,
			Email:        email,
			PasswordHash: &hash,
			Provider:     entity.ProviderCustom,
			Role:         entity.RoleUser,
		}
		err = s.Users.Create(ctx, u)
		if apperror.IsUniqueViolation(err) {
			return nil, "", apperror.Conflict(MsgUserExists)
		}
	}
	if err != nil {
		return nil, "", err
	}

	if err := s.Verifications.SendVerification(ctx, u.ID, u.Email, c.Device.Platform); err != nil {
		return nil, "", err
	}
	s.Logger.Infow("user registered", "user_id", u.ID, "platform", c.Device.Platform, "reclaimed", existing != nil)

	if c.Device.Platform == device.PlatformMobile {
		return u, MsgRegisteredMobile, nil
	}
	return u, MsgRegisteredWeb, nil
}

// Login checks email and password. Unknown accounts, OAuth accounts,
// unverified accounts and wrong passwords all fail with the same message.
func (s *Service) Login(ctx context.Context, email, password string, c Client) (res *LoginResult, err error) {
	defer s.observe("login", &err)

	u, err := s.Users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, apperror.BadRequest(MsgInvalidCredentials)
		}
		return nil, err
	}
	if u.Provider != entity.ProviderCustom || !u.IsVerified || !u.HasPassword() {
		return nil, apperror.BadRequest(MsgInvalidCredentials)
	}
	if !s.Hasher.Verify(*u.PasswordHash, password) {
		return nil, apperror.BadRequest(MsgInvalidCredentials)
	}

	res, err = s.signIn(ctx, u, c)
	if err != nil {
		return nil, err
	}
	s.recordLocation(ctx, u.ID, entity.LocationLastLogin, c)
	return res, nil
}

// VerifyEmail consumes a web verification link and signs the user in.
func (s *Service) VerifyEmail(ctx context.Context, tok string, c Client) (res *LoginResult, err error) {
	defer s.observe("verify_email", &err)

	v, err := s.Verifications.Consume(ctx, verification.Query{
		Token:    tok,
		Type:     verification.TypeEmail,
		Platform: device.PlatformWeb,
	})
	if err != nil {
		return nil, err
	}
	return s.completeVerification(ctx, v.UserID, c)
}

// VerifyEmailOTP consumes a mobile verification code issued to email.
func (s *Service) VerifyEmailOTP(ctx context.Context, email, otp string, c Client) (res *LoginResult, err error) {
	defer s.observe("verify_email_otp", &err)

	u, err := s.Users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, apperror.BadRequest(verification.MsgInvalidToken)
		}
		return nil, err
	}
	if u.IsVerified {
		return nil, apperror.BadRequest(MsgAlreadyVerified)
	}
	v, err := s.Verifications.Consume(ctx, verification.Query{
		Token:    otp,
		Type:     verification.TypeEmail,
		Platform: device.PlatformMobile,
		UserID:   u.ID,
	})
	if err != nil {
		return nil, err
	}
	return s.completeVerification(ctx, v.UserID, c)
}

func (s *Service) completeVerification(ctx context.Context, userID string, c Client) (*LoginResult, error) {
	u, err := s.Users.SetVerified(ctx, userID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, apperror.NotFound(MsgUserNotFound)
		}
		return nil, err
	}
	res, err := s.signIn(ctx, u, c)
	if err != nil {
		return nil, err
	}
	s.recordLocation(ctx, u.ID, entity.LocationRegistration, c)
	return res, nil
}

// ResendVerification issues a fresh verification for an unverified account,
// replacing any pending one for the same platform.
func (s *Service) ResendVerification(ctx context.Context, email string, platform device.Platform) (msg string, err error) {
	defer s.observe("resend_verification", &err)

	email = normalizeEmail(email)
	u, err := s.Users.GetByEmail(ctx, email)
	if err != nil {
		if repo.IsNotFound(err) {
			return "", apperror.NotFound(MsgUserNotFound)
		}
		return "", err
	}
	if u.IsVerified {
		return "", apperror.BadRequest(MsgAlreadyVerified)
	}
	if err := s.acquireCooldown(ctx, "verify", email); err != nil {
		return "", err
	}
	if err := s.Verifications.SendVerification(ctx, u.ID, u.Email, platform); err != nil {
		return "", err
	}
	if platform == device.PlatformMobile {
		return MsgVerificationSentOTP, nil
	}
	return MsgVerificationSentWeb, nil
}

// ForgotPassword sends a reset link or code to verified custom-provider
// accounts. The reply never reveals whether such an account exists.
func (s *Service) ForgotPassword(ctx context.Context, email string, platform device.Platform) (msg string, err error) {
	defer s.observe("forgot_password", &err)
	return s.sendReset(ctx, email, platform)
}

// ResendResetPassword is ForgotPassword for a client that already asked once.
// Both share one cooldown window per email.
func (s *Service) ResendResetPassword(ctx context.Context, email string, platform device.Platform) (msg string, err error) {
	defer s.observe("resend_reset_password", &err)
	return s.sendReset(ctx, email, platform)
}

func (s *Service) sendReset(ctx context.Context, email string, platform device.Platform) (string, error) {
	email = normalizeEmail(email)
	// before the lookup, so throttling does not reveal which emails exist
	if err := s.acquireCooldown(ctx, "reset", email); err != nil {
		return "", err
	}
	u, err := s.Users.GetByEmail(ctx, email)
	if err != nil {
		if repo.IsNotFound(err) {
			return MsgResetSent, nil
		}
		return "", err
	}
	if u.Provider != entity.ProviderCustom || !u.IsVerified {
		s.Logger.Debugw("password reset skipped", "user_id", u.ID, "provider", u.Provider, "verified", u.IsVerified)
		return MsgResetSent, nil
	}
	if err := s.Verifications.SendPasswordReset(ctx, u.ID, u.Email, platform); err != nil {
		return "", err
	}
	return MsgResetSent, nil
}

// VerifyResetOTP consumes a mobile reset code and hands back the short-lived
// token that authorises ResetPasswordOTP.
func (s *Service) VerifyResetOTP(ctx context.Context, email, otp string) (resetToken string, err error) {
	defer s.observe("verify_reset_otp", &err)

	u, err := s.Users.GetByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if repo.IsNotFound(err) {
			return "", apperror.BadRequest(verification.MsgInvalidToken)
		}
		return "", err
	}
	if _, err := s.Verifications.Consume(ctx, verification.Query{
		Token:    otp,
		Type:     verification.TypePasswordReset,
		Platform: device.PlatformMobile,
		UserID:   u.ID,
	}); err != nil {
		return "", err
	}
	resetToken, err = s.Tokens.IssuePasswordResetToken(u.ID)
	if err != nil {
		return "", apperror.Internal(err)
	}
	return resetToken, nil
}

// ResetPassword consumes a web reset link and stores the new password.
func (s *Service) ResetPassword(ctx context.Context, tok, password string) (err error) {
	defer s.observe("reset_password", &err)

	v, err := s.Verifications.Consume(ctx, verification.Query{
		Token:    tok,
		Type:     verification.TypePasswordReset,
		Platform: device.PlatformWeb,
	})
	if err != nil {
		return err
	}
	return s.setPassword(ctx, v.UserID, password)
}

// ResetPasswordOTP stores the new password of the user named by resetToken.
func (s *Service) ResetPasswordOTP(ctx context.Context, resetToken, password string) (err error) {
	defer s.observe("reset_password_otp", &err)

	userID, ok := s.Tokens.VerifyPasswordResetToken(resetToken)
	if !ok {
		return apperror.BadRequest(MsgInvalidResetToken)
	}
	return s.setPassword(ctx, userID, password)
}

func (s *Service) setPassword(ctx context.Context, userID, password string) error {
	hash, err := s.Hasher.Hash(password)
	if err != nil {
		return apperror.Internal(err)
	}
	if err := s.Users.UpdatePassword(ctx, userID, hash); err != nil {
		if repo.IsNotFound(err) {
			return apperror.NotFound(MsgUserNotFound)
		}
		return err
	}
	if s.cfg.LogoutOnPasswordReset {
		n, err := s.Sessions.LogoutAll(ctx, userID)
		if err != nil {
			return err
		}
		s.Logger.Infow("sessions revoked after password reset", "user_id", userID, "count", n)
	}
	return nil
}

// HandleOAuthLogin signs in the owner of an external profile, creating a
// verified account on first use. An email already registered with another
// provider is rejected naming that provider.
func (s *Service) HandleOAuthLogin(ctx context.Context, provider entity.Provider, p oauth.Profile, c Client) (res *LoginResult, err error) {
	defer s.observe("oauth_login_"+string(provider), &err)

	id := p.Identity()
	if id.ProviderID == "" {
		return nil, apperror.BadRequest(MsgOAuthProfileInvalid)
	}
	if id.Email == "" {
		return nil, apperror.BadRequest(MsgOAuthEmailMissing)
	}

	u, err := s.Users.GetByEmail(ctx, id.Email)
	if err != nil && !repo.IsNotFound(err) {
		return nil, err
	}

	if u != nil {
		if u.Provider != provider {
			return nil, apperror.Conflict(fmt.Sprintf(
				"This email is already registered. Please sign in with %s", providerLabel(u.Provider)))
		}
		if id.Image != "" && (u.Image == nil || *u.Image != id.Image) {
			if err := s.Users.UpdateImage(ctx, u.ID, id.Image); err != nil {
				s.Logger.Warnw("update image failed", "user_id", u.ID, "err", err)
			} else {
				u.Image = &id.Image
			}
		}
		res, err = s.signIn(ctx, u, c)
		if err != nil {
			return nil, err
		}
		s.recordLocation(ctx, u.ID, entity.LocationLastLogin, c)
		return res, nil
	}

	u = &entity.User{
		Name:       id.Name,
		Email:      id.Email,
		Provider:   provider,
		ProviderID: &id.ProviderID,
		Role:       entity.RoleUser,
		IsVerified: true,
	}
	if id.Image != "" {
		u.Image = &id.Image
	}
	if err := s.Users.Create(ctx, u); err != nil {
		if apperror.IsUniqueViolation(err) {
			return nil, apperror.Conflict(MsgUserExists)
		}
		return nil, err
	}
	s.Logger.Infow("user registered", "user_id", u.ID, "provider", provider)

	res, err = s.signIn(ctx, u, c)
	if err != nil {
		return nil, err
	}
	s.recordLocation(ctx, u.ID, entity.LocationRegistration, c)
	return res, nil
}

func providerLabel(p entity.Provider) string {
	switch p {
	case entity.ProviderGoogle:
		return "Google"
	case entity.ProviderFacebook:
		return "Facebook"
	default:
		return "email and password"
	}
}

// Refresh rotates refreshToken and issues a new access token for its owner.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (pair *TokenPair, err error) {
	defer s.observe("refresh", &err)

	next, err := s.Tokens.IssueRefreshToken()
	if err != nil {
		return nil, apperror.Internal(err)
	}
	sess, err := s.Sessions.Rotate(ctx, refreshToken, next)
	if err != nil {
		return nil, err
	}
	u, err := s.Users.GetByID(ctx, sess.UserID)
	if err != nil {
		if repo.IsNotFound(err) {
			return nil, apperror.Unauthorized(session.MsgInvalidRefreshToken)
		}
		return nil, err
	}
	access, err := s.Tokens.IssueAccessToken(claimsOf(u))
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: sess.RefreshToken}, nil
}

// Logout ends the session of refreshToken if it belongs to userID. It
// succeeds for unknown tokens.
func (s *Service) Logout(ctx context.Context, userID, refreshToken string) (err error) {
	defer s.observe("logout", &err)
	return s.Sessions.Logout(ctx, userID, refreshToken)
}

// LogoutAll ends every session of userID.
func (s *Service) LogoutAll(ctx context.Context, userID string) (err error) {
	defer s.observe("logout_all", &err)

	n, err := s.Sessions.LogoutAll(ctx, userID)
	if err != nil {
		return err
	}
	s.Logger.Infow("all sessions revoked", "user_id", userID, "count", n)
	return nil
}

func claimsOf(u *entity.User) token.Claims {
	return token.Claims{
		UserID:   u.ID,
		Name:     u.Name,
		Email:    u.Email,
		Role:     string(u.Role),
		Provider: string(u.Provider),
	}
}

// signIn issues a token pair and persists its session.
func (s *Service) signIn(ctx context.Context, u *entity.User, c Client) (*LoginResult, error) {
	access, err := s.Tokens.IssueAccessToken(claimsOf(u))
	if err != nil {
		return nil, apperror.Internal(err)
	}
	refresh, err := s.Tokens.IssueRefreshToken()
	if err != nil {
		return nil, apperror.Internal(err)
	}
	if _, err := s.Sessions.Create(ctx, u.ID, refresh, device.Format(c.Device)); err != nil {
		return nil, err
	}
	return &LoginResult{TokenPair: TokenPair{AccessToken: access, RefreshToken: refresh}, User: u}, nil
}

func (s *Service) acquireCooldown(ctx context.Context, purpose, email string) error {
	ok, err := s.Cooldown.Acquire(ctx, throttle.Key(purpose, email))
	if err != nil {
		// fail open, the cooldown only limits email volume
		s.Logger.Warnw("cooldown unavailable", "purpose", purpose, "err", err)
		return nil
	}
	if !ok {
		return apperror.TooManyRequests(MsgCooldown)
	}
	return nil
}

// recordLocation writes an audit row. Failures are logged and never fail
// the calling flow.
func (s *Service) recordLocation(ctx context.Context, userID string, typ entity.LocationType, c Client) {
	loc := s.Geo.Lookup(ctx, c.IP)
	row := &entity.Location{
		UserID:    userID,
		Type:      typ,
		IP:        c.IP,
		Country:   optional(loc.Country),
		City:      optional(loc.City),
		Region:    optional(loc.Region),
		Timezone:  optional(loc.Timezone),
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Platform:  optional(string(c.Device.Platform)),
		Device:    optional(c.Device.Device),
		Browser:   optional(c.Device.Browser),
	}
	var err error
	if typ == entity.LocationLastLogin {
		err = s.Locations.UpsertLastLogin(ctx, row)
	} else {
		err = s.Locations.Create(ctx, row)
	}
	if err != nil {
		s.Logger.Warnw("record location failed", "user_id", userID, "type", typ, "err", err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
