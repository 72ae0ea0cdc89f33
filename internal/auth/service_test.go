package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ovaphlow/pitchfork/service-auth/internal/device"
	"github.com/ovaphlow/pitchfork/service-auth/internal/geo"
	"github.com/ovaphlow/pitchfork/service-auth/internal/oauth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/session"
	"github.com/ovaphlow/pitchfork/service-auth/internal/throttle"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/internal/verification"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/apperror"
)

var (
	web    = Client{Device: device.Info{Platform: device.PlatformWeb, Device: "mac os x", Browser: "Chrome"}, IP: "203.0.113.7"}
	mobile = Client{Device: device.Info{Platform: device.PlatformMobile, Device: "android"}, IP: "203.0.113.8"}
)

func wantErr(t *testing.T, err error, kind apperror.Kind, msg string) {
	t.Helper()
	appErr := apperror.As(err)
	if err == nil || appErr.Kind != kind || appErr.Message != msg {
		t.Fatalf("err = %v, want %s %q", err, kind, msg)
	}
}

func TestRegisterVerifyOTPThenLogin(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	u, msg, err := env.svc.Register(ctx, RegisterInput{Name: "Alice", Email: "a@x.com", Password: "pw123456"}, mobile)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.IsVerified || msg != MsgRegisteredMobile {
		t.Fatalf("Register = %+v, %q", u, msg)
	}

	code := env.mail.lastToken(t, "a@x.com")
	if len(code) != 6 {
		t.Fatalf("mobile registration mailed %q, want a 6-digit code", code)
	}
	verified, err := env.svc.VerifyEmailOTP(ctx, "a@x.com", code, mobile)
	if err != nil {
		t.Fatalf("VerifyEmailOTP: %v", err)
	}
	if !verified.User.IsVerified || verified.AccessToken == "" {
		t.Fatalf("VerifyEmailOTP = %+v", verified)
	}
	if got := env.locations.byType(entity.LocationRegistration); len(got) != 1 || got[0].UserID != u.ID {
		t.Errorf("registration locations = %+v", got)
	}

	res, err := env.svc.Login(ctx, "a@x.com", "pw123456", web)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.AccessToken == "" || res.RefreshToken == "" || !res.User.IsVerified {
		t.Fatalf("Login = %+v", res)
	}
	claims := env.tokens.VerifyAccessToken(res.AccessToken)
	if claims == nil || claims.UserID != u.ID || claims.Email != "a@x.com" || claims.Provider != "custom" {
		t.Errorf("access claims = %+v", claims)
	}
	if n := env.sessions.forUser(u.ID); n != 2 {
		t.Errorf("sessions = %d, want 2", n)
	}
	last := env.locations.byType(entity.LocationLastLogin)
	if len(last) != 1 || last[0].Browser == nil || *last[0].Browser != "Chrome" {
		t.Errorf("last login = %+v", last)
	}
}

func TestRegister_VerifiedEmailConflicts(t *testing.T) {
	env := newEnv(t)
	env.seedUser(t, entity.User{Name: "Alice", Email: "a@x.com", IsVerified: true}, "pw123456")

	_, _, err := env.svc.Register(context.Background(), RegisterInput{Name: "Eve", Email: "A@X.com", Password: "pw654321"}, web)
	wantErr(t, err, apperror.KindConflict, MsgUserExists)
	if env.mail.count() != 0 {
		t.Error("verification sent for a conflicting registration")
	}
}

func TestRegister_ReclaimsUnverified(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	first, _, err := env.svc.Register(ctx, RegisterInput{Name: "Alice", Email: "a@x.com", Password: "first-pass"}, web)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, msg, err := env.svc.Register(ctx, RegisterInput{Name: "Alice B", Email: "a@x.com", Password: "second-pass"}, web)
	if err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if second.ID != first.ID || second.Name != "Alice B" || msg != MsgRegisteredWeb {
		t.Errorf("reclaimed = %+v, %q", second, msg)
	}
	if env.users.count() != 1 {
		t.Errorf("users = %d, want 1", env.users.count())
	}

	link := env.mail.lastToken(t, "a@x.com")
	if _, err := env.svc.VerifyEmail(ctx, link, web); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	_, err = env.svc.Login(ctx, "a@x.com", "first-pass", web)
	wantErr(t, err, apperror.KindBadRequest, MsgInvalidCredentials)
	if _, err := env.svc.Login(ctx, "a@x.com", "second-pass", web); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
}

func TestLogin_FailuresAreIndistinguishable(t *testing.T) {
	env := newEnv(t)
	env.seedUser(t, entity.User{Name: "Ver", Email: "v@x.com", IsVerified: true}, "pw123456")
	env.seedUser(t, entity.User{Name: "Unv", Email: "u@x.com"}, "pw123456")
	env.seedUser(t, entity.User{Name: "G", Email: "g@x.com", Provider: entity.ProviderGoogle, IsVerified: true}, "")

	cases := []struct{ name, email, password string }{
		{"unknown", "nobody@x.com", "pw123456"},
		{"wrong password", "v@x.com", "wrong-pass"},
		{"unverified", "u@x.com", "pw123456"},
		{"oauth account", "g@x.com", "pw123456"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Login(context.Background(), tc.email, tc.password, web)
			wantErr(t, err, apperror.KindBadRequest, MsgInvalidCredentials)
		})
	}
}

func TestVerifyEmail_LinkIsSingleUseAndWebOnly(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	_, _, _ = env.svc.Register(ctx, RegisterInput{Name: "Alice", Email: "a@x.com", Password: "pw123456"}, web)
	link := env.mail.lastToken(t, "a@x.com")

	res, err := env.svc.VerifyEmail(ctx, link, web)
	if err != nil || !res.User.IsVerified {
		t.Fatalf("VerifyEmail = %+v, %v", res, err)
	}
	_, err = env.svc.VerifyEmail(ctx, link, web)
	wantErr(t, err, apperror.KindBadRequest, verification.MsgInvalidToken)
}

func TestVerifyEmailOTP_RejectsWebCodesAndOtherUsers(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	_, _, _ = env.svc.Register(ctx, RegisterInput{Name: "Alice", Email: "a@x.com", Password: "pw123456"}, mobile)
	_, _, _ = env.svc.Register(ctx, RegisterInput{Name: "Bob", Email: "b@x.com", Password: "pw123456"}, mobile)
	aliceCode := env.mail.lastToken(t, "a@x.com")

	_, err := env.svc.VerifyEmailOTP(ctx, "b@x.com", aliceCode, mobile)
	wantErr(t, err, apperror.KindBadRequest, verification.MsgInvalidToken)
	_, err = env.svc.VerifyEmail(ctx, aliceCode, web)
	wantErr(t, err, apperror.KindBadRequest, verification.MsgInvalidToken)
	_, err = env.svc.VerifyEmailOTP(ctx, "nobody@x.com", aliceCode, mobile)
	wantErr(t, err, apperror.KindBadRequest, verification.MsgInvalidToken)

	if _, err := env.svc.VerifyEmailOTP(ctx, "a@x.com", aliceCode, mobile); err != nil {
		t.Fatalf("owner could not use code after rejected attempts: %v", err)
	}
}

func TestResendVerification(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.seedUser(t, entity.User{Name: "Ver", Email: "v@x.com", IsVerified: true}, "pw123456")
	env.seedUser(t, entity.User{Name: "Unv", Email: "u@x.com"}, "pw123456")

	_, err := env.svc.ResendVerification(ctx, "nobody@x.com", device.PlatformWeb)
	wantErr(t, err, apperror.KindNotFound, MsgUserNotFound)
	_, err = env.svc.ResendVerification(ctx, "v@x.com", device.PlatformWeb)
	wantErr(t, err, apperror.KindBadRequest, MsgAlreadyVerified)

	msg, err := env.svc.ResendVerification(ctx, "u@x.com", device.PlatformMobile)
	if err != nil || msg != MsgVerificationSentOTP {
		t.Fatalf("ResendVerification = %q, %v", msg, err)
	}
}

func TestResend_Cooldown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := newEnv(t, func(d *Deps, _ *Config) {
		d.Cooldown = throttle.NewRedisCooldown(rdb, time.Minute)
	})
	ctx := context.Background()
	env.seedUser(t, entity.User{Name: "Unv", Email: "u@x.com"}, "pw123456")

	if _, err := env.svc.ResendVerification(ctx, "u@x.com", device.PlatformWeb); err != nil {
		t.Fatalf("first resend: %v", err)
	}
	_, err := env.svc.ResendVerification(ctx, "U@x.com", device.PlatformWeb)
	wantErr(t, err, apperror.KindTooManyRequests, MsgCooldown)

	if _, err := env.svc.ForgotPassword(ctx, "nobody@x.com", device.PlatformWeb); err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	_, err = env.svc.ResendResetPassword(ctx, "nobody@x.com", device.PlatformWeb)
	wantErr(t, err, apperror.KindTooManyRequests, MsgCooldown)

	mr.FastForward(2 * time.Minute)
	if _, err := env.svc.ResendVerification(ctx, "u@x.com", device.PlatformWeb); err != nil {
		t.Fatalf("resend after window: %v", err)
	}
}

func TestForgotPassword_DoesNotRevealAccounts(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.seedUser(t, entity.User{Name: "Ver", Email: "v@x.com", IsVerified: true}, "pw123456")
	env.seedUser(t, entity.User{Name: "Unv", Email: "u@x.com"}, "pw123456")
	env.seedUser(t, entity.User{Name: "G", Email: "g@x.com", Provider: entity.ProviderGoogle, IsVerified: true}, "")

	for _, email := range []string{"nobody@x.com", "u@x.com", "g@x.com", "v@x.com"} {
		msg, err := env.svc.ForgotPassword(ctx, email, device.PlatformWeb)
		if err != nil || msg != MsgResetSent {
			t.Fatalf("ForgotPassword(%s) = %q, %v", email, msg, err)
		}
	}
	if env.mail.count() != 1 {
		t.Fatalf("emails sent = %d, want only the verified custom account", env.mail.count())
	}
	if !strings.Contains(env.mail.sent[0].Text, "/reset-password?token=") || env.mail.sent[0].To != "v@x.com" {
		t.Errorf("unexpected reset email %+v", env.mail.sent[0])
	}
}

func TestResetPasswordOTP_Flow(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.seedUser(t, entity.User{Name: "Ver", Email: "v@x.com", IsVerified: true}, "old-password")
	login, _ := env.svc.Login(ctx, "v@x.com", "old-password", web)

	_, _ = env.svc.ForgotPassword(ctx, "v@x.com", device.PlatformMobile)
	code := env.mail.lastToken(t, "v@x.com")

	err := env.svc.ResetPassword(ctx, code, "new-password")
	wantErr(t, err, apperror.KindBadRequest, verification.MsgInvalidToken)

	resetToken, err := env.svc.VerifyResetOTP(ctx, "v@x.com", code)
	if err != nil {
		t.Fatalf("VerifyResetOTP: %v", err)
	}
	_, err = env.svc.VerifyResetOTP(ctx, "v@x.com", code)
	wantErr(t, err, apperror.KindBadRequest, verification.MsgInvalidToken)

	err = env.svc.ResetPasswordOTP(ctx, "not-a-token", "new-password")
	wantErr(t, err, apperror.KindBadRequest, MsgInvalidResetToken)
	err = env.svc.ResetPasswordOTP(ctx, login.AccessToken, "new-password")
	wantErr(t, err, apperror.KindBadRequest, MsgInvalidResetToken)

	if err := env.svc.ResetPasswordOTP(ctx, resetToken, "new-password"); err != nil {
		t.Fatalf("ResetPasswordOTP: %v", err)
	}
	_, err = env.svc.Login(ctx, "v@x.com", "old-password", web)
	wantErr(t, err, apperror.KindBadRequest, MsgInvalidCredentials)
	if _, err := env.svc.Login(ctx, "v@x.com", "new-password", web); err != nil {
		t.Fatalf("Login with new password: %v", err)
	}
	if _, err := env.svc.Refresh(ctx, login.RefreshToken); err != nil {
		t.Errorf("existing session revoked without LogoutOnPasswordReset: %v", err)
	}
}

func TestResetPassword_LinkRevokesSessionsWhenConfigured(t *testing.T) {
	env := newEnv(t, func(_ *Deps, c *Config) { c.LogoutOnPasswordReset = true })
	ctx := context.Background()
	u := env.seedUser(t, entity.User{Name: "Ver", Email: "v@x.com", IsVerified: true}, "old-password")
	login, _ := env.svc.Login(ctx, "v@x.com", "old-password", web)

	_, _ = env.svc.ForgotPassword(ctx, "v@x.com", device.PlatformWeb)
	link := env.mail.lastToken(t, "v@x.com")

	if err := env.svc.ResetPassword(ctx, link, "new-password"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if n := env.sessions.forUser(u.ID); n != 0 {
		t.Errorf("sessions after reset = %d, want 0", n)
	}
	_, err := env.svc.Refresh(ctx, login.RefreshToken)
	wantErr(t, err, apperror.KindUnauthorized, session.MsgInvalidRefreshToken)

	err = env.svc.ResetPassword(ctx, link, "another-password")
	wantErr(t, err, apperror.KindBadRequest, verification.MsgInvalidToken)
}

func TestRefresh_RotatesAndInvalidatesOldToken(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.seedUser(t, entity.User{Name: "Ver", Email: "v@x.com", IsVerified: true}, "pw123456")
	login, _ := env.svc.Login(ctx, "v@x.com", "pw123456", web)

	pair, err := env.svc.Refresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if pair.RefreshToken == login.RefreshToken || env.tokens.VerifyAccessToken(pair.AccessToken) == nil {
		t.Fatalf("Refresh = %+v", pair)
	}
	_, err = env.svc.Refresh(ctx, login.RefreshToken)
	wantErr(t, err, apperror.KindUnauthorized, session.MsgInvalidRefreshToken)
	if _, err := env.svc.Refresh(ctx, pair.RefreshToken); err != nil {
		t.Fatalf("Refresh with rotated token: %v", err)
	}
}

func TestLogoutAndLogoutAll(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	u := env.seedUser(t, entity.User{Name: "Ver", Email: "v@x.com", IsVerified: true}, "pw123456")
	a, _ := env.svc.Login(ctx, "v@x.com", "pw123456", web)
	_, _ = env.svc.Login(ctx, "v@x.com", "pw123456", mobile)
	_, _ = env.svc.Login(ctx, "v@x.com", "pw123456", mobile)

	if err := env.svc.Logout(ctx, u.ID, a.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if err := env.svc.Logout(ctx, u.ID, a.RefreshToken); err != nil {
		t.Fatalf("Logout twice: %v", err)
	}
	if err := env.svc.Logout(ctx, u.ID, "never-issued"); err != nil {
		t.Fatalf("Logout unknown: %v", err)
	}
	if n := env.sessions.forUser(u.ID); n != 2 {
		t.Fatalf("sessions = %d, want 2", n)
	}
	if err := env.svc.LogoutAll(ctx, u.ID); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n := env.sessions.forUser(u.ID); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

func TestHandleOAuthLogin(t *testing.T) {
	env := newEnv(t, func(d *Deps, _ *Config) {
		d.Geo = geo.Static{Location: geo.Location{Country: "Japan", City: "Tokyo"}}
	})
	ctx := context.Background()
	profile := oauth.Profile{ID: "g-1", Emails: []string{"Alice@X.com"}, DisplayName: "Alice", Photos: []string{"http://img/a"}}

	first, err := env.svc.HandleOAuthLogin(ctx, entity.ProviderGoogle, profile, web)
	if err != nil {
		t.Fatalf("first OAuth login: %v", err)
	}
	u := first.User
	if !u.IsVerified || u.HasPassword() || u.Email != "alice@x.com" || *u.ProviderID != "g-1" || *u.Image != "http://img/a" {
		t.Fatalf("created user = %+v", u)
	}
	reg := env.locations.byType(entity.LocationRegistration)
	if len(reg) != 1 || reg[0].Country == nil || *reg[0].Country != "Japan" {
		t.Errorf("registration locations = %+v", reg)
	}

	second, err := env.svc.HandleOAuthLogin(ctx, entity.ProviderGoogle, profile, mobile)
	if err != nil || second.User.ID != u.ID {
		t.Fatalf("second OAuth login = %+v, %v", second, err)
	}
	if env.users.count() != 1 || len(env.locations.byType(entity.LocationLastLogin)) != 1 {
		t.Errorf("users = %d, last logins = %d", env.users.count(), len(env.locations.byType(entity.LocationLastLogin)))
	}

	_, err = env.svc.HandleOAuthLogin(ctx, entity.ProviderFacebook, oauth.Profile{ID: "fb-1", Emails: []string{"alice@x.com"}}, web)
	wantErr(t, err, apperror.KindConflict, "This email is already registered. Please sign in with Google")

	env.seedUser(t, entity.User{Name: "Bob", Email: "b@x.com", IsVerified: true}, "pw123456")
	_, err = env.svc.HandleOAuthLogin(ctx, entity.ProviderGoogle, oauth.Profile{ID: "g-2", Emails: []string{"b@x.com"}}, web)
	wantErr(t, err, apperror.KindConflict, "This email is already registered. Please sign in with email and password")

	_, err = env.svc.HandleOAuthLogin(ctx, entity.ProviderFacebook, oauth.Profile{ID: "fb-2", DisplayName: "No Mail"}, web)
	wantErr(t, err, apperror.KindBadRequest, MsgOAuthEmailMissing)
	if env.users.count() != 2 {
		t.Errorf("users = %d, want 2", env.users.count())
	}
}

func TestLongPasswords(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	long := strings.Repeat("a", 80)

	req := registerRequest{Name: "Alice", Email: "a@x.com", Password: long}
	if err := req.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, _, err := env.svc.Register(ctx, RegisterInput{Name: req.Name, Email: req.Email, Password: req.Password}, mobile); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := env.svc.VerifyEmailOTP(ctx, "a@x.com", env.mail.lastToken(t, "a@x.com"), mobile); err != nil {
		t.Fatalf("VerifyEmailOTP: %v", err)
	}
	if _, err := env.svc.Login(ctx, "a@x.com", long, web); err != nil {
		t.Fatalf("Login: %v", err)
	}
	_, err := env.svc.Login(ctx, "a@x.com", strings.Repeat("a", 72)+"bbbbbbbb", web)
	wantErr(t, err, apperror.KindBadRequest, MsgInvalidCredentials)

	_, _ = env.svc.ForgotPassword(ctx, "a@x.com", device.PlatformWeb)
	longer := strings.Repeat("b", 100)
	if err := env.svc.ResetPassword(ctx, env.mail.lastToken(t, "a@x.com"), longer); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if _, err := env.svc.Login(ctx, "a@x.com", longer, web); err != nil {
		t.Fatalf("Login after reset: %v", err)
	}
}
