package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth/internal/device"
	"github.com/ovaphlow/pitchfork/service-auth/internal/oauth"
	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/apperror"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/response"
)

const (
	MsgLoginSuccess       = "Login successfully"
	MsgEmailVerified      = "Email verified successfully"
	MsgTokenRefreshed     = "Token refreshed successfully"
	MsgLoggedOut          = "User logged out successfully"
	MsgLoggedOutAll       = "User logged out from all devices successfully"
	MsgSuccess            = "Success"
	MsgProviderDisabled   = "OAuth provider not configured"
	MsgInvalidRedirectURL = "Invalid redirect URL"
	MsgInvalidState       = "Invalid authentication state"
)

// Handler exposes the Service over HTTP.
type Handler struct {
	svc       *Service
	providers map[string]*oauth.Client
	frontend  *url.URL
	resp      *response.Responder
	logger    *zap.SugaredLogger
}

// NewHandler builds a Handler. Only enabled providers are served.
func NewHandler(svc *Service, providers []*oauth.Client, frontendURL string, resp *response.Responder, logger *zap.SugaredLogger) (*Handler, error) {
	frontend, err := url.Parse(strings.TrimRight(frontendURL, "/"))
	if err != nil || frontend.Scheme == "" || frontend.Host == "" {
		return nil, fmt.Errorf("invalid frontend url %q", frontendURL)
	}
	h := &Handler{
		svc:       svc,
		providers: map[string]*oauth.Client{},
		frontend:  frontend,
		resp:      resp,
		logger:    logger,
	}
	for _, p := range providers {
		if p.Enabled() {
			h.providers[p.Name()] = p
		}
	}
	return h, nil
}

// Routes returns the auth router. limit, when not nil, guards the endpoints
// that accept credentials or send email.
func (h *Handler) Routes(limit func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		if limit != nil {
			r.Use(limit)
		}
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)
		r.Post("/verify-otp", h.VerifyEmailOTP)
		r.Post("/resend-verification", h.ResendVerification)
		r.Post("/forgot-password", h.ForgotPassword)
		r.Post("/verify-reset-otp", h.VerifyResetOTP)
		r.Post("/reset-password", h.ResetPassword)
		r.Post("/reset-password-otp", h.ResetPasswordOTP)
		r.Post("/resend-reset-password", h.ResendResetPassword)
	})

	r.Get("/verify-email", h.VerifyEmail)
	r.Post("/refresh-token", h.Refresh)

	r.Group(func(r chi.Router) {
		r.Use(h.Authenticate)
		r.Post("/logout", h.Logout)
		r.Post("/logout-all", h.LogoutAll)
	})

	r.Get("/{provider}/url", h.OAuthURL)
	r.Get("/{provider}", h.OAuthStart)
	r.Get("/{provider}/callback", h.OAuthCallback)
	return r
}

func clientOf(r *http.Request) Client {
	return Client{Device: device.Detect(r), IP: clientIP(r)}
}

// clientIP strips the port and the IPv4-mapped prefix from RemoteAddr,
// which RealIP has already replaced with the forwarded address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return strings.TrimPrefix(host, "::ffff:")
}

func empty() map[string]any { return map[string]any{} }

type validatable interface{ validate() error }

// bind decodes and validates the request body, writing the error response
// when either fails.
func bind[T validatable](h *Handler, w http.ResponseWriter, r *http.Request) (T, bool) {
	var req T
	if err := decode(w, r, &req); err != nil {
		h.resp.Error(w, r, err)
		return req, false
	}
	if err := req.validate(); err != nil {
		h.resp.Error(w, r, err)
		return req, false
	}
	return req, true
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[registerRequest](h, w, r)
	if !ok {
		return
	}
	u, msg, err := h.svc.Register(r.Context(), RegisterInput{
		Name:     strings.TrimSpace(req.Name),
		Email:    req.Email,
		Password: req.Password,
	}, clientOf(r))
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.Created(w, msg, map[string]any{"user": u})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[loginRequest](h, w, r)
	if !ok {
		return
	}
	res, err := h.svc.Login(r.Context(), req.Email, req.Password, clientOf(r))
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, MsgLoginSuccess, res)
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	var c checks
	c.required("Token", tok)
	if err := c.err(); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	res, err := h.svc.VerifyEmail(r.Context(), tok, clientOf(r))
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, MsgEmailVerified, res)
}

func (h *Handler) VerifyEmailOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[otpRequest](h, w, r)
	if !ok {
		return
	}
	res, err := h.svc.VerifyEmailOTP(r.Context(), req.Email, req.OTP, clientOf(r))
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, MsgEmailVerified, res)
}

func (h *Handler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[emailRequest](h, w, r)
	if !ok {
		return
	}
	msg, err := h.svc.ResendVerification(r.Context(), req.Email, device.Detect(r).Platform)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, msg, empty())
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	h.sendReset(w, r, h.svc.ForgotPassword)
}

func (h *Handler) ResendResetPassword(w http.ResponseWriter, r *http.Request) {
	h.sendReset(w, r, h.svc.ResendResetPassword)
}

func (h *Handler) sendReset(w http.ResponseWriter, r *http.Request, send func(ctx context.Context, email string, platform device.Platform) (string, error)) {
	req, ok := bind[emailRequest](h, w, r)
	if !ok {
		return
	}
	msg, err := send(r.Context(), req.Email, device.Detect(r).Platform)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, msg, empty())
}

func (h *Handler) VerifyResetOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[otpRequest](h, w, r)
	if !ok {
		return
	}
	resetToken, err := h.svc.VerifyResetOTP(r.Context(), req.Email, req.OTP)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, MsgResetOTPVerified, map[string]string{"resetToken": resetToken})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[resetPasswordRequest](h, w, r)
	if !ok {
		return
	}
	if err := h.svc.ResetPassword(r.Context(), req.Token, req.Password); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, MsgPasswordReset, empty())
}

func (h *Handler) ResetPasswordOTP(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[resetPasswordOTPRequest](h, w, r)
	if !ok {
		return
	}
	if err := h.svc.ResetPasswordOTP(r.Context(), req.ResetToken, req.Password); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, MsgPasswordReset, empty())
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	req, ok := bind[refreshRequest](h, w, r)
	if !ok {
		return
	}
	pair, err := h.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, MsgTokenRefreshed, pair)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		h.resp.Error(w, r, apperror.Unauthorized(MsgNoToken))
		return
	}
	req, ok := bind[refreshRequest](h, w, r)
	if !ok {
		return
	}
	if err := h.svc.Logout(r.Context(), claims.UserID, req.RefreshToken); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, MsgLoggedOut, nil)
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		h.resp.Error(w, r, apperror.Unauthorized(MsgNoToken))
		return
	}
	if err := h.svc.LogoutAll(r.Context(), claims.UserID); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, MsgLoggedOutAll, nil)
}

func (h *Handler) provider(r *http.Request) (*oauth.Client, error) {
	p, ok := h.providers[chi.URLParam(r, "provider")]
	if !ok {
		return nil, apperror.NotFound(MsgProviderDisabled)
	}
	return p, nil
}

// redirectTarget validates the redirectUrl query parameter. Only URLs on
// the frontend origin are accepted.
func (h *Handler) redirectTarget(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != h.frontend.Scheme || u.Host != h.frontend.Host {
		return "", apperror.BadRequest(MsgInvalidRedirectURL)
	}
	return u.String(), nil
}

func (h *Handler) authURL(r *http.Request) (string, error) {
	p, err := h.provider(r)
	if err != nil {
		return "", err
	}
	redirect, err := h.redirectTarget(r.URL.Query().Get("redirectUrl"))
	if err != nil {
		return "", err
	}
	c := clientOf(r)
	state, err := h.svc.Tokens.IssueState(token.State{Device: c.Device, ClientIP: c.IP, RedirectURL: redirect})
	if err != nil {
		return "", apperror.Internal(err)
	}
	return p.AuthURL(state), nil
}

// OAuthURL returns the provider authorize URL for clients that navigate themselves.
func (h *Handler) OAuthURL(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.authURL(r)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.OK(w, MsgSuccess, map[string]string{"authUrl": authURL})
}

// OAuthStart redirects the browser to the provider.
func (h *Handler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.authURL(r)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// OAuthCallback completes the flow and redirects to the frontend with the
// token pair, or with an error message.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	p, err := h.provider(r)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	q := r.URL.Query()

	state, ok := h.svc.Tokens.VerifyState(q.Get("state"))
	if !ok {
		h.redirect(w, r, h.frontend.String(), url.Values{"error": {MsgInvalidState}})
		return
	}
	target := h.frontend.String()
	if state.RedirectURL != "" {
		target = state.RedirectURL
	}

	failed := url.Values{"error": {p.Name() + "_auth_failed"}}
	if q.Get("error") != "" || q.Get("code") == "" {
		h.logger.Debugw("oauth callback without code", "provider", p.Name(), "error", q.Get("error"))
		h.redirect(w, r, target, failed)
		return
	}
	profile, err := p.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		h.logger.Warnw("oauth exchange failed", "provider", p.Name(), "err", err)
		h.redirect(w, r, target, failed)
		return
	}

	res, err := h.svc.HandleOAuthLogin(r.Context(), entity.Provider(p.Name()), profile,
		Client{Device: state.Device, IP: state.ClientIP})
	if err != nil {
		appErr := apperror.As(err)
		if appErr.Kind == apperror.KindInternal {
			h.logger.Errorw("oauth login failed", "provider", p.Name(), "err", err)
		}
		h.redirect(w, r, target, url.Values{"error": {appErr.Message}})
		return
	}
	h.redirect(w, r, target, url.Values{
		"access_token":  {res.AccessToken},
		"refresh_token": {res.RefreshToken},
	})
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, target string, params url.Values) {
	u, err := url.Parse(target)
	if err != nil {
		u = h.frontend
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	dst := *u
	dst.RawQuery = q.Encode()
	http.Redirect(w, r, dst.String(), http.StatusFound)
}
