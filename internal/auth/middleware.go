package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/ovaphlow/pitchfork/service-auth/internal/token"
	"github.com/ovaphlow/pitchfork/service-auth/pkg/apperror"
)

const (
	MsgNoToken      = "No token provided"
	MsgInvalidToken = "Invalid or expired token"
)

type claimsKey struct{}

// WithClaims returns a copy of ctx carrying c.
func WithClaims(ctx context.Context, c *token.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the claims stored by Authenticate.
func ClaimsFrom(ctx context.Context) (*token.Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*token.Claims)
	return c, ok && c != nil
}

// Authenticate requires a valid Bearer access token and stores its claims
// in the request context.
func (h *Handler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			h.resp.Error(w, r, apperror.Unauthorized(MsgNoToken))
			return
		}
		claims := h.svc.Tokens.VerifyAccessToken(strings.TrimSpace(raw))
		if claims == nil {
			h.resp.Error(w, r, apperror.Unauthorized(MsgInvalidToken))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}
