package auth

import (
	"context"
	"net/http"
	"strings"
)

const (
	// CookieName carries the token for browser clients.
	CookieName = "Authentication"

	// QueryParam carries the token on WebSocket upgrades from browsers,
	// which cannot set headers.
	QueryParam = "access_token"
)

type contextKey string

var userIDContextKey = contextKey("user_id")

// WithUserID returns ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDContextKey).(string)
	return id
}

// TokenFromRequest looks for a token in the Authorization header, then the
// Authentication cookie, then the access_token query parameter.
func TokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}

	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
		return ""
	}

	if c, err := r.Cookie(CookieName); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v
		}
	}

	return strings.TrimSpace(r.URL.Query().Get(QueryParam))
}

// Authenticate verifies the request's token, if any.
func (v *Verifier) Authenticate(r *http.Request) (Claims, error) {
	return v.Verify(TokenFromRequest(r))
}
