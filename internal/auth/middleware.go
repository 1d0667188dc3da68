package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"paychat_core/internal/logging"
)

type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
}

type contextKey struct{}

// UserID returns the authenticated user stored by RequireAuth.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// WithUserID is used by RequireAuth and by tests that bypass it.
func WithUserID(ctx context.Context, userID string) context.Context {
	ctx = context.WithValue(ctx, contextKey{}, userID)
	return logging.ContextWithUserID(ctx, userID)
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// RequireAuth answers 401 when no token is sent and 403 when the token
// does not validate.
func RequireAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "access token required")
				return
			}
			claims, err := v.ValidateToken(token)
			if err != nil {
				logging.Ctx(r.Context()).Debug().Err(err).Msg("token rejected")
				writeError(w, http.StatusForbidden, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), claims.UserID)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
