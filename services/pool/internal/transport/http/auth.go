package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"sharepool/internal/httpx"
	"sharepool/internal/jwtsigner"
	obsmw "sharepool/services/pool/internal/observability/middleware"

	"github.com/google/uuid"
)

type callerKey struct{}

// Caller is the authenticated identity behind a request.
type Caller struct {
	ID   uuid.UUID
	Role string
}

func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Authenticate requires a valid bearer JWT whose subject is a user id.
func Authenticate(v *jwtsigner.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := obsmw.RequestIDFromContext(r.Context())
			raw := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
				httpx.WriteError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := v.Verify(strings.TrimSpace(raw[len("Bearer "):]))
			if err != nil {
				slog.Warn("invalid caller token", "error", err, "request_id", reqID)
				httpx.WriteError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			id, err := uuid.Parse(claims.Subject)
			if err != nil {
				httpx.WriteError(w, http.StatusUnauthorized, "invalid subject")
				return
			}
			ctx := context.WithValue(r.Context(), callerKey{}, Caller{ID: id, Role: claims.Role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole lets operators through everywhere and members only where
// listed.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, ok := CallerFrom(r.Context())
			if !ok {
				httpx.WriteError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if c.Role == jwtsigner.RoleOperator {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range roles {
				if c.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			httpx.WriteError(w, http.StatusForbidden, "forbidden")
		})
	}
}
