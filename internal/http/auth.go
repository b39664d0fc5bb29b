package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"simonkey-backend-go/internal/services"
)

type contextKey string

const ctxPrincipal contextKey = "principal"

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func WithAuth(tokenService services.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := tokenService.Authenticate(bearerToken(r))
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "Authentication failed")
				return
			}
			ctx := context.WithValue(r.Context(), ctxPrincipal, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func CurrentPrincipal(r *http.Request) services.Principal {
	if value, ok := r.Context().Value(ctxPrincipal).(services.Principal); ok {
		return value
	}
	return services.Principal{}
}

func CurrentUserID(r *http.Request) string {
	return CurrentPrincipal(r).UserID
}

func RequireRole(role string) func(http.Handler) http.Handler {
	return RequireAnyRole(role)
}

func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := CurrentPrincipal(r)
			for _, role := range roles {
				if principal.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			WriteError(w, http.StatusForbidden, "Not allowed")
		})
	}
}

// RequireAdminToken gates operator endpoints behind ADMIN_API_TOKEN. An empty
// token disables them.
func RequireAdminToken(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				WriteError(w, http.StatusForbidden, "Admin API disabled")
				return
			}
			given := []byte(bearerToken(r))
			if len(given) == 0 || subtle.ConstantTimeCompare(given, expected) != 1 {
				WriteError(w, http.StatusUnauthorized, "Authentication failed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
