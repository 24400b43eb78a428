package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/freightgate/freightgate/internal/domain/user"
	"github.com/freightgate/freightgate/internal/service"
)

type authUserCtxKey struct{}

// publicPaths are exempt from authentication.
var publicPaths = map[string]bool{
	"/health":               true,
	"/api/v1/auth/login":    true,
	"/api/v1/auth/register": true,
}

// Auth returns middleware that validates bearer-token credentials and stores
// the authenticated user in the request context. WebSocket upgrades cannot
// set headers from the browser, so /ws authenticates via a ?token= query
// parameter instead.
func Auth(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := ""
			if r.URL.Path == "/ws" {
				token = r.URL.Query().Get("token")
			} else {
				authHeader := r.Header.Get("Authorization")
				token = strings.TrimPrefix(authHeader, "Bearer ")
				if token == authHeader {
					token = ""
				}
			}
			if token == "" {
				http.Error(w, `{"error":"authorization required"}`, http.StatusUnauthorized)
				return
			}

			claims, err := authSvc.ValidateAccessToken(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			u := &user.User{
				ID:      claims.Subject,
				Email:   claims.Email,
				Name:    claims.Name,
				Role:    claims.Role,
				Enabled: true,
			}
			ctx := context.WithValue(r.Context(), authUserCtxKey{}, u)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFrom extracts the authenticated user from the request context.
// Returns nil when the request was not authenticated.
func UserFrom(ctx context.Context) *user.User {
	u, _ := ctx.Value(authUserCtxKey{}).(*user.User)
	return u
}
