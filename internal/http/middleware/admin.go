package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/davidbz/markl/internal/config"
	"github.com/davidbz/markl/internal/observability"
)

// HeaderAdminToken carries the operator token on admin routes.
const HeaderAdminToken = "X-Admin-Token"

// AdminToken rejects requests without the configured operator token.
// An empty token leaves the routes open.
func AdminToken(cfg *config.AdminConfig) Middleware {
	return func(next http.Handler) http.Handler {
		if cfg == nil || cfg.Token == "" {
			return next
		}

		expected := []byte(cfg.Token)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(HeaderAdminToken))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				observability.FromContext(r.Context()).Warn("admin request rejected",
					observability.String("path", r.URL.Path))
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
