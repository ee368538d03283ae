// Package middleware adapts HTTP requests onto engine validation.
// Guard reads the Authorization header, validates the bearer token, and
// injects the resulting identity into the request context. It makes no
// decisions itself; everything is delegated to the engine.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/k3lly003/authgate"
)

type identityContextKey struct{}

// IdentityFromContext returns the identity injected by Guard.
func IdentityFromContext(ctx context.Context) (*authgate.Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*authgate.Identity)
	return id, ok
}

// Guard rejects requests without a valid bearer access token. The
// client IP is attached to the context for downstream audit events.
func Guard(engine *authgate.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			id, err := engine.ValidateAccess(token)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := authgate.WithClientIP(r.Context(), remoteIP(r))
			ctx = context.WithValue(ctx, identityContextKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole layers a role check on top of Guard. Mount inside Guard.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok || id.Role != role {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}
	token := value[len(bearer):]
	return token, token != ""
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
