package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/kiln-ci/kiln/pkg/log"
	"github.com/kiln-ci/kiln/pkg/storage"
	"github.com/kiln-ci/kiln/pkg/types"
)

type contextKey struct{}

var userContextKey contextKey

// UserFromContext returns the authenticated user attached by Middleware
func UserFromContext(ctx context.Context) (*types.User, bool) {
	user, ok := ctx.Value(userContextKey).(*types.User)
	return user, ok
}

// Middleware returns an HTTP middleware that authenticates bearer API keys
// against the store. Requests without a valid, active key get 401; requests
// whose key belongs to a deactivated user get 403. The resolved user is
// attached to the request context.
func Middleware(store storage.Store) func(http.Handler) http.Handler {
	logger := log.WithComponent("auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer credential")
				return
			}

			key, err := store.GetAPIKeyByHash(HashAPIKey(token))
			if err != nil || !key.IsActive {
				unauthorized(w, "invalid or revoked API key")
				return
			}

			user, err := store.GetUser(key.UserID)
			if err != nil {
				unauthorized(w, "invalid or revoked API key")
				return
			}
			if !user.IsActive {
				forbidden(w, "user is deactivated")
				return
			}

			// Best effort; an authenticated request must not fail on this
			if err := store.TouchAPIKey(key.ID, time.Now()); err != nil {
				logger.Warn().Err(err).Str("key_id", key.ID).Msg("failed to record key use")
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const scheme = "Bearer "
	if len(header) <= len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", false
	}
	return strings.TrimSpace(header[len(scheme):]), true
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, detail)
}

func forbidden(w http.ResponseWriter, detail string) {
	writeError(w, http.StatusForbidden, detail)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"detail":"` + detail + `"}`))
}
