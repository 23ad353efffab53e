package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/ssuji15/codemod-run/internal/custom_errors"
	authservice "github.com/ssuji15/codemod-run/internal/service/auth_service"
	"github.com/ssuji15/codemod-run/internal/service/logger"
)

type userKey struct{}

// UserID returns the authenticated caller stored by Auth.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// Auth rejects requests without a valid bearer token with 401.
func Auth(a authservice.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := authservice.BearerToken(r.Header.Get("Authorization"))
			userID, err := a.Authenticate(r.Context(), token)
			if err != nil {
				if !errors.Is(err, custom_errors.ErrUnauthorized) {
					logger.FromContext(r.Context()).Error().Err(err).Msg("authentication failed")
				}
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "")
				return
			}
			ctx := context.WithValue(r.Context(), userKey{}, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
