package middleware

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/auroraai/profile-broker/internal/apperrors"
	"github.com/auroraai/profile-broker/internal/oauth"
	"github.com/auroraai/profile-broker/internal/registry"
	"github.com/auroraai/profile-broker/internal/web/response"
)

type contextKey string

const (
	clientContextKey contextKey = "client"
	tokenContextKey  contextKey = "token"
)

// ClientFromContext returns the service authenticated by BasicClientAuth.
func ClientFromContext(ctx context.Context) (registry.Service, bool) {
	client, ok := ctx.Value(clientContextKey).(registry.Service)
	return client, ok
}

// TokenFromContext returns the token pair resolved by BearerAuth.
func TokenFromContext(ctx context.Context) (oauth.TokenPair, bool) {
	pair, ok := ctx.Value(tokenContextKey).(oauth.TokenPair)
	return pair, ok
}

// BasicClientAuth authenticates the calling service from HTTP Basic
// credentials and stores it in the request context.
func BasicClientAuth(reg *registry.Registry, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientID, clientSecret, ok := r.BasicAuth()
			if !ok {
				response.Error(r.Context(), w, logger, apperrors.InvalidClientOAuth("Client authentication failed"))
				return
			}

			client, err := reg.Authenticate(r.Context(), clientID, clientSecret)
			if err != nil {
				response.Error(r.Context(), w, logger, err)
				return
			}

			ctx := context.WithValue(r.Context(), clientContextKey, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerAuth authenticates a bearer access token and, when requiredScopes
// are given, requires the token to carry every one of them.
func BearerAuth(svc *oauth.Service, logger *slog.Logger, requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				response.Error(r.Context(), w, logger, apperrors.InvalidRequestBearer("Missing Authorization header"))
				return
			}

			tokenType, token, found := strings.Cut(header, " ")
			if !found || !strings.EqualFold(tokenType, "Bearer") {
				response.Error(r.Context(), w, logger, apperrors.InvalidRequestBearer("Authorization header is not a bearer token"))
				return
			}

			pair, err := svc.AuthenticateBearer(r.Context(), token)
			if err != nil {
				response.Error(r.Context(), w, logger, err)
				return
			}

			for _, scope := range requiredScopes {
				if !oauth.HasScope(pair.AccessTokenScopes, scope) {
					response.Error(r.Context(), w, logger, apperrors.InsufficientScopeBearer("The access token does not cover scope "+scope))
					return
				}
			}

			ctx := context.WithValue(r.Context(), tokenContextKey, pair)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// APIKeyAuth guards internal surfaces. Requests authenticate with an
// "Authorization: Key <credentials>" header.
func APIKeyAuth(keys []string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			scheme, credentials, found := strings.Cut(header, " ")
			if !found || scheme != "Key" {
				response.Error(r.Context(), w, logger, apperrors.Unauthorized("Invalid API key", nil))
				return
			}

			for _, key := range keys {
				if subtle.ConstantTimeCompare([]byte(credentials), []byte(key)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			response.Error(r.Context(), w, logger, apperrors.Unauthorized("Invalid API key", nil))
		})
	}
}
