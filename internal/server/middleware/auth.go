package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ezkeys/ezkeys/internal/service"
)

type contextKeyAuth string

const (
	// KeyPrincipalKey is the context key for the verified API key principal.
	KeyPrincipalKey contextKeyAuth = "key_principal"
)

// KeyAuthenticator verifies raw API keys.
type KeyAuthenticator interface {
	Authenticate(ctx context.Context, rawKey string) (*service.KeyPrincipal, error)
}

// RequireAPIKey returns an HTTP middleware that verifies the X-API-Key
// header. On success the key's principal is attached to the request
// context; on failure a 401 JSON error response is returned.
func RequireAPIKey(auth KeyAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				writeAuthError(w, http.StatusUnauthorized, string(service.CodeUnauthenticated),
					"authentication required: provide the X-API-Key header")
				return
			}

			p, err := auth.Authenticate(r.Context(), apiKey)
			if err != nil {
				se := service.AsError(err)
				writeAuthError(w, se.Code.HTTPStatus(), string(se.Code), se.Message)
				return
			}

			ctx := context.WithValue(r.Context(), KeyPrincipalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetKeyPrincipal extracts the verified key principal from the context.
// Returns nil if RequireAPIKey did not run.
func GetKeyPrincipal(ctx context.Context) *service.KeyPrincipal {
	if p, ok := ctx.Value(KeyPrincipalKey).(*service.KeyPrincipal); ok {
		return p
	}
	return nil
}

// writeAuthError writes the error envelope without importing the handler
// package, which depends on this one.
func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"code": code, "message": message},
	})
}
