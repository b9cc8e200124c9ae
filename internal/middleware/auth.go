package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"docpipe/internal/apperr"
	"docpipe/internal/auth"
)

const (
	// ProviderTokenHeader carries the caller's delegated file-provider access token.
	ProviderTokenHeader       = "X-Provider-Token"
	ProviderTokenExpiryHeader = "X-Provider-Token-Expiry"
)

type TokenVerifier interface {
	Verify(token string) (auth.Principal, error)
}

// Authenticate resolves the bearer token into an auth.Principal and rejects
// the request with 401 when it cannot.
func Authenticate(v TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeUnauthorized(w, r, "missing or invalid authorization header")
				return
			}

			p, err := v.Verify(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				slog.WarnContext(r.Context(), "authentication failed", "error", err)
				writeUnauthorized(w, r, apperr.Public(err))
				return
			}

			p.Credentials = auth.Credentials{AccessToken: r.Header.Get(ProviderTokenHeader)}
			if raw := r.Header.Get(ProviderTokenExpiryHeader); raw != "" {
				if exp, err := time.Parse(time.RFC3339, raw); err == nil {
					p.Credentials.Expiry = exp
				}
			}

			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), p)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	resp := map[string]interface{}{
		"success":       false,
		"error":         message,
		"code":          "UNAUTHORIZED",
		"correlationId": GetCorrelationID(r.Context()),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
