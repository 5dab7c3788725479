package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"gatehouse.org/internal/auth"
	"gatehouse.org/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	// Browsers cannot set headers on EventSource or WebSocket handshakes.
	accessTokenParam = "access_token"
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
}

var queryTokenPrefixes = []string{
	"/v1/live/",
	"/v1/ws/",
}

// withAuth resolves the bearer token to an actor. Without a token service
// every non-public path is rejected.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.tokens == nil {
			writeError(w, r, http.StatusUnauthorized, "authentication is not configured")
			return
		}

		token, err := requestToken(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="gatehouse"`)
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		actor, err := a.tokens.Authenticate(token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrInvalidToken):
				w.Header().Set("WWW-Authenticate", `Bearer realm="gatehouse", error="invalid_token"`)
				writeError(w, r, http.StatusUnauthorized, "invalid token")
			default:
				obs.Logger().Error("authentication failed", zap.Error(err))
				writeError(w, r, http.StatusInternalServerError, "authentication error")
			}
			return
		}

		ctx := auth.ContextWithActor(r.Context(), actor)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestToken(r *http.Request) (string, error) {
	header := r.Header.Get(authHeader)
	if strings.TrimSpace(header) == "" && acceptsQueryToken(r.URL.Path) {
		if token := strings.TrimSpace(r.URL.Query().Get(accessTokenParam)); token != "" {
			return token, nil
		}
	}
	return extractBearerToken(header)
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func acceptsQueryToken(path string) bool {
	for _, prefix := range queryTokenPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
