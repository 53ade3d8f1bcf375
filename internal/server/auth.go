package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
)

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	DevTokens bool
	Logger    *log.Logger
}

type Principal struct {
	UserID string
}

type principalKey struct{}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func userIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.UserID != "" {
		return p.UserID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// AuthenticateToken verifies an HS256 bearer credential and returns the
// identity it decodes to. Shared by the REST middleware and the websocket
// handshake.
func AuthenticateToken(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{UserID: claims.Subject}, nil
}

// SignToken mints a bearer credential for userID.
func SignToken(secret, userID string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 720 * time.Hour
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// openPaths are reachable without an Authorization header. The websocket
// endpoint authenticates its query-parameter token itself.
func openPaths(basePath string) map[string]struct{} {
	return map[string]struct{}{
		path.Join(basePath, "health"):         {},
		path.Join(basePath, "auth/register"):  {},
		path.Join(basePath, "auth/login"):     {},
		path.Join(basePath, "auth/dev/token"): {},
		path.Join(basePath, "ws"):             {},
	}
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := openPaths(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for the API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if _, ok := open[req.URL.Path]; ok {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			if authz == "" {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
				return
			}
			token, ok := bearerToken(authz)
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			principal, err := AuthenticateToken(token, cfg.JWTSecret)
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
				return
			}
			ctx := withPrincipal(req.Context(), principal)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
