package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures request identification. When a JWT secret is set,
// bearer tokens resolve to the acting account; the X-Account-Id header is a
// local/dev fallback. Authorization of approval decisions happens in the
// engine against the account directory, not here.
type AuthConfig struct {
	JWTSecret          string
	AllowAccountHeader bool
	Logger             *log.Logger
}

type Principal struct {
	AccountID string
	Source    string
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

// accountIDFromContext returns the authenticated account id, or "" when the
// request is anonymous.
func accountIDFromContext(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok {
		return p.AccountID
	}
	return ""
}

// actorOrAPI resolves the audit actor for a request: the authenticated
// account when present, "api" otherwise.
func actorOrAPI(ctx context.Context) string {
	if id := accountIDFromContext(ctx); id != "" {
		return id
	}
	return "api"
}

func authenticateJWT(token, secret string) (Principal, error) {
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
	return Principal{AccountID: claims.Subject, Source: "jwt"}, nil
}

func newAuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
				p, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					cfg.logger().Printf("auth: bearer token rejected: %v", err)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusUnauthorized)
					w.Write([]byte(`{"error":{"code":"unauthorized","message":"invalid bearer token"}}`))
					return
				}
				next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
				return
			}
			if cfg.AllowAccountHeader {
				if id := strings.TrimSpace(r.Header.Get("X-Account-Id")); id != "" {
					ctx := withPrincipal(r.Context(), Principal{AccountID: id, Source: "header"})
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
