package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const userIDKey = contextKey("userID")

// HeaderUserID carries the caller identity when no JWT secret is configured,
// for deployments behind a trusted gateway.
const HeaderUserID = "X-User-ID"

var errUnauthenticated = errors.New("missing or invalid credentials")

// AuthConfig configures bearer token verification. An empty Secret switches
// to trusted-header mode.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

type Authenticator struct {
	secret []byte
	opts   []jwt.ParserOption
}

func NewAuthenticator(cfg AuthConfig) *Authenticator {
	a := &Authenticator{
		opts: []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})},
	}
	if cfg.Secret != "" {
		a.secret = []byte(cfg.Secret)
	}
	if cfg.Issuer != "" {
		a.opts = append(a.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		a.opts = append(a.opts, jwt.WithAudience(cfg.Audience))
	}
	return a
}

// UserID extracts the caller identity from r.
func (a *Authenticator) UserID(r *http.Request) (string, error) {
	if a.secret == nil {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			return "", errUnauthenticated
		}
		return id, nil
	}

	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		return "", errUnauthenticated
	}
	tokenStr := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, a.opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", errUnauthenticated, err)
	}
	return subject(claims)
}

// subject prefers an "id" claim and falls back to "sub".
func subject(claims jwt.MapClaims) (string, error) {
	switch v := claims["id"].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return strconv.FormatInt(int64(v), 10), nil
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub, nil
	}
	return "", fmt.Errorf("%w: token has no subject", errUnauthenticated)
}

// Middleware rejects unauthenticated requests and stores the user id in the context.
func (a *Authenticator) Middleware(eh *ErrorHandler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.UserID(r)
			if err != nil {
				eh.HandleUnauthorized(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey, id)))
		})
	}
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}
