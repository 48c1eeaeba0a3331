// Package auth issues and verifies session tokens and carries the calling
// actor through request contexts.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"escrowledger/internal/common/api"
	"escrowledger/internal/common/middleware"
)

// Role of an account
type Role string

const (
	RoleCustomer Role = "customer"
	RoleMerchant Role = "merchant"
	RoleAdmin    Role = "admin"
)

// Actor is the authenticated caller of an operation.
type Actor struct {
	AccountID string
	Role      Role
}

// IsAdmin reports whether the actor is an administrator
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Config holds token configuration
type Config struct {
	Secret string        `envconfig:"JWT_SECRET" required:"true"`
	Issuer string        `envconfig:"JWT_ISSUER" default:"escrowledger"`
	TTL    time.Duration `envconfig:"JWT_TTL" default:"24h"`
}

var ErrInvalidToken = errors.New("invalid token")

// Tokens mints and parses HS256 session tokens.
type Tokens struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens creates a token issuer/verifier
func NewTokens(cfg Config) *Tokens {
	return &Tokens{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		now:    time.Now,
	}
}

// Issue returns a signed token for actor and its expiry.
func (t *Tokens) Issue(actor Actor) (string, time.Time, error) {
	now := t.now()
	exp := now.Add(t.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":        actor.AccountID,
		"actor_type": string(actor.Role),
		"iss":        t.issuer,
		"iat":        now.Unix(),
		"exp":        exp.Unix(),
	})
	signed, err := tok.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseActor verifies tokenString and returns its actor
func (t *Tokens) ParseActor(tokenString string) (Actor, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return Actor{}, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["actor_type"].(string)
	if sub == "" || role == "" {
		return Actor{}, ErrInvalidToken
	}
	return Actor{AccountID: sub, Role: Role(role)}, nil
}

type contextKey string

const actorContextKey contextKey = "actor"

// WithActor returns ctx carrying actor
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(middleware.WithUserID(ctx, actor.AccountID), actorContextKey, actor)
}

// ActorFromContext returns the actor set by Middleware
func ActorFromContext(ctx context.Context) (Actor, bool) {
	v, ok := ctx.Value(actorContextKey).(Actor)
	return v, ok
}

// ActiveCheck reports whether an account may still use its session.
type ActiveCheck func(ctx context.Context, accountID string) error

// Middleware requires a valid Bearer token. When check is set it runs on
// every request so that locking an account ends its sessions.
func Middleware(tokens *Tokens, check ActiveCheck) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				api.Unauthorized(w, "missing bearer token")
				return
			}
			actor, err := tokens.ParseActor(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				api.Unauthorized(w, "invalid token")
				return
			}
			if check != nil {
				if err := check(r.Context(), actor.AccountID); err != nil {
					api.Unauthorized(w, "account is not active")
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequireRole rejects actors whose role is not in roles.
func RequireRole(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				api.Unauthorized(w, "authentication required")
				return
			}
			for _, role := range roles {
				if actor.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			api.Forbidden(w, "insufficient role")
		})
	}
}
