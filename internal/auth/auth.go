package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/0x0shephard/t4-bot/internal/errors"
	"github.com/0x0shephard/t4-bot/internal/ledger"
	"github.com/0x0shephard/t4-bot/internal/middleware"
)

const roleContextKey = "role"

// Resolver maps a bearer token to the caller role, the way Supabase derives auth.role() from the JWT
type Resolver struct {
	secret          []byte
	anonKeyRequired bool
}

// NewResolver creates a resolver verifying HS256 tokens with secret. With anonKeyRequired a request
// without a token is rejected instead of treated as anon.
func NewResolver(secret string, anonKeyRequired bool) *Resolver {
	return &Resolver{
		secret:          []byte(secret),
		anonKeyRequired: anonKeyRequired,
	}
}

// Resolve returns the role for an Authorization header value
func (r *Resolver) Resolve(header string) (ledger.Role, error) {
	if header == "" {
		if r.anonKeyRequired {
			return "", errors.NewAppError(errors.ErrCodeUnauthorized, "missing bearer token", nil)
		}
		return ledger.RoleAnon, nil
	}

	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errors.NewAppError(errors.ErrCodeUnauthorized, "malformed authorization header", nil)
	}
	if len(r.secret) == 0 {
		return "", errors.NewAppError(errors.ErrCodeUnauthorized, "token authentication is not configured", nil)
	}

	tok, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) { return r.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !tok.Valid {
		return "", errors.NewAppError(errors.ErrCodeUnauthorized, "invalid token", err)
	}

	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.NewAppError(errors.ErrCodeUnauthorized, "invalid token claims", nil)
	}

	claim, _ := claims["role"].(string)
	role, err := ledger.ParseRole(claim)
	if err != nil {
		return "", errors.NewAppError(errors.ErrCodeUnauthorized, "invalid role claim", err)
	}
	return role, nil
}

// IssueToken signs a token carrying role, valid for ttl
func (r *Resolver) IssueToken(role ledger.Role, ttl time.Duration) (string, error) {
	if len(r.secret) == 0 {
		return "", fmt.Errorf("jwt secret is empty")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": string(role),
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	})
	return token.SignedString(r.secret)
}

// Middleware resolves the caller role and stores it in the request context for the ledger service
func (r *Resolver) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, err := r.Resolve(c.GetHeader("Authorization"))
		if err != nil {
			middleware.Abort(c, err)
			return
		}

		c.Set(roleContextKey, role)
		c.Request = c.Request.WithContext(ledger.WithRole(c.Request.Context(), role))
		c.Next()
	}
}

// RoleFrom returns the role resolved for the request
func RoleFrom(c *gin.Context) ledger.Role {
	return ledger.RoleFromContext(c.Request.Context())
}
