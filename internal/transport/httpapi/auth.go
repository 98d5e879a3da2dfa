package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/transport/httpdto"
	"github.com/Guizzs26/go-offline-sync/pkg/encoding"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const scopeKeyContext = "scopeKey"

var ErrUnauthorized = errors.New("unauthorized")

// TokenAuth issues and verifies HS256 tokens whose subject is the caller's scope key
type TokenAuth struct {
	secret []byte
}

func NewTokenAuth(secret string) *TokenAuth {
	return &TokenAuth{secret: []byte(secret)}
}

// IssueToken signs a token for scope. A zero ttl means no expiry.
func (a *TokenAuth) IssueToken(scope string, ttl time.Duration) (string, error) {
	if scope == "" {
		return "", errors.New("scope is required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:  scope,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ParseScope verifies tokenString and returns its subject
func (a *TokenAuth) ParseScope(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return a.secret, nil
	})
	if err != nil {
		return "", ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return encoding.NormalizeText(claims.Subject), nil
}

// AuthMiddleware rejects requests without a valid bearer token and stores the scope key
func AuthMiddleware(auth *TokenAuth) gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, err := auth.ParseScope(extractBearer(c))
		if err != nil {
			c.JSON(http.StatusUnauthorized, httpdto.NewErrorResponse("unauthorized", "UNAUTHORIZED"))
			c.Abort()
			return
		}
		c.Set(scopeKeyContext, scope)
		c.Next()
	}
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
