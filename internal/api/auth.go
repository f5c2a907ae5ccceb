package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/witnz/proofchain/internal/ledger"
)

const (
	ctxIdentity  = "proofchain_identity"
	tokenIssuer  = "proofchain"
	defaultTTL   = 24 * time.Hour
	bearerPrefix = "Bearer "
)

// Claims identify the caller; Subject becomes the ledger Identity.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenIssuer issues and verifies HS256 caller tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl == 0 {
		ttl = defaultTTL
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}, nil
}

func (t *TokenIssuer) Issue(identity ledger.Identity) (string, error) {
	if identity == "" {
		return "", errors.New("identity is required")
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   string(identity),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func (t *TokenIssuer) Verify(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&Claims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.secret, nil
		},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// Authenticate resolves the caller identity. With a nil issuer every caller
// is ledger.Anonymous; otherwise a valid Bearer token is required.
func Authenticate(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokens == nil {
			c.Set(ctxIdentity, ledger.Anonymous)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, bearerPrefix))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}

		c.Set(ctxIdentity, ledger.Identity(claims.Subject))
		c.Next()
	}
}

// IdentityFromCtx returns the identity set by Authenticate, or Anonymous.
func IdentityFromCtx(c *gin.Context) ledger.Identity {
	v, _ := c.Get(ctxIdentity)
	if id, ok := v.(ledger.Identity); ok && id != "" {
		return id
	}
	return ledger.Anonymous
}
