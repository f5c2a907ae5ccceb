package api

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/witnz/proofchain/internal/ledger"
)

func TestTokenIssuer(t *testing.T) {
	_, err := NewTokenIssuer("", time.Hour)
	require.Error(t, err)

	tokens, err := NewTokenIssuer("s3cret", 0)
	require.NoError(t, err)
	require.Equal(t, defaultTTL, tokens.ttl)

	_, err = tokens.Issue("")
	require.Error(t, err)

	signed, err := tokens.Issue("alice")
	require.NoError(t, err)

	claims, err := tokens.Verify(signed)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.Equal(t, tokenIssuer, claims.Issuer)
	require.NotEmpty(t, claims.ID)
}

func TestTokenIssuerRejectsExpired(t *testing.T) {
	tokens, err := NewTokenIssuer("s3cret", -time.Minute)
	require.NoError(t, err)

	signed, err := tokens.Issue("alice")
	require.NoError(t, err)

	_, err = tokens.Verify(signed)
	require.ErrorContains(t, err, "expired")
}

func TestIdentityFromCtxDefaultsToAnonymous(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	require.Equal(t, ledger.Anonymous, IdentityFromCtx(c))

	c.Set(ctxIdentity, ledger.Identity("bob"))
	require.Equal(t, ledger.Identity("bob"), IdentityFromCtx(c))
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRateLimiter(10, 0)
	require.Equal(t, 1, rl.burst)

	require.True(t, rl.allow("10.0.0.1"))
	require.True(t, rl.allow("10.0.0.2"))
	require.Len(t, rl.limiters, 2)

	rl.limiters["10.0.0.1"].lastSeen = time.Now().Add(-time.Hour)
	rl.sweep(time.Now())

	require.Len(t, rl.limiters, 1)
	require.Contains(t, rl.limiters, "10.0.0.2")
}
