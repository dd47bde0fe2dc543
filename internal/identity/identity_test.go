package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qzbxw/realtimecore/internal/realtimeerr"
)

func TestVerify_ValidToken(t *testing.T) {
	v, err := NewJWTVerifier("s3cret", "realtimecore")
	require.NoError(t, err)

	token, err := v.IssueAccessToken("user-1", "a@b.com", "Ada", time.Minute)
	require.NoError(t, err)

	claims, err := v.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "a@b.com", claims.Email)
	assert.Equal(t, "Ada", claims.Name)
}

func TestVerify_EmptyToken(t *testing.T) {
	v, err := NewJWTVerifier("s3cret", "realtimecore")
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, realtimeerr.KindUnauthenticated, realtimeerr.KindOf(err))
}

func TestVerify_ExpiredToken(t *testing.T) {
	v, err := NewJWTVerifier("s3cret", "realtimecore")
	require.NoError(t, err)

	token, err := v.IssueAccessToken("user-1", "a@b.com", "Ada", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, realtimeerr.KindUnauthenticated, realtimeerr.KindOf(err))
}

func TestVerify_WrongSecretRejected(t *testing.T) {
	issuer, err := NewJWTVerifier("s3cret", "realtimecore")
	require.NoError(t, err)
	token, err := issuer.IssueAccessToken("user-1", "a@b.com", "Ada", time.Minute)
	require.NoError(t, err)

	verifier, err := NewJWTVerifier("different-secret", "realtimecore")
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, realtimeerr.KindUnauthenticated, realtimeerr.KindOf(err))
}

func TestVerify_WrongIssuerRejected(t *testing.T) {
	issuer, err := NewJWTVerifier("s3cret", "issuer-a")
	require.NoError(t, err)
	token, err := issuer.IssueAccessToken("user-1", "a@b.com", "Ada", time.Minute)
	require.NoError(t, err)

	verifier, err := NewJWTVerifier("s3cret", "issuer-b")
	require.NoError(t, err)

	_, err = verifier.Verify(context.Background(), token)
	require.Error(t, err)
	assert.Equal(t, realtimeerr.KindUnauthenticated, realtimeerr.KindOf(err))
}

func TestNewJWTVerifier_RequiresSecret(t *testing.T) {
	_, err := NewJWTVerifier("", "realtimecore")
	require.Error(t, err)
}
