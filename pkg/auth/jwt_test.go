package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParse(t *testing.T) {
	SetSecret("test-secret")
	defer SetSecret("")

	tok, err := Generate("alice", RoleOperator, time.Hour)
	require.NoError(t, err)
	claims, err := Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Operator)
	assert.Equal(t, RoleOperator, claims.Role)
	assert.Equal(t, "alice", claims.Subject)

	SetSecret("other-secret")
	_, err = Parse(tok)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestExpiredToken(t *testing.T) {
	SetSecret("test-secret")
	defer SetSecret("")

	tok, err := Generate("bob", RoleOperator, -time.Minute)
	require.NoError(t, err)
	_, err = Parse(tok)
	require.ErrorIs(t, err, ErrInvalid)

	_, err = Parse("not-a-token")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestNoSecretNoTokens(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	SetSecret("test-secret")
	tok, err := Generate("alice", RoleOperator, time.Hour)
	require.NoError(t, err)

	SetSecret("")
	assert.False(t, Configured())
	_, err = Generate("alice", RoleOperator, time.Hour)
	require.ErrorIs(t, err, ErrNoSecret)
	_, err = Parse(tok)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "s3cret"))
	assert.False(t, CheckPassword(hash, "wrong"))
	assert.False(t, CheckPassword("garbage", "s3cret"))
}
