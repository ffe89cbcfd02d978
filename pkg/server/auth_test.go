package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenLifecycle(t *testing.T) {
	tm := NewTokenManager("")

	jt, err := tm.Issue(RoleNode, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, jt.Token)

	assert.NoError(t, tm.Verify(jt.Token))

	tm.Revoke(jt.Token)
	assert.Error(t, tm.Verify(jt.Token))
}

func TestExpiredTokenRejected(t *testing.T) {
	tm := NewTokenManager("")

	jt, err := tm.Issue(RolePod, -time.Second)
	require.NoError(t, err)
	assert.Error(t, tm.Verify(jt.Token))

	// Sweep clears it out.
	assert.Equal(t, 1, tm.Sweep())
	assert.Empty(t, tm.ActiveTokens())
}

func TestStaticBootstrapToken(t *testing.T) {
	tm := NewTokenManager("bootstrap-secret")

	assert.NoError(t, tm.Verify("bootstrap-secret"))
	assert.Error(t, tm.Verify("anything-else"))
	assert.Error(t, tm.Verify(""))
}
