package main

import (
	"testing"
	"time"

	"rillcap/internal/core/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueToken(t *testing.T) {
	token, err := issueToken("secret", time.Hour, "sess-1")
	require.NoError(t, err)

	claims, err := services.NewAuthService("secret", time.Hour).ValidateToken(token)
	require.NoError(t, err)
	assert.EqualValues(t, "sess-1", claims.SessionID)
}

func TestRunToken_RequiresSession(t *testing.T) {
	assert.Equal(t, 2, runToken(nil))
	assert.Equal(t, 2, runToken([]string{"--bogus"}))
}
