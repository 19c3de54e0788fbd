package accounts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashUserIDShape(t *testing.T) {
	h := HashUserID("some-user-id")
	require.Len(t, h, AccountIDLength)
	for _, r := range h {
		assert.Contains(t, "0123456789abcdef", string(r))
	}
}

func TestHashUserIDDeterministic(t *testing.T) {
	assert.Equal(t, HashUserID("abc"), HashUserID("abc"))
	assert.NotEqual(t, HashUserID("abc"), HashUserID("abd"))
	assert.NotEqual(t, HashUserID(""), HashUserID("a"))
}

func TestAccountValidity(t *testing.T) {
	var a Account
	assert.False(t, a.IsValid(), "nil valid_until means never valid")

	past := time.Now().Add(-time.Hour)
	a.ValidUntil = &past
	assert.False(t, a.IsValid())

	future := time.Now().Add(time.Hour)
	a.ValidUntil = &future
	assert.True(t, a.IsValid())
}

func TestAccountToken(t *testing.T) {
	a := Account{Tokens: map[string]string{"release": "tok-1", "debug": ""}}

	token, ok := a.Token("release")
	require.True(t, ok)
	assert.Equal(t, "tok-1", token)

	_, ok = a.Token("debug")
	assert.False(t, ok, "empty token counts as absent")

	_, ok = a.Token("beta")
	assert.False(t, ok)
}
