package invites

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintUserID(t *testing.T) {
	id := MintUserID()
	require.Len(t, id, UserIDLength)
	for _, r := range id {
		assert.Contains(t, "0123456789abcdef", string(r))
	}

	assert.NotEqual(t, MintUserID(), MintUserID())
}

func TestRandomAlphanumeric(t *testing.T) {
	code, err := randomAlphanumeric(InviteLength)
	require.NoError(t, err)
	require.Len(t, code, InviteLength)
	for _, r := range code {
		assert.Contains(t, alphanumeric, string(r))
	}

	other, err := randomAlphanumeric(InviteLength)
	require.NoError(t, err)
	assert.NotEqual(t, code, other)
}
