package adminauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoginSucceedsWithCorrectCredential(t *testing.T) {
	hash, err := HashToken("correct-horse-battery-staple")
	require.NoError(t, err)
	gate := New(hash, []byte("session-secret"))

	token, err := gate.Login("correct-horse-battery-staple")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NoError(t, gate.VerifySession(token))
}

func TestLoginFailsWithWrongCredential(t *testing.T) {
	hash, err := HashToken("correct-horse-battery-staple")
	require.NoError(t, err)
	gate := New(hash, []byte("session-secret"))

	_, err = gate.Login("wrong-credential")
	assert.Error(t, err)
}

func TestVerifySessionRejectsForeignSecret(t *testing.T) {
	hash, err := HashToken("token")
	require.NoError(t, err)
	gate := New(hash, []byte("secret-a"))
	other := New(hash, []byte("secret-b"))

	token, err := gate.Login("token")
	require.NoError(t, err)

	assert.Error(t, other.VerifySession(token))
}

func TestVerifySessionRejectsGarbage(t *testing.T) {
	gate := New("$2a$10$abcdefghijklmnopqrstuv", []byte("secret"))
	assert.Error(t, gate.VerifySession("not-a-token"))
}
