package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	c := NewCipher("unit-test-secret")

	sealed, err := c.Encrypt([]byte(`{"access_token":"tok"}`))
	require.NoError(t, err)
	assert.NotEqual(t, `{"access_token":"tok"}`, sealed)

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"tok"}`, string(plain))
}

func TestCipher_NoKeyPassthrough(t *testing.T) {
	c := NewCipher("")

	sealed, err := c.Encrypt([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, "raw", sealed)

	plain, err := c.Decrypt("raw")
	require.NoError(t, err)
	assert.Equal(t, "raw", string(plain))
}

func TestCipher_LegacyPlaintextTolerated(t *testing.T) {
	c := NewCipher("unit-test-secret")

	// A row written before encryption was enabled is not valid base64.
	plain, err := c.Decrypt(`{"bot_token":"123:abc"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"bot_token":"123:abc"}`, string(plain))
}
