package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestEncryptDecrypt(t *testing.T) {
	t.Run("round trips plaintext", func(t *testing.T) {
		encoded, err := Encrypt(testMasterKey, []byte("session key material"))
		require.NoError(t, err)

		plaintext, err := Decrypt(testMasterKey, encoded)
		require.NoError(t, err)
		assert.Equal(t, []byte("session key material"), plaintext)
	})

	t.Run("uses a fresh nonce per call", func(t *testing.T) {
		a, err := Encrypt(testMasterKey, []byte("same"))
		require.NoError(t, err)
		b, err := Encrypt(testMasterKey, []byte("same"))
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("rejects a key of the wrong length", func(t *testing.T) {
		_, err := Encrypt("abcd", []byte("x"))
		assert.Error(t, err)
	})

	t.Run("fails with a different key", func(t *testing.T) {
		encoded, err := Encrypt(testMasterKey, []byte("secret"))
		require.NoError(t, err)

		otherKey := strings.Repeat("ff", 32)
		_, err = Decrypt(otherKey, encoded)
		assert.Error(t, err)
	})

	t.Run("fails on truncated ciphertext", func(t *testing.T) {
		_, err := Decrypt(testMasterKey, "AAAA")
		assert.Error(t, err)
	})
}
