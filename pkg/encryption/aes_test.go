package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor("unit-test-key")
	require.NoError(t, err)

	plaintext := "patient signature: Jane Q. Public"

	ciphertext, err := enc.EncryptString(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := enc.DecryptString(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestAESEncryptor_UniqueNonce(t *testing.T) {
	enc, err := NewAESEncryptor("unit-test-key")
	require.NoError(t, err)

	first, err := enc.EncryptString("same input")
	require.NoError(t, err)
	second, err := enc.EncryptString("same input")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestAESEncryptor_WrongKey(t *testing.T) {
	enc, err := NewAESEncryptor("key-one")
	require.NoError(t, err)
	other, err := NewAESEncryptor("key-two")
	require.NoError(t, err)

	ciphertext, err := enc.EncryptString("secret")
	require.NoError(t, err)

	_, err = other.DecryptString(ciphertext)
	assert.Error(t, err)
}

func TestAESEncryptor_EmptyKey(t *testing.T) {
	_, err := NewAESEncryptor("")
	assert.Error(t, err)
}

func TestAESEncryptor_InvalidCiphertext(t *testing.T) {
	enc, err := NewAESEncryptor("unit-test-key")
	require.NoError(t, err)

	_, err = enc.DecryptString("not-base64!!!")
	assert.Error(t, err)

	_, err = enc.DecryptString("YWJj")
	assert.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	other, err := GenerateKey()
	require.NoError(t, err)
	assert.NotEqual(t, key, other)
}
