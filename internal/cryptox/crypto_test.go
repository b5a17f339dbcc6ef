package cryptox

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveDelegationKey_Deterministic(t *testing.T) {
	passphrase := []byte("session-key-bytes")
	salt := []byte("fixed-salt")

	key1 := DeriveDelegationKey(passphrase, salt)
	key2 := DeriveDelegationKey(passphrase, salt)

	require.True(t, bytes.Equal(key1, key2), "same inputs must derive same key")
	require.Len(t, key1, 32)
}

func TestDeriveDelegationKey_DifferentSalt(t *testing.T) {
	passphrase := []byte("session-key-bytes")

	key1 := DeriveDelegationKey(passphrase, []byte("salt-1"))
	key2 := DeriveDelegationKey(passphrase, []byte("salt-2"))

	require.False(t, bytes.Equal(key1, key2), "different salts must derive different keys")
}

func TestEncryptDecryptPayload_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	plaintext := []byte("delegated credential bytes")
	ciphertext, nonce, err := EncryptPayload(plaintext, key)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	got, err := DecryptPayload(ciphertext, nonce, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptPayload_WrongKeyFails(t *testing.T) {
	key := make([]byte, 32)
	other := make([]byte, 32)
	other[0] = 1

	ciphertext, nonce, err := EncryptPayload([]byte("secret"), key)
	require.NoError(t, err)

	_, err = DecryptPayload(ciphertext, nonce, other)
	require.Error(t, err)
}

func TestChecksumFile_KnownDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	sum, err := ChecksumFile(path, "sha256")
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", sum)
}

func TestChecksumFile_UnrecognisedType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, err := ChecksumFile(path, "crc32")
	require.Error(t, err)
}

func TestRecognized(t *testing.T) {
	require.True(t, Recognized("sha256"))
	require.True(t, Recognized("sha1"))
	require.True(t, Recognized("md5"))
	require.False(t, Recognized("crc32"))
}

func TestEncryptFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload bytes"), 0o644))

	ef, err := EncryptFile(path)
	require.NoError(t, err)

	plaintext, err := DecryptPayload(ef.Ciphertext, ef.Nonce, ef.Key)
	require.NoError(t, err)
	require.Equal(t, "payload bytes", string(plaintext))
}
