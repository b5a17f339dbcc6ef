// Package cryptox provides the AEAD and checksum primitives relayforge uses
// for in-band encryption toggling (spec §4.7) and content-addressed reuse
// (spec §4.5).
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

// Recognized reports whether checksumType is one of the hash names the
// reuse cache and transfer-list builder accept (spec §3: "checksum-type is
// a recognised hash name").
func Recognized(checksumType string) bool {
	_, ok := newHash(checksumType)
	return ok
}

func newHash(checksumType string) (hash.Hash, bool) {
	switch checksumType {
	case "sha256":
		return sha256.New(), true
	case "sha1":
		return sha1.New(), true
	case "md5":
		return md5.New(), true
	default:
		return nil, false
	}
}

// ChecksumFile computes the hex-encoded digest of the file at path using the
// named algorithm. It returns an error if checksumType is not Recognized.
func ChecksumFile(path, checksumType string) (string, error) {
	h, ok := newHash(checksumType)
	if !ok {
		return "", fmt.Errorf("cryptox: unrecognised checksum type %q", checksumType)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DeriveDelegationKey derives a symmetric key used to encrypt delegated
// credentials (wire command 4) at rest in the receiver's credential
// directory. The passphrase is the CEDAR session key already established
// over the secure channel (spec §6); no separate handshake is performed.
func DeriveDelegationKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)
}

// EncryptPayload seals plaintext with AES-GCM under key, returning the
// ciphertext and the randomly generated 12-byte nonce.
func EncryptPayload(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, aesgcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	return aesgcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// DecryptPayload opens ciphertext produced by EncryptPayload.
func DecryptPayload(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return aesgcm.Open(nil, nonce, ciphertext, nil)
}

// EncryptedFile is the result of sealing a file's contents under a freshly
// generated random key, used when a cached (reuse) object is stored
// encrypted at rest.
type EncryptedFile struct {
	Ciphertext []byte
	Key        []byte
	Nonce      []byte
}

// EncryptFile reads path and seals it under a new random 32-byte key.
func EncryptFile(path string) (*EncryptedFile, error) {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}

	ciphertext, nonce, err := EncryptPayload(plaintext, key)
	if err != nil {
		return nil, err
	}

	return &EncryptedFile{Ciphertext: ciphertext, Key: key, Nonce: nonce}, nil
}
