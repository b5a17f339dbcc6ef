package common

import "crypto/rand"

// WipeByteArray zeroes buf in place. Safe to call with nil.
func WipeByteArray(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// GenerateRandByteArray returns n cryptographically random bytes. It panics
// if the system entropy source fails, since callers use this only for
// keys/nonces where a silent short read would be a correctness bug.
func GenerateRandByteArray(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return buf
}
