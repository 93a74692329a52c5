package cryptodisk

import (
	"crypto/hmac"
	"crypto/subtle"
	"hash"

	"golang.org/x/crypto/pbkdf2"
)

func deriveKey(h func() hash.Hash, password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, h)
}

// hmacBuffer computes HMAC over the concatenation of chunks
func hmacBuffer(h func() hash.Hash, key []byte, chunks ...[]byte) []byte {
	mac := hmac.New(h, key)
	for _, c := range chunks {
		mac.Write(c)
	}
	return mac.Sum(nil)
}

// hashBuffers computes a plain digest over the concatenation of chunks
func hashBuffers(h func() hash.Hash, chunks ...[]byte) []byte {
	d := h()
	for _, c := range chunks {
		d.Write(c)
	}
	return d.Sum(nil)
}

func digestsEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
