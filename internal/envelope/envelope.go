// Package envelope writes a standalone AES-256-CBC encrypted blob: an
// 8-byte magic, a random salt, a random IV, then PKCS#7-padded ciphertext.
// It has nothing to do with any archive container format; it is a small
// symmetric-encryption primitive the host uses to protect a plaintext blob
// on its own.
package envelope

import (
	"errors"

	"github.com/mailscan/archivescan/internal/cryptocaps"
)

const (
	magic = "RZAE0001"

	saltLen = 16
	ivLen   = 16

	pbkdf2Iterations = 100000
	keyLen           = 32
)

var (
	ErrInvalidPassword = errors.New("envelope: password must not be empty")
	ErrRngFailed       = errors.New("envelope: random number generator failed")
)

// Write encrypts plaintext under password, returning the full envelope
// byte stream (magic, salt, IV, ciphertext).
func Write(plaintext []byte, password string, caps cryptocaps.Capabilities) ([]byte, error) {
	if password == "" {
		return nil, ErrInvalidPassword
	}

	salt, err := caps.RandBytes(saltLen)
	if err != nil {
		return nil, ErrRngFailed
	}
	iv, err := caps.RandBytes(ivLen)
	if err != nil {
		return nil, ErrRngFailed
	}

	key := caps.PBKDF2HMACSHA256([]byte(password), salt, pbkdf2Iterations, keyLen)
	defer zero(key)

	ciphertext, err := caps.AESCBCEncrypt(key, iv, plaintext)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(magic)+saltLen+ivLen+len(ciphertext))
	out = append(out, magic...)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
