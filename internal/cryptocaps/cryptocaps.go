// Package cryptocaps is the injected crypto capability set the design
// notes call for: the reader side of this module needs none of it, but the
// ZIP writer and the AES-256-CBC envelope writer both depend on it rather
// than reaching into crypto/* directly, so a host can swap in a hardened
// or hardware-backed implementation without touching the writers.
package cryptocaps

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Capabilities is the full set a writer may call on. Every method must be
// safe for concurrent use by independent callers; each call owns its own
// state and leaves no key material behind it.
type Capabilities interface {
	RandBytes(n int) ([]byte, error)
	PBKDF2HMACSHA1(password, salt []byte, iter, keyLen int) []byte
	PBKDF2HMACSHA256(password, salt []byte, iter, keyLen int) []byte
	// AESCTRXor XORs data with an AES-256-CTR keystream seeded from key and
	// a 16-byte counter block, returning a new slice the same length as
	// data. It implements encryption and decryption identically.
	AESCTRXor(key, counterBlock, data []byte) ([]byte, error)
	// AESCBCEncrypt PKCS#7-pads plaintext to a multiple of the AES block
	// size and encrypts it with AES-256-CBC under key and iv.
	AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error)
	HMACSHA1(key, data []byte) []byte
}

// Default is the stdlib-and-golang.org/x/crypto backed implementation used
// unless a host injects its own.
type Default struct{}

func (Default) RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("cryptocaps: rand: %w", err)
	}
	return b, nil
}

func (Default) PBKDF2HMACSHA1(password, salt []byte, iter, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iter, keyLen, sha1.New)
}

func (Default) PBKDF2HMACSHA256(password, salt []byte, iter, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iter, keyLen, sha256.New)
}

func (Default) AESCTRXor(key, counterBlock, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptocaps: aes: %w", err)
	}
	stream := cipher.NewCTR(block, counterBlock)
	out := make([]byte, len(data))
	stream.XORKeyStream(out, data)
	return out, nil
}

func (Default) AESCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptocaps: aes: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func (Default) HMACSHA1(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - len(b)%blockSize
	padded := make([]byte, len(b)+padLen)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}
