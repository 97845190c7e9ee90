package cryptoutils

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KEKSize is the length of generated key-encryption keys.
const KEKSize = 32

// RandomKey returns n random bytes.
func RandomKey(n int) ([]byte, error) {
	key := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return key, nil
}

// SealKey wraps key under secret with XChaCha20-Poly1305. The AEAD key is
// derived from secret with HKDF so any secret length is accepted.
//
// Format: [nonce (24 bytes)][ciphertext]
func SealKey(key, secret []byte) ([]byte, error) {
	aead, err := wrappingAEAD(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(key)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, key, nil), nil
}

// OpenKey reverses SealKey.
func OpenKey(blob, secret []byte) ([]byte, error) {
	aead, err := wrappingAEAD(secret)
	if err != nil {
		return nil, err
	}
	if len(blob) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed key too short")
	}
	nonce, ciphertext := blob[:aead.NonceSize()], blob[aead.NonceSize():]
	key, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed key: %w", err)
	}
	return key, nil
}

func wrappingAEAD(secret []byte) (cipher.AEAD, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty wrapping secret")
	}
	wrapKey := make([]byte, chacha20poly1305.KeySize)
	defer Wipe(wrapKey)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("kek-custody key wrap")), wrapKey); err != nil {
		return nil, fmt.Errorf("failed to derive wrapping key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}

// DeriveSecret expands ikm into an n-byte secret bound to info.
func DeriveSecret(ikm, salt []byte, info string, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("failed to derive secret: %w", err)
	}
	return out, nil
}
