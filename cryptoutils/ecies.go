package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const gcmNonceSize = 12

// EncryptWithPublicKey encrypts data using ECIES with the given public key PEM.
// ECDH on the recipient's curve, SHA-256 over the shared secret and AES-GCM.
// A fresh ephemeral key is generated for every call.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][iv][ciphertext]
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	publicKey, err := PubkeyPEM(publicKeyPEM).ECDH()
	if err != nil {
		return nil, err
	}

	ephemeralKey, err := publicKey.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	shared, err := ephemeralKey.ECDH(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	aesGCM, err := newGCM(shared)
	Wipe(shared)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("failed to generate IV: %w", err)
	}

	ciphertext := aesGCM.Seal(nil, iv, data, nil)
	ephemeralPub := ephemeralKey.PublicKey().Bytes()

	result := make([]byte, 0, 2+len(ephemeralPub)+len(iv)+len(ciphertext))
	result = binary.BigEndian.AppendUint16(result, uint16(len(ephemeralPub)))
	result = append(result, ephemeralPub...)
	result = append(result, iv...)
	result = append(result, ciphertext...)
	return result, nil
}

// DecryptWithPrivateKey decrypts data produced by EncryptWithPublicKey.
func DecryptWithPrivateKey(privateKeyPEM []byte, encryptedData []byte) ([]byte, error) {
	privateKey, err := PrivkeyPEM(privateKeyPEM).ECDH()
	if err != nil {
		return nil, err
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("encrypted data too short")
	}
	ephemeralKeyLen := int(binary.BigEndian.Uint16(encryptedData[0:2]))
	if len(encryptedData) < 2+ephemeralKeyLen+gcmNonceSize {
		return nil, errors.New("encrypted data has invalid format")
	}

	ephemeralPub, err := privateKey.Curve().NewPublicKey(encryptedData[2 : 2+ephemeralKeyLen])
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ephemeral public key: %w", err)
	}

	shared, err := privateKey.ECDH(ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("failed to derive shared secret: %w", err)
	}
	aesGCM, err := newGCM(shared)
	Wipe(shared)
	if err != nil {
		return nil, err
	}

	ivStart := 2 + ephemeralKeyLen
	iv := encryptedData[ivStart : ivStart+gcmNonceSize]
	plaintext, err := aesGCM.Open(nil, iv, encryptedData[ivStart+gcmNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(shared []byte) (cipher.AEAD, error) {
	key := sha256.Sum256(shared)
	defer Wipe(key[:])

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
