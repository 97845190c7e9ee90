package cryptoutils

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// PubkeyPEM is a PKIX public key in PEM format.
type PubkeyPEM []byte

// Validate checks that the PEM holds a P-256 public key.
func (pub PubkeyPEM) Validate() error {
	_, err := pub.ECDH()
	return err
}

// ECDH parses the key for key agreement.
func (pub PubkeyPEM) ECDH() (*ecdh.PublicKey, error) {
	block, _ := pem.Decode(pub)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("failed to decode public key PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	switch key := parsed.(type) {
	case *ecdsa.PublicKey:
		return key.ECDH()
	case *ecdh.PublicKey:
		return key, nil
	default:
		return nil, errors.New("not an EC public key")
	}
}

// PrivkeyPEM is a PKCS#8 private key in PEM format.
type PrivkeyPEM []byte

// Validate checks that the PEM holds a P-256 private key.
func (priv PrivkeyPEM) Validate() error {
	_, err := priv.ECDH()
	return err
}

// ECDH parses the key for key agreement.
func (priv PrivkeyPEM) ECDH() (*ecdh.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("failed to decode private key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	switch key := parsed.(type) {
	case *ecdsa.PrivateKey:
		return key.ECDH()
	case *ecdh.PrivateKey:
		return key, nil
	default:
		return nil, errors.New("not an EC private key")
	}
}

// PublicKey returns the PEM public key matching priv.
func (priv PrivkeyPEM) PublicKey() (PubkeyPEM, error) {
	key, err := priv.ECDH()
	if err != nil {
		return nil, err
	}
	return marshalPublic(key.PublicKey())
}

// RandomP256Keypair generates a fresh P-256 key pair.
func RandomP256Keypair() (PubkeyPEM, PrivkeyPEM, error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return marshalKeypair(key)
}

// KDFParams are the argon2id cost parameters used for password derivation.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultKDFParams match the cost used for disk keys elsewhere in the stack.
var DefaultKDFParams = KDFParams{Time: 1, Memory: 64 * 1024, Threads: 4}

// DeriveP256Keypair deterministically derives a P-256 key pair from a
// password. The salt binds the key to its owner; candidate scalars outside
// the curve order are re-hashed with a counter until one is accepted.
func DeriveP256Keypair(password, salt []byte, params KDFParams) (PubkeyPEM, PrivkeyPEM, error) {
	if len(password) == 0 {
		return nil, nil, errors.New("empty password")
	}
	seed := argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, 32)
	defer Wipe(seed)

	for counter := uint32(0); counter < 64; counter++ {
		h := sha256.New()
		h.Write(seed)
		h.Write(binary.BigEndian.AppendUint32(nil, counter))
		scalar := h.Sum(nil)

		key, err := ecdh.P256().NewPrivateKey(scalar)
		Wipe(scalar)
		if err != nil {
			continue
		}
		return marshalKeypair(key)
	}
	return nil, nil, errors.New("failed to derive a valid scalar")
}

func marshalKeypair(key *ecdh.PrivateKey) (PubkeyPEM, PrivkeyPEM, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	Wipe(der)

	pubPEM, err := marshalPublic(key.PublicKey())
	if err != nil {
		return nil, nil, err
	}
	return pubPEM, privPEM, nil
}

func marshalPublic(key *ecdh.PublicKey) (PubkeyPEM, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
