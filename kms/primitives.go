package kms

import (
	"fmt"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
)

// Primitives is the in-process implementation of interfaces.CryptoPrimitives.
// It holds no key material of its own.
type Primitives struct {
	kdf cryptoutils.KDFParams
}

// Option configures Primitives.
type Option func(*Primitives)

// WithKDFParams overrides the argon2id cost used for password-derived key pairs.
func WithKDFParams(params cryptoutils.KDFParams) Option {
	return func(p *Primitives) {
		p.kdf = params
	}
}

// NewPrimitives creates the primitives with default parameters unless overridden.
func NewPrimitives(opts ...Option) *Primitives {
	p := &Primitives{kdf: cryptoutils.DefaultKDFParams}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ interfaces.CryptoPrimitives = (*Primitives)(nil)

func (p *Primitives) GenerateKEK() ([]byte, error) {
	return cryptoutils.RandomKey(cryptoutils.KEKSize)
}

func (p *Primitives) EncryptKEK(kek, secret []byte) ([]byte, error) {
	blob, err := cryptoutils.SealKey(kek, secret)
	if err != nil {
		return nil, &interfaces.CryptoError{Op: "encrypt KEK", Err: err}
	}
	return blob, nil
}

func (p *Primitives) DecryptKEK(blob, secret []byte) ([]byte, error) {
	kek, err := cryptoutils.OpenKey(blob, secret)
	if err != nil {
		return nil, &interfaces.CryptoError{Op: "decrypt KEK", Err: err}
	}
	return kek, nil
}

func (p *Primitives) SplitSecret(secret []byte, n, k int) ([]interfaces.SecretShare, error) {
	return SplitSecret(secret, n, k)
}

func (p *Primitives) ReconstructSecret(shares []interfaces.SecretShare) ([]byte, error) {
	return ReconstructSecret(shares)
}

func (p *Primitives) EncryptForRecipient(publicKeyPEM, plaintext []byte) ([]byte, error) {
	ct, err := cryptoutils.EncryptWithPublicKey(publicKeyPEM, plaintext)
	if err != nil {
		return nil, &interfaces.CryptoError{Op: "encrypt for recipient", Err: err}
	}
	return ct, nil
}

// DecryptWithPrivateKey reports a failure to open as an authorization error:
// with password-derived keys it almost always means a wrong password.
func (p *Primitives) DecryptWithPrivateKey(privateKeyPEM, ciphertext []byte) ([]byte, error) {
	pt, err := cryptoutils.DecryptWithPrivateKey(privateKeyPEM, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrAuthorization, err)
	}
	return pt, nil
}

func (p *Primitives) DeriveKeyPair(tenantID, userID, password string) (interfaces.KeyPair, error) {
	if tenantID == "" || userID == "" {
		return interfaces.KeyPair{}, fmt.Errorf("%w: tenant and user id are required", interfaces.ErrValidation)
	}
	if password == "" {
		return interfaces.KeyPair{}, fmt.Errorf("%w: empty password", interfaces.ErrValidation)
	}
	salt := []byte("kek-custody/v1/" + tenantID + "/" + userID)
	pub, priv, err := cryptoutils.DeriveP256Keypair([]byte(password), salt, p.kdf)
	if err != nil {
		return interfaces.KeyPair{}, &interfaces.CryptoError{Op: "derive key pair", Err: err}
	}
	return interfaces.KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

func (p *Primitives) GenerateMnemonic(bits int) (string, error) {
	return GenerateMnemonic(bits)
}

func (p *Primitives) ValidateMnemonic(phrase string) bool {
	return ValidateMnemonic(phrase)
}

func (p *Primitives) DeriveMasterSecret(tenantID, phrase string) ([]byte, error) {
	return DeriveMasterSecret(tenantID, phrase)
}
