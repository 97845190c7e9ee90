package interfaces

// KeyPair is a P-256 key pair in PEM form (PKIX public, PKCS#8 private).
type KeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// CryptoPrimitives is the cryptographic contract the custody protocol relies
// on. Implementations must keep all key material in the caller's process.
type CryptoPrimitives interface {
	// GenerateKEK returns fresh random key-encryption key material.
	GenerateKEK() ([]byte, error)

	// EncryptKEK seals kek (or any key) under secret; DecryptKEK reverses it.
	EncryptKEK(kek, secret []byte) ([]byte, error)
	DecryptKEK(blob, secret []byte) ([]byte, error)

	// SplitSecret splits secret into n shares of which any k reconstruct it.
	SplitSecret(secret []byte, n, k int) ([]SecretShare, error)
	// ReconstructSecret fails with ErrCrypto when the shares are fewer than
	// the threshold or do not belong to the same split.
	ReconstructSecret(shares []SecretShare) ([]byte, error)

	// EncryptForRecipient encrypts to a PEM public key; DecryptWithPrivateKey
	// opens it with the matching PEM private key.
	EncryptForRecipient(publicKeyPEM, plaintext []byte) ([]byte, error)
	DecryptWithPrivateKey(privateKeyPEM, ciphertext []byte) ([]byte, error)

	// DeriveKeyPair deterministically derives a user's key pair from their password.
	DeriveKeyPair(tenantID, userID, password string) (KeyPair, error)

	GenerateMnemonic(bits int) (string, error)
	ValidateMnemonic(phrase string) bool
	// DeriveMasterSecret derives the tenant master secret from a recovery phrase.
	DeriveMasterSecret(tenantID, phrase string) ([]byte, error)
}
