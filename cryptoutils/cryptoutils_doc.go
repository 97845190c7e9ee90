// Package cryptoutils provides the low-level cryptographic building blocks of
// the key custody protocol: recipient encryption, password-derived key pairs
// and key wrapping.
//
// Recipient encryption uses ECIES with the following components:
//
//   - Elliptic curve (NIST P-256) for key exchange
//   - ECDH for shared secret derivation
//   - SHA-256 for key derivation
//   - AES-GCM for authenticated encryption
//   - A fresh ephemeral key for each encryption operation
//
// # Encryption Format
//
//	[ephemeral key length (2 bytes)][ephemeral key][iv (12 bytes)][ciphertext]
//
// Where:
//   - Ephemeral key length: uint16 in big-endian format
//   - Ephemeral key: uncompressed curve point
//   - IV: 12-byte nonce for AES-GCM
//   - Ciphertext: the encrypted data with GCM authentication tag
//
// # Password-derived key pairs
//
// DeriveP256Keypair runs argon2id over the password with a caller-chosen salt
// (tenant and user id) and maps the output onto a valid P-256 scalar, so the
// same password always yields the same key pair and no private key is stored.
//
// # Key wrapping
//
// SealKey and OpenKey wrap keys under a secret of any length using HKDF-SHA256
// and XChaCha20-Poly1305:
//
//	[nonce (24 bytes)][ciphertext]
//
// # Usage Example
//
//	pub, priv, err := cryptoutils.DeriveP256Keypair([]byte(password), salt, cryptoutils.DefaultKDFParams)
//	if err != nil {
//	    return err
//	}
//
//	ct, err := cryptoutils.EncryptWithPublicKey(pub, kek)
//	...
//	kek, err := cryptoutils.DecryptWithPrivateKey(priv, ct)
package cryptoutils
