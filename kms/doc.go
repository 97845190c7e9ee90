// Package kms provides the in-process cryptographic primitives of the key
// custody protocol. Primitives implements interfaces.CryptoPrimitives:
//
//   - KEK generation and sealing under a secret (XChaCha20-Poly1305)
//   - Shamir secret sharing of KEKs across admins
//   - ECIES encryption to a recipient's P-256 public key
//   - password-derived P-256 key pairs (argon2id)
//   - BIP-39 recovery phrases and the tenant master secret derived from them
//
// # Secret Sharing
//
// SplitSecret appends a short SHA-256 check tag to the secret before
// splitting it with github.com/hashicorp/vault/shamir. ReconstructSecret
// verifies the tag, so combining fewer shares than the threshold, or shares
// from two different splits, fails with interfaces.ErrCrypto instead of
// silently returning garbage.
//
// Each share is represented as interfaces.SecretShare{X, Y}: X is the
// evaluation point (1-255) and Y the share bytes.
//
// A threshold of 1 is handled without polynomial splitting: every share
// carries the tagged secret and any single share reconstructs it.
//
// ShareCollector accumulates shares for one reconstruction, refusing a
// second share at an evaluation point already held, and wipes them on request:
//
//	c := kms.NewShareCollector(3)
//	if err := c.Add(share); err != nil {
//	    ...
//	}
//	if c.Ready() {
//	    kek, err := c.Reconstruct()
//	    ...
//	}
//	c.Wipe()
package kms
