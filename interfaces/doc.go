// Package interfaces defines the core types, collaborator contracts and error
// taxonomy shared by the key custody components, separating them from their
// implementations.
//
// # Directory Interfaces
//
// Directory is the operator-side view of the directory service, split by
// concern into KEKDirectory, UserDirectory, PromotionDirectory,
// RecoveryDirectory and LogKeyDirectory. The HTTP client in api/clients and
// the in-process directory.Local both implement it.
//
// # Storage Interfaces
//
// RecordStore persists opaque JSON records addressed by RecordKey
// (tenant, collection, id). Backends live in the storage package.
//
// # Cryptographic Contract
//
// CryptoPrimitives is everything the custody protocol needs from
// cryptography: KEK generation and wrapping, Shamir split and reconstruct,
// recipient encryption and password-derived key pairs.
//
// # Errors
//
// Every failure matches one of the base sentinels with errors.Is:
// ErrValidation, ErrAuthorization, ErrConflict, ErrTransport, ErrCrypto,
// ErrNotFound or ErrInvalidState. The narrower sentinels wrap a base one,
// so callers can branch on either.
package interfaces
