package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Collection names a record namespace inside a tenant.
type Collection string

const (
	UsersCollection      Collection = "users"
	PublicKeysCollection Collection = "pubkeys"
	VersionsCollection   Collection = "versions"
	BlobsCollection      Collection = "blobs"
	MasterBlobCollection Collection = "masterblobs"
	PromotionsCollection Collection = "promotions"
	RecoveryCollection   Collection = "recovery"
	LogKeysCollection    Collection = "logkeys"
)

// RecordKey addresses one record.
type RecordKey struct {
	TenantID   string
	Collection Collection
	ID         string
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.Collection, k.ID)
}

// Validate rejects keys that cannot be mapped safely onto paths and object
// keys. Record ids may contain any character; backends escape them.
func (k RecordKey) Validate() error {
	if err := validateSegment(k.TenantID); err != nil {
		return fmt.Errorf("%w: tenant of %q: %v", ErrValidation, k.String(), err)
	}
	if err := validateSegment(string(k.Collection)); err != nil {
		return fmt.Errorf("%w: collection of %q: %v", ErrValidation, k.String(), err)
	}
	if k.ID == "" || k.ID == "." || k.ID == ".." {
		return fmt.Errorf("%w: invalid record id %q", ErrValidation, k.ID)
	}
	return nil
}

func validateSegment(s string) error {
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, "/\\%") {
		return errors.New("must be a non-empty path segment")
	}
	return nil
}

// StorageBackendLocation is a URI identifying a record store backend.
type StorageBackendLocation string

// Scheme returns the lower-cased URI scheme or "" if unparsable.
func (loc StorageBackendLocation) Scheme() string {
	u, err := url.Parse(string(loc))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Scheme)
}

var (
	// ErrContentNotFound is returned when a record does not exist in a backend.
	ErrContentNotFound = fmt.Errorf("%w: record", ErrNotFound)

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// RecordStore is a tenant-scoped key/value store of opaque JSON records.
// It never sees plaintext key material.
type RecordStore interface {
	Get(ctx context.Context, key RecordKey) ([]byte, error)
	Put(ctx context.Context, key RecordKey, data []byte) error
	// List returns every record of a collection keyed by record id.
	List(ctx context.Context, tenantID string, collection Collection) (map[string][]byte, error)

	Available(ctx context.Context) bool
	Name() string
	LocationURI() string
}
