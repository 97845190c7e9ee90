package tenant

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
)

// Authority is the key material an operator holds for the length of a
// session: the password-derived key pair, the KEKs it could open and,
// after bootstrap or recovery, the tenant master secret. It lives only in
// memory and must be discarded when the session ends.
type Authority struct {
	mu           sync.RWMutex
	userID       string
	keys         interfaces.KeyPair
	keks         map[string][]byte
	masterSecret []byte
}

// NewAuthority wraps an already derived key pair.
func NewAuthority(userID string, keys interfaces.KeyPair) *Authority {
	return &Authority{
		userID: userID,
		keys: interfaces.KeyPair{
			PublicKey:  bytes.Clone(keys.PublicKey),
			PrivateKey: bytes.Clone(keys.PrivateKey),
		},
		keks: make(map[string][]byte),
	}
}

// Unlock derives the caller's key pair from password and opens every KEK
// blob provisioned to them. A password that does not match the published
// public key, or cannot open a blob, yields ErrAuthorization.
func Unlock(ctx context.Context, tc *Context, password string) (*Authority, error) {
	auth, me, err := derive(ctx, tc, password)
	if err != nil {
		return nil, err
	}

	published, err := tc.Directory.GetPublicKey(ctx, me.ID)
	switch {
	case err == nil:
		if !bytes.Equal(published, auth.keys.PublicKey) {
			auth.Discard()
			return nil, interfaces.NewOpError("unlock", me.ID, fmt.Errorf("%w: password does not match the published key", interfaces.ErrAuthorization))
		}
	case errors.Is(err, interfaces.ErrNotFound):
	default:
		auth.Discard()
		return nil, interfaces.NewOpError("unlock", me.ID, err)
	}

	opened, err := auth.openBlobs(ctx, tc, true)
	if err != nil {
		auth.Discard()
		return nil, interfaces.NewOpError("unlock", me.ID, err)
	}

	tc.Logger().Info("Unlocked operator authority", slog.String("user", me.ID), slog.Int("versions", opened))
	return auth, nil
}

// Enroll derives the caller's key pair from password and publishes its
// public key (idempotent). Blobs that the new key cannot open, such as
// those sealed to a forgotten password, are skipped. It is the entry point
// for bootstrap and for operators recovering lost credentials.
func Enroll(ctx context.Context, tc *Context, password string) (*Authority, error) {
	auth, me, err := derive(ctx, tc, password)
	if err != nil {
		return nil, err
	}

	if err := tc.Directory.UploadPublicKey(ctx, auth.keys.PublicKey); err != nil {
		auth.Discard()
		return nil, interfaces.NewOpError("upload public key", me.ID, err)
	}

	opened, err := auth.openBlobs(ctx, tc, false)
	if err != nil {
		auth.Discard()
		return nil, interfaces.NewOpError("enroll", me.ID, err)
	}

	tc.Logger().Info("Enrolled operator key", slog.String("user", me.ID), slog.Int("versions", opened))
	return auth, nil
}

func derive(ctx context.Context, tc *Context, password string) (*Authority, interfaces.User, error) {
	if err := tc.Validate(); err != nil {
		return nil, interfaces.User{}, err
	}
	me, err := tc.Directory.WhoAmI(ctx)
	if err != nil {
		return nil, interfaces.User{}, interfaces.NewOpError("whoami", "", err)
	}
	keys, err := tc.Crypto.DeriveKeyPair(tc.TenantID, me.ID, password)
	if err != nil {
		return nil, me, interfaces.NewOpError("derive key pair", me.ID, err)
	}
	auth := NewAuthority(me.ID, keys)
	cryptoutils.Wipe(keys.PrivateKey)
	return auth, me, nil
}

func (a *Authority) openBlobs(ctx context.Context, tc *Context, strict bool) (int, error) {
	blobs, err := tc.Directory.ListOwnBlobs(ctx)
	if err != nil {
		return 0, err
	}

	opened := 0
	for _, blob := range blobs {
		kek, err := tc.OpenWithPrivateKey(a.PrivateKey(), blob.EncryptedKEK)
		if err != nil {
			if strict {
				return opened, fmt.Errorf("KEK version %s: %w", blob.VersionID, err)
			}
			tc.Logger().Debug("Skipping KEK blob sealed to another key", slog.String("version", blob.VersionID))
			continue
		}
		a.SetKEK(blob.VersionID, kek)
		cryptoutils.Wipe(kek)
		opened++
	}
	return opened, nil
}

func (a *Authority) UserID() string {
	return a.userID
}

func (a *Authority) PublicKey() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return bytes.Clone(a.keys.PublicKey)
}

func (a *Authority) PrivateKey() []byte {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return bytes.Clone(a.keys.PrivateKey)
}

// KEK returns a copy of the KEK for versionID, or ErrNotAuthorized.
func (a *Authority) KEK(versionID string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	kek, ok := a.keks[versionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotAuthorized, versionID)
	}
	return bytes.Clone(kek), nil
}

func (a *Authority) HasKEK(versionID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.keks[versionID]
	return ok
}

// SetKEK stores a copy of kek; the caller may wipe its own slice.
func (a *Authority) SetKEK(versionID string, kek []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old, ok := a.keks[versionID]; ok {
		cryptoutils.Wipe(old)
	}
	a.keks[versionID] = bytes.Clone(kek)
}

// Versions lists the KEK versions held, sorted.
func (a *Authority) Versions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.keks))
	for id := range a.keks {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (a *Authority) MasterSecret() ([]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.masterSecret == nil {
		return nil, false
	}
	return bytes.Clone(a.masterSecret), true
}

func (a *Authority) SetMasterSecret(secret []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cryptoutils.Wipe(a.masterSecret)
	a.masterSecret = bytes.Clone(secret)
}

// Discard wipes all key material. The Authority is unusable afterwards.
func (a *Authority) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, kek := range a.keks {
		cryptoutils.Wipe(kek)
		delete(a.keks, id)
	}
	cryptoutils.Wipe(a.masterSecret)
	a.masterSecret = nil
	cryptoutils.Wipe(a.keys.PrivateKey)
	a.keys = interfaces.KeyPair{}
}
