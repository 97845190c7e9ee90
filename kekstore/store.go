package kekstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/tenant"
)

// Store drives KEK version changes from an operator's client. New key
// material is generated locally and only leaves the process sealed to a
// public key or to the tenant master secret.
type Store struct {
	tc *tenant.Context
}

func NewStore(tc *tenant.Context) *Store {
	return &Store{tc: tc}
}

// RotateResult reports which admins received the new KEK.
type RotateResult struct {
	Version     interfaces.KEKVersion
	Provisioned []string
	// Skipped lists admins without a published public key.
	Skipped []string
}

func (s *Store) List(ctx context.Context) (History, error) {
	versions, err := s.tc.Directory.ListKEKVersions(ctx)
	if err != nil {
		return nil, interfaces.NewOpError("list KEK versions", s.tc.TenantID, err)
	}
	return History(versions), nil
}

// Active returns the current Active version or ErrNotFound before bootstrap.
func (s *Store) Active(ctx context.Context) (interfaces.KEKVersion, error) {
	h, err := s.List(ctx)
	if err != nil {
		return interfaces.KEKVersion{}, err
	}
	v, ok := h.Active()
	if !ok {
		return interfaces.KEKVersion{}, interfaces.NewOpError("active KEK version", s.tc.TenantID, fmt.Errorf("%w: no active KEK version", interfaces.ErrNotFound))
	}
	return v, nil
}

// Create generates a fresh KEK and makes it the Active version.
func (s *Store) Create(ctx context.Context, auth *tenant.Authority, reason string) (interfaces.KEKVersion, error) {
	return s.create(ctx, auth, "create KEK version", interfaces.VersionRequest{Reason: reason}, nil, s.tc.Directory.CreateKEKVersion)
}

// Rotate creates a new Active version provisioned to every admin except the
// removed users, who keep access only to older versions.
func (s *Store) Rotate(ctx context.Context, auth *tenant.Authority, reason string, removedUserIDs []string) (RotateResult, error) {
	if slices.Contains(removedUserIDs, auth.UserID()) {
		return RotateResult{}, fmt.Errorf("%w: cannot revoke your own access", interfaces.ErrValidation)
	}

	admins, err := s.tc.Directory.ListAdmins(ctx)
	if err != nil {
		return RotateResult{}, interfaces.NewOpError("list admins", s.tc.TenantID, err)
	}

	result := RotateResult{}
	recipients := make(map[string][]byte)
	for _, admin := range admins {
		if admin.ID == auth.UserID() || slices.Contains(removedUserIDs, admin.ID) {
			continue
		}
		pub, err := s.tc.Directory.GetPublicKey(ctx, admin.ID)
		if errors.Is(err, interfaces.ErrNotFound) {
			result.Skipped = append(result.Skipped, admin.ID)
			continue
		}
		if err != nil {
			return RotateResult{}, interfaces.NewOpError("get public key", admin.ID, err)
		}
		recipients[admin.ID] = pub
	}

	req := interfaces.VersionRequest{Reason: reason, RemovedUserIDs: removedUserIDs}
	v, err := s.create(ctx, auth, "rotate KEK", req, recipients, s.tc.Directory.RotateKEK)
	if err != nil {
		return RotateResult{}, err
	}

	result.Version = v
	for id := range recipients {
		result.Provisioned = append(result.Provisioned, id)
	}
	slices.Sort(result.Provisioned)

	s.tc.Logger().Info("Rotated KEK",
		slog.String("version", v.ID),
		slog.Int("provisioned", len(result.Provisioned)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Int("revoked", len(removedUserIDs)))
	return result, nil
}

// Recover creates a new Active version tagged as recovered from
// fromVersionID.
func (s *Store) Recover(ctx context.Context, auth *tenant.Authority, fromVersionID, reason string) (interfaces.KEKVersion, error) {
	req := interfaces.VersionRequest{Reason: reason, RecoveredFromVersionID: fromVersionID}
	return s.create(ctx, auth, "recover KEK version", req, nil, s.tc.Directory.RecoverKEK)
}

func (s *Store) Retire(ctx context.Context, versionID string) (interfaces.KEKVersion, error) {
	v, err := s.tc.Directory.RetireKEKVersion(ctx, versionID)
	if err != nil {
		return interfaces.KEKVersion{}, interfaces.NewOpError("retire KEK version", versionID, err)
	}
	return v, nil
}

type createFunc func(context.Context, interfaces.VersionRequest) (interfaces.KEKVersion, error)

// create seals a fresh KEK to the operator, to every extra recipient and,
// when held, to the master secret, then submits all of it in one request.
func (s *Store) create(ctx context.Context, auth *tenant.Authority, op string, req interfaces.VersionRequest, recipients map[string][]byte, submit createFunc) (interfaces.KEKVersion, error) {
	if err := s.tc.Validate(); err != nil {
		return interfaces.KEKVersion{}, err
	}
	if req.Reason == "" {
		return interfaces.KEKVersion{}, fmt.Errorf("%w: a reason is required", interfaces.ErrValidation)
	}

	kek, err := s.tc.Crypto.GenerateKEK()
	if err != nil {
		return interfaces.KEKVersion{}, interfaces.NewOpError(op, s.tc.TenantID, err)
	}
	defer cryptoutils.Wipe(kek)

	req.Blobs = make(map[string]string, len(recipients)+1)
	req.Blobs[auth.UserID()], err = s.tc.SealForRecipient(auth.PublicKey(), kek)
	if err != nil {
		return interfaces.KEKVersion{}, interfaces.NewOpError(op, auth.UserID(), err)
	}
	for userID, pub := range recipients {
		req.Blobs[userID], err = s.tc.SealForRecipient(pub, kek)
		if err != nil {
			return interfaces.KEKVersion{}, interfaces.NewOpError(op, userID, err)
		}
	}

	if secret, ok := auth.MasterSecret(); ok {
		blob, err := s.tc.Crypto.EncryptKEK(kek, secret)
		cryptoutils.Wipe(secret)
		if err != nil {
			return interfaces.KEKVersion{}, interfaces.NewOpError(op, s.tc.TenantID, err)
		}
		req.MasterBlob = base64.StdEncoding.EncodeToString(blob)
	}

	v, err := submit(ctx, req)
	if err != nil {
		return interfaces.KEKVersion{}, interfaces.NewOpError(op, s.tc.TenantID, err)
	}
	auth.SetKEK(v.ID, kek)

	s.tc.Logger().Info("Created KEK version",
		slog.String("op", op),
		slog.String("version", v.ID),
		slog.String("recovered_from", v.RecoveredFromVersionID))
	return v, nil
}

// Provision seals the operator's copy of versionID to userID's public key
// and grants it. Calling it twice leaves the same state.
func (s *Store) Provision(ctx context.Context, auth *tenant.Authority, userID, versionID string, grantAdmin bool) error {
	if err := s.tc.Validate(); err != nil {
		return err
	}
	kek, err := auth.KEK(versionID)
	if err != nil {
		return interfaces.NewOpError("provision", userID, err)
	}
	defer cryptoutils.Wipe(kek)

	return s.ProvisionKEK(ctx, kek, userID, versionID, grantAdmin)
}

// ProvisionKEK is Provision for key material the caller holds outside an
// Authority, such as a freshly reconstructed KEK.
func (s *Store) ProvisionKEK(ctx context.Context, kek []byte, userID, versionID string, grantAdmin bool) error {
	if err := s.tc.Validate(); err != nil {
		return err
	}
	pub, err := s.tc.Directory.GetPublicKey(ctx, userID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.NewOpError("provision", userID, interfaces.ErrRecipientKeyNotFound)
	}
	if err != nil {
		return interfaces.NewOpError("provision", userID, err)
	}

	blob, err := s.tc.SealForRecipient(pub, kek)
	if err != nil {
		return interfaces.NewOpError("provision", userID, err)
	}

	err = s.tc.Directory.Provision(ctx, interfaces.ProvisionRequest{
		UserID:       userID,
		VersionID:    versionID,
		EncryptedKEK: blob,
		GrantAdmin:   grantAdmin,
	})
	if err != nil {
		return interfaces.NewOpError("provision", userID, err)
	}

	s.tc.Logger().Info("Provisioned KEK",
		slog.String("user", userID),
		slog.String("version", versionID),
		slog.Bool("grant_admin", grantAdmin))
	return nil
}
