package directory

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kekstore"
)

// VersionKind selects which lifecycle transition CreateVersion applies.
type VersionKind string

const (
	VersionCreate  VersionKind = "create"
	VersionRotate  VersionKind = "rotate"
	VersionRecover VersionKind = "recover"
)

type masterBlobRecord struct {
	Blob string `json:"blob"`
}

func (s *Service) ListKEKVersions(ctx context.Context, p interfaces.Principal) ([]interfaces.KEKVersion, error) {
	if _, err := s.member(ctx, p); err != nil {
		return nil, err
	}
	h, err := s.history(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	if h == nil {
		return []interfaces.KEKVersion{}, nil
	}
	return h, nil
}

// CreateVersion adds a new Active version and demotes the previous one in a
// single history write. The very first version of a tenant may be created
// by any member, who then becomes its first admin.
//
// Blobs and the master blob are written before the history so a failure
// leaves nothing visible.
func (s *Service) CreateVersion(ctx context.Context, p interfaces.Principal, kind VersionKind, req interfaces.VersionRequest) (interfaces.KEKVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	caller, err := s.member(ctx, p)
	if err != nil {
		return interfaces.KEKVersion{}, err
	}
	h, err := s.history(ctx, p.TenantID)
	if err != nil {
		return interfaces.KEKVersion{}, err
	}

	bootstrap := len(h) == 0 && kind == VersionCreate
	if !caller.IsAdmin {
		tenantHasAdmin, err := s.hasAdmin(ctx, p.TenantID)
		if err != nil {
			return interfaces.KEKVersion{}, err
		}
		if !bootstrap || tenantHasAdmin {
			return interfaces.KEKVersion{}, fmt.Errorf("%w: %s is not an admin", interfaces.ErrAuthorization, p.UserID)
		}
	}

	if strings.TrimSpace(req.Reason) == "" {
		return interfaces.KEKVersion{}, fmt.Errorf("%w: reason is required", interfaces.ErrValidation)
	}
	if req.Blobs[p.UserID] == "" {
		return interfaces.KEKVersion{}, fmt.Errorf("%w: the creator must be provisioned with the new version", interfaces.ErrValidation)
	}
	if slices.Contains(req.RemovedUserIDs, p.UserID) {
		return interfaces.KEKVersion{}, fmt.Errorf("%w: cannot revoke the creator", interfaces.ErrValidation)
	}
	if kind != VersionRotate && len(req.RemovedUserIDs) > 0 {
		return interfaces.KEKVersion{}, fmt.Errorf("%w: only rotation revokes users", interfaces.ErrValidation)
	}
	if kind != VersionRecover && req.RecoveredFromVersionID != "" {
		return interfaces.KEKVersion{}, fmt.Errorf("%w: only recovery names a source version", interfaces.ErrValidation)
	}

	next := interfaces.KEKVersion{
		ID:                     s.newID(),
		CreatedBy:              p.UserID,
		CreatedAt:              s.now().UTC(),
		Reason:                 req.Reason,
		RecoveredFromVersionID: req.RecoveredFromVersionID,
		RevokedUserIDs:         req.RemovedUserIDs,
	}

	var nextHistory kekstore.History
	if kind == VersionRecover {
		nextHistory, err = h.ApplyRecover(next)
	} else {
		nextHistory, err = h.ApplyCreate(next)
	}
	if err != nil {
		return interfaces.KEKVersion{}, err
	}
	created := nextHistory[len(nextHistory)-1]

	for userID := range req.Blobs {
		if created.Revoked(userID) {
			return interfaces.KEKVersion{}, fmt.Errorf("%w: %s is revoked from the new version", interfaces.ErrValidation, userID)
		}
		if _, err := s.getUser(ctx, p.TenantID, userID); err != nil {
			return interfaces.KEKVersion{}, fmt.Errorf("%w: blob for unknown user %s", interfaces.ErrValidation, userID)
		}
	}
	for userID, blob := range req.Blobs {
		if err := s.putBlob(ctx, p.TenantID, userID, created.ID, blob); err != nil {
			return interfaces.KEKVersion{}, err
		}
	}
	if req.MasterBlob != "" {
		if err := s.putMasterBlob(ctx, p.TenantID, created.ID, req.MasterBlob); err != nil {
			return interfaces.KEKVersion{}, err
		}
	}
	if err := s.putJSON(ctx, p.TenantID, interfaces.VersionsCollection, historyRecordID, nextHistory); err != nil {
		return interfaces.KEKVersion{}, err
	}

	if bootstrap && !caller.IsAdmin {
		caller.IsAdmin = true
		if err := s.putJSON(ctx, p.TenantID, interfaces.UsersCollection, caller.ID, caller); err != nil {
			return interfaces.KEKVersion{}, err
		}
	}

	s.log.Info("Created KEK version",
		slog.String("tenant", p.TenantID),
		slog.String("kind", string(kind)),
		slog.String("version", created.ID),
		slog.String("by", p.UserID),
		slog.Int("blobs", len(req.Blobs)),
		slog.Int("revoked", len(req.RemovedUserIDs)))
	return created, nil
}

// RetireVersion moves a DecryptOnly version to Retired.
func (s *Service) RetireVersion(ctx context.Context, p interfaces.Principal, versionID string) (interfaces.KEKVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.admin(ctx, p); err != nil {
		return interfaces.KEKVersion{}, err
	}
	h, err := s.history(ctx, p.TenantID)
	if err != nil {
		return interfaces.KEKVersion{}, err
	}
	next, retired, err := h.ApplyRetire(versionID)
	if err != nil {
		return interfaces.KEKVersion{}, err
	}
	if err := s.putJSON(ctx, p.TenantID, interfaces.VersionsCollection, historyRecordID, next); err != nil {
		return interfaces.KEKVersion{}, err
	}
	s.log.Info("Retired KEK version", slog.String("tenant", p.TenantID), slog.String("version", versionID))
	return retired, nil
}

// Provision stores a KEK blob for a user and version. It is an upsert, so
// repeating it leaves the same state. GrantAdmin also sets the user's admin
// flag. Admins may provision anyone; while a tenant has no admin, a member
// may provision themselves.
func (s *Service) Provision(ctx context.Context, p interfaces.Principal, req interfaces.ProvisionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	caller, err := s.member(ctx, p)
	if err != nil {
		return err
	}
	if !caller.IsAdmin {
		tenantHasAdmin, err := s.hasAdmin(ctx, p.TenantID)
		if err != nil {
			return err
		}
		if tenantHasAdmin || req.UserID != p.UserID {
			return fmt.Errorf("%w: %s is not an admin", interfaces.ErrAuthorization, p.UserID)
		}
	}

	if req.UserID == "" || req.VersionID == "" || req.EncryptedKEK == "" {
		return fmt.Errorf("%w: userId, versionId and encryptedKek are required", interfaces.ErrValidation)
	}
	target, err := s.getUser(ctx, p.TenantID, req.UserID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return fmt.Errorf("%w: user %s", interfaces.ErrNotFound, req.UserID)
	}
	if err != nil {
		return err
	}

	h, err := s.history(ctx, p.TenantID)
	if err != nil {
		return err
	}
	v, ok := h.Find(req.VersionID)
	if !ok {
		return fmt.Errorf("%w: KEK version %s", interfaces.ErrNotFound, req.VersionID)
	}
	if v.Revoked(req.UserID) {
		return fmt.Errorf("%w: %s was revoked from version %s", interfaces.ErrAuthorization, req.UserID, req.VersionID)
	}

	if err := s.putBlob(ctx, p.TenantID, req.UserID, req.VersionID, req.EncryptedKEK); err != nil {
		return err
	}
	if req.GrantAdmin && !target.IsAdmin {
		target.IsAdmin = true
		if err := s.putJSON(ctx, p.TenantID, interfaces.UsersCollection, target.ID, target); err != nil {
			return err
		}
	}

	s.log.Info("Provisioned KEK blob",
		slog.String("tenant", p.TenantID),
		slog.String("user", req.UserID),
		slog.String("version", req.VersionID),
		slog.Bool("grant_admin", req.GrantAdmin))
	return nil
}

// ListOwnBlobs returns the caller's blobs ordered by version creation.
func (s *Service) ListOwnBlobs(ctx context.Context, p interfaces.Principal) ([]interfaces.KEKBlob, error) {
	if _, err := s.member(ctx, p); err != nil {
		return nil, err
	}
	blobs, err := listJSON[interfaces.KEKBlob](ctx, s.store, p.TenantID, interfaces.BlobsCollection)
	if err != nil {
		return nil, err
	}
	h, err := s.history(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}

	// Blobs of a version whose creation did not complete are not listed.
	own := make([]interfaces.KEKBlob, 0)
	for _, b := range blobs {
		if _, ok := h.Find(b.VersionID); ok && b.UserID == p.UserID {
			own = append(own, b)
		}
	}
	order := func(id string) int {
		return slices.IndexFunc(h, func(v interfaces.KEKVersion) bool { return v.ID == id })
	}
	slices.SortFunc(own, func(a, b interfaces.KEKBlob) int { return order(a.VersionID) - order(b.VersionID) })
	return own, nil
}

func (s *Service) putBlob(ctx context.Context, tenantID, userID, versionID, encrypted string) error {
	if _, err := base64.StdEncoding.DecodeString(encrypted); err != nil {
		return fmt.Errorf("%w: encryptedKek is not base64", interfaces.ErrValidation)
	}
	id := versionID + "/" + userID

	var existing interfaces.KEKBlob
	err := s.getJSON(ctx, tenantID, interfaces.BlobsCollection, id, &existing)
	switch {
	case err == nil && existing.EncryptedKEK == encrypted:
		return nil
	case err != nil && !errors.Is(err, interfaces.ErrNotFound):
		return err
	}

	return s.putJSON(ctx, tenantID, interfaces.BlobsCollection, id, interfaces.KEKBlob{
		UserID:        userID,
		VersionID:     versionID,
		EncryptedKEK:  encrypted,
		ProvisionedAt: s.now().UTC(),
	})
}

// PutMasterBlob stores a version's KEK sealed under the tenant master secret.
func (s *Service) PutMasterBlob(ctx context.Context, p interfaces.Principal, versionID, blob string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.admin(ctx, p); err != nil {
		return err
	}
	h, err := s.history(ctx, p.TenantID)
	if err != nil {
		return err
	}
	if _, ok := h.Find(versionID); !ok {
		return fmt.Errorf("%w: KEK version %s", interfaces.ErrNotFound, versionID)
	}
	return s.putMasterBlob(ctx, p.TenantID, versionID, blob)
}

func (s *Service) putMasterBlob(ctx context.Context, tenantID, versionID, blob string) error {
	if _, err := base64.StdEncoding.DecodeString(blob); err != nil || blob == "" {
		return fmt.Errorf("%w: master blob is not base64", interfaces.ErrValidation)
	}
	return s.putJSON(ctx, tenantID, interfaces.MasterBlobCollection, versionID, masterBlobRecord{Blob: blob})
}

func (s *Service) GetMasterBlob(ctx context.Context, p interfaces.Principal, versionID string) (string, error) {
	if _, err := s.admin(ctx, p); err != nil {
		return "", err
	}
	var rec masterBlobRecord
	err := s.getJSON(ctx, p.TenantID, interfaces.MasterBlobCollection, versionID, &rec)
	if errors.Is(err, interfaces.ErrNotFound) {
		return "", fmt.Errorf("%w: master blob of %s", interfaces.ErrNotFound, versionID)
	}
	return rec.Blob, err
}

// ListLogKeys returns the wrapped per-log keys sorted by log name.
func (s *Service) ListLogKeys(ctx context.Context, p interfaces.Principal) ([]interfaces.LogKeyRecord, error) {
	if _, err := s.member(ctx, p); err != nil {
		return nil, err
	}
	recs, err := listJSON[interfaces.LogKeyRecord](ctx, s.store, p.TenantID, interfaces.LogKeysCollection)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(recs, func(a, b interfaces.LogKeyRecord) int { return strings.Compare(a.LogName, b.LogName) })
	return recs, nil
}

func (s *Service) PutLogKey(ctx context.Context, p interfaces.Principal, rec interfaces.LogKeyRecord) error {
	if _, err := s.admin(ctx, p); err != nil {
		return err
	}
	if rec.LogName == "" || len(rec.WrappedDEK) == 0 {
		return fmt.Errorf("%w: logName and wrappedDek are required", interfaces.ErrValidation)
	}
	h, err := s.history(ctx, p.TenantID)
	if err != nil {
		return err
	}
	if _, ok := h.Find(rec.VersionID); !ok {
		return fmt.Errorf("%w: KEK version %s", interfaces.ErrNotFound, rec.VersionID)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = s.now().UTC()
	}
	return s.putJSON(ctx, p.TenantID, interfaces.LogKeysCollection, rec.LogName, rec)
}
