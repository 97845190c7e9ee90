package directory

import (
	"context"

	"github.com/neurallog/kek-custody/interfaces"
)

// Local is an in-process interfaces.Directory bound to one principal. It
// serves the embedded CLI mode and tests without an HTTP hop.
type Local struct {
	svc *Service
	p   interfaces.Principal
}

var _ interfaces.Directory = (*Local)(nil)

// As binds the service to a caller.
func (s *Service) As(p interfaces.Principal) *Local {
	return &Local{svc: s, p: p}
}

func (l *Local) ListKEKVersions(ctx context.Context) ([]interfaces.KEKVersion, error) {
	return l.svc.ListKEKVersions(ctx, l.p)
}

func (l *Local) CreateKEKVersion(ctx context.Context, req interfaces.VersionRequest) (interfaces.KEKVersion, error) {
	return l.svc.CreateVersion(ctx, l.p, VersionCreate, req)
}

func (l *Local) RotateKEK(ctx context.Context, req interfaces.VersionRequest) (interfaces.KEKVersion, error) {
	return l.svc.CreateVersion(ctx, l.p, VersionRotate, req)
}

func (l *Local) RecoverKEK(ctx context.Context, req interfaces.VersionRequest) (interfaces.KEKVersion, error) {
	return l.svc.CreateVersion(ctx, l.p, VersionRecover, req)
}

func (l *Local) RetireKEKVersion(ctx context.Context, versionID string) (interfaces.KEKVersion, error) {
	return l.svc.RetireVersion(ctx, l.p, versionID)
}

func (l *Local) Provision(ctx context.Context, req interfaces.ProvisionRequest) error {
	return l.svc.Provision(ctx, l.p, req)
}

func (l *Local) ListOwnBlobs(ctx context.Context) ([]interfaces.KEKBlob, error) {
	return l.svc.ListOwnBlobs(ctx, l.p)
}

func (l *Local) PutMasterBlob(ctx context.Context, versionID, blob string) error {
	return l.svc.PutMasterBlob(ctx, l.p, versionID, blob)
}

func (l *Local) GetMasterBlob(ctx context.Context, versionID string) (string, error) {
	return l.svc.GetMasterBlob(ctx, l.p, versionID)
}

func (l *Local) WhoAmI(ctx context.Context) (interfaces.User, error) {
	return l.svc.WhoAmI(ctx, l.p)
}

func (l *Local) ListUsers(ctx context.Context) ([]interfaces.User, error) {
	return l.svc.ListUsers(ctx, l.p, false)
}

func (l *Local) ListAdmins(ctx context.Context) ([]interfaces.User, error) {
	return l.svc.ListUsers(ctx, l.p, true)
}

func (l *Local) UploadPublicKey(ctx context.Context, publicKeyPEM []byte) error {
	return l.svc.UploadPublicKey(ctx, l.p, publicKeyPEM)
}

func (l *Local) GetPublicKey(ctx context.Context, userID string) ([]byte, error) {
	return l.svc.GetPublicKey(ctx, l.p, userID)
}

func (l *Local) CreatePromotion(ctx context.Context, req interfaces.CreatePromotionRequest) (interfaces.AdminPromotionRequest, error) {
	return l.svc.CreatePromotion(ctx, l.p, req)
}

func (l *Local) ListPendingPromotions(ctx context.Context) ([]interfaces.AdminPromotionRequest, error) {
	return l.svc.ListPendingPromotions(ctx, l.p)
}

func (l *Local) GetPromotionShare(ctx context.Context, requestID string) (string, interfaces.PromotionStatus, error) {
	return l.svc.GetPromotionShare(ctx, l.p, requestID)
}

func (l *Local) ApprovePromotion(ctx context.Context, requestID string, expected interfaces.PromotionStatus) (interfaces.AdminPromotionRequest, error) {
	return l.svc.ApprovePromotion(ctx, l.p, requestID, expected)
}

func (l *Local) RejectPromotion(ctx context.Context, requestID string, expected interfaces.PromotionStatus) (interfaces.AdminPromotionRequest, error) {
	return l.svc.RejectPromotion(ctx, l.p, requestID, expected)
}

func (l *Local) CreateRecoverySession(ctx context.Context, versionID string, threshold int, reason string) (interfaces.RecoverySession, error) {
	return l.svc.CreateRecoverySession(ctx, l.p, versionID, threshold, reason)
}

func (l *Local) GetRecoverySession(ctx context.Context, sessionID string) (interfaces.RecoverySession, error) {
	return l.svc.GetRecoverySession(ctx, l.p, sessionID)
}

func (l *Local) TransitionRecoverySession(ctx context.Context, sessionID string, tr interfaces.RecoveryTransition) (interfaces.RecoverySession, error) {
	return l.svc.TransitionRecoverySession(ctx, l.p, sessionID, tr)
}

func (l *Local) ListLogKeys(ctx context.Context) ([]interfaces.LogKeyRecord, error) {
	return l.svc.ListLogKeys(ctx, l.p)
}

func (l *Local) PutLogKey(ctx context.Context, rec interfaces.LogKeyRecord) error {
	return l.svc.PutLogKey(ctx, l.p, rec)
}
