package interfaces

import "context"

// KEKDirectory manages KEK version metadata and provisioning blobs.
type KEKDirectory interface {
	ListKEKVersions(ctx context.Context) ([]KEKVersion, error)
	// CreateKEKVersion demotes the current Active version (if any) to
	// DecryptOnly and creates a new Active one in a single step.
	CreateKEKVersion(ctx context.Context, req VersionRequest) (KEKVersion, error)
	RotateKEK(ctx context.Context, req VersionRequest) (KEKVersion, error)
	RecoverKEK(ctx context.Context, req VersionRequest) (KEKVersion, error)
	RetireKEKVersion(ctx context.Context, versionID string) (KEKVersion, error)

	// Provision is idempotent per user and version.
	Provision(ctx context.Context, req ProvisionRequest) error
	// ListOwnBlobs returns the caller's provisioning blobs across versions.
	ListOwnBlobs(ctx context.Context) ([]KEKBlob, error)

	PutMasterBlob(ctx context.Context, versionID, blob string) error
	GetMasterBlob(ctx context.Context, versionID string) (string, error)
}

// UserDirectory exposes tenant membership and public keys.
type UserDirectory interface {
	WhoAmI(ctx context.Context) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	ListAdmins(ctx context.Context) ([]User, error)
	// UploadPublicKey publishes the caller's PEM public key.
	UploadPublicKey(ctx context.Context, publicKeyPEM []byte) error
	// GetPublicKey returns ErrNotFound when the user has no key.
	GetPublicKey(ctx context.Context, userID string) ([]byte, error)
}

// PromotionDirectory stores admin promotion requests and their approvals.
type PromotionDirectory interface {
	CreatePromotion(ctx context.Context, req CreatePromotionRequest) (AdminPromotionRequest, error)
	ListPendingPromotions(ctx context.Context) ([]AdminPromotionRequest, error)
	// GetPromotionShare returns the caller's encrypted share and the current status.
	GetPromotionShare(ctx context.Context, requestID string) (string, PromotionStatus, error)
	ApprovePromotion(ctx context.Context, requestID string, expected PromotionStatus) (AdminPromotionRequest, error)
	RejectPromotion(ctx context.Context, requestID string, expected PromotionStatus) (AdminPromotionRequest, error)
}

// RecoveryDirectory stores recovery session metadata.
type RecoveryDirectory interface {
	CreateRecoverySession(ctx context.Context, versionID string, threshold int, reason string) (RecoverySession, error)
	GetRecoverySession(ctx context.Context, sessionID string) (RecoverySession, error)
	TransitionRecoverySession(ctx context.Context, sessionID string, tr RecoveryTransition) (RecoverySession, error)
}

// LogKeyDirectory stores wrapped per-log data-encryption keys.
type LogKeyDirectory interface {
	ListLogKeys(ctx context.Context) ([]LogKeyRecord, error)
	PutLogKey(ctx context.Context, rec LogKeyRecord) error
}

// Directory is the full tenant-scoped Directory & Coordination Service as
// seen by an authenticated client.
type Directory interface {
	KEKDirectory
	UserDirectory
	PromotionDirectory
	RecoveryDirectory
	LogKeyDirectory
}
