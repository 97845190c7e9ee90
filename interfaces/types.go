package interfaces

import (
	"slices"
	"time"
)

// KEKStatus is the lifecycle state of a KEK version.
type KEKStatus string

const (
	// KEKStatusActive marks the single version used for new encryption.
	KEKStatusActive KEKStatus = "active"
	// KEKStatusDecryptOnly marks a superseded version still usable for decryption.
	KEKStatusDecryptOnly KEKStatus = "decrypt-only"
	// KEKStatusRetired marks a version kept only for archival decryption.
	KEKStatusRetired KEKStatus = "retired"
)

// Valid reports whether s is a known KEK status.
func (s KEKStatus) Valid() bool {
	switch s {
	case KEKStatusActive, KEKStatusDecryptOnly, KEKStatusRetired:
		return true
	}
	return false
}

// KEKVersion is one generation of a tenant's key-encryption key. Only
// metadata is held here; key material never leaves the clients in plaintext.
type KEKVersion struct {
	ID                     string    `json:"id"`
	Status                 KEKStatus `json:"status"`
	CreatedBy              string    `json:"createdBy"`
	CreatedAt              time.Time `json:"createdAt"`
	Reason                 string    `json:"reason"`
	RecoveredFromVersionID string    `json:"recoveredFromVersionId,omitempty"`
	RevokedUserIDs         []string  `json:"revokedUserIds,omitempty"`
}

// Revoked reports whether userID was excluded from this version by a rotation.
func (v KEKVersion) Revoked(userID string) bool {
	return slices.Contains(v.RevokedUserIDs, userID)
}

// User is a tenant member as known to the directory.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// SecretShare is one Shamir share: X is the evaluation point, Y the share bytes.
type SecretShare struct {
	X int    `json:"x"`
	Y []byte `json:"y"`
}

// PromotionStatus is the state of an admin promotion request.
type PromotionStatus string

const (
	PromotionPending  PromotionStatus = "pending"
	PromotionApproved PromotionStatus = "approved"
	PromotionRejected PromotionStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s PromotionStatus) Terminal() bool {
	return s == PromotionApproved || s == PromotionRejected
}

// AdminPromotionRequest asks the existing admins to grant admin rights to a
// candidate. EncryptedShares maps each recipient admin to a base64 share
// ciphertext only that admin can open.
type AdminPromotionRequest struct {
	ID              string               `json:"id"`
	CandidateID     string               `json:"candidateId"`
	CandidateName   string               `json:"candidateName"`
	RequesterID     string               `json:"requesterId"`
	RequesterName   string               `json:"requesterName"`
	Timestamp       time.Time            `json:"timestamp"`
	Status          PromotionStatus      `json:"status"`
	VersionID       string               `json:"versionId"`
	Threshold       int                  `json:"threshold"`
	NumShares       int                  `json:"numShares"`
	EncryptedShares map[string]string    `json:"encryptedShares"`
	Approvals       map[string]time.Time `json:"approvals,omitempty"`
}

// Recipient reports whether adminID holds a share of this request.
func (r AdminPromotionRequest) Recipient(adminID string) bool {
	_, ok := r.EncryptedShares[adminID]
	return ok
}

// CreatePromotionRequest is the payload submitted by a requester once all
// shares have been encrypted.
type CreatePromotionRequest struct {
	CandidateID     string            `json:"candidateId"`
	VersionID       string            `json:"versionId"`
	Threshold       int               `json:"threshold"`
	NumShares       int               `json:"numShares"`
	EncryptedShares map[string]string `json:"encryptedShares"`
}

// RecoveryStatus is the state of a KEK recovery session.
type RecoveryStatus string

const (
	RecoveryPending       RecoveryStatus = "pending"
	RecoveryCollecting    RecoveryStatus = "collecting"
	RecoveryReconstructed RecoveryStatus = "reconstructed"
	RecoveryCompleted     RecoveryStatus = "completed"
	RecoveryExpired       RecoveryStatus = "expired"
)

// CanAdvance reports whether a session may move from s to next. Statuses
// only move forward; expiry can supersede an open session.
func (s RecoveryStatus) CanAdvance(next RecoveryStatus) bool {
	switch s {
	case RecoveryPending:
		return next == RecoveryCollecting || next == RecoveryExpired
	case RecoveryCollecting:
		return next == RecoveryReconstructed || next == RecoveryExpired
	case RecoveryReconstructed:
		return next == RecoveryCompleted
	}
	return false
}

// RecoverySessionTTL bounds how long a recovery session accepts work.
const RecoverySessionTTL = 24 * time.Hour

// ShareSubmissionRecord notes that a share with evaluation point X was used.
// The share bytes themselves are never sent to the directory.
type ShareSubmissionRecord struct {
	X           int       `json:"x"`
	SubmittedBy string    `json:"submittedBy"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// RecoverySession tracks the collection of shares needed to rebuild a lost KEK version.
type RecoverySession struct {
	ID        string                  `json:"id"`
	VersionID string                  `json:"versionId"`
	Threshold int                     `json:"threshold"`
	Reason    string                  `json:"reason"`
	Status    RecoveryStatus          `json:"status"`
	Shares    []ShareSubmissionRecord `json:"shares"`
	CreatedBy string                  `json:"createdBy"`
	CreatedAt time.Time               `json:"createdAt"`
	ExpiresAt time.Time               `json:"expiresAt"`
}

// EffectiveStatus evaluates expiry lazily: an open session past its
// deadline reads as expired regardless of the stored status.
func (s RecoverySession) EffectiveStatus(now time.Time) RecoveryStatus {
	switch s.Status {
	case RecoveryPending, RecoveryCollecting:
		if now.After(s.ExpiresAt) {
			return RecoveryExpired
		}
	}
	return s.Status
}

// RecoveryTransition is a compare-and-set request on a recovery session.
type RecoveryTransition struct {
	Expected RecoveryStatus          `json:"expected"`
	Next     RecoveryStatus          `json:"next"`
	Shares   []ShareSubmissionRecord `json:"shares,omitempty"`
}

// KEKBlob is a KEK version encrypted to one user's public key.
type KEKBlob struct {
	UserID        string    `json:"userId"`
	VersionID     string    `json:"versionId"`
	EncryptedKEK  string    `json:"encryptedKek"`
	ProvisionedAt time.Time `json:"provisionedAt"`
}

// ProvisionRequest grants a user a KEK version, optionally with admin rights.
type ProvisionRequest struct {
	UserID       string `json:"userId"`
	VersionID    string `json:"versionId"`
	EncryptedKEK string `json:"encryptedKek"`
	GrantAdmin   bool   `json:"grantAdmin"`
}

// VersionRequest carries everything needed to create a KEK version in one
// directory call: blobs for the users that should hold the new KEK and,
// optionally, the KEK sealed under the tenant master secret.
type VersionRequest struct {
	Reason                 string            `json:"reason"`
	RemovedUserIDs         []string          `json:"removedUsers,omitempty"`
	RecoveredFromVersionID string            `json:"recoveredFromVersionId,omitempty"`
	Blobs                  map[string]string `json:"blobs,omitempty"`
	MasterBlob             string            `json:"masterBlob,omitempty"`
}

// LogKeyRecord is a per-log data-encryption key wrapped under a KEK version.
type LogKeyRecord struct {
	LogName    string    `json:"logName"`
	VersionID  string    `json:"versionId"`
	WrappedDEK []byte    `json:"wrappedDek"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Principal identifies the caller of a directory operation.
type Principal struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
}

