// Package promotion grants admin rights to a tenant member. With a single
// admin the KEK is provisioned directly; with several, the KEK is split and
// each other admin receives one share that only they can open, and the
// candidate is provisioned once enough admins have approved.
package promotion

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kekstore"
	"github.com/neurallog/kek-custody/sharetransport"
	"github.com/neurallog/kek-custody/tenant"
)

type Path string

const (
	PathSingleAdmin Path = "single-admin"
	PathThreshold   Path = "threshold"
)

// PromotionPlan is what StartPromotion found out about the tenant, and the
// share parameters the operator settled on.
type PromotionPlan struct {
	CandidateID   string
	CandidateName string
	VersionID     string
	AdminCount    int
	Path          Path
	Threshold     int
	NumShares     int
}

// Configure sets the share parameters of a threshold plan. The threshold
// must be in [2, A] and numShares in [threshold, A] where A is the admin count.
func (p *PromotionPlan) Configure(threshold, numShares int) error {
	if p.Path != PathThreshold {
		return fmt.Errorf("%w: a single-admin promotion has no share parameters", interfaces.ErrValidation)
	}
	if threshold < 2 || threshold > p.AdminCount {
		return fmt.Errorf("%w: threshold must be between 2 and %d", interfaces.ErrValidation, p.AdminCount)
	}
	if numShares < threshold || numShares > p.AdminCount {
		return fmt.Errorf("%w: share count must be between %d and %d", interfaces.ErrValidation, threshold, p.AdminCount)
	}
	p.Threshold, p.NumShares = threshold, numShares
	return nil
}

// ThresholdResult reports what ExecuteThresholdAdmin did.
type ThresholdResult struct {
	// Request is nil when the promotion completed without distribution.
	Request *interfaces.AdminPromotionRequest
	// AdminsNotified is min(numShares, admins) - 1.
	AdminsNotified int
	// RequesterShare is share 0 encoded as {"x":..,"y":..}. It is stored
	// nowhere; the requester hands it to one of the recipients out of band.
	RequesterShare string
	Completed      bool
}

type Orchestrator struct {
	tc        *tenant.Context
	store     *kekstore.Store
	transport *sharetransport.Transport
}

func New(tc *tenant.Context) *Orchestrator {
	return &Orchestrator{
		tc:        tc,
		store:     kekstore.NewStore(tc),
		transport: sharetransport.New(tc),
	}
}

// StartPromotion checks the candidate and picks the promotion path from the
// current admin count.
func (o *Orchestrator) StartPromotion(ctx context.Context, candidateID string) (PromotionPlan, error) {
	if err := o.tc.Validate(); err != nil {
		return PromotionPlan{}, err
	}
	candidate, err := o.candidate(ctx, candidateID)
	if err != nil {
		return PromotionPlan{}, err
	}
	active, err := o.store.Active(ctx)
	if err != nil {
		return PromotionPlan{}, err
	}
	admins, err := o.tc.Directory.ListAdmins(ctx)
	if err != nil {
		return PromotionPlan{}, interfaces.NewOpError("list admins", o.tc.TenantID, err)
	}

	plan := PromotionPlan{
		CandidateID:   candidate.ID,
		CandidateName: candidate.Username,
		VersionID:     active.ID,
		AdminCount:    len(admins),
	}
	if plan.AdminCount <= 1 {
		plan.Path = PathSingleAdmin
		plan.Threshold, plan.NumShares = 1, 1
		return plan, nil
	}
	plan.Path = PathThreshold
	plan.Threshold = max(2, (plan.AdminCount+1)/2)
	plan.NumShares = plan.AdminCount
	return plan, nil
}

// ExecuteSingleAdmin provisions versionID to the candidate with admin
// rights, using the operator's own copy of the KEK.
func (o *Orchestrator) ExecuteSingleAdmin(ctx context.Context, auth *tenant.Authority, candidateID, versionID string) error {
	if err := o.tc.Validate(); err != nil {
		return err
	}
	if !auth.HasKEK(versionID) {
		return interfaces.NewOpError("promote", candidateID, fmt.Errorf("%w: %s", interfaces.ErrNotAuthorized, versionID))
	}
	if err := o.store.Provision(ctx, auth, candidateID, versionID, true); err != nil {
		return err
	}
	o.tc.Logger().Info("Promoted admin", slog.String("candidate", candidateID), slog.String("version", versionID), slog.String("path", string(PathSingleAdmin)))
	return nil
}

// ExecuteThresholdAdmin splits the active KEK into numShares shares with the
// given threshold and stores a pending promotion request carrying one
// encrypted share per other admin. Share 0 belongs to the requester and is
// returned encoded in the result rather than stored. Nothing is persisted
// unless every share was sealed.
func (o *Orchestrator) ExecuteThresholdAdmin(ctx context.Context, auth *tenant.Authority, candidateID string, numShares, threshold int, password string) (ThresholdResult, error) {
	if err := o.tc.Validate(); err != nil {
		return ThresholdResult{}, err
	}
	if threshold < 1 || numShares < threshold {
		return ThresholdResult{}, fmt.Errorf("%w: need 1 <= threshold <= numShares, got %d of %d", interfaces.ErrValidation, threshold, numShares)
	}
	if _, err := o.candidate(ctx, candidateID); err != nil {
		return ThresholdResult{}, err
	}

	if err := o.publishOwnKey(ctx, auth, password); err != nil {
		return ThresholdResult{}, err
	}

	active, err := o.store.Active(ctx)
	if err != nil {
		return ThresholdResult{}, err
	}
	kek, err := auth.KEK(active.ID)
	if err != nil {
		return ThresholdResult{}, interfaces.NewOpError("promote", candidateID, err)
	}
	defer cryptoutils.Wipe(kek)

	shares, err := o.tc.Crypto.SplitSecret(kek, numShares, threshold)
	if err != nil {
		return ThresholdResult{}, interfaces.NewOpError("split KEK", active.ID, err)
	}
	defer func() {
		for _, s := range shares {
			cryptoutils.Wipe(s.Y)
		}
	}()

	if threshold == 1 {
		if err := o.ExecuteSingleAdmin(ctx, auth, candidateID, active.ID); err != nil {
			return ThresholdResult{}, err
		}
		return ThresholdResult{Completed: true}, nil
	}

	recipients, err := o.recipients(ctx, auth.UserID(), candidateID, numShares-1)
	if err != nil {
		return ThresholdResult{}, err
	}
	if len(recipients) == 0 {
		return ThresholdResult{}, fmt.Errorf("%w: no other admin can receive a share", interfaces.ErrValidation)
	}

	own, err := sharetransport.EncodeShare(shares[0])
	if err != nil {
		return ThresholdResult{}, interfaces.NewOpError("encode requester share", candidateID, err)
	}

	encrypted := make(map[string]string, len(recipients))
	for i, adminID := range recipients {
		ct, err := o.transport.EncryptShareForAdmin(ctx, shares[i+1], adminID)
		if err != nil {
			return ThresholdResult{}, err
		}
		encrypted[adminID] = ct
	}

	pr, err := o.tc.Directory.CreatePromotion(ctx, interfaces.CreatePromotionRequest{
		CandidateID:     candidateID,
		VersionID:       active.ID,
		Threshold:       threshold,
		NumShares:       numShares,
		EncryptedShares: encrypted,
	})
	if err != nil {
		return ThresholdResult{}, interfaces.NewOpError("create promotion request", candidateID, err)
	}

	o.tc.Logger().Info("Distributed promotion shares",
		slog.String("request", pr.ID),
		slog.String("candidate", candidateID),
		slog.Int("notified", len(encrypted)),
		slog.Int("threshold", threshold))
	return ThresholdResult{Request: &pr, AdminsNotified: len(encrypted), RequesterShare: string(own)}, nil
}

// publishOwnKey uploads the requester's password-derived public key. The
// password must derive the key the authority was unlocked with.
func (o *Orchestrator) publishOwnKey(ctx context.Context, auth *tenant.Authority, password string) error {
	keys, err := o.tc.Crypto.DeriveKeyPair(o.tc.TenantID, auth.UserID(), password)
	if err != nil {
		return interfaces.NewOpError("derive key pair", auth.UserID(), err)
	}
	cryptoutils.Wipe(keys.PrivateKey)
	if !bytes.Equal(keys.PublicKey, auth.PublicKey()) {
		return interfaces.NewOpError("promote", auth.UserID(), fmt.Errorf("%w: wrong password", interfaces.ErrAuthorization))
	}
	if err := o.tc.Directory.UploadPublicKey(ctx, keys.PublicKey); err != nil {
		return interfaces.NewOpError("upload public key", auth.UserID(), err)
	}
	return nil
}

// recipients returns up to limit admins other than the requester and the
// candidate, in roster order without duplicates.
func (o *Orchestrator) recipients(ctx context.Context, requesterID, candidateID string, limit int) ([]string, error) {
	admins, err := o.tc.Directory.ListAdmins(ctx)
	if err != nil {
		return nil, interfaces.NewOpError("list admins", o.tc.TenantID, err)
	}
	out := make([]string, 0, limit)
	for _, a := range admins {
		if len(out) == limit {
			break
		}
		if a.ID == requesterID || a.ID == candidateID || slices.Contains(out, a.ID) {
			continue
		}
		out = append(out, a.ID)
	}
	return out, nil
}

func (o *Orchestrator) candidate(ctx context.Context, candidateID string) (interfaces.User, error) {
	users, err := o.tc.Directory.ListUsers(ctx)
	if err != nil {
		return interfaces.User{}, interfaces.NewOpError("list users", o.tc.TenantID, err)
	}
	i := slices.IndexFunc(users, func(u interfaces.User) bool { return u.ID == candidateID })
	if i < 0 {
		return interfaces.User{}, interfaces.NewOpError("promote", candidateID, fmt.Errorf("%w: unknown candidate", interfaces.ErrValidation))
	}
	if users[i].IsAdmin {
		return interfaces.User{}, interfaces.NewOpError("promote", candidateID, fmt.Errorf("%w: candidate is already an admin", interfaces.ErrValidation))
	}
	return users[i], nil
}
