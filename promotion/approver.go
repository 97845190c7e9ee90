package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kekstore"
	"github.com/neurallog/kek-custody/kms"
	"github.com/neurallog/kek-custody/sharetransport"
	"github.com/neurallog/kek-custody/tenant"
)

// ApprovalResult is the outcome of one approval. When Provisioned is false
// Progress tells how many shares the approver's book still lacks.
type ApprovalResult struct {
	Request     interfaces.AdminPromotionRequest
	Provisioned bool
	Progress    interfaces.NeedMoreShares
}

// Approver acts on promotion requests for one admin. It keeps a share book
// per request: the admin's own decrypted share plus any shares other
// admins handed over out of band. The directory only ever sees approvals.
type Approver struct {
	tc        *tenant.Context
	auth      *tenant.Authority
	store     *kekstore.Store
	transport *sharetransport.Transport

	mu    sync.Mutex
	books map[string]*kms.ShareCollector
}

func NewApprover(tc *tenant.Context, auth *tenant.Authority) *Approver {
	return &Approver{
		tc:        tc,
		auth:      auth,
		store:     kekstore.NewStore(tc),
		transport: sharetransport.New(tc),
		books:     make(map[string]*kms.ShareCollector),
	}
}

// ListPending returns the pending requests this admin requested or holds a share of.
func (a *Approver) ListPending(ctx context.Context) ([]interfaces.AdminPromotionRequest, error) {
	if err := a.tc.Validate(); err != nil {
		return nil, err
	}
	pending, err := a.tc.Directory.ListPendingPromotions(ctx)
	if err != nil {
		return nil, interfaces.NewOpError("list pending promotions", a.auth.UserID(), err)
	}
	return pending, nil
}

// Approve opens this admin's share with password, records the approval and
// adds the share to the book. When the book reaches the threshold the KEK
// is rebuilt and provisioned to the candidate with admin rights, and the
// request is closed as approved.
//
// A password that cannot open the share leaves the request untouched.
func (a *Approver) Approve(ctx context.Context, requestID, password string) (ApprovalResult, error) {
	share, status, err := a.ownShare(ctx, requestID, password)
	if err != nil {
		return ApprovalResult{}, interfaces.NewOpError("approve", requestID, err)
	}
	defer cryptoutils.Wipe(share.Y)

	pr, err := a.tc.Directory.ApprovePromotion(ctx, requestID, status)
	if err != nil {
		return ApprovalResult{}, interfaces.NewOpError("approve", requestID, err)
	}
	a.tc.Logger().Info("Approved promotion", slog.String("request", requestID), slog.String("approver", a.auth.UserID()))
	if pr.Status == interfaces.PromotionApproved {
		a.Discard(requestID)
		return ApprovalResult{Request: pr, Provisioned: true}, nil
	}

	book := a.book(requestID, pr.Threshold)
	if err := book.Add(share); err != nil && !errors.Is(err, interfaces.ErrDuplicateShare) {
		return ApprovalResult{}, interfaces.NewOpError("approve", requestID, err)
	}
	return a.tryProvision(ctx, pr, book)
}

// ExportShare opens this admin's share of a request and returns it encoded
// as {"x":..,"y":..}, for handing to another admin out of band. Nothing is
// recorded on the request.
func (a *Approver) ExportShare(ctx context.Context, requestID, password string) (string, error) {
	share, _, err := a.ownShare(ctx, requestID, password)
	if err != nil {
		return "", interfaces.NewOpError("export share", requestID, err)
	}
	defer cryptoutils.Wipe(share.Y)

	data, err := sharetransport.EncodeShare(share)
	if err != nil {
		return "", interfaces.NewOpError("export share", requestID, err)
	}
	a.tc.Logger().Info("Exported promotion share", slog.String("request", requestID), slog.String("admin", a.auth.UserID()))
	return string(data), nil
}

// ownShare fetches and opens this admin's share of a request that was not rejected.
func (a *Approver) ownShare(ctx context.Context, requestID, password string) (interfaces.SecretShare, interfaces.PromotionStatus, error) {
	if err := a.tc.Validate(); err != nil {
		return interfaces.SecretShare{}, "", err
	}
	ct, status, err := a.tc.Directory.GetPromotionShare(ctx, requestID)
	if err != nil {
		return interfaces.SecretShare{}, "", fmt.Errorf("fetch promotion share: %w", err)
	}
	if status == interfaces.PromotionRejected {
		return interfaces.SecretShare{}, "", interfaces.ErrAlreadyResolved
	}
	share, err := a.transport.DecryptShare(ct, a.auth.UserID(), password)
	if err != nil {
		return interfaces.SecretShare{}, "", err
	}
	return share, status, nil
}

// AddOutOfBandShares adds shares received from other admins to the book of
// a pending request. Each malformed or duplicate share is reported without
// dropping the ones already held. Call Approve afterwards to finish once ready.
func (a *Approver) AddOutOfBandShares(ctx context.Context, requestID string, shares ...interfaces.SecretShare) (interfaces.NeedMoreShares, error) {
	pr, err := a.pending(ctx, requestID)
	if err != nil {
		return interfaces.NeedMoreShares{}, err
	}
	book := a.book(requestID, pr.Threshold)

	var errs []error
	for _, s := range shares {
		if err := book.Add(s); err != nil {
			errs = append(errs, fmt.Errorf("share x=%d: %w", s.X, err))
		}
	}
	progress := interfaces.NeedMoreShares{Collected: book.Count(), Threshold: pr.Threshold}
	return progress, errors.Join(errs...)
}

// Reject marks a pending request rejected and drops its book.
func (a *Approver) Reject(ctx context.Context, requestID string) (interfaces.AdminPromotionRequest, error) {
	if err := a.tc.Validate(); err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}
	pr, err := a.tc.Directory.RejectPromotion(ctx, requestID, interfaces.PromotionPending)
	if err != nil {
		return interfaces.AdminPromotionRequest{}, interfaces.NewOpError("reject", requestID, err)
	}
	a.Discard(requestID)
	a.tc.Logger().Info("Rejected promotion", slog.String("request", requestID), slog.String("admin", a.auth.UserID()))
	return pr, nil
}

// Discard wipes the book of one request.
func (a *Approver) Discard(requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.books[requestID]; ok {
		b.Wipe()
		delete(a.books, requestID)
	}
}

func (a *Approver) tryProvision(ctx context.Context, pr interfaces.AdminPromotionRequest, book *kms.ShareCollector) (ApprovalResult, error) {
	res := ApprovalResult{
		Request:  pr,
		Progress: interfaces.NeedMoreShares{Collected: book.Count(), Threshold: pr.Threshold},
	}
	if !book.Ready() {
		return res, nil
	}

	shares := book.Shares()
	defer func() {
		for _, s := range shares {
			cryptoutils.Wipe(s.Y)
		}
	}()
	kek, err := a.tc.Crypto.ReconstructSecret(shares)
	if err != nil {
		var cerr *interfaces.CryptoError
		if errors.As(err, &cerr) {
			cerr.Required = pr.Threshold
		}
		return res, interfaces.NewOpError("reconstruct KEK", pr.ID, err)
	}
	defer cryptoutils.Wipe(kek)

	if err := a.store.ProvisionKEK(ctx, kek, pr.CandidateID, pr.VersionID, true); err != nil {
		return res, err
	}
	a.Discard(pr.ID)
	res.Provisioned = true

	a.tc.Logger().Info("Promoted admin",
		slog.String("request", pr.ID),
		slog.String("candidate", pr.CandidateID),
		slog.String("path", string(PathThreshold)))

	closed, err := a.tc.Directory.ApprovePromotion(ctx, pr.ID, interfaces.PromotionPending)
	if err != nil {
		return res, interfaces.NewOpError("close promotion", pr.ID, err)
	}
	res.Request = closed
	return res, nil
}

func (a *Approver) book(requestID string, threshold int) *kms.ShareCollector {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.books[requestID]
	if !ok {
		b = kms.NewShareCollector(threshold)
		a.books[requestID] = b
	}
	return b
}

func (a *Approver) pending(ctx context.Context, requestID string) (interfaces.AdminPromotionRequest, error) {
	pending, err := a.ListPending(ctx)
	if err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}
	i := slices.IndexFunc(pending, func(pr interfaces.AdminPromotionRequest) bool { return pr.ID == requestID })
	if i < 0 {
		return interfaces.AdminPromotionRequest{}, interfaces.NewOpError("add shares", requestID, fmt.Errorf("%w: no pending request", interfaces.ErrNotFound))
	}
	return pending[i], nil
}
