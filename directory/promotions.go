package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/neurallog/kek-custody/interfaces"
)

// CreatePromotion stores a pending promotion request with one encrypted
// share per recipient admin.
func (s *Service) CreatePromotion(ctx context.Context, p interfaces.Principal, req interfaces.CreatePromotionRequest) (interfaces.AdminPromotionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requester, err := s.admin(ctx, p)
	if err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}

	candidate, err := s.getUser(ctx, p.TenantID, req.CandidateID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: candidate %s", interfaces.ErrNotFound, req.CandidateID)
	}
	if err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}
	if candidate.IsAdmin {
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: %s is already an admin", interfaces.ErrValidation, candidate.Username)
	}

	if req.Threshold < 2 || req.NumShares < req.Threshold {
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: need 2 <= threshold <= numShares, got %d of %d", interfaces.ErrValidation, req.Threshold, req.NumShares)
	}
	if len(req.EncryptedShares) == 0 || len(req.EncryptedShares) > req.NumShares-1 {
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: %d encrypted shares for %d shares", interfaces.ErrValidation, len(req.EncryptedShares), req.NumShares)
	}
	for adminID, ct := range req.EncryptedShares {
		if adminID == p.UserID || adminID == req.CandidateID || ct == "" {
			return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: invalid share recipient %s", interfaces.ErrValidation, adminID)
		}
		recipient, err := s.getUser(ctx, p.TenantID, adminID)
		if err != nil || !recipient.IsAdmin {
			return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: share recipient %s is not an admin", interfaces.ErrValidation, adminID)
		}
	}

	h, err := s.history(ctx, p.TenantID)
	if err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}
	if _, ok := h.Find(req.VersionID); !ok {
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: KEK version %s", interfaces.ErrNotFound, req.VersionID)
	}

	pr := interfaces.AdminPromotionRequest{
		ID:              s.newID(),
		CandidateID:     candidate.ID,
		CandidateName:   candidate.Username,
		RequesterID:     requester.ID,
		RequesterName:   requester.Username,
		Timestamp:       s.now().UTC(),
		Status:          interfaces.PromotionPending,
		VersionID:       req.VersionID,
		Threshold:       req.Threshold,
		NumShares:       req.NumShares,
		EncryptedShares: req.EncryptedShares,
		Approvals:       map[string]time.Time{},
	}
	if err := s.putJSON(ctx, p.TenantID, interfaces.PromotionsCollection, pr.ID, pr); err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}

	s.log.Info("Created promotion request",
		slog.String("tenant", p.TenantID),
		slog.String("request", pr.ID),
		slog.String("candidate", pr.CandidateID),
		slog.Int("recipients", len(pr.EncryptedShares)),
		slog.Int("threshold", pr.Threshold))
	return pr, nil
}

// ListPendingPromotions returns the pending requests the caller requested
// or holds a share of, oldest first.
func (s *Service) ListPendingPromotions(ctx context.Context, p interfaces.Principal) ([]interfaces.AdminPromotionRequest, error) {
	if _, err := s.admin(ctx, p); err != nil {
		return nil, err
	}
	all, err := listJSON[interfaces.AdminPromotionRequest](ctx, s.store, p.TenantID, interfaces.PromotionsCollection)
	if err != nil {
		return nil, err
	}
	pending := slices.DeleteFunc(all, func(pr interfaces.AdminPromotionRequest) bool {
		return pr.Status != interfaces.PromotionPending || (pr.RequesterID != p.UserID && !pr.Recipient(p.UserID))
	})
	slices.SortFunc(pending, func(a, b interfaces.AdminPromotionRequest) int { return a.Timestamp.Compare(b.Timestamp) })
	return pending, nil
}

// GetPromotionShare returns the caller's encrypted share and the request status.
func (s *Service) GetPromotionShare(ctx context.Context, p interfaces.Principal, requestID string) (string, interfaces.PromotionStatus, error) {
	if _, err := s.admin(ctx, p); err != nil {
		return "", "", err
	}
	pr, err := s.getPromotion(ctx, p.TenantID, requestID)
	if err != nil {
		return "", "", err
	}
	ct, ok := pr.EncryptedShares[p.UserID]
	if !ok {
		return "", "", fmt.Errorf("%w: no share for %s in request %s", interfaces.ErrNotFound, p.UserID, requestID)
	}
	return ct, pr.Status, nil
}

// ApprovePromotion records the caller's approval. The request becomes
// Approved only once the candidate is an admin holding a blob of the
// request's version, so approvals alone never resolve it; an approver who
// provisioned the candidate approves again to close the request.
// Approving a rejected request, or an approved one the caller took no part
// in, fails with ErrAlreadyResolved.
func (s *Service) ApprovePromotion(ctx context.Context, p interfaces.Principal, requestID string, expected interfaces.PromotionStatus) (interfaces.AdminPromotionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.admin(ctx, p); err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}
	pr, err := s.getPromotion(ctx, p.TenantID, requestID)
	if err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}
	if !pr.Recipient(p.UserID) {
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: %s holds no share of request %s", interfaces.ErrAuthorization, p.UserID, requestID)
	}

	_, approvedBefore := pr.Approvals[p.UserID]
	switch pr.Status {
	case interfaces.PromotionRejected:
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: request %s was rejected", interfaces.ErrAlreadyResolved, requestID)
	case interfaces.PromotionApproved:
		if approvedBefore {
			return pr, nil
		}
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: request %s was approved", interfaces.ErrAlreadyResolved, requestID)
	}
	if expected != pr.Status {
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: request %s is %s, expected %s", interfaces.ErrConflict, requestID, pr.Status, expected)
	}

	provisioned, err := s.candidateProvisioned(ctx, p.TenantID, pr)
	if err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}
	if approvedBefore && !provisioned {
		return pr, nil
	}

	if pr.Approvals == nil {
		pr.Approvals = map[string]time.Time{}
	}
	if !approvedBefore {
		pr.Approvals[p.UserID] = s.now().UTC()
	}
	if provisioned {
		pr.Status = interfaces.PromotionApproved
	}
	if err := s.putJSON(ctx, p.TenantID, interfaces.PromotionsCollection, pr.ID, pr); err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}

	s.log.Info("Approved promotion request",
		slog.String("tenant", p.TenantID),
		slog.String("request", pr.ID),
		slog.String("by", p.UserID),
		slog.Int("approvals", len(pr.Approvals)),
		slog.String("status", string(pr.Status)))
	return pr, nil
}

// candidateProvisioned reports whether the candidate of pr was made an admin
// and holds a blob of the request's version.
func (s *Service) candidateProvisioned(ctx context.Context, tenantID string, pr interfaces.AdminPromotionRequest) (bool, error) {
	candidate, err := s.getUser(ctx, tenantID, pr.CandidateID)
	if err != nil {
		return false, err
	}
	if !candidate.IsAdmin {
		return false, nil
	}
	var b interfaces.KEKBlob
	err = s.getJSON(ctx, tenantID, interfaces.BlobsCollection, pr.VersionID+"/"+pr.CandidateID, &b)
	if errors.Is(err, interfaces.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RejectPromotion terminates a pending request. The requester or any
// recipient may reject.
func (s *Service) RejectPromotion(ctx context.Context, p interfaces.Principal, requestID string, expected interfaces.PromotionStatus) (interfaces.AdminPromotionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.admin(ctx, p); err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}
	pr, err := s.getPromotion(ctx, p.TenantID, requestID)
	if err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}
	if pr.RequesterID != p.UserID && !pr.Recipient(p.UserID) {
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: %s takes no part in request %s", interfaces.ErrAuthorization, p.UserID, requestID)
	}
	if pr.Status.Terminal() {
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: request %s is %s", interfaces.ErrAlreadyResolved, requestID, pr.Status)
	}
	if expected != pr.Status {
		return interfaces.AdminPromotionRequest{}, fmt.Errorf("%w: request %s is %s, expected %s", interfaces.ErrConflict, requestID, pr.Status, expected)
	}

	pr.Status = interfaces.PromotionRejected
	if err := s.putJSON(ctx, p.TenantID, interfaces.PromotionsCollection, pr.ID, pr); err != nil {
		return interfaces.AdminPromotionRequest{}, err
	}

	s.log.Info("Rejected promotion request", slog.String("tenant", p.TenantID), slog.String("request", pr.ID), slog.String("by", p.UserID))
	return pr, nil
}

func (s *Service) getPromotion(ctx context.Context, tenantID, requestID string) (interfaces.AdminPromotionRequest, error) {
	var pr interfaces.AdminPromotionRequest
	err := s.getJSON(ctx, tenantID, interfaces.PromotionsCollection, requestID, &pr)
	if errors.Is(err, interfaces.ErrNotFound) {
		return pr, fmt.Errorf("%w: promotion request %s", interfaces.ErrNotFound, requestID)
	}
	return pr, err
}
