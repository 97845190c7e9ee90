package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/neurallog/kek-custody/interfaces"
)

// CreateRecoverySession opens a pending session that expires after
// interfaces.RecoverySessionTTL.
func (s *Service) CreateRecoverySession(ctx context.Context, p interfaces.Principal, versionID string, threshold int, reason string) (interfaces.RecoverySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.admin(ctx, p); err != nil {
		return interfaces.RecoverySession{}, err
	}
	if threshold < 1 || threshold > 255 {
		return interfaces.RecoverySession{}, fmt.Errorf("%w: threshold %d out of range", interfaces.ErrValidation, threshold)
	}
	h, err := s.history(ctx, p.TenantID)
	if err != nil {
		return interfaces.RecoverySession{}, err
	}
	if _, ok := h.Find(versionID); !ok {
		return interfaces.RecoverySession{}, fmt.Errorf("%w: KEK version %s", interfaces.ErrNotFound, versionID)
	}

	now := s.now().UTC()
	session := interfaces.RecoverySession{
		ID:        s.newID(),
		VersionID: versionID,
		Threshold: threshold,
		Reason:    reason,
		Status:    interfaces.RecoveryPending,
		Shares:    []interfaces.ShareSubmissionRecord{},
		CreatedBy: p.UserID,
		CreatedAt: now,
		ExpiresAt: now.Add(interfaces.RecoverySessionTTL),
	}
	if err := s.putJSON(ctx, p.TenantID, interfaces.RecoveryCollection, session.ID, session); err != nil {
		return interfaces.RecoverySession{}, err
	}

	s.log.Info("Created recovery session",
		slog.String("tenant", p.TenantID),
		slog.String("session", session.ID),
		slog.String("version", versionID),
		slog.Int("threshold", threshold))
	return session, nil
}

// GetRecoverySession returns a session with expiry applied.
func (s *Service) GetRecoverySession(ctx context.Context, p interfaces.Principal, sessionID string) (interfaces.RecoverySession, error) {
	if _, err := s.admin(ctx, p); err != nil {
		return interfaces.RecoverySession{}, err
	}
	session, err := s.getSession(ctx, p.TenantID, sessionID)
	if err != nil {
		return interfaces.RecoverySession{}, err
	}
	session.Status = session.EffectiveStatus(s.now())
	return session, nil
}

// TransitionRecoverySession advances a session if its current status is
// tr.Expected. Work on an expired session fails with ErrSessionExpired.
func (s *Service) TransitionRecoverySession(ctx context.Context, p interfaces.Principal, sessionID string, tr interfaces.RecoveryTransition) (interfaces.RecoverySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.admin(ctx, p); err != nil {
		return interfaces.RecoverySession{}, err
	}
	session, err := s.getSession(ctx, p.TenantID, sessionID)
	if err != nil {
		return interfaces.RecoverySession{}, err
	}

	current := session.EffectiveStatus(s.now())
	if current == interfaces.RecoveryExpired && tr.Next != interfaces.RecoveryExpired {
		return interfaces.RecoverySession{}, fmt.Errorf("%w: session %s", interfaces.ErrSessionExpired, sessionID)
	}
	if current != tr.Expected {
		return interfaces.RecoverySession{}, fmt.Errorf("%w: session %s is %s, expected %s", interfaces.ErrConflict, sessionID, current, tr.Expected)
	}
	if !current.CanAdvance(tr.Next) {
		return interfaces.RecoverySession{}, fmt.Errorf("%w: session %s cannot move from %s to %s", interfaces.ErrInvalidState, sessionID, current, tr.Next)
	}

	if tr.Next == interfaces.RecoveryReconstructed {
		shares, err := s.shareRecords(p, tr.Shares, session.Threshold)
		if err != nil {
			return interfaces.RecoverySession{}, err
		}
		session.Shares = shares
	}

	session.Status = tr.Next
	if err := s.putJSON(ctx, p.TenantID, interfaces.RecoveryCollection, session.ID, session); err != nil {
		return interfaces.RecoverySession{}, err
	}

	s.log.Info("Recovery session transition",
		slog.String("tenant", p.TenantID),
		slog.String("session", session.ID),
		slog.String("from", string(current)),
		slog.String("to", string(tr.Next)),
		slog.String("by", p.UserID))
	return session, nil
}

func (s *Service) shareRecords(p interfaces.Principal, records []interfaces.ShareSubmissionRecord, threshold int) ([]interfaces.ShareSubmissionRecord, error) {
	seen := make(map[int]struct{}, len(records))
	out := make([]interfaces.ShareSubmissionRecord, 0, len(records))
	for _, r := range records {
		if r.X < 1 || r.X > 255 {
			return nil, fmt.Errorf("%w: share index %d", interfaces.ErrInvalidShareFormat, r.X)
		}
		if _, dup := seen[r.X]; dup {
			return nil, fmt.Errorf("%w: duplicate share index %d", interfaces.ErrValidation, r.X)
		}
		seen[r.X] = struct{}{}
		if r.SubmittedBy == "" {
			r.SubmittedBy = p.UserID
		}
		if r.SubmittedAt.IsZero() {
			r.SubmittedAt = s.now().UTC()
		}
		out = append(out, r)
	}
	if len(out) < threshold {
		return nil, fmt.Errorf("%w: %d share records for threshold %d", interfaces.ErrValidation, len(out), threshold)
	}
	return out, nil
}

func (s *Service) getSession(ctx context.Context, tenantID, sessionID string) (interfaces.RecoverySession, error) {
	var session interfaces.RecoverySession
	err := s.getJSON(ctx, tenantID, interfaces.RecoveryCollection, sessionID, &session)
	if errors.Is(err, interfaces.ErrNotFound) {
		return session, fmt.Errorf("%w: recovery session %s", interfaces.ErrNotFound, sessionID)
	}
	return session, err
}
