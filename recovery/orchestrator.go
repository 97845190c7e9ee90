// Package recovery rebuilds a lost KEK version from threshold shares
// collected out of band, and re-provisions older versions from the tenant
// master secret. Shares are combined on the operator's machine only; the
// directory learns which evaluation points were used, never the shares.
package recovery

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kekstore"
	"github.com/neurallog/kek-custody/sharetransport"
	"github.com/neurallog/kek-custody/tenant"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

type Option func(*Orchestrator)

// WithConcurrency bounds how many versions RecoverVersions works on at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

type Orchestrator struct {
	tc          *tenant.Context
	store       *kekstore.Store
	concurrency int

	mu    sync.Mutex
	flows map[string]*FlowState
}

func New(tc *tenant.Context, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		tc:          tc,
		store:       kekstore.NewStore(tc),
		concurrency: defaultConcurrency,
		flows:       make(map[string]*FlowState),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitResult reports the state of a session after SubmitShares.
type SubmitResult struct {
	Session       interfaces.RecoverySession
	Progress      interfaces.NeedMoreShares
	Reconstructed bool
	// Rejected holds one error per share that was not accepted.
	Rejected []error
}

// Initiate opens a session for versionID and moves it to collecting.
func (o *Orchestrator) Initiate(ctx context.Context, versionID string, threshold int, reason string) (interfaces.RecoverySession, error) {
	if err := o.tc.Validate(); err != nil {
		return interfaces.RecoverySession{}, err
	}
	if threshold < 1 || threshold > 255 {
		return interfaces.RecoverySession{}, fmt.Errorf("%w: threshold %d out of range", interfaces.ErrValidation, threshold)
	}
	session, err := o.tc.Directory.CreateRecoverySession(ctx, versionID, threshold, reason)
	if err != nil {
		return interfaces.RecoverySession{}, interfaces.NewOpError("create recovery session", versionID, err)
	}
	o.tc.Logger().Info("Initiated recovery", slog.String("session", session.ID), slog.String("version", versionID), slog.Int("threshold", threshold))
	return o.collect(ctx, session)
}

// Resume picks up a session left pending or collecting by an abandoned run.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (interfaces.RecoverySession, error) {
	session, err := o.session(ctx, sessionID)
	if err != nil {
		return interfaces.RecoverySession{}, err
	}
	return o.collect(ctx, session)
}

func (o *Orchestrator) collect(ctx context.Context, session interfaces.RecoverySession) (interfaces.RecoverySession, error) {
	switch session.Status {
	case interfaces.RecoveryPending:
		next, err := o.tc.Directory.TransitionRecoverySession(ctx, session.ID, interfaces.RecoveryTransition{
			Expected: interfaces.RecoveryPending,
			Next:     interfaces.RecoveryCollecting,
		})
		if err != nil {
			return interfaces.RecoverySession{}, interfaces.NewOpError("start collecting", session.ID, err)
		}
		session = next
	case interfaces.RecoveryCollecting:
	default:
		return interfaces.RecoverySession{}, interfaces.NewOpError("resume", session.ID, fmt.Errorf("%w: session is %s", interfaces.ErrInvalidState, session.Status))
	}
	o.flow(session)
	return session, nil
}

// SubmitEncodedShares parses pasted {"x":..,"y":..} shares and submits the
// well-formed ones. Malformed entries end up in SubmitResult.Rejected.
func (o *Orchestrator) SubmitEncodedShares(ctx context.Context, sessionID string, encoded ...string) (SubmitResult, error) {
	var (
		shares   []interfaces.SecretShare
		rejected []error
	)
	for i, e := range encoded {
		s, err := sharetransport.ParseShare([]byte(e))
		if err != nil {
			rejected = append(rejected, fmt.Errorf("share %d: %w", i+1, err))
			continue
		}
		shares = append(shares, s)
	}
	res, err := o.SubmitShares(ctx, sessionID, shares...)
	res.Rejected = append(rejected, res.Rejected...)
	return res, err
}

// SubmitShares adds shares to the local collection. Once the threshold is
// met the KEK is rebuilt and the session moves to reconstructed; until then
// Progress tells how far along collection is.
func (o *Orchestrator) SubmitShares(ctx context.Context, sessionID string, shares ...interfaces.SecretShare) (SubmitResult, error) {
	session, err := o.session(ctx, sessionID)
	if err != nil {
		return SubmitResult{}, err
	}
	if session.Status != interfaces.RecoveryCollecting {
		return SubmitResult{}, interfaces.NewOpError("submit shares", sessionID, fmt.Errorf("%w: session is %s", interfaces.ErrInvalidState, session.Status))
	}

	flow := o.flow(session)
	res := SubmitResult{Session: session}
	res.Rejected = flow.add(shares)
	res.Progress = flow.Progress()
	if !flow.book.Ready() {
		return res, nil
	}

	held := flow.book.Shares()
	defer func() {
		for _, s := range held {
			cryptoutils.Wipe(s.Y)
		}
	}()
	kek, err := o.tc.Crypto.ReconstructSecret(held)
	if err != nil {
		var cerr *interfaces.CryptoError
		if errors.As(err, &cerr) {
			cerr.Held, cerr.Required = len(held), session.Threshold
		}
		return res, interfaces.NewOpError("reconstruct KEK", sessionID, err)
	}

	records := make([]interfaces.ShareSubmissionRecord, 0, len(held))
	now := o.tc.Clock().UTC()
	for _, s := range held {
		records = append(records, interfaces.ShareSubmissionRecord{X: s.X, SubmittedAt: now})
	}
	next, err := o.tc.Directory.TransitionRecoverySession(ctx, sessionID, interfaces.RecoveryTransition{
		Expected: interfaces.RecoveryCollecting,
		Next:     interfaces.RecoveryReconstructed,
		Shares:   records,
	})
	if err != nil {
		cryptoutils.Wipe(kek)
		return res, interfaces.NewOpError("mark reconstructed", sessionID, err)
	}
	flow.reconstructed(kek)

	o.tc.Logger().Info("Reconstructed KEK", slog.String("session", sessionID), slog.String("version", session.VersionID), slog.Int("shares", len(held)))
	res.Session = next
	res.Reconstructed = true
	return res, nil
}

// DiscardShares wipes everything collected locally for a session. The
// server record is left as it is.
func (o *Orchestrator) DiscardShares(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if f, ok := o.flows[sessionID]; ok {
		f.finish(StepAbandoned)
		delete(o.flows, sessionID)
	}
}

// Flow returns the local state of a session, if any.
func (o *Orchestrator) Flow(sessionID string) (*FlowState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.flows[sessionID]
	return f, ok
}

// Complete creates a new Active version recovered from the session's
// version, gives the operator the reconstructed KEK of that version, and
// closes the session. It needs a session reconstructed by this orchestrator.
//
// A Complete that failed after the new version was created can be retried:
// the retry reuses that version instead of recovering a second one.
func (o *Orchestrator) Complete(ctx context.Context, auth *tenant.Authority, sessionID, reason string) (interfaces.KEKVersion, error) {
	flow, ok := o.Flow(sessionID)
	if !ok || flow.Step != StepReconstructed {
		return interfaces.KEKVersion{}, interfaces.NewOpError("complete", sessionID, fmt.Errorf("%w: no reconstructed key for session", interfaces.ErrInvalidState))
	}
	session, err := o.session(ctx, sessionID)
	if err != nil {
		return interfaces.KEKVersion{}, err
	}
	switch {
	case session.Status == interfaces.RecoveryReconstructed:
	case session.Status == interfaces.RecoveryCompleted && flow.recovered != nil:
		// The close went through although its answer was lost.
		return o.completed(flow, session, *flow.recovered), nil
	default:
		return interfaces.KEKVersion{}, interfaces.NewOpError("complete", sessionID, fmt.Errorf("%w: session is %s", interfaces.ErrInvalidState, session.Status))
	}
	if reason == "" {
		reason = session.Reason
	}

	if flow.recovered == nil {
		v, err := o.store.Recover(ctx, auth, session.VersionID, reason)
		if err != nil {
			return interfaces.KEKVersion{}, err
		}
		flow.recovered = &v
	}
	v := *flow.recovered

	if err := o.store.ProvisionKEK(ctx, flow.kek, auth.UserID(), session.VersionID, false); err != nil {
		return v, err
	}
	auth.SetKEK(session.VersionID, flow.kek)

	if _, err := o.tc.Directory.TransitionRecoverySession(ctx, sessionID, interfaces.RecoveryTransition{
		Expected: interfaces.RecoveryReconstructed,
		Next:     interfaces.RecoveryCompleted,
	}); err != nil {
		return v, interfaces.NewOpError("complete", sessionID, err)
	}
	return o.completed(flow, session, v), nil
}

func (o *Orchestrator) completed(flow *FlowState, session interfaces.RecoverySession, v interfaces.KEKVersion) interfaces.KEKVersion {
	o.mu.Lock()
	flow.finish(StepCompleted)
	delete(o.flows, session.ID)
	o.mu.Unlock()

	o.tc.Logger().Info("Completed recovery",
		slog.String("session", session.ID),
		slog.String("recovered_from", session.VersionID),
		slog.String("version", v.ID))
	return v
}

// IssueShares splits a held KEK version into n encoded shares, any k of
// which rebuild it, for distribution to share holders out of band.
func (o *Orchestrator) IssueShares(auth *tenant.Authority, versionID string, n, k int) ([]string, error) {
	if err := o.tc.Validate(); err != nil {
		return nil, err
	}
	kek, err := auth.KEK(versionID)
	if err != nil {
		return nil, interfaces.NewOpError("issue shares", versionID, err)
	}
	defer cryptoutils.Wipe(kek)

	shares, err := o.tc.Crypto.SplitSecret(kek, n, k)
	if err != nil {
		return nil, interfaces.NewOpError("issue shares", versionID, err)
	}
	out := make([]string, 0, len(shares))
	for _, s := range shares {
		data, err := sharetransport.EncodeShare(s)
		cryptoutils.Wipe(s.Y)
		if err != nil {
			return nil, err
		}
		out = append(out, string(data))
	}
	return out, nil
}

// VersionsResult lists which versions RecoverVersions restored.
type VersionsResult struct {
	Recovered []string
	Failed    map[string]error
}

// RecoverVersions opens each version's master-secret blob with the
// operator's master secret and provisions the KEK to the operator's current
// key. Versions fail independently; only a missing master secret or a
// cancelled context fails the whole call.
func (o *Orchestrator) RecoverVersions(ctx context.Context, auth *tenant.Authority, versionIDs []string) (VersionsResult, error) {
	if err := o.tc.Validate(); err != nil {
		return VersionsResult{}, err
	}
	secret, ok := auth.MasterSecret()
	if !ok {
		return VersionsResult{}, interfaces.NewOpError("recover versions", auth.UserID(), fmt.Errorf("%w: master secret not held", interfaces.ErrAuthorization))
	}
	defer cryptoutils.Wipe(secret)

	var (
		mu  sync.Mutex
		res = VersionsResult{Failed: make(map[string]error)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, id := range slices.Compact(slices.Sorted(slices.Values(versionIDs))) {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			err := o.recoverVersion(gctx, auth, secret, id)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[id] = err
				o.tc.Logger().Warn("Version recovery failed", slog.String("version", id), slog.Any("err", err))
				return nil
			}
			res.Recovered = append(res.Recovered, id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	slices.Sort(res.Recovered)

	o.tc.Logger().Info("Recovered KEK versions", slog.Int("recovered", len(res.Recovered)), slog.Int("failed", len(res.Failed)))
	return res, nil
}

func (o *Orchestrator) recoverVersion(ctx context.Context, auth *tenant.Authority, secret []byte, versionID string) error {
	blob, err := o.tc.Directory.GetMasterBlob(ctx, versionID)
	if err != nil {
		return interfaces.NewOpError("fetch master blob", versionID, err)
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return interfaces.NewOpError("recover version", versionID, fmt.Errorf("%w: master blob is not base64", interfaces.ErrValidation))
	}
	kek, err := o.tc.Crypto.DecryptKEK(raw, secret)
	if err != nil {
		return interfaces.NewOpError("recover version", versionID, err)
	}
	defer cryptoutils.Wipe(kek)

	if err := o.store.ProvisionKEK(ctx, kek, auth.UserID(), versionID, false); err != nil {
		return err
	}
	auth.SetKEK(versionID, kek)
	return nil
}

// session fetches a session and turns lazy expiry into ErrSessionExpired.
func (o *Orchestrator) session(ctx context.Context, sessionID string) (interfaces.RecoverySession, error) {
	if err := o.tc.Validate(); err != nil {
		return interfaces.RecoverySession{}, err
	}
	session, err := o.tc.Directory.GetRecoverySession(ctx, sessionID)
	if err != nil {
		return interfaces.RecoverySession{}, interfaces.NewOpError("get recovery session", sessionID, err)
	}
	if session.Status == interfaces.RecoveryExpired {
		o.DiscardShares(sessionID)
		return session, interfaces.NewOpError("recovery session", sessionID, interfaces.ErrSessionExpired)
	}
	return session, nil
}

func (o *Orchestrator) flow(session interfaces.RecoverySession) *FlowState {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, ok := o.flows[session.ID]
	if !ok {
		f = newFlow(session)
		o.flows[session.ID] = f
	}
	return f
}
