package recovery

import (
	"fmt"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kms"
)

type Step string

const (
	StepCollect       Step = "collect"
	StepReconstructed Step = "reconstructed"
	StepCompleted     Step = "completed"
	StepAbandoned     Step = "abandoned"
)

// FlowState is the local side of one recovery session: the shares pasted
// in so far and, once reconstructed, the KEK waiting for Complete. It is
// never persisted.
type FlowState struct {
	SessionID string
	VersionID string
	Step      Step

	book *kms.ShareCollector
	kek  []byte
	// recovered is the version Complete created; a retried Complete reuses it.
	recovered *interfaces.KEKVersion
}

func newFlow(session interfaces.RecoverySession) *FlowState {
	return &FlowState{
		SessionID: session.ID,
		VersionID: session.VersionID,
		Step:      StepCollect,
		book:      kms.NewShareCollector(session.Threshold),
	}
}

// Progress reports how many distinct shares are held.
func (f *FlowState) Progress() interfaces.NeedMoreShares {
	return interfaces.NeedMoreShares{Collected: f.book.Count(), Threshold: f.book.Threshold()}
}

// add stores each share, returning one error per rejected share. Shares
// already held stay in place; a second share at a held x is rejected.
func (f *FlowState) add(shares []interfaces.SecretShare) []error {
	var rejected []error
	for _, s := range shares {
		if err := f.book.Add(s); err != nil {
			rejected = append(rejected, fmt.Errorf("share x=%d: %w", s.X, err))
		}
	}
	return rejected
}

func (f *FlowState) reconstructed(kek []byte) {
	f.kek = kek
	f.Step = StepReconstructed
	f.book.Wipe()
}

func (f *FlowState) finish(step Step) {
	f.book.Wipe()
	cryptoutils.Wipe(f.kek)
	f.kek = nil
	f.Step = step
}
