package promotion

import (
	"fmt"

	"github.com/neurallog/kek-custody/interfaces"
)

type Step string

const (
	StepSelectCandidate Step = "select-candidate"
	StepConfigure       Step = "configure"
	StepConfirm         Step = "confirm"
	StepDistributed     Step = "distributed"
	StepCompleted       Step = "completed"
	StepAbandoned       Step = "abandoned"
)

// FlowState tracks an interactive promotion. Transitions return a new
// state and never modify the receiver.
type FlowState struct {
	Step      Step
	Plan      PromotionPlan
	RequestID string
	Notified  int
}

func NewFlow() FlowState {
	return FlowState{Step: StepSelectCandidate}
}

func (s FlowState) Terminal() bool {
	switch s.Step {
	case StepDistributed, StepCompleted, StepAbandoned:
		return true
	}
	return false
}

// Select records the plan for the chosen candidate. Single-admin plans skip
// configuration.
func (s FlowState) Select(plan PromotionPlan) (FlowState, error) {
	if err := s.expect(StepSelectCandidate); err != nil {
		return s, err
	}
	s.Plan = plan
	if plan.Path == PathSingleAdmin {
		s.Step = StepConfirm
	} else {
		s.Step = StepConfigure
	}
	return s, nil
}

func (s FlowState) Configure(threshold, numShares int) (FlowState, error) {
	if err := s.expect(StepConfigure); err != nil {
		return s, err
	}
	if err := s.Plan.Configure(threshold, numShares); err != nil {
		return s, err
	}
	s.Step = StepConfirm
	return s, nil
}

// Confirmed applies the result of executing the plan.
func (s FlowState) Confirmed(res ThresholdResult) (FlowState, error) {
	if err := s.expect(StepConfirm); err != nil {
		return s, err
	}
	if res.Request == nil {
		s.Step = StepCompleted
		return s, nil
	}
	s.Step = StepDistributed
	s.RequestID = res.Request.ID
	s.Notified = res.AdminsNotified
	return s, nil
}

func (s FlowState) Abandon() (FlowState, error) {
	if s.Terminal() {
		return s, fmt.Errorf("%w: promotion flow already %s", interfaces.ErrInvalidState, s.Step)
	}
	s.Step = StepAbandoned
	return s, nil
}

func (s FlowState) expect(step Step) error {
	if s.Step != step {
		return fmt.Errorf("%w: promotion flow is at %s, not %s", interfaces.ErrInvalidState, s.Step, step)
	}
	return nil
}
