package promotion

import (
	"testing"

	"github.com/neurallog/kek-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowThresholdPath(t *testing.T) {
	s := NewFlow()
	_, err := s.Configure(2, 3)
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	s, err = s.Select(PromotionPlan{CandidateID: "cand", Path: PathThreshold, AdminCount: 3, Threshold: 2, NumShares: 3})
	require.NoError(t, err)
	assert.Equal(t, StepConfigure, s.Step)

	same, err := s.Configure(4, 4)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
	assert.Equal(t, StepConfigure, same.Step)

	s, err = s.Configure(3, 3)
	require.NoError(t, err)
	assert.Equal(t, StepConfirm, s.Step)

	s, err = s.Confirmed(ThresholdResult{Request: &interfaces.AdminPromotionRequest{ID: "req-1"}, AdminsNotified: 2})
	require.NoError(t, err)
	assert.Equal(t, StepDistributed, s.Step)
	assert.Equal(t, "req-1", s.RequestID)
	assert.True(t, s.Terminal())

	_, err = s.Abandon()
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)
}

func TestFlowSingleAdminPath(t *testing.T) {
	s, err := NewFlow().Select(PromotionPlan{Path: PathSingleAdmin, AdminCount: 1, Threshold: 1, NumShares: 1})
	require.NoError(t, err)
	assert.Equal(t, StepConfirm, s.Step)

	s, err = s.Confirmed(ThresholdResult{Completed: true})
	require.NoError(t, err)
	assert.Equal(t, StepCompleted, s.Step)
}

func TestFlowAbandon(t *testing.T) {
	for _, start := range []FlowState{
		NewFlow(),
		{Step: StepConfigure},
		{Step: StepConfirm},
	} {
		s, err := start.Abandon()
		require.NoError(t, err)
		assert.Equal(t, StepAbandoned, s.Step)
		assert.NotEqual(t, StepAbandoned, start.Step)
	}
}
