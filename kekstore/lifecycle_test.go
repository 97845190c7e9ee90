package kekstore

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/neurallog/kek-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func version(id string) interfaces.KEKVersion {
	return interfaces.KEKVersion{ID: id, Reason: "test"}
}

func TestApplyCreateDemotesActive(t *testing.T) {
	var h History

	h, err := h.ApplyCreate(version("v1"))
	require.NoError(t, err)
	active, ok := h.Active()
	require.True(t, ok)
	assert.Equal(t, "v1", active.ID)

	next, err := h.ApplyCreate(version("v2"))
	require.NoError(t, err)

	// The receiver is not modified.
	assert.Equal(t, interfaces.KEKStatusActive, h[0].Status)

	assert.Equal(t, interfaces.KEKStatusDecryptOnly, next[0].Status)
	assert.Equal(t, interfaces.KEKStatusActive, next[1].Status)
}

func TestApplyCreateRejectsDuplicateID(t *testing.T) {
	h, err := History(nil).ApplyCreate(version("v1"))
	require.NoError(t, err)

	_, err = h.ApplyCreate(version("v1"))
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	_, err = h.ApplyCreate(version(""))
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestApplyRecover(t *testing.T) {
	h, err := History(nil).ApplyCreate(version("v1"))
	require.NoError(t, err)

	recovered := version("v2")
	recovered.RecoveredFromVersionID = "v1"
	h, err = h.ApplyRecover(recovered)
	require.NoError(t, err)

	active, _ := h.Active()
	assert.Equal(t, "v2", active.ID)
	assert.Equal(t, "v1", active.RecoveredFromVersionID)

	missing := version("v3")
	missing.RecoveredFromVersionID = "nope"
	_, err = h.ApplyRecover(missing)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = h.ApplyRecover(version("v4"))
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestApplyRetire(t *testing.T) {
	h, err := History(nil).ApplyCreate(version("v1"))
	require.NoError(t, err)

	_, _, err = h.ApplyRetire("v1")
	assert.ErrorIs(t, err, interfaces.ErrInvalidState, "active versions cannot be retired")

	h, err = h.ApplyCreate(version("v2"))
	require.NoError(t, err)

	h, retired, err := h.ApplyRetire("v1")
	require.NoError(t, err)
	assert.Equal(t, interfaces.KEKStatusRetired, retired.Status)

	_, _, err = h.ApplyRetire("v1")
	assert.ErrorIs(t, err, interfaces.ErrInvalidState)

	_, _, err = h.ApplyRetire("missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCanTransition(t *testing.T) {
	statuses := []interfaces.KEKStatus{interfaces.KEKStatusActive, interfaces.KEKStatusDecryptOnly, interfaces.KEKStatusRetired}
	allowed := map[[2]interfaces.KEKStatus]bool{
		{interfaces.KEKStatusActive, interfaces.KEKStatusDecryptOnly}:  true,
		{interfaces.KEKStatusDecryptOnly, interfaces.KEKStatusRetired}: true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			assert.Equal(t, allowed[[2]interfaces.KEKStatus{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestVersionMonotonicity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var h History
	seen := map[string]interfaces.KEKStatus{}

	for i := 0; i < 200; i++ {
		var (
			next History
			err  error
		)
		id := fmt.Sprintf("v%d", i)
		switch rng.Intn(3) {
		case 0:
			next, err = h.ApplyCreate(version(id))
		case 1:
			v := version(id)
			if len(h) > 0 {
				v.RecoveredFromVersionID = h[rng.Intn(len(h))].ID
			}
			next, err = h.ApplyRecover(v)
		case 2:
			if len(h) == 0 {
				continue
			}
			next, _, err = h.ApplyRetire(h[rng.Intn(len(h))].ID)
		}
		if err != nil {
			continue
		}
		h = next

		require.NoError(t, h.Validate())
		active := 0
		for _, v := range h {
			if v.Status == interfaces.KEKStatusActive {
				active++
			}
			if prev, ok := seen[v.ID]; ok && prev != v.Status {
				require.True(t, CanTransition(prev, v.Status), "%s moved %s -> %s", v.ID, prev, v.Status)
			}
			seen[v.ID] = v.Status
		}
		require.Equal(t, 1, active)
	}
}

func TestHistoryValidate(t *testing.T) {
	assert.NoError(t, History(nil).Validate())

	twoActive := History{
		{ID: "a", Status: interfaces.KEKStatusActive},
		{ID: "b", Status: interfaces.KEKStatusActive},
	}
	assert.ErrorIs(t, twoActive.Validate(), interfaces.ErrInvalidState)

	noActive := History{{ID: "a", Status: interfaces.KEKStatusRetired}}
	assert.ErrorIs(t, noActive.Validate(), interfaces.ErrInvalidState)

	unknown := History{{ID: "a", Status: "bogus"}}
	assert.ErrorIs(t, unknown.Validate(), interfaces.ErrValidation)
}
