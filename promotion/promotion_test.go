package promotion

import (
	"context"
	"testing"

	"github.com/neurallog/kek-custody/directory/directorytest"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kekstore"
	"github.com/neurallog/kek-custody/sharetransport"
	"github.com/neurallog/kek-custody/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupAdmins registers and enrolls the given admins plus a non-admin
// candidate, and has the first admin create the initial KEK version.
func setupAdmins(t *testing.T, admins ...string) (*directorytest.Env, *tenant.Authority, interfaces.KEKVersion) {
	t.Helper()
	env := directorytest.New(t)
	var first *tenant.Authority
	for i, id := range admins {
		env.AddUser(t, id, true)
		auth := env.Enroll(t, id)
		if i == 0 {
			first = auth
		}
	}
	env.AddUser(t, "cand", false)
	env.Enroll(t, "cand")

	v, err := kekstore.NewStore(env.Tenant(admins[0])).Create(context.Background(), first, "initial")
	require.NoError(t, err)
	return env, first, v
}

func isAdmin(t *testing.T, env *directorytest.Env, userID string) bool {
	t.Helper()
	admins, err := env.Directory(userID).ListAdmins(context.Background())
	require.NoError(t, err)
	for _, a := range admins {
		if a.ID == userID {
			return true
		}
	}
	return false
}

// outOfBand exports holder's share of a request, as the holder would before
// handing it to another admin.
func outOfBand(t *testing.T, env *directorytest.Env, holder, requestID string) interfaces.SecretShare {
	t.Helper()
	encoded, err := NewApprover(env.Tenant(holder), env.Unlock(t, holder)).ExportShare(context.Background(), requestID, directorytest.Password(holder))
	require.NoError(t, err)
	s, err := sharetransport.ParseShare([]byte(encoded))
	require.NoError(t, err)
	return s
}

func TestStartPromotion(t *testing.T) {
	ctx := context.Background()

	env, _, v := setupAdmins(t, "a1")
	plan, err := New(env.Tenant("a1")).StartPromotion(ctx, "cand")
	require.NoError(t, err)
	assert.Equal(t, PathSingleAdmin, plan.Path)
	assert.Equal(t, v.ID, plan.VersionID)
	assert.Equal(t, 1, plan.Threshold)

	env, _, _ = setupAdmins(t, "a1", "a2", "a3", "a4", "a5")
	o := New(env.Tenant("a1"))
	plan, err = o.StartPromotion(ctx, "cand")
	require.NoError(t, err)
	assert.Equal(t, PathThreshold, plan.Path)
	assert.Equal(t, 5, plan.AdminCount)
	assert.Equal(t, 3, plan.Threshold)
	assert.Equal(t, 5, plan.NumShares)

	_, err = o.StartPromotion(ctx, "ghost")
	assert.ErrorIs(t, err, interfaces.ErrValidation)
	_, err = o.StartPromotion(ctx, "a2")
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestStartPromotionTwoAdmins(t *testing.T) {
	env, _, _ := setupAdmins(t, "a1", "a2")
	plan, err := New(env.Tenant("a1")).StartPromotion(context.Background(), "cand")
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Threshold)
	assert.Equal(t, 2, plan.NumShares)
}

func TestPlanConfigure(t *testing.T) {
	tests := []struct {
		name      string
		threshold int
		numShares int
		wantErr   bool
	}{
		{"minimum", 2, 2, false},
		{"all admins", 4, 4, false},
		{"threshold below two", 1, 3, true},
		{"threshold above admins", 5, 5, true},
		{"fewer shares than threshold", 3, 2, true},
		{"more shares than admins", 2, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := PromotionPlan{Path: PathThreshold, AdminCount: 4, Threshold: 2, NumShares: 4}
			err := plan.Configure(tt.threshold, tt.numShares)
			if tt.wantErr {
				assert.ErrorIs(t, err, interfaces.ErrValidation)
				assert.Equal(t, 2, plan.Threshold)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.threshold, plan.Threshold)
			assert.Equal(t, tt.numShares, plan.NumShares)
		})
	}

	single := PromotionPlan{Path: PathSingleAdmin, AdminCount: 1}
	assert.ErrorIs(t, single.Configure(2, 2), interfaces.ErrValidation)
}

func TestExecuteSingleAdmin(t *testing.T) {
	env, auth, v := setupAdmins(t, "a1")
	ctx := context.Background()

	require.NoError(t, New(env.Tenant("a1")).ExecuteSingleAdmin(ctx, auth, "cand", v.ID))
	assert.True(t, isAdmin(t, env, "cand"))
	assert.True(t, env.Unlock(t, "cand").HasKEK(v.ID))

	err := New(env.Tenant("a1")).ExecuteSingleAdmin(ctx, auth, "cand", "unknown-version")
	assert.ErrorIs(t, err, interfaces.ErrNotAuthorized)
}

func TestExecuteThresholdOneCompletesDirectly(t *testing.T) {
	env, auth, v := setupAdmins(t, "a1", "a2")

	res, err := New(env.Tenant("a1")).ExecuteThresholdAdmin(context.Background(), auth, "cand", 2, 1, directorytest.Password("a1"))
	require.NoError(t, err)
	assert.True(t, res.Completed)
	assert.Nil(t, res.Request)
	assert.True(t, env.Unlock(t, "cand").HasKEK(v.ID))
}

func TestExecuteThresholdRejectsWrongPassword(t *testing.T) {
	env, auth, _ := setupAdmins(t, "a1", "a2", "a3")

	_, err := New(env.Tenant("a1")).ExecuteThresholdAdmin(context.Background(), auth, "cand", 3, 2, "not my password")
	assert.ErrorIs(t, err, interfaces.ErrAuthorization)
}

func TestExecuteThresholdAbortsOnMissingKey(t *testing.T) {
	env, auth, _ := setupAdmins(t, "a1", "a2")
	env.AddUser(t, "a3", true)
	ctx := context.Background()

	_, err := New(env.Tenant("a1")).ExecuteThresholdAdmin(ctx, auth, "cand", 3, 2, directorytest.Password("a1"))
	assert.ErrorIs(t, err, interfaces.ErrRecipientKeyNotFound)

	pending, err := env.Directory("a1").ListPendingPromotions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestThresholdPromotionWithOutOfBandShares(t *testing.T) {
	env, auth, v := setupAdmins(t, "a1", "a2", "a3", "a4", "a5")
	ctx := context.Background()

	o := New(env.Tenant("a1"))
	plan, err := o.StartPromotion(ctx, "cand")
	require.NoError(t, err)
	require.NoError(t, plan.Configure(3, 5))

	res, err := o.ExecuteThresholdAdmin(ctx, auth, "cand", plan.NumShares, plan.Threshold, directorytest.Password("a1"))
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	assert.Equal(t, 4, res.AdminsNotified)
	assert.False(t, res.Completed)
	assert.ElementsMatch(t, []string{"a2", "a3", "a4", "a5"}, keys(res.Request.EncryptedShares))
	requestID := res.Request.ID

	s4 := outOfBand(t, env, "a4", requestID)
	s5 := outOfBand(t, env, "a5", requestID)

	// Exporting records nothing on the request.
	pending, err := env.Directory("a4").ListPendingPromotions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Empty(t, pending[0].Approvals)

	a2 := NewApprover(env.Tenant("a2"), env.Unlock(t, "a2"))
	progress, err := a2.AddOutOfBandShares(ctx, requestID, s4, s5)
	require.NoError(t, err)
	assert.Equal(t, interfaces.NeedMoreShares{Collected: 2, Threshold: 3}, progress)

	out, err := a2.Approve(ctx, requestID, directorytest.Password("a2"))
	require.NoError(t, err)
	assert.True(t, out.Provisioned)
	assert.Equal(t, interfaces.PromotionApproved, out.Request.Status)

	assert.True(t, isAdmin(t, env, "cand"))
	assert.True(t, env.Unlock(t, "cand").HasKEK(v.ID))

	// Once closed, only admins who took part may approve again.
	again, err := a2.Approve(ctx, requestID, directorytest.Password("a2"))
	require.NoError(t, err)
	assert.True(t, again.Provisioned)

	a3 := NewApprover(env.Tenant("a3"), env.Unlock(t, "a3"))
	_, err = a3.Approve(ctx, requestID, directorytest.Password("a3"))
	assert.ErrorIs(t, err, interfaces.ErrAlreadyResolved)
}

func TestTwoAdminPromotionWithRequesterShare(t *testing.T) {
	env, auth, v := setupAdmins(t, "a1", "a2")
	ctx := context.Background()

	o := New(env.Tenant("a1"))
	plan, err := o.StartPromotion(ctx, "cand")
	require.NoError(t, err)
	require.Equal(t, 2, plan.Threshold)
	require.Equal(t, 2, plan.NumShares)

	res, err := o.ExecuteThresholdAdmin(ctx, auth, "cand", plan.NumShares, plan.Threshold, directorytest.Password("a1"))
	require.NoError(t, err)
	require.NotNil(t, res.Request)
	assert.Equal(t, 1, res.AdminsNotified)
	require.NotEmpty(t, res.RequesterShare)
	requestID := res.Request.ID

	a2 := NewApprover(env.Tenant("a2"), env.Unlock(t, "a2"))

	// a2's own share alone is not enough, and the request stays pending.
	out, err := a2.Approve(ctx, requestID, directorytest.Password("a2"))
	require.NoError(t, err)
	assert.False(t, out.Provisioned)
	assert.Equal(t, interfaces.PromotionPending, out.Request.Status)
	assert.False(t, isAdmin(t, env, "cand"))

	own, err := sharetransport.ParseShare([]byte(res.RequesterShare))
	require.NoError(t, err)
	progress, err := a2.AddOutOfBandShares(ctx, requestID, own)
	require.NoError(t, err)
	assert.Equal(t, 0, progress.Remaining())

	out, err = a2.Approve(ctx, requestID, directorytest.Password("a2"))
	require.NoError(t, err)
	assert.True(t, out.Provisioned)
	assert.Equal(t, interfaces.PromotionApproved, out.Request.Status)
	assert.True(t, isAdmin(t, env, "cand"))
	assert.True(t, env.Unlock(t, "cand").HasKEK(v.ID))
}

func TestExportShareRequiresOwnPassword(t *testing.T) {
	env, auth, _ := setupAdmins(t, "a1", "a2", "a3")
	ctx := context.Background()

	res, err := New(env.Tenant("a1")).ExecuteThresholdAdmin(ctx, auth, "cand", 3, 2, directorytest.Password("a1"))
	require.NoError(t, err)

	a2 := NewApprover(env.Tenant("a2"), env.Unlock(t, "a2"))
	_, err = a2.ExportShare(ctx, res.Request.ID, "wrong password")
	assert.ErrorIs(t, err, interfaces.ErrAuthorization)

	a1 := NewApprover(env.Tenant("a1"), auth)
	_, err = a1.ExportShare(ctx, res.Request.ID, directorytest.Password("a1"))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = a2.Reject(ctx, res.Request.ID)
	require.NoError(t, err)
	_, err = a2.ExportShare(ctx, res.Request.ID, directorytest.Password("a2"))
	assert.ErrorIs(t, err, interfaces.ErrAlreadyResolved)
}

func TestApproveNeedsMoreShares(t *testing.T) {
	env, auth, _ := setupAdmins(t, "a1", "a2", "a3", "a4")
	ctx := context.Background()

	res, err := New(env.Tenant("a1")).ExecuteThresholdAdmin(ctx, auth, "cand", 4, 3, directorytest.Password("a1"))
	require.NoError(t, err)

	ap := NewApprover(env.Tenant("a2"), env.Unlock(t, "a2"))
	out, err := ap.Approve(ctx, res.Request.ID, directorytest.Password("a2"))
	require.NoError(t, err)
	assert.False(t, out.Provisioned)
	assert.Equal(t, 2, out.Progress.Threshold-out.Progress.Collected)
	assert.False(t, isAdmin(t, env, "cand"))

	// Approving twice does not count the same share twice.
	out, err = ap.Approve(ctx, res.Request.ID, directorytest.Password("a2"))
	require.NoError(t, err)
	assert.Equal(t, 1, out.Progress.Collected)

	_, err = ap.AddOutOfBandShares(ctx, res.Request.ID, interfaces.SecretShare{X: 0, Y: []byte{1}})
	assert.ErrorIs(t, err, interfaces.ErrInvalidShareFormat)

	// A share at an x already held is reported, and the held one is kept.
	own := outOfBand(t, env, "a2", res.Request.ID)
	s3 := outOfBand(t, env, "a3", res.Request.ID)
	progress, err := ap.AddOutOfBandShares(ctx, res.Request.ID, own, s3)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateShare)
	assert.Equal(t, interfaces.NeedMoreShares{Collected: 2, Threshold: 3}, progress)
}

func TestApproveWrongPasswordLeavesRequestUntouched(t *testing.T) {
	env, auth, _ := setupAdmins(t, "a1", "a2", "a3")
	ctx := context.Background()

	res, err := New(env.Tenant("a1")).ExecuteThresholdAdmin(ctx, auth, "cand", 3, 2, directorytest.Password("a1"))
	require.NoError(t, err)

	ap := NewApprover(env.Tenant("a2"), env.Unlock(t, "a2"))
	_, err = ap.Approve(ctx, res.Request.ID, "wrong password")
	assert.ErrorIs(t, err, interfaces.ErrAuthorization)

	pending, err := env.Directory("a1").ListPendingPromotions(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Empty(t, pending[0].Approvals)
}

func TestRejectResolvesRequest(t *testing.T) {
	env, auth, _ := setupAdmins(t, "a1", "a2", "a3")
	ctx := context.Background()

	res, err := New(env.Tenant("a1")).ExecuteThresholdAdmin(ctx, auth, "cand", 3, 2, directorytest.Password("a1"))
	require.NoError(t, err)

	a3 := NewApprover(env.Tenant("a3"), env.Unlock(t, "a3"))
	pr, err := a3.Reject(ctx, res.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PromotionRejected, pr.Status)

	a2 := NewApprover(env.Tenant("a2"), env.Unlock(t, "a2"))
	_, err = a2.Approve(ctx, res.Request.ID, directorytest.Password("a2"))
	assert.ErrorIs(t, err, interfaces.ErrAlreadyResolved)

	_, err = a3.Reject(ctx, res.Request.ID)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyResolved)
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
