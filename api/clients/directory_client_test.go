package clients

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/neurallog/kek-custody/api/auth"
	"github.com/neurallog/kek-custody/api/handlers"
	"github.com/neurallog/kek-custody/directory/directorytest"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupDirectory(t *testing.T) (*directorytest.Env, *httptest.Server, *auth.Signer) {
	env := directorytest.New(t)
	signer, err := auth.NewSigner([]byte("0123456789abcdef0123456789abcdef"), "", time.Hour)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.AuthRequired(signer))
		handlers.NewDirectoryHandler(env.Service, env.Log).RegisterRoutes(r)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return env, srv, signer
}

func clientFor(t *testing.T, srv *httptest.Server, signer *auth.Signer, userID string) *DirectoryClient {
	token, _, err := signer.IssueToken(directorytest.TenantID, userID)
	require.NoError(t, err)
	return NewDirectoryClient(srv.URL+"/", token, WithTimeout(5*time.Second))
}

func TestDirectoryClient_RoundTrip(t *testing.T) {
	env, srv, signer := setupDirectory(t)
	ctx := context.Background()
	env.AddUser(t, "alice", false)
	env.AddUser(t, "bob", false)
	alice := clientFor(t, srv, signer, "alice")

	kp, err := env.Crypto.DeriveKeyPair(directorytest.TenantID, "alice", "pw")
	require.NoError(t, err)
	require.NoError(t, alice.UploadPublicKey(ctx, kp.PublicKey))
	pub, err := alice.GetPublicKey(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, pub)

	blob := base64.StdEncoding.EncodeToString([]byte("k"))
	v, err := alice.CreateKEKVersion(ctx, interfaces.VersionRequest{Reason: "initial", Blobs: map[string]string{"alice": blob}})
	require.NoError(t, err)

	versions, err := alice.ListKEKVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, v.ID, versions[0].ID)

	require.NoError(t, alice.Provision(ctx, interfaces.ProvisionRequest{UserID: "bob", VersionID: v.ID, EncryptedKEK: blob}))
	blobs, err := clientFor(t, srv, signer, "bob").ListOwnBlobs(ctx)
	require.NoError(t, err)
	require.Len(t, blobs, 1)

	admins, err := alice.ListAdmins(ctx)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	assert.Equal(t, "alice", admins[0].ID)

	require.NoError(t, alice.PutLogKey(ctx, interfaces.LogKeyRecord{LogName: "audit/main", VersionID: v.ID, WrappedDEK: []byte("w")}))
	recs, err := alice.ListLogKeys(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "audit/main", recs[0].LogName)

	s, err := alice.CreateRecoverySession(ctx, v.ID, 2, "drill")
	require.NoError(t, err)
	s, err = alice.TransitionRecoverySession(ctx, s.ID, interfaces.RecoveryTransition{Expected: interfaces.RecoveryPending, Next: interfaces.RecoveryCollecting})
	require.NoError(t, err)
	got, err := alice.GetRecoverySession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.RecoveryCollecting, got.Status)
}

func TestDirectoryClient_ErrorSentinels(t *testing.T) {
	env, srv, signer := setupDirectory(t)
	ctx := context.Background()
	env.AddUser(t, "alice", true)
	alice := clientFor(t, srv, signer, "alice")

	_, err := alice.CreateKEKVersion(ctx, interfaces.VersionRequest{})
	assert.ErrorIs(t, err, interfaces.ErrValidation)
	assert.NotContains(t, err.Error(), "validation failed: validation failed")

	_, err = alice.GetPublicKey(ctx, "ghost")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = clientFor(t, srv, signer, "ghost").WhoAmI(ctx)
	assert.ErrorIs(t, err, interfaces.ErrAuthorization)

	_, err = NewDirectoryClient(srv.URL, "garbage").WhoAmI(ctx)
	assert.ErrorIs(t, err, interfaces.ErrAuthorization)

	_, err = alice.ApprovePromotion(ctx, "missing", interfaces.PromotionPending)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestDirectoryClient_Transport(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer failing.Close()

	_, err := NewDirectoryClient(failing.URL, "t").ListKEKVersions(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrTransport)
	assert.True(t, IsTransport(err))

	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()
	_, err = NewDirectoryClient(url, "t", WithTimeout(time.Second)).WhoAmI(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrTransport)
}

func TestDirectoryClient_Conflicts(t *testing.T) {
	env, srv, signer := setupDirectory(t)
	ctx := context.Background()
	for _, id := range []string{"a1", "a2", "a3"} {
		env.AddUser(t, id, true)
	}
	env.AddUser(t, "cand", false)
	a1 := clientFor(t, srv, signer, "a1")
	blob := base64.StdEncoding.EncodeToString([]byte("k"))
	v, err := a1.CreateKEKVersion(ctx, interfaces.VersionRequest{Reason: "initial", Blobs: map[string]string{"a1": blob}})
	require.NoError(t, err)

	pr, err := a1.CreatePromotion(ctx, interfaces.CreatePromotionRequest{
		CandidateID: "cand", VersionID: v.ID, Threshold: 2, NumShares: 3,
		EncryptedShares: map[string]string{"a2": "x", "a3": "y"},
	})
	require.NoError(t, err)

	a2 := clientFor(t, srv, signer, "a2")
	ct, status, err := a2.GetPromotionShare(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, "x", ct)
	assert.Equal(t, interfaces.PromotionPending, status)

	_, err = a2.ApprovePromotion(ctx, pr.ID, interfaces.PromotionApproved)
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	_, err = a1.RejectPromotion(ctx, pr.ID, interfaces.PromotionPending)
	require.NoError(t, err)
	_, err = a2.ApprovePromotion(ctx, pr.ID, interfaces.PromotionPending)
	assert.ErrorIs(t, err, interfaces.ErrAlreadyResolved)
}
