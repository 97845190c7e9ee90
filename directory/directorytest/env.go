// Package directorytest wires an in-memory directory, fast crypto primitives
// and a controllable clock for tests of the custody orchestrators.
package directorytest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/directory"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kms"
	"github.com/neurallog/kek-custody/storage"
	"github.com/neurallog/kek-custody/tenant"
	"github.com/stretchr/testify/require"
)

// TenantID is the tenant every Env operates on.
const TenantID = "tenant-test"

// FastKDF keeps argon2id cheap enough for unit tests.
var FastKDF = cryptoutils.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}

type Env struct {
	Store   *storage.MemoryBackend
	Service *directory.Service
	Crypto  *kms.Primitives
	Log     *slog.Logger

	mu  sync.Mutex
	now time.Time
}

func New(t testing.TB) *Env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &Env{
		Store:  storage.NewMemoryBackend(log),
		Crypto: kms.NewPrimitives(kms.WithKDFParams(FastKDF)),
		Log:    log,
		now:    time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	e.Service = directory.NewService(e.Store, log, directory.WithClock(e.Now))
	return e
}

func (e *Env) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Advance moves the clock forward.
func (e *Env) Advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

// AddUser registers a member whose id equals its username.
func (e *Env) AddUser(t testing.TB, username string, admin bool) interfaces.User {
	t.Helper()
	u, err := e.Service.RegisterUser(context.Background(), TenantID, interfaces.User{ID: username, Username: username, IsAdmin: admin})
	require.NoError(t, err)
	return u
}

// Principal returns the principal of userID in the test tenant.
func (e *Env) Principal(userID string) interfaces.Principal {
	return interfaces.Principal{TenantID: TenantID, UserID: userID}
}

// Directory returns an in-process client acting as userID.
func (e *Env) Directory(userID string) interfaces.Directory {
	return e.Service.As(e.Principal(userID))
}

// Tenant returns a tenant context acting as userID.
func (e *Env) Tenant(userID string) *tenant.Context {
	return &tenant.Context{
		TenantID:     TenantID,
		DirectoryURL: "memory://",
		Directory:    e.Directory(userID),
		Crypto:       e.Crypto,
		Log:          e.Log,
		Now:          e.Now,
	}
}

// Password is the deterministic test password of userID.
func Password(userID string) string {
	return "correct horse battery staple " + userID
}

// Enroll publishes userID's password-derived key and returns its authority.
func (e *Env) Enroll(t testing.TB, userID string) *tenant.Authority {
	t.Helper()
	auth, err := tenant.Enroll(context.Background(), e.Tenant(userID), Password(userID))
	require.NoError(t, err)
	return auth
}

// Unlock re-derives userID's authority and opens its blobs.
func (e *Env) Unlock(t testing.TB, userID string) *tenant.Authority {
	t.Helper()
	auth, err := tenant.Unlock(context.Background(), e.Tenant(userID), Password(userID))
	require.NoError(t, err)
	return auth
}
