// Package directory implements the Directory & Coordination Service rules:
// tenant-scoped users, KEK version history, provisioning blobs, promotion
// requests and recovery sessions. It stores only metadata and ciphertext it
// cannot open.
//
// Every status change is a compare-and-set performed under the service lock,
// so two callers can never both decide a terminal outcome.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neurallog/kek-custody/cryptoutils"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/neurallog/kek-custody/kekstore"
)

// historyRecordID is the single record holding a tenant's version history,
// so demotion and creation are written together.
const historyRecordID = "history"

// Service applies the directory rules on top of a record store.
type Service struct {
	mu    sync.Mutex
	store interfaces.RecordStore
	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, for expiry tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store interfaces.RecordStore, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store: store,
		log:   log,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready reports whether the record store can serve requests.
func (s *Service) Ready(ctx context.Context) bool {
	return s.store.Available(ctx)
}

// RegisterUser adds a member to a tenant. It is an operator action outside
// the bearer-authenticated API (human authentication is handled elsewhere).
func (s *Service) RegisterUser(ctx context.Context, tenantID string, u interfaces.User) (interfaces.User, error) {
	if strings.TrimSpace(u.Username) == "" {
		return interfaces.User{}, fmt.Errorf("%w: username is required", interfaces.ErrValidation)
	}
	if u.ID == "" {
		u.ID = s.newID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.listUsers(ctx, tenantID)
	if err != nil {
		return interfaces.User{}, err
	}
	for _, existing := range users {
		if existing.ID == u.ID || existing.Username == u.Username {
			return interfaces.User{}, fmt.Errorf("%w: user %s already exists", interfaces.ErrConflict, u.Username)
		}
	}
	if err := s.putJSON(ctx, tenantID, interfaces.UsersCollection, u.ID, u); err != nil {
		return interfaces.User{}, err
	}

	s.log.Info("Registered user", slog.String("tenant", tenantID), slog.String("user", u.ID), slog.Bool("admin", u.IsAdmin))
	return u, nil
}

// WhoAmI returns the caller's user record.
func (s *Service) WhoAmI(ctx context.Context, p interfaces.Principal) (interfaces.User, error) {
	return s.member(ctx, p)
}

// ListUsers returns the tenant's members sorted by username.
func (s *Service) ListUsers(ctx context.Context, p interfaces.Principal, adminsOnly bool) ([]interfaces.User, error) {
	if _, err := s.member(ctx, p); err != nil {
		return nil, err
	}
	users, err := s.listUsers(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	if adminsOnly {
		users = slices.DeleteFunc(users, func(u interfaces.User) bool { return !u.IsAdmin })
	}
	return users, nil
}

// UploadPublicKey publishes the caller's PEM public key, replacing any
// previous one.
func (s *Service) UploadPublicKey(ctx context.Context, p interfaces.Principal, publicKeyPEM []byte) error {
	if _, err := s.member(ctx, p); err != nil {
		return err
	}
	if err := cryptoutils.PubkeyPEM(publicKeyPEM).Validate(); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
	}
	return s.store.Put(ctx, key(p.TenantID, interfaces.PublicKeysCollection, p.UserID), publicKeyPEM)
}

func (s *Service) GetPublicKey(ctx context.Context, p interfaces.Principal, userID string) ([]byte, error) {
	if _, err := s.member(ctx, p); err != nil {
		return nil, err
	}
	data, err := s.store.Get(ctx, key(p.TenantID, interfaces.PublicKeysCollection, userID))
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, fmt.Errorf("%w: public key of %s", interfaces.ErrNotFound, userID)
	}
	return data, err
}

func (s *Service) member(ctx context.Context, p interfaces.Principal) (interfaces.User, error) {
	if p.TenantID == "" || p.UserID == "" {
		return interfaces.User{}, fmt.Errorf("%w: missing principal", interfaces.ErrAuthorization)
	}
	u, err := s.getUser(ctx, p.TenantID, p.UserID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return interfaces.User{}, fmt.Errorf("%w: unknown user %s", interfaces.ErrAuthorization, p.UserID)
	}
	return u, err
}

func (s *Service) admin(ctx context.Context, p interfaces.Principal) (interfaces.User, error) {
	u, err := s.member(ctx, p)
	if err != nil {
		return u, err
	}
	if !u.IsAdmin {
		return u, fmt.Errorf("%w: %s is not an admin", interfaces.ErrAuthorization, p.UserID)
	}
	return u, nil
}

func (s *Service) getUser(ctx context.Context, tenantID, userID string) (interfaces.User, error) {
	var u interfaces.User
	err := s.getJSON(ctx, tenantID, interfaces.UsersCollection, userID, &u)
	return u, err
}

func (s *Service) listUsers(ctx context.Context, tenantID string) ([]interfaces.User, error) {
	users, err := listJSON[interfaces.User](ctx, s.store, tenantID, interfaces.UsersCollection)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(users, func(a, b interfaces.User) int { return strings.Compare(a.Username, b.Username) })
	return users, nil
}

func (s *Service) hasAdmin(ctx context.Context, tenantID string) (bool, error) {
	users, err := s.listUsers(ctx, tenantID)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(users, func(u interfaces.User) bool { return u.IsAdmin }), nil
}

func (s *Service) history(ctx context.Context, tenantID string) (kekstore.History, error) {
	var h kekstore.History
	err := s.getJSON(ctx, tenantID, interfaces.VersionsCollection, historyRecordID, &h)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, nil
	}
	return h, err
}

func key(tenantID string, c interfaces.Collection, id string) interfaces.RecordKey {
	return interfaces.RecordKey{TenantID: tenantID, Collection: c, ID: id}
}

func (s *Service) getJSON(ctx context.Context, tenantID string, c interfaces.Collection, id string, v any) error {
	data, err := s.store.Get(ctx, key(tenantID, c, id))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("corrupt %s record %s: %w", c, id, err)
	}
	return nil
}

func (s *Service) putJSON(ctx context.Context, tenantID string, c interfaces.Collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, key(tenantID, c, id), data)
}

func listJSON[T any](ctx context.Context, store interfaces.RecordStore, tenantID string, c interfaces.Collection) ([]T, error) {
	records, err := store.List(ctx, tenantID, c)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(records))
	for id, data := range records {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("corrupt %s record %s: %w", c, id, err)
		}
		out = append(out, v)
	}
	return out, nil
}
