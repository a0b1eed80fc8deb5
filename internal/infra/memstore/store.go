// Package memstore is an in-memory MirrorStore and UserDirectory.
// It honors the same uniqueness and optimistic-version contracts as the
// postgres store, so it backs local runs and service tests.
package memstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/port"
)

// Store is safe for concurrent use. Values are cloned on the way in and out.
type Store struct {
	mu        sync.RWMutex
	mirrors   map[int64]*domain.ConnectedAccountMirror
	byAccount map[string]int64
	users     map[int64]*domain.PlatformUser
	now       port.Clock
}

var (
	_ port.MirrorStore   = (*Store)(nil)
	_ port.UserDirectory = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		mirrors:   make(map[int64]*domain.ConnectedAccountMirror),
		byAccount: make(map[string]int64),
		users:     make(map[int64]*domain.PlatformUser),
		now:       time.Now,
	}
}

// WithClock pins the timestamps written by the store.
func (s *Store) WithClock(clock port.Clock) *Store {
	s.now = clock
	return s
}

// ============================================================
// Users
// ============================================================

// PutUser seeds a platform user.
func (s *Store) PutUser(u *domain.PlatformUser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *u
	s.users[u.ID] = &c
}

// GetUser returns a platform user or *domain.ErrNotFound.
func (s *Store) GetUser(_ context.Context, userID int64) (*domain.PlatformUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "user", ID: strconv.FormatInt(userID, 10)}
	}
	c := *u
	return &c, nil
}

// ============================================================
// Mirrors
// ============================================================

func (s *Store) GetMirror(_ context.Context, userID int64) (*domain.ConnectedAccountMirror, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mirrors[userID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "connected account mirror", ID: strconv.FormatInt(userID, 10)}
	}
	return m.Clone(), nil
}

func (s *Store) InsertIfAbsent(_ context.Context, m *domain.ConnectedAccountMirror) (domain.EnsureResult, error) {
	if err := m.CheckInvariants(); err != nil {
		return domain.EnsureResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.mirrors[m.PlatformUserID]; ok {
		return domain.EnsureResult{Outcome: domain.OutcomeAlreadyExists, Mirror: existing.Clone()}, nil
	}
	if owner, ok := s.byAccount[m.ExternalAccountID]; ok {
		return domain.EnsureResult{}, fmt.Errorf("external account %s already mirrored for user %d", m.ExternalAccountID, owner)
	}

	now := s.now().UTC()
	stored := m.Clone()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.mirrors[m.PlatformUserID] = stored
	s.byAccount[m.ExternalAccountID] = m.PlatformUserID

	return domain.EnsureResult{Outcome: domain.OutcomeCreated, Mirror: stored.Clone()}, nil
}

func (s *Store) ApplyReconciliation(_ context.Context, m *domain.ConnectedAccountMirror, expectedVersion int64) (*domain.ConnectedAccountMirror, error) {
	if err := m.CheckInvariants(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.mirrors[m.PlatformUserID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "connected account mirror", ID: strconv.FormatInt(m.PlatformUserID, 10)}
	}
	if stored.Version != expectedVersion {
		return nil, &domain.ErrVersionConflict{UserID: m.PlatformUserID, Expected: expectedVersion}
	}
	if stored.ExternalAccountID != m.ExternalAccountID {
		return nil, fmt.Errorf("external account id is immutable (user %d)", m.PlatformUserID)
	}

	next := m.Clone()
	next.AccountKind = stored.AccountKind
	next.Country = stored.Country
	next.AccountGeneration = stored.AccountGeneration
	next.CreatedAt = stored.CreatedAt
	next.UpdatedAt = s.now().UTC()
	next.Version = expectedVersion + 1
	s.mirrors[m.PlatformUserID] = next

	return next.Clone(), nil
}

func (s *Store) RebindAccount(_ context.Context, next *domain.ConnectedAccountMirror, previousAccountID string, expectedVersion int64) (*domain.ConnectedAccountMirror, error) {
	if err := next.CheckInvariants(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.mirrors[next.PlatformUserID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "connected account mirror", ID: strconv.FormatInt(next.PlatformUserID, 10)}
	}
	if stored.Version != expectedVersion || stored.ExternalAccountID != previousAccountID {
		return nil, &domain.ErrVersionConflict{UserID: next.PlatformUserID, Expected: expectedVersion}
	}
	if next.AccountGeneration != stored.AccountGeneration+1 {
		return nil, fmt.Errorf("rebind must advance the account generation (user %d)", next.PlatformUserID)
	}
	if owner, ok := s.byAccount[next.ExternalAccountID]; ok {
		return nil, fmt.Errorf("external account %s already mirrored for user %d", next.ExternalAccountID, owner)
	}

	rebound := next.Clone()
	rebound.AccountKind = stored.AccountKind
	rebound.CreatedAt = stored.CreatedAt
	rebound.UpdatedAt = s.now().UTC()
	rebound.Version = expectedVersion + 1
	delete(s.byAccount, previousAccountID)
	s.byAccount[rebound.ExternalAccountID] = rebound.PlatformUserID
	s.mirrors[rebound.PlatformUserID] = rebound

	return rebound.Clone(), nil
}

func (s *Store) Ping(context.Context) error { return nil }

// Len returns the number of mirrors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mirrors)
}
