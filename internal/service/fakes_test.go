package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/config"
	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/cache"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/memstore"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"
	"github.com/boddenberg/payee-onboarding-go/internal/port"
	"github.com/boddenberg/payee-onboarding-go/internal/service"

	"go.uber.org/zap"
)

// --- Mocks ---

type mockProvider struct {
	mu       sync.Mutex
	accounts map[string]*domain.RemoteAccount
	byKey    map[string]string
	seq      int

	createCalls  int
	getCalls     int
	sessionCalls int
	lastCreate   *port.CreateAccountRequest

	createErr   error
	getErr      error
	sessionErr  error
	createDelay time.Duration
	getDelay    time.Duration
	grantExtra  bool
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		accounts: make(map[string]*domain.RemoteAccount),
		byKey:    make(map[string]string),
	}
}

func (m *mockProvider) CreateAccount(ctx context.Context, req *port.CreateAccountRequest) (*domain.RemoteAccount, error) {
	m.mu.Lock()
	m.createCalls++
	r := *req
	m.lastCreate = &r
	delay, err := m.createDelay, m.createErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[req.IdempotencyKey]; ok {
		a := *m.accounts[id]
		return &a, nil
	}
	m.seq++
	a := &domain.RemoteAccount{
		ID:           fmt.Sprintf("acct_mock%d", m.seq),
		Requirements: domain.RequirementSet{CurrentlyDue: []string{"external_account"}},
	}
	m.accounts[a.ID] = a
	m.byKey[req.IdempotencyKey] = a.ID
	c := *a
	return &c, nil
}

func (m *mockProvider) GetAccount(ctx context.Context, accountID string) (*domain.RemoteAccount, error) {
	m.mu.Lock()
	m.getCalls++
	delay, err := m.getDelay, m.getErr
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return nil, &domain.ErrAccountNotFound{AccountID: accountID}
	}
	c := *a
	c.Requirements = a.Requirements.Clone()
	return &c, nil
}

func (m *mockProvider) CreateAccountSession(_ context.Context, accountID string, components domain.ComponentSet) (*domain.OnboardingSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionCalls++
	if m.sessionErr != nil {
		return nil, m.sessionErr
	}
	if _, ok := m.accounts[accountID]; !ok {
		return nil, &domain.ErrAccountNotFound{AccountID: accountID}
	}
	granted := append(domain.ComponentSet{}, components...)
	if m.grantExtra && !granted.Contains(domain.ComponentManagement) {
		granted = append(granted, domain.ComponentManagement)
	}
	m.seq++
	return &domain.OnboardingSession{
		ExternalAccountID: accountID,
		ClientSecret:      fmt.Sprintf("accs_secret_%d", m.seq),
		ExpiresAt:         time.Now().Add(30 * time.Minute),
		Components:        granted,
	}, nil
}

// remove deletes an account at the provider, as an operator would out of band.
func (m *mockProvider) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, id)
}

// setRemote replaces the provider's view of an account.
func (m *mockProvider) setRemote(id string, details, charges, payouts bool, reqs domain.RequirementSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[id] = &domain.RemoteAccount{
		ID:               id,
		DetailsSubmitted: details,
		ChargesEnabled:   charges,
		PayoutsEnabled:   payouts,
		Requirements:     reqs,
	}
}

func (m *mockProvider) calls() (create, get, session int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.getCalls, m.sessionCalls
}

// countingUsers counts directory reads to observe caching.
type countingUsers struct {
	port.UserDirectory
	mu    sync.Mutex
	reads int
}

func (c *countingUsers) GetUser(ctx context.Context, id int64) (*domain.PlatformUser, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.UserDirectory.GetUser(ctx, id)
}

// conflictingStore loses the optimistic race a fixed number of times.
type conflictingStore struct {
	*memstore.Store
	mu        sync.Mutex
	conflicts int
}

func (s *conflictingStore) ApplyReconciliation(ctx context.Context, m *domain.ConnectedAccountMirror, expected int64) (*domain.ConnectedAccountMirror, error) {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return nil, &domain.ErrVersionConflict{UserID: m.PlatformUserID, Expected: expected}
	}
	s.mu.Unlock()
	return s.Store.ApplyReconciliation(ctx, m, expected)
}

// slowStore makes every write take delay and gives up when ctx does, as a
// database driver would.
type slowStore struct {
	port.MirrorStore
	delay time.Duration
}

func (s *slowStore) wait(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *slowStore) InsertIfAbsent(ctx context.Context, m *domain.ConnectedAccountMirror) (domain.EnsureResult, error) {
	if err := s.wait(ctx); err != nil {
		return domain.EnsureResult{}, err
	}
	return s.MirrorStore.InsertIfAbsent(ctx, m)
}

func (s *slowStore) RebindAccount(ctx context.Context, next *domain.ConnectedAccountMirror, previousAccountID string, expected int64) (*domain.ConnectedAccountMirror, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.MirrorStore.RebindAccount(ctx, next, previousAccountID, expected)
}

// --- Harness ---

const (
	contractorID int64 = 101
	businessID   int64 = 202
	serverPK           = "pk_test_server"
	serverSK           = "sk_test_server"
)

type harness struct {
	store     *memstore.Store
	users     *countingUsers
	provider  *mockProvider
	metrics   *observability.Metrics
	guard     *service.EnvironmentGuard
	lifecycle *service.AccountLifecycle
	broker    *service.SessionBroker
	evaluator *service.ReadinessEvaluator
	svc       *service.OnboardingService
	now       time.Time
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	flags      config.Flags
	conflicts  int
	maxRetries int
	flight     time.Duration
	slowWrites time.Duration
}

func withFlags(f config.Flags) harnessOption {
	return func(c *harnessConfig) { c.flags = f }
}

// withConflicts makes the store lose the version race n times.
func withConflicts(n int) harnessOption {
	return func(c *harnessConfig) { c.conflicts = n }
}

// withFlightTimeout bounds the shared create flight.
func withFlightTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.flight = d }
}

// withSlowWrites makes mirror writes take d and honor their context.
func withSlowWrites(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.slowWrites = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	store := memstore.New()
	store.PutUser(&domain.PlatformUser{ID: contractorID, Role: domain.RoleContractor, Email: "dev@example.com", FirstName: "Ada", LastName: "Lovelace"})
	store.PutUser(&domain.PlatformUser{ID: businessID, Role: domain.RoleBusiness, Email: "ap@acme.test", CompanyName: "Acme"})

	cfg := harnessConfig{flags: config.DefaultFlags(), maxRetries: 2, flight: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	var mirrors port.MirrorStore = store
	if cfg.conflicts > 0 {
		mirrors = &conflictingStore{Store: store, conflicts: cfg.conflicts}
	}
	if cfg.slowWrites > 0 {
		mirrors = &slowStore{MirrorStore: mirrors, delay: cfg.slowWrites}
	}

	h := &harness{
		store:    store,
		users:    &countingUsers{UserDirectory: store},
		provider: newMockProvider(),
		metrics:  observability.NewMetrics(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	logger := zap.NewNop()
	clock := func() time.Time { return h.now }
	store.WithClock(clock)

	guard, err := service.NewEnvironmentGuard(serverPK, serverSK, h.metrics, logger)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	h.guard = guard
	h.lifecycle = service.NewAccountLifecycle(mirrors, h.users, h.provider,
		cache.New[int64, *domain.PlatformUser](100, time.Minute),
		service.LifecycleTimeouts{Flight: cfg.flight, Persist: time.Second}, h.metrics, logger)
	h.broker = service.NewSessionBroker(h.provider, cfg.flags, h.metrics, logger)
	h.evaluator = service.NewReadinessEvaluator(mirrors, h.provider, clock, cfg.maxRetries, 5*time.Second, h.metrics, logger)
	h.svc = service.NewOnboardingService(guard, h.lifecycle, h.broker, h.evaluator, mirrors,
		cfg.flags, 15*time.Minute, clock, logger)
	return h
}

// onboard creates an account for userID and returns its id.
func (h *harness) onboard(t *testing.T, userID int64) string {
	t.Helper()
	res, err := h.lifecycle.EnsureAccount(context.Background(), userID, "US")
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	return res.AccountID()
}

func ready() domain.RequirementSet { return domain.EmptyRequirements() }
