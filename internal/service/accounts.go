package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"
	"github.com/boddenberg/payee-onboarding-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var accountsTracer = otel.Tracer("service/accounts")

const (
	defaultFlightTimeout  = 30 * time.Second
	defaultPersistTimeout = 5 * time.Second
)

// IdempotencyKey is the provider idempotency key for a user's account creation.
// Deterministic, so retries and concurrent first calls converge on one account.
// Each re-bind generation gets its own key; replaying the first key would hand
// back the account that vanished.
func IdempotencyKey(userID int64, generation int) string {
	if generation == 0 {
		return fmt.Sprintf("onboarding-account-%d-%s", userID, domain.CurrentProtocol)
	}
	return fmt.Sprintf("onboarding-account-%d-%s-g%d", userID, domain.CurrentProtocol, generation)
}

// LifecycleTimeouts bounds the work AccountLifecycle runs detached from callers.
type LifecycleTimeouts struct {
	// Flight covers the user lookup and the provider create, retries included.
	Flight time.Duration
	// Persist covers the mirror write that follows a confirmed create. It
	// starts when the provider answers, so a slow create cannot consume it.
	Persist time.Duration
}

// AccountLifecycle guarantees at most one connected account per platform user.
type AccountLifecycle struct {
	store     port.MirrorStore
	users     port.UserDirectory
	provider  port.PaymentProvider
	userCache port.Cache[int64, *domain.PlatformUser]
	metrics   *observability.Metrics
	logger    *zap.Logger

	timeouts LifecycleTimeouts
	flights  singleflight.Group
}

// NewAccountLifecycle creates the lifecycle manager.
func NewAccountLifecycle(
	store port.MirrorStore,
	users port.UserDirectory,
	provider port.PaymentProvider,
	userCache port.Cache[int64, *domain.PlatformUser],
	timeouts LifecycleTimeouts,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *AccountLifecycle {
	if timeouts.Flight <= 0 {
		timeouts.Flight = defaultFlightTimeout
	}
	if timeouts.Persist <= 0 {
		timeouts.Persist = defaultPersistTimeout
	}
	return &AccountLifecycle{
		store:     store,
		users:     users,
		provider:  provider,
		userCache: userCache,
		timeouts:  timeouts,
		metrics:   metrics,
		logger:    logger,
	}
}

// EnsureAccount returns the user's connected account, creating it on first call.
// Concurrent first calls in this process share one creation; across processes
// the provider idempotency key and the store's unique insert do the same.
func (l *AccountLifecycle) EnsureAccount(ctx context.Context, userID int64, country string) (domain.EnsureResult, error) {
	ctx, span := accountsTracer.Start(ctx, "AccountLifecycle.EnsureAccount")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	existing, err := l.store.GetMirror(ctx, userID)
	if err == nil {
		l.metrics.IncrAccountEnsured(string(domain.OutcomeAlreadyExists))
		return domain.EnsureResult{Outcome: domain.OutcomeAlreadyExists, Mirror: existing}, nil
	}
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		return domain.EnsureResult{}, fmt.Errorf("read mirror: %w", err)
	}

	country, err = domain.NormalizeCountry(country)
	if err != nil {
		return domain.EnsureResult{}, err
	}

	// The shared flight outlives a cancelled caller: once the provider confirms
	// an account, the mirror must be written.
	return l.share(ctx, span, strconv.FormatInt(userID, 10), func(flightCtx context.Context) (domain.EnsureResult, error) {
		return l.create(ctx, flightCtx, userID, country)
	})
}

// Rebind replaces the provider account of stale after the provider reported
// it missing. The provider is asked again first: an account that still
// exists is returned unchanged and nothing is created. Concurrent callers
// share one re-bind, and a re-bind already done elsewhere is returned as is.
func (l *AccountLifecycle) Rebind(ctx context.Context, stale *domain.ConnectedAccountMirror) (domain.EnsureResult, error) {
	ctx, span := accountsTracer.Start(ctx, "AccountLifecycle.Rebind")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", stale.PlatformUserID),
		attribute.String("account.previous_id", stale.ExternalAccountID),
	)

	key := fmt.Sprintf("rebind:%d:%s", stale.PlatformUserID, stale.ExternalAccountID)
	return l.share(ctx, span, key, func(flightCtx context.Context) (domain.EnsureResult, error) {
		return l.rebind(ctx, flightCtx, stale)
	})
}

// share runs fn once per key across concurrent callers, on a context detached
// from any single caller. Only the caller whose flight ran reports Created or
// Rebound; the others see AlreadyExists.
func (l *AccountLifecycle) share(ctx context.Context, span trace.Span, key string, fn func(context.Context) (domain.EnsureResult, error)) (domain.EnsureResult, error) {
	leader := false
	ch := l.flights.DoChan(key, func() (any, error) {
		leader = true
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeouts.Flight)
		defer cancel()
		return fn(flightCtx)
	})

	select {
	case <-ctx.Done():
		return domain.EnsureResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.EnsureResult{}, res.Err
		}
		result := res.Val.(domain.EnsureResult)
		if !leader && result.Outcome != domain.OutcomeAlreadyExists {
			result = domain.EnsureResult{Outcome: domain.OutcomeAlreadyExists, Mirror: result.Mirror.Clone()}
		} else {
			result.Mirror = result.Mirror.Clone()
		}
		l.metrics.IncrAccountEnsured(string(result.Outcome))
		span.SetAttributes(
			attribute.String("account.id", result.AccountID()),
			attribute.String("ensure.outcome", string(result.Outcome)),
		)
		return result, nil
	}
}

// persistContext starts the mirror write's own deadline. It is taken once the
// provider has answered, detached from both the caller and the flight.
func (l *AccountLifecycle) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.timeouts.Persist)
}

func (l *AccountLifecycle) create(callerCtx, ctx context.Context, userID int64, country string) (domain.EnsureResult, error) {
	// Another process may have finished since the first read.
	if existing, err := l.store.GetMirror(ctx, userID); err == nil {
		return domain.EnsureResult{Outcome: domain.OutcomeAlreadyExists, Mirror: existing}, nil
	}

	user, err := l.loadUser(ctx, userID)
	if err != nil {
		return domain.EnsureResult{}, err
	}
	kind, err := user.AccountKind()
	if err != nil {
		return domain.EnsureResult{}, err
	}

	acct, err := l.provider.CreateAccount(ctx, createRequest(user, kind, country, 0))
	if err != nil {
		l.logger.Warn("provider account creation failed",
			zap.Int64("user_id", userID),
			zap.String("account_kind", string(kind)),
			zap.Error(err),
		)
		return domain.EnsureResult{}, err
	}

	persistCtx, cancel := l.persistContext(callerCtx)
	defer cancel()
	result, err := l.store.InsertIfAbsent(persistCtx, domain.NewMirror(userID, acct.ID, kind, country))
	if err != nil {
		l.logger.Error("provider account created but mirror not persisted",
			zap.Int64("user_id", userID),
			zap.String("account_id", acct.ID),
			zap.Error(err),
		)
		return domain.EnsureResult{}, fmt.Errorf("persist mirror: %w", err)
	}

	if !result.Created() && result.AccountID() != acct.ID {
		l.logger.Warn("mirror already bound to a different provider account",
			zap.Int64("user_id", userID),
			zap.String("account_id", result.AccountID()),
			zap.String("unbound_account_id", acct.ID),
		)
	}
	if result.Created() {
		l.logger.Info("connected account created",
			zap.Int64("user_id", userID),
			zap.String("account_id", acct.ID),
			zap.String("account_kind", string(kind)),
			zap.String("country", country),
		)
	}
	return result, nil
}

func (l *AccountLifecycle) rebind(callerCtx, ctx context.Context, stale *domain.ConnectedAccountMirror) (domain.EnsureResult, error) {
	userID := stale.PlatformUserID

	current, err := l.store.GetMirror(ctx, userID)
	if err != nil {
		return domain.EnsureResult{}, fmt.Errorf("read mirror: %w", err)
	}
	if current.ExternalAccountID != stale.ExternalAccountID {
		return domain.EnsureResult{Outcome: domain.OutcomeAlreadyExists, Mirror: current}, nil
	}

	_, err = l.provider.GetAccount(ctx, current.ExternalAccountID)
	var gone *domain.ErrAccountNotFound
	switch {
	case err == nil:
		return domain.EnsureResult{Outcome: domain.OutcomeAlreadyExists, Mirror: current}, nil
	case !errors.As(err, &gone):
		return domain.EnsureResult{}, err
	}

	user, err := l.loadUser(ctx, userID)
	if err != nil {
		return domain.EnsureResult{}, err
	}
	kind, err := user.AccountKind()
	if err != nil {
		return domain.EnsureResult{}, err
	}

	generation := current.AccountGeneration + 1
	acct, err := l.provider.CreateAccount(ctx, createRequest(user, kind, current.Country, generation))
	if err != nil {
		l.logger.Warn("provider account re-creation failed",
			zap.Int64("user_id", userID),
			zap.String("previous_account_id", current.ExternalAccountID),
			zap.Error(err),
		)
		return domain.EnsureResult{}, err
	}

	persistCtx, cancel := l.persistContext(callerCtx)
	defer cancel()
	rebound, err := l.store.RebindAccount(persistCtx, current.Rebound(acct.ID), current.ExternalAccountID, current.Version)
	if err != nil {
		var conflict *domain.ErrVersionConflict
		if errors.As(err, &conflict) {
			// Another process re-bound first; the deterministic key means it
			// bound the same new account.
			if winner, gerr := l.store.GetMirror(persistCtx, userID); gerr == nil && winner.ExternalAccountID != current.ExternalAccountID {
				return domain.EnsureResult{Outcome: domain.OutcomeAlreadyExists, Mirror: winner}, nil
			}
		}
		l.logger.Error("replacement account created but mirror not re-bound",
			zap.Int64("user_id", userID),
			zap.String("account_id", acct.ID),
			zap.Error(err),
		)
		return domain.EnsureResult{}, fmt.Errorf("rebind mirror: %w", err)
	}

	l.logger.Warn("connected account vanished at provider, re-bound",
		zap.Int64("user_id", userID),
		zap.String("previous_account_id", current.ExternalAccountID),
		zap.String("account_id", rebound.ExternalAccountID),
		zap.Int("account_generation", rebound.AccountGeneration),
	)
	return domain.EnsureResult{Outcome: domain.OutcomeRebound, Mirror: rebound}, nil
}

func createRequest(user *domain.PlatformUser, kind domain.AccountKind, country string, generation int) *port.CreateAccountRequest {
	return &port.CreateAccountRequest{
		PlatformUserID: user.ID,
		Kind:           kind,
		Country:        country,
		Email:          user.Email,
		FirstName:      user.FirstName,
		LastName:       user.LastName,
		CompanyName:    user.CompanyName,
		IdempotencyKey: IdempotencyKey(user.ID, generation),
	}
}

func (l *AccountLifecycle) loadUser(ctx context.Context, userID int64) (*domain.PlatformUser, error) {
	if u, ok := l.userCache.Get(userID); ok {
		l.metrics.IncrCacheHit("user")
		return u, nil
	}
	l.metrics.IncrCacheMiss("user")

	u, err := l.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	l.userCache.Set(userID, u)
	return u, nil
}
