// Package service holds the onboarding use cases: key/environment guard,
// account lifecycle, session broker, readiness evaluation, and the facade
// the HTTP layer and the operator CLI call.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/config"
	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("service/onboarding")

// OnboardingService is the facade over the onboarding modules.
type OnboardingService struct {
	guard     *EnvironmentGuard
	lifecycle *AccountLifecycle
	broker    *SessionBroker
	evaluator *ReadinessEvaluator
	store     port.MirrorStore
	flags     config.Flags
	freshness time.Duration
	now       port.Clock
	logger    *zap.Logger
}

// NewOnboardingService wires the facade.
func NewOnboardingService(
	guard *EnvironmentGuard,
	lifecycle *AccountLifecycle,
	broker *SessionBroker,
	evaluator *ReadinessEvaluator,
	store port.MirrorStore,
	flags config.Flags,
	freshness time.Duration,
	now port.Clock,
	logger *zap.Logger,
) *OnboardingService {
	if now == nil {
		now = time.Now
	}
	return &OnboardingService{
		guard:     guard,
		lifecycle: lifecycle,
		broker:    broker,
		evaluator: evaluator,
		store:     store,
		flags:     flags,
		freshness: freshness,
		now:       now,
		logger:    logger,
	}
}

// Broker exposes the session broker, e.g. to list enabled components.
func (s *OnboardingService) Broker() *SessionBroker { return s.broker }

// ============================================================
// Payee-facing operations
// ============================================================

// EnsureAccountAndSession ensures the user's account exists and issues a
// hosted-UI session for it. The client key is checked before anything else.
func (s *OnboardingService) EnsureAccountAndSession(ctx context.Context, userID int64, clientKey, country string, components domain.ComponentSet) (*domain.OnboardingResult, error) {
	ctx, span := tracer.Start(ctx, "OnboardingService.EnsureAccountAndSession")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	if err := s.guard.Check(clientKey); err != nil {
		return nil, err
	}
	if len(components) == 0 {
		return nil, &domain.ErrValidation{Field: "components", Message: "at least one component is required"}
	}
	for _, c := range components {
		if !s.broker.Enabled(c) {
			return nil, &domain.ErrForbidden{Action: fmt.Sprintf("component %s is disabled", c)}
		}
	}

	ensured, err := s.lifecycle.EnsureAccount(ctx, userID, country)
	if err != nil {
		return nil, err
	}

	sess, err := s.broker.CreateSession(ctx, ensured.AccountID(), components)
	var gone *domain.ErrAccountNotFound
	if errors.As(err, &gone) && !ensured.Created() {
		// The stored account was removed at the provider. Bind a new one
		// instead of handing out sessions for an id that no longer exists.
		ensured, err = s.lifecycle.Rebind(ctx, ensured.Mirror)
		if err != nil {
			return nil, err
		}
		sess, err = s.broker.CreateSession(ctx, ensured.AccountID(), components)
	}
	if err != nil {
		return nil, err
	}

	readiness := ensured.Mirror.StoredReadiness()
	s.logger.Info("onboarding session issued",
		zap.Int64("user_id", userID),
		zap.String("account_id", ensured.AccountID()),
		zap.String("outcome", string(ensured.Outcome)),
		zap.Any("components", sess.Components),
	)

	return &domain.OnboardingResult{
		AccountID:       ensured.AccountID(),
		ClientSecret:    sess.ClientSecret,
		ExpiresAt:       sess.ExpiresAt,
		Components:      sess.Components,
		NeedsOnboarding: readiness.NeedsOnboarding,
		Created:         ensured.Created() || ensured.Rebound(),
		Rebound:         ensured.Rebound(),
	}, nil
}

// GetStatus returns the user's readiness. Users without a mirror get the
// not-ready snapshot and no provider call is made.
func (s *OnboardingService) GetStatus(ctx context.Context, userID int64, clientKey string) (*domain.ReadinessSnapshot, error) {
	ctx, span := tracer.Start(ctx, "OnboardingService.GetStatus")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	m, err := s.mirror(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return domain.NoAccountSnapshot(userID), nil
	}

	if !s.flags.ReconcileOnStatus() {
		return domain.SnapshotOf(m, m.StoredReadiness()), nil
	}
	if err := s.guard.Check(clientKey); err != nil {
		return nil, err
	}
	return s.reconcile(ctx, userID)
}

// ============================================================
// Disbursement-facing operations
// ============================================================

// IsPaymentReady answers from the mirror only. Fresh tells the caller whether
// the last reconciliation is inside the freshness window.
func (s *OnboardingService) IsPaymentReady(ctx context.Context, userID int64) (*domain.PaymentReadiness, error) {
	ctx, span := tracer.Start(ctx, "OnboardingService.IsPaymentReady")
	defer span.End()

	m, err := s.mirror(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return &domain.PaymentReadiness{UserID: userID}, nil
	}
	return &domain.PaymentReadiness{
		UserID:           userID,
		PaymentReady:     m.PaymentReady,
		Fresh:            m.IsFresh(s.now(), s.freshness),
		LastReconciledAt: m.LastReconciledAt,
	}, nil
}

// GetExternalAccountID returns the provider account id, or *domain.ErrNotFound.
func (s *OnboardingService) GetExternalAccountID(ctx context.Context, userID int64) (string, error) {
	ctx, span := tracer.Start(ctx, "OnboardingService.GetExternalAccountID")
	defer span.End()

	m, err := s.store.GetMirror(ctx, userID)
	if err != nil {
		return "", err
	}
	return m.ExternalAccountID, nil
}

// Reconcile re-validates readiness against the provider now.
func (s *OnboardingService) Reconcile(ctx context.Context, userID int64) (*domain.ReadinessSnapshot, error) {
	ctx, span := tracer.Start(ctx, "OnboardingService.Reconcile")
	defer span.End()

	return s.reconcile(ctx, userID)
}

// EnsureFreshReadiness reconciles only when the mirror is older than maxAge.
func (s *OnboardingService) EnsureFreshReadiness(ctx context.Context, userID int64, maxAge time.Duration) (*domain.ReadinessSnapshot, error) {
	ctx, span := tracer.Start(ctx, "OnboardingService.EnsureFreshReadiness")
	defer span.End()

	m, err := s.mirror(ctx, userID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return domain.NoAccountSnapshot(userID), nil
	}
	if m.IsFresh(s.now(), maxAge) {
		return domain.SnapshotOf(m, m.StoredReadiness()), nil
	}
	return s.reconcile(ctx, userID)
}

// ============================================================
// Helpers
// ============================================================

// mirror returns nil, nil when the user has no mirror.
func (s *OnboardingService) mirror(ctx context.Context, userID int64) (*domain.ConnectedAccountMirror, error) {
	m, err := s.store.GetMirror(ctx, userID)
	if err != nil {
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mirror: %w", err)
	}
	return m, nil
}

func (s *OnboardingService) reconcile(ctx context.Context, userID int64) (*domain.ReadinessSnapshot, error) {
	snap, err := s.evaluator.Reconcile(ctx, userID)
	if err != nil {
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			return domain.NoAccountSnapshot(userID), nil
		}
		return nil, err
	}
	return snap, nil
}
