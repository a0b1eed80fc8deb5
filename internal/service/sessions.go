package service

import (
	"context"
	"fmt"

	"github.com/boddenberg/payee-onboarding-go/internal/config"
	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"
	"github.com/boddenberg/payee-onboarding-go/internal/port"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var sessionsTracer = otel.Tracer("service/sessions")

// SessionBroker mints short-lived hosted-UI secrets. Nothing is cached:
// every call returns a fresh secret scoped to exactly the requested components.
type SessionBroker struct {
	provider port.PaymentProvider
	flags    config.Flags
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewSessionBroker creates a session broker.
func NewSessionBroker(provider port.PaymentProvider, flags config.Flags, metrics *observability.Metrics, logger *zap.Logger) *SessionBroker {
	return &SessionBroker{provider: provider, flags: flags, metrics: metrics, logger: logger}
}

// Enabled reports whether the deployment allows issuing c.
func (b *SessionBroker) Enabled(c domain.Component) bool {
	switch c {
	case domain.ComponentOnboarding:
		return true
	case domain.ComponentManagement:
		return b.flags.ManagementComponent()
	case domain.ComponentNotifications:
		return b.flags.NotificationsComponent()
	}
	return false
}

// CreateSession issues a session for accountID.
func (b *SessionBroker) CreateSession(ctx context.Context, accountID string, components domain.ComponentSet) (*domain.OnboardingSession, error) {
	ctx, span := sessionsTracer.Start(ctx, "SessionBroker.CreateSession")
	defer span.End()
	span.SetAttributes(
		attribute.String("account.id", accountID),
		attribute.Int("components", len(components)),
	)

	if len(components) == 0 {
		return nil, &domain.ErrValidation{Field: "components", Message: "at least one component is required"}
	}
	for _, c := range components {
		if !b.Enabled(c) {
			return nil, &domain.ErrForbidden{Action: fmt.Sprintf("component %s is disabled", c)}
		}
	}

	sess, err := b.provider.CreateAccountSession(ctx, accountID, components)
	if err != nil {
		return nil, err
	}

	// The secret must grant exactly what was asked for.
	if !sameComponents(sess.Components, components) {
		b.logger.Error("provider session scope mismatch",
			zap.String("account_id", accountID),
			zap.Any("requested", components),
			zap.Any("granted", sess.Components),
		)
		return nil, &domain.ErrUpstreamUnavailable{
			Operation: "create_account_session",
			Err:       fmt.Errorf("granted components %v, requested %v", sess.Components, components),
		}
	}

	for _, c := range sess.Components {
		b.metrics.IncrSessionIssued(string(c))
	}
	return sess, nil
}

func sameComponents(a, b domain.ComponentSet) bool {
	if len(a) != len(b) {
		return false
	}
	for _, c := range a {
		if !b.Contains(c) {
			return false
		}
	}
	return true
}
