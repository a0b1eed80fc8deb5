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
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var readinessTracer = otel.Tracer("service/readiness")

// Reconciliation results, as counted in metrics.
const (
	ResultPromoted = "promoted"
	ResultDemoted  = "demoted"
	ResultNotReady = "not_ready"
	ResultReady    = "still_ready"
	ResultFailed   = "failed"
	ResultConflict = "conflict"
)

// ReadinessEvaluator reconciles the local mirror against the provider.
// paymentReady is promoted only from a fresh remote read that shows every
// condition met; any failure leaves the mirror exactly as it was.
type ReadinessEvaluator struct {
	store      port.MirrorStore
	provider   port.PaymentProvider
	now        port.Clock
	maxRetries int
	timeout    time.Duration
	metrics    *observability.Metrics
	logger     *zap.Logger

	flights singleflight.Group
}

// NewReadinessEvaluator creates the evaluator. maxRetries bounds re-runs after
// a lost optimistic-version race.
func NewReadinessEvaluator(
	store port.MirrorStore,
	provider port.PaymentProvider,
	now port.Clock,
	maxRetries int,
	timeout time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ReadinessEvaluator {
	if now == nil {
		now = time.Now
	}
	return &ReadinessEvaluator{
		store:      store,
		provider:   provider,
		now:        now,
		maxRetries: maxRetries,
		timeout:    timeout,
		metrics:    metrics,
		logger:     logger,
	}
}

// Reconcile performs one read-then-promote cycle for userID.
// A user without a mirror yields *domain.ErrNotFound.
func (e *ReadinessEvaluator) Reconcile(ctx context.Context, userID int64) (*domain.ReadinessSnapshot, error) {
	ctx, span := readinessTracer.Start(ctx, "ReadinessEvaluator.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.Int64("user.id", userID))

	ch := e.flights.DoChan(strconv.FormatInt(userID, 10), func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		return e.reconcile(flightCtx, userID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		snap := *res.Val.(*domain.ReadinessSnapshot)
		snap.Requirements = snap.Requirements.Clone()
		span.SetAttributes(attribute.Bool("payment.ready", snap.PaymentReady))
		return &snap, nil
	}
}

func (e *ReadinessEvaluator) reconcile(ctx context.Context, userID int64) (*domain.ReadinessSnapshot, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		stored, err := e.store.GetMirror(ctx, userID)
		if err != nil {
			var nf *domain.ErrNotFound
			if errors.As(err, &nf) {
				return nil, err
			}
			return nil, e.fail(userID, fmt.Errorf("read mirror: %w", err))
		}

		acct, err := e.provider.GetAccount(ctx, stored.ExternalAccountID)
		if err != nil {
			return nil, e.fail(userID, err)
		}
		if acct.ID != stored.ExternalAccountID {
			return nil, e.fail(userID, fmt.Errorf("provider returned account %s for %s", acct.ID, stored.ExternalAccountID))
		}

		r := domain.EvaluateReadiness(*acct)
		next := domain.ReconciledMirror(stored, *acct, r, e.now())

		updated, err := e.store.ApplyReconciliation(ctx, next, stored.Version)
		if err != nil {
			var conflict *domain.ErrVersionConflict
			if errors.As(err, &conflict) {
				e.metrics.IncrReconciliation(ResultConflict)
				e.logger.Debug("reconciliation lost version race, retrying",
					zap.Int64("user_id", userID),
					zap.Int64("expected_version", stored.Version),
					zap.Int("attempt", attempt),
				)
				lastErr = err
				continue
			}
			return nil, e.fail(userID, fmt.Errorf("apply reconciliation: %w", err))
		}

		e.record(userID, stored, updated)
		return domain.SnapshotOf(updated, r), nil
	}
	return nil, e.fail(userID, lastErr)
}

func (e *ReadinessEvaluator) record(userID int64, before, after *domain.ConnectedAccountMirror) {
	result := ResultNotReady
	switch {
	case !before.PaymentReady && after.PaymentReady:
		result = ResultPromoted
		e.logger.Info("payee promoted to payment-ready",
			zap.Int64("user_id", userID),
			zap.String("account_id", after.ExternalAccountID),
		)
	case before.PaymentReady && !after.PaymentReady:
		result = ResultDemoted
		e.logger.Warn("payee no longer payment-ready",
			zap.Int64("user_id", userID),
			zap.String("account_id", after.ExternalAccountID),
			zap.Strings("currently_due", after.Requirements.CurrentlyDue),
			zap.Strings("past_due", after.Requirements.PastDue),
		)
	case after.PaymentReady:
		result = ResultReady
	}
	e.metrics.IncrReconciliation(result)
}

func (e *ReadinessEvaluator) fail(userID int64, cause error) error {
	e.metrics.IncrReconciliation(ResultFailed)
	e.logger.Warn("reconciliation failed, mirror unchanged",
		zap.Int64("user_id", userID),
		zap.Error(cause),
	)
	return &domain.ErrReconciliationFailed{UserID: userID, Err: cause}
}
