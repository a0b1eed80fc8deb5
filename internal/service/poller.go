package service

import (
	"context"
	"fmt"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"

	"go.uber.org/zap"
)

// Reconciler is what the poller drives.
type Reconciler interface {
	Reconcile(ctx context.Context, userID int64) (*domain.ReadinessSnapshot, error)
}

// PollConfig bounds a readiness poll.
type PollConfig struct {
	MaxAttempts int
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
}

// ErrPollExhausted is returned when the attempt budget runs out before the
// payee became ready. Last is the final snapshot observed, if any.
type ErrPollExhausted struct {
	UserID   int64
	Attempts int
	Last     *domain.ReadinessSnapshot
}

func (e *ErrPollExhausted) Error() string {
	return fmt.Sprintf("user %d not payment-ready after %d attempts", e.UserID, e.Attempts)
}

// ReadinessPoller waits for a payee to become payment-ready after the hosted
// flow returns. Every wait is bounded; it never spins indefinitely.
type ReadinessPoller struct {
	reconciler Reconciler
	cfg        PollConfig
	logger     *zap.Logger
}

// NewReadinessPoller creates a poller. Zero-valued config fields get defaults.
func NewReadinessPoller(r Reconciler, cfg PollConfig, logger *zap.Logger) *ReadinessPoller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1.5
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = cfg.Interval
	}
	return &ReadinessPoller{reconciler: r, cfg: cfg, logger: logger}
}

// Await reconciles until the payee is ready, a non-retryable error occurs,
// ctx is done, or the attempt budget is spent.
func (p *ReadinessPoller) Await(ctx context.Context, userID int64) (*domain.ReadinessSnapshot, error) {
	var last *domain.ReadinessSnapshot
	wait := p.cfg.Interval

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		snap, err := p.reconciler.Reconcile(ctx, userID)
		switch {
		case err == nil:
			last = snap
			if snap.PaymentReady {
				return snap, nil
			}
			if !snap.HasAccount {
				// Nothing to wait for until the payee starts onboarding.
				return snap, &domain.ErrNotFound{Resource: "connected account mirror", ID: fmt.Sprint(userID)}
			}
		case !domain.IsRetryable(err):
			return last, err
		default:
			p.logger.Debug("readiness poll attempt failed",
				zap.Int64("user_id", userID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}

		wait = time.Duration(float64(wait) * p.cfg.Multiplier)
		if wait > p.cfg.MaxInterval {
			wait = p.cfg.MaxInterval
		}
	}

	return last, &ErrPollExhausted{UserID: userID, Attempts: p.cfg.MaxAttempts, Last: last}
}
