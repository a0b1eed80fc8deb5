package handler

import (
	"net/http"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// Disbursement collaborator handlers (service tokens)
// ============================================================

// GET /v2/internal/payees/{userId}/payment-ready
func paymentReadyHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /internal/payees/{userId}/payment-ready")
		defer span.End()

		userID, err := userIDParam(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		ready, err := svc.IsPaymentReady(ctx, userID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, ready)
	}
}

// GET /v2/internal/payees/{userId}/external-account
func externalAccountHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /internal/payees/{userId}/external-account")
		defer span.End()

		userID, err := userIDParam(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		accountID, err := svc.GetExternalAccountID(ctx, userID)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"userId":    userID,
			"accountId": accountID,
		})
	}
}

// POST /v2/internal/payees/{userId}/reconcile[?maxAge=5m]
//
// Without maxAge the provider is always consulted.
func reconcileHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /internal/payees/{userId}/reconcile")
		defer span.End()

		userID, err := userIDParam(r)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		var snap *domain.ReadinessSnapshot
		if raw := r.URL.Query().Get("maxAge"); raw != "" {
			maxAge, perr := time.ParseDuration(raw)
			if perr != nil || maxAge < 0 {
				handleServiceError(w, &domain.ErrValidation{Field: "maxAge", Message: "must be a non-negative duration"}, logger)
				return
			}
			snap, err = svc.EnsureFreshReadiness(ctx, userID, maxAge)
		} else {
			snap, err = svc.Reconcile(ctx, userID)
		}
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		logger.Info("reconciliation requested",
			zap.Int64("user_id", userID),
			zap.String("caller", CallerFromContext(ctx)),
			zap.Bool("payment_ready", snap.PaymentReady),
		)
		writeJSON(w, http.StatusOK, snap)
	}
}
