package handler

import (
	"net/http"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/service"

	"go.uber.org/zap"
)

// ============================================================
// Payee-facing onboarding handlers
// ============================================================

// publishableKeyHeader carries the publishable key the client UI was built with.
const publishableKeyHeader = "X-Publishable-Key"

type onboardingRequest struct {
	CountryCode string   `json:"countryCode"`
	Components  []string `json:"components"`
}

// POST /v2/payees/me/onboarding
func onboardingHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /payees/me/onboarding")
		defer span.End()

		userID := UserIDFromContext(ctx)

		var req onboardingRequest
		if err := decodeJSON(r, &req); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		// Omitting the field asks for the onboarding flow only; an explicit
		// empty list is rejected.
		if req.Components == nil {
			req.Components = []string{string(domain.ComponentOnboarding)}
		}
		components, err := domain.ParseComponents(req.Components)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		result, err := svc.EnsureAccountAndSession(ctx, userID, r.Header.Get(publishableKeyHeader), req.CountryCode, components)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		writeJSON(w, status, result)
	}
}

// GET /v2/payees/me/status
func statusHandler(svc *service.OnboardingService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /payees/me/status")
		defer span.End()

		snap, err := svc.GetStatus(ctx, UserIDFromContext(ctx), r.Header.Get(publishableKeyHeader))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}
