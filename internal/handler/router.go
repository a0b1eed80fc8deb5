package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"
	"github.com/boddenberg/payee-onboarding-go/internal/service"
	"github.com/boddenberg/payee-onboarding-go/internal/versiongate"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(
	svc *service.OnboardingService,
	verifier *service.TokenVerifier,
	gate *versiongate.Gate,
	store Pinger,
	metrics *observability.Metrics,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	// Retired protocol generations are answered before routing.
	r.Use(gate.Middleware)

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler())
	r.Get("/readyz", readyzHandler(store, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v2 ---
	r.Route("/v2", func(r chi.Router) {

		// =============================================
		// Payee-facing (access tokens)
		// POST /v2/payees/me/onboarding
		// GET  /v2/payees/me/status
		// =============================================
		r.Group(func(r chi.Router) {
			r.Use(TokenAuthMiddleware(verifier, service.TokenTypeAccess, logger))
			r.Post("/payees/me/onboarding", onboardingHandler(svc, logger))
			r.Get("/payees/me/status", statusHandler(svc, logger))
		})

		// =============================================
		// Disbursement collaborator (service tokens)
		// =============================================
		r.Route("/internal/payees/{userId}", func(r chi.Router) {
			r.Use(TokenAuthMiddleware(verifier, service.TokenTypeService, logger))
			r.Get("/payment-ready", paymentReadyHandler(svc, logger))
			r.Get("/external-account", externalAccountHandler(svc, logger))
			r.Post("/reconcile", reconcileHandler(svc, logger))
		})
	})

	return r
}

// ============================================================
// Operational handlers
// ============================================================

func healthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status: "healthy",
			Services: []domain.ServiceHealth{
				{Name: "payee-onboarding", Status: "healthy", LastChecked: time.Now().Format(time.RFC3339)},
			},
		})
	}
}

func readyzHandler(store Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		start := time.Now()
		check := domain.ServiceHealth{Name: "mirror-store", Status: "healthy", LastChecked: start.Format(time.RFC3339)}
		if store != nil {
			if err := store.Ping(ctx); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				check.Status = "unhealthy"
				check.Message = err.Error()
			}
		}
		check.LatencyMs = time.Since(start).Milliseconds()

		status := http.StatusOK
		overall := "ready"
		if check.Status != "healthy" {
			status = http.StatusServiceUnavailable
			overall = "unhealthy"
		}
		writeJSON(w, status, domain.HealthStatus{Status: overall, Services: []domain.ServiceHealth{check}})
	}
}
