package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// ============================================================
// Shared helper functions
// ============================================================

// retryAfterSeconds is advertised on 503 responses.
const retryAfterSeconds = "5"

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Param     string `json:"param,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &domain.ErrValidation{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	return nil
}

// userIDParam parses the {userId} path parameter.
func userIDParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "userId")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &domain.ErrValidation{Field: "userId", Message: "must be a positive integer"}
	}
	return id, nil
}

// handleServiceError maps domain errors to HTTP responses.
func handleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	var configuration *domain.ErrConfiguration
	var creationFailed *domain.ErrAccountCreationFailed
	var reconcileFailed *domain.ErrReconciliationFailed
	var accountNotFound *domain.ErrAccountNotFound
	var upstream *domain.ErrUpstreamUnavailable
	var retired *domain.ErrVersionRetired
	var conflict *domain.ErrVersionConflict
	var validation *domain.ErrValidation
	var unauthorized *domain.ErrUnauthorized
	var forbidden *domain.ErrForbidden
	var notFound *domain.ErrNotFound

	retryable := domain.IsRetryable(err)

	switch {
	case errors.As(err, &configuration):
		logger.Error("environment misconfiguration", zap.String("reason", configuration.Reason))
		writeJSON(w, http.StatusPreconditionFailed, errorResponse{Error: err.Error(), Code: "configuration_error"})
	case errors.As(err, &creationFailed):
		logger.Warn("account creation rejected",
			zap.String("param", creationFailed.Param),
			zap.String("reason", creationFailed.Reason),
		)
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: err.Error(), Code: "account_creation_failed", Param: creationFailed.Param,
		})
	case errors.As(err, &reconcileFailed) && !retryable:
		// The provider account vanished; retrying will not help.
		logger.Warn("reconciliation failed permanently", zap.Error(err))
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "account_not_found"})
	case errors.As(err, &reconcileFailed):
		logger.Warn("reconciliation failed", zap.Error(err))
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "reconciliation_failed", Retryable: true})
	case errors.As(err, &accountNotFound):
		logger.Warn("provider account not found", zap.String("account_id", accountNotFound.AccountID))
		writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "account_not_found"})
	case errors.As(err, &upstream):
		logger.Error("upstream unavailable", zap.String("operation", upstream.Operation), zap.Error(err))
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "upstream_unavailable", Retryable: true})
	case errors.As(err, &retired):
		writeJSON(w, http.StatusGone, errorResponse{Error: err.Error(), Code: "version_retired"})
	case errors.As(err, &conflict):
		logger.Debug("version conflict", zap.Error(err))
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "conflict", Retryable: true})
	case errors.As(err, &validation):
		logger.Debug("validation error", zap.String("error", err.Error()))
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "validation_error", Param: validation.Field})
	case errors.As(err, &unauthorized):
		logger.Warn("unauthorized", zap.String("error", err.Error()))
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
	case errors.As(err, &forbidden):
		logger.Warn("forbidden access", zap.String("error", err.Error()))
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.As(err, &notFound):
		logger.Debug("not found", zap.String("error", err.Error()))
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		logger.Error("unhandled error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
