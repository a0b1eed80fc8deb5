// Package client talks to the external payment-infrastructure provider.
// The wire protocol is the Stripe-compatible Connect API: form-encoded
// requests, JSON responses, idempotency keys on writes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/resilience"
	"github.com/boddenberg/payee-onboarding-go/internal/port"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("client/provider")

// Operation names used for metrics, spans and errors.
const (
	OpCreateAccount  = "create_account"
	OpGetAccount     = "get_account"
	OpCreateSession  = "create_account_session"
	maxErrorBodySize = 64 << 10
)

// ProviderClient implements port.PaymentProvider over HTTP with retry,
// circuit breaker, and tracing.
type ProviderClient struct {
	httpClient *http.Client
	baseURL    string
	secretKey  string
	apiVersion string
	cb         *gobreaker.CircuitBreaker
	bulkhead   *resilience.Bulkhead
	cfg        resilience.Config
	metrics    *observability.Metrics
	logger     *zap.Logger
}

var _ port.PaymentProvider = (*ProviderClient)(nil)

// NewProviderClient creates a provider client. cfg.Retryable is overridden so
// only transient failures are retried. A positive cfg.MaxConcurrency caps
// in-flight provider calls.
func NewProviderClient(
	httpClient *http.Client,
	baseURL, secretKey, apiVersion string,
	cb *gobreaker.CircuitBreaker,
	cfg resilience.Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ProviderClient {
	cfg.Retryable = IsTransient
	var bulkhead *resilience.Bulkhead
	if cfg.MaxConcurrency > 0 {
		bulkhead = resilience.NewBulkhead(cfg.MaxConcurrency)
	}
	return &ProviderClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		apiVersion: apiVersion,
		cb:         cb,
		bulkhead:   bulkhead,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// NewBreaker creates the circuit breaker the provider client expects:
// only transient provider failures count against it.
func NewBreaker() *gobreaker.CircuitBreaker {
	return resilience.NewCircuitBreaker("payment-provider", func(err error) bool {
		return err == nil || !IsTransient(err)
	})
}

// ============================================================
// Wire types
// ============================================================

type requirementsWire struct {
	CurrentlyDue        []string `json:"currently_due"`
	PastDue             []string `json:"past_due"`
	PendingVerification []string `json:"pending_verification"`
	DisabledReason      *string  `json:"disabled_reason"`
}

type accountWire struct {
	ID               string            `json:"id"`
	Object           string            `json:"object"`
	DetailsSubmitted bool              `json:"details_submitted"`
	ChargesEnabled   bool              `json:"charges_enabled"`
	PayoutsEnabled   bool              `json:"payouts_enabled"`
	Requirements     *requirementsWire `json:"requirements"`
}

type componentWire struct {
	Enabled bool `json:"enabled"`
}

type accountSessionWire struct {
	Account      string                   `json:"account"`
	ClientSecret string                   `json:"client_secret"`
	ExpiresAt    int64                    `json:"expires_at"`
	Components   map[string]componentWire `json:"components"`
}

type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

// APIError is a non-2xx provider response.
type APIError struct {
	Status  int
	Type    string
	Code    string
	Param   string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Message)
}

// IsTransient reports whether a raw client error is worth retrying:
// network faults, deadlines, 429 and 5xx. Client cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func toRemoteAccount(a *accountWire) *domain.RemoteAccount {
	reqs := domain.EmptyRequirements()
	if a.Requirements != nil {
		reqs.CurrentlyDue = append(reqs.CurrentlyDue, a.Requirements.CurrentlyDue...)
		reqs.PastDue = append(reqs.PastDue, a.Requirements.PastDue...)
		reqs.PendingVerification = append(reqs.PendingVerification, a.Requirements.PendingVerification...)
		reqs.DisabledReason = a.Requirements.DisabledReason
	}
	return &domain.RemoteAccount{
		ID:               a.ID,
		DetailsSubmitted: a.DetailsSubmitted,
		ChargesEnabled:   a.ChargesEnabled,
		PayoutsEnabled:   a.PayoutsEnabled,
		Requirements:     reqs,
	}
}

// ============================================================
// Operations
// ============================================================

// CreateAccount creates a connected account. The idempotency key makes
// retries, and concurrent first calls for the same user, converge on one account.
func (c *ProviderClient) CreateAccount(ctx context.Context, req *port.CreateAccountRequest) (*domain.RemoteAccount, error) {
	ctx, span := tracer.Start(ctx, "ProviderClient.CreateAccount")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user.id", req.PlatformUserID),
		attribute.String("account.kind", string(req.Kind)),
	)

	form := url.Values{}
	form.Set("country", req.Country)
	form.Set("email", req.Email)
	form.Set("business_type", string(req.Kind))
	form.Set("controller[requirement_collection]", "application")
	form.Set("controller[fees][payer]", "application")
	form.Set("controller[losses][payments]", "application")
	form.Set("controller[stripe_dashboard][type]", "none")
	form.Set("capabilities[card_payments][requested]", "true")
	form.Set("capabilities[transfers][requested]", "true")
	form.Set("metadata[platform_user_id]", strconv.FormatInt(req.PlatformUserID, 10))
	form.Set("metadata[protocol_version]", domain.CurrentProtocol)

	switch req.Kind {
	case domain.AccountKindIndividual:
		form.Set("individual[email]", req.Email)
		if req.FirstName != "" {
			form.Set("individual[first_name]", req.FirstName)
		}
		if req.LastName != "" {
			form.Set("individual[last_name]", req.LastName)
		}
	case domain.AccountKindCompany:
		if req.CompanyName != "" {
			form.Set("company[name]", req.CompanyName)
		}
	}

	var out accountWire
	if err := c.call(ctx, OpCreateAccount, http.MethodPost, "/v1/accounts", form, req.IdempotencyKey, &out); err != nil {
		return nil, c.mapError(OpCreateAccount, "", err)
	}
	span.SetAttributes(attribute.String("account.id", out.ID))
	return toRemoteAccount(&out), nil
}

// GetAccount fetches the provider's current view of an account.
func (c *ProviderClient) GetAccount(ctx context.Context, accountID string) (*domain.RemoteAccount, error) {
	ctx, span := tracer.Start(ctx, "ProviderClient.GetAccount")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	var out accountWire
	path := "/v1/accounts/" + url.PathEscape(accountID)
	if err := c.call(ctx, OpGetAccount, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, c.mapError(OpGetAccount, accountID, err)
	}
	return toRemoteAccount(&out), nil
}

// CreateAccountSession mints a hosted-UI secret scoped to exactly the given components.
// Components outside the set are never sent, so the provider leaves them disabled.
func (c *ProviderClient) CreateAccountSession(ctx context.Context, accountID string, components domain.ComponentSet) (*domain.OnboardingSession, error) {
	ctx, span := tracer.Start(ctx, "ProviderClient.CreateAccountSession")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	form := url.Values{}
	form.Set("account", accountID)
	for _, comp := range components {
		form.Set(fmt.Sprintf("components[%s][enabled]", comp.ProviderName()), "true")
	}

	// One key per logical request: retries of this request reuse it, the next
	// request gets a fresh secret.
	idem := uuid.NewString()

	var out accountSessionWire
	if err := c.call(ctx, OpCreateSession, http.MethodPost, "/v1/account_sessions", form, idem, &out); err != nil {
		return nil, c.mapError(OpCreateSession, accountID, err)
	}

	var names []string
	for name, comp := range out.Components {
		if !comp.Enabled {
			continue
		}
		if granted, ok := domain.ComponentFromProvider(name); ok {
			names = append(names, string(granted))
		}
	}
	var granted domain.ComponentSet
	if len(names) > 0 {
		granted, _ = domain.ParseComponents(names)
	}

	return &domain.OnboardingSession{
		ExternalAccountID: out.Account,
		ClientSecret:      out.ClientSecret,
		ExpiresAt:         time.Unix(out.ExpiresAt, 0).UTC(),
		Components:        granted,
	}, nil
}

// ============================================================
// Transport
// ============================================================

func (c *ProviderClient) call(ctx context.Context, op, method, path string, form url.Values, idempotencyKey string, out any) error {
	start := time.Now()
	defer func() {
		c.metrics.RecordProviderDuration(op, time.Since(start))
	}()

	if c.bulkhead != nil {
		if err := c.bulkhead.Acquire(ctx); err != nil {
			return err
		}
		defer c.bulkhead.Release()
	}

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			return c.do(ctx, method, path, form, idempotencyKey, out)
		})
	})
	return err
}

func (c *ProviderClient) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return resilience.Permanent(err)
	}

	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if c.apiVersion != "" {
		req.Header.Set("Stripe-Version", c.apiVersion)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("provider: request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err),
		)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
			apiErr.Type = env.Error.Type
			apiErr.Code = env.Error.Code
			apiErr.Param = env.Error.Param
			apiErr.Message = env.Error.Message
		}
		c.logger.Warn("provider: non-2xx response",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code),
			zap.String("request_id", resp.Header.Get("Request-Id")),
		)
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode provider response: %w", err))
	}

	c.logger.Debug("provider: request OK",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

// mapError turns a transport error into the domain taxonomy.
func (c *ProviderClient) mapError(op, accountID string, err error) error {
	var apiErr *APIError
	switch {
	case resilience.IsBreakerRejection(err):
		c.metrics.IncrProviderError(op, "circuit_open")
		return &domain.ErrUpstreamUnavailable{Operation: op, Err: err}
	case errors.As(err, &apiErr):
		switch {
		case apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden:
			c.metrics.IncrProviderError(op, "authentication")
			return &domain.ErrConfiguration{Reason: "provider rejected the server credential: " + apiErr.Message}
		case apiErr.Status == http.StatusNotFound:
			c.metrics.IncrProviderError(op, "not_found")
			return &domain.ErrAccountNotFound{AccountID: accountID}
		case IsTransient(apiErr):
			c.metrics.IncrProviderError(op, "upstream")
			return &domain.ErrUpstreamUnavailable{Operation: op, Err: apiErr}
		case op == OpCreateAccount:
			c.metrics.IncrProviderError(op, "rejected")
			return &domain.ErrAccountCreationFailed{Param: apiErr.Param, Reason: apiErr.Message, Err: apiErr}
		case apiErr.Code == "resource_missing":
			c.metrics.IncrProviderError(op, "not_found")
			return &domain.ErrAccountNotFound{AccountID: accountID}
		default:
			c.metrics.IncrProviderError(op, "rejected")
			return &domain.ErrValidation{Field: apiErr.Param, Message: apiErr.Message}
		}
	case errors.Is(err, context.Canceled):
		return err
	case IsTransient(err):
		c.metrics.IncrProviderError(op, "network")
		return &domain.ErrUpstreamUnavailable{Operation: op, Err: err}
	default:
		c.metrics.IncrProviderError(op, "unknown")
		return &domain.ErrUpstreamUnavailable{Operation: op, Err: err}
	}
}
