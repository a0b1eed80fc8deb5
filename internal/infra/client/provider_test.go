package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/client"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/client/clienttest"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/resilience"
	"github.com/boddenberg/payee-onboarding-go/internal/port"

	"go.uber.org/zap"
)

const testSecret = "sk_test_client"

func newClient(baseURL, secret string) *client.ProviderClient {
	return client.NewProviderClient(
		&http.Client{Timeout: 2 * time.Second},
		baseURL, secret, "2024-06-20",
		client.NewBreaker(),
		resilience.Config{MaxRetries: 2, InitialBackoff: time.Millisecond},
		observability.NewMetrics(),
		zap.NewNop(),
	)
}

func createReq(userID int64) *port.CreateAccountRequest {
	return &port.CreateAccountRequest{
		PlatformUserID: userID,
		Kind:           domain.AccountKindIndividual,
		Country:        "US",
		Email:          "payee@example.com",
		FirstName:      "Ada",
		LastName:       "Lovelace",
		IdempotencyKey: "onboarding-account-42-v2",
	}
}

func TestCreateAccount_Success(t *testing.T) {
	fake := clienttest.NewServer(testSecret)
	defer fake.Close()

	acct, err := newClient(fake.URL, testSecret).CreateAccount(context.Background(), createReq(42))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if acct.ID == "" {
		t.Fatal("expected account id")
	}
	if acct.DetailsSubmitted || acct.ChargesEnabled || acct.PayoutsEnabled {
		t.Errorf("expected a fresh account with no capabilities, got %+v", acct)
	}
	if len(acct.Requirements.CurrentlyDue) == 0 {
		t.Error("expected currently_due requirements on a fresh account")
	}

	stored, _ := fake.Account(acct.ID)
	if stored.PlatformUserID != "42" {
		t.Errorf("expected metadata platform_user_id '42', got '%s'", stored.PlatformUserID)
	}
	if stored.BusinessType != "individual" {
		t.Errorf("expected business_type 'individual', got '%s'", stored.BusinessType)
	}
}

func TestCreateAccount_IdempotencyKeyReplays(t *testing.T) {
	fake := clienttest.NewServer(testSecret)
	defer fake.Close()
	c := newClient(fake.URL, testSecret)

	first, err := c.CreateAccount(context.Background(), createReq(42))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	second, err := c.CreateAccount(context.Background(), createReq(42))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("expected same account for same idempotency key, got %s and %s", first.ID, second.ID)
	}
	if fake.AccountsCreated() != 1 {
		t.Errorf("expected 1 account created, got %d", fake.AccountsCreated())
	}
}

func TestCreateAccount_RejectedProfile(t *testing.T) {
	fake := clienttest.NewServer(testSecret)
	defer fake.Close()

	req := createReq(7)
	req.Email = "not-an-email"

	_, err := newClient(fake.URL, testSecret).CreateAccount(context.Background(), req)
	var cf *domain.ErrAccountCreationFailed
	if !errors.As(err, &cf) {
		t.Fatalf("expected ErrAccountCreationFailed, got %v", err)
	}
	if cf.Param != "email" {
		t.Errorf("expected param 'email', got '%s'", cf.Param)
	}
	if fake.Calls(clienttest.OpCreateAccount) != 1 {
		t.Errorf("expected rejected profile not to be retried, got %d calls", fake.Calls(clienttest.OpCreateAccount))
	}
}

func TestCreateAccount_RetriesTransientFailure(t *testing.T) {
	fake := clienttest.NewServer(testSecret)
	defer fake.Close()
	fake.FailNext(clienttest.OpCreateAccount, clienttest.Failure{Status: http.StatusServiceUnavailable})

	acct, err := newClient(fake.URL, testSecret).CreateAccount(context.Background(), createReq(42))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if acct.ID == "" {
		t.Fatal("expected account id")
	}
	if fake.Calls(clienttest.OpCreateAccount) != 2 {
		t.Errorf("expected 2 calls, got %d", fake.Calls(clienttest.OpCreateAccount))
	}
}

func TestCreateAccount_UpstreamExhausted(t *testing.T) {
	fake := clienttest.NewServer(testSecret)
	defer fake.Close()
	for i := 0; i < 3; i++ {
		fake.FailNext(clienttest.OpCreateAccount, clienttest.Failure{Status: http.StatusTooManyRequests, Code: "rate_limit"})
	}

	_, err := newClient(fake.URL, testSecret).CreateAccount(context.Background(), createReq(42))
	var up *domain.ErrUpstreamUnavailable
	if !errors.As(err, &up) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Error("expected upstream error to be retryable")
	}
}

func TestCreateAccount_WrongSecretIsConfigurationError(t *testing.T) {
	fake := clienttest.NewServer(testSecret)
	defer fake.Close()

	_, err := newClient(fake.URL, "sk_test_other").CreateAccount(context.Background(), createReq(42))
	var cfgErr *domain.ErrConfiguration
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestGetAccount_NotFound(t *testing.T) {
	fake := clienttest.NewServer(testSecret)
	defer fake.Close()

	_, err := newClient(fake.URL, testSecret).GetAccount(context.Background(), "acct_missing")
	var nf *domain.ErrAccountNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if nf.AccountID != "acct_missing" {
		t.Errorf("expected account id 'acct_missing', got '%s'", nf.AccountID)
	}
}

func TestGetAccount_ReflectsProviderState(t *testing.T) {
	fake := clienttest.NewServer(testSecret)
	defer fake.Close()
	c := newClient(fake.URL, testSecret)

	created, err := c.CreateAccount(context.Background(), createReq(42))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	fake.CompleteOnboarding(created.ID)

	acct, err := c.GetAccount(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !acct.DetailsSubmitted || !acct.ChargesEnabled || !acct.PayoutsEnabled {
		t.Errorf("expected all flags true, got %+v", acct)
	}
	if acct.Requirements.Outstanding() {
		t.Errorf("expected no outstanding requirements, got %+v", acct.Requirements)
	}
	if acct.Requirements.DisabledReason != nil {
		t.Errorf("expected nil disabled reason, got %v", *acct.Requirements.DisabledReason)
	}
}

func TestCreateAccountSession_ScopedToRequestedComponents(t *testing.T) {
	fake := clienttest.NewServer(testSecret)
	defer fake.Close()
	c := newClient(fake.URL, testSecret)

	acct, err := c.CreateAccount(context.Background(), createReq(42))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	sess, err := c.CreateAccountSession(context.Background(), acct.ID, domain.ComponentSet{domain.ComponentOnboarding})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sess.ExternalAccountID != acct.ID {
		t.Errorf("expected account %s, got %s", acct.ID, sess.ExternalAccountID)
	}
	if len(sess.Components) != 1 || sess.Components[0] != domain.ComponentOnboarding {
		t.Errorf("expected [onboarding], got %v", sess.Components)
	}
	if !fake.Allows(sess.ClientSecret, domain.ComponentOnboarding) {
		t.Error("expected secret to allow onboarding")
	}
	if fake.Allows(sess.ClientSecret, domain.ComponentManagement) {
		t.Error("expected secret not to allow management")
	}
	if !sess.ExpiresAt.After(time.Now()) {
		t.Errorf("expected future expiry, got %v", sess.ExpiresAt)
	}
}

func TestCreateAccountSession_FreshSecretEachCall(t *testing.T) {
	fake := clienttest.NewServer(testSecret)
	defer fake.Close()
	c := newClient(fake.URL, testSecret)

	acct, _ := c.CreateAccount(context.Background(), createReq(42))
	set := domain.ComponentSet{domain.ComponentOnboarding}

	s1, err := c.CreateAccountSession(context.Background(), acct.ID, set)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	s2, err := c.CreateAccountSession(context.Background(), acct.ID, set)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if s1.ClientSecret == s2.ClientSecret {
		t.Error("expected a fresh secret per call")
	}
}

func TestProviderClient_SendsHeaders(t *testing.T) {
	var gotAuth, gotVersion, gotIdem, gotType atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotVersion.Store(r.Header.Get("Stripe-Version"))
		gotIdem.Store(r.Header.Get("Idempotency-Key"))
		gotType.Store(r.Header.Get("Content-Type"))
		_ = r.ParseForm()
		if r.PostForm.Get("capabilities[transfers][requested]") != "true" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"acct_hdr","requirements":null}`))
	}))
	defer srv.Close()

	acct, err := newClient(srv.URL, testSecret).CreateAccount(context.Background(), createReq(42))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if acct.ID != "acct_hdr" {
		t.Errorf("expected acct_hdr, got %s", acct.ID)
	}
	if gotAuth.Load() != "Bearer "+testSecret {
		t.Errorf("expected bearer secret, got %v", gotAuth.Load())
	}
	if gotVersion.Load() != "2024-06-20" {
		t.Errorf("expected version header, got %v", gotVersion.Load())
	}
	if gotIdem.Load() != "onboarding-account-42-v2" {
		t.Errorf("expected idempotency key, got %v", gotIdem.Load())
	}
	if gotType.Load() != "application/x-www-form-urlencoded" {
		t.Errorf("expected form content type, got %v", gotType.Load())
	}
	if acct.Requirements.CurrentlyDue == nil {
		t.Error("expected empty, non-nil requirement lists")
	}
}

func TestProviderClient_BreakerOpensOnRepeatedOutage(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := client.NewProviderClient(
		&http.Client{Timeout: time.Second},
		srv.URL, testSecret, "",
		client.NewBreaker(),
		resilience.Config{MaxRetries: 0, InitialBackoff: time.Millisecond},
		observability.NewMetrics(),
		zap.NewNop(),
	)

	var lastErr error
	for i := 0; i < 30; i++ {
		_, lastErr = c.GetAccount(context.Background(), "acct_x")
	}
	var up *domain.ErrUpstreamUnavailable
	if !errors.As(lastErr, &up) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", lastErr)
	}
	if hits.Load() >= 30 {
		t.Errorf("expected the breaker to short-circuit some calls, server saw %d", hits.Load())
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"429", &client.APIError{Status: 429}, true},
		{"503", &client.APIError{Status: 503}, true},
		{"400", &client.APIError{Status: 400}, false},
		{"404", &client.APIError{Status: 404}, false},
		{"url error", &url.Error{Op: "Get", URL: "http://x", Err: errors.New("connection refused")}, true},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
