// Package clienttest provides an in-process fake of the payment provider's
// Connect API for tests.
package clienttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
)

// Operation keys accepted by FailNext.
const (
	OpCreateAccount = "create_account"
	OpGetAccount    = "get_account"
	OpCreateSession = "create_account_session"
)

// Account is the fake provider's state for one connected account.
type Account struct {
	ID                  string
	Country             string
	Email               string
	BusinessType        string
	PlatformUserID      string
	DetailsSubmitted    bool
	ChargesEnabled      bool
	PayoutsEnabled      bool
	CurrentlyDue        []string
	PastDue             []string
	PendingVerification []string
	DisabledReason      *string
}

// Session is a minted account session.
type Session struct {
	AccountID    string
	ClientSecret string
	Components   domain.ComponentSet
	ExpiresAt    time.Time
}

// Failure is a canned error response.
type Failure struct {
	Status  int
	Type    string
	Code    string
	Param   string
	Message string
}

// Server is a fake provider. Safe for concurrent use.
type Server struct {
	*httptest.Server

	SecretKey string

	mu              sync.Mutex
	accounts        map[string]*Account
	idempotency     map[string]string
	sessions        map[string]Session
	failures        map[string][]Failure
	latency         time.Duration
	calls           map[string]int
	createdAccounts int
	seq             int
	IgnoreIdem      bool
}

// NewServer starts a fake provider that accepts secretKey as the bearer credential.
// New accounts start in the "nothing submitted" state.
func NewServer(secretKey string) *Server {
	s := &Server{
		SecretKey:   secretKey,
		accounts:    make(map[string]*Account),
		idempotency: make(map[string]string),
		sessions:    make(map[string]Session),
		failures:    make(map[string][]Failure),
		calls:       make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/accounts", s.handleCreateAccount)
	mux.HandleFunc("GET /v1/accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("POST /v1/account_sessions", s.handleCreateSession)
	s.Server = httptest.NewServer(s.authenticate(mux))
	return s
}

// ============================================================
// Test controls
// ============================================================

// FailNext queues a failure for the next call to op.
func (s *Server) FailNext(op string, f Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], f)
}

// SetLatency delays every response by d.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// UpdateAccount mutates an account in place, as the provider would after
// the user submits details.
func (s *Server) UpdateAccount(id string, fn func(*Account)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[id]; ok {
		fn(a)
	}
}

// CompleteOnboarding flips an account to fully verified with nothing due.
func (s *Server) CompleteOnboarding(id string) {
	s.UpdateAccount(id, func(a *Account) {
		a.DetailsSubmitted = true
		a.ChargesEnabled = true
		a.PayoutsEnabled = true
		a.CurrentlyDue = nil
		a.PastDue = nil
		a.PendingVerification = nil
		a.DisabledReason = nil
	})
}

// DeleteAccount removes an account so later reads return 404.
func (s *Server) DeleteAccount(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
}

// AccountsCreated returns how many distinct accounts were created.
func (s *Server) AccountsCreated() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAccounts
}

// Calls returns how many requests reached op, failures included.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Account returns a copy of the account state.
func (s *Server) Account(id string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, false
	}
	return *a, true
}

// Session returns the session minted with secret.
func (s *Server) Session(secret string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[secret]
	return sess, ok
}

// Allows reports whether secret grants access to component.
func (s *Server) Allows(secret string, c domain.Component) bool {
	sess, ok := s.Session(secret)
	return ok && sess.Components.Contains(c)
}

// ============================================================
// Handlers
// ============================================================

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.SecretKey {
			writeFailure(w, Failure{
				Status:  http.StatusUnauthorized,
				Type:    "invalid_request_error",
				Message: "Invalid API Key provided",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// begin counts the call, applies latency, and pops a queued failure.
func (s *Server) begin(op string) (Failure, bool) {
	s.mu.Lock()
	s.calls[op]++
	latency := s.latency
	var f Failure
	queued := len(s.failures[op]) > 0
	if queued {
		f = s.failures[op][0]
		s.failures[op] = s.failures[op][1:]
	}
	s.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}
	return f, queued
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.begin(OpCreateAccount); ok {
		writeFailure(w, f)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeFailure(w, Failure{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: err.Error()})
		return
	}

	email := r.PostForm.Get("email")
	if !strings.Contains(email, "@") {
		writeFailure(w, Failure{
			Status:  http.StatusBadRequest,
			Type:    "invalid_request_error",
			Code:    "email_invalid",
			Param:   "email",
			Message: "Invalid email address: " + email,
		})
		return
	}

	key := r.Header.Get("Idempotency-Key")

	s.mu.Lock()
	if id, ok := s.idempotency[key]; ok && key != "" && !s.IgnoreIdem {
		// A replay returns the original account even after it was deleted.
		a := Account{ID: id}
		if stored, ok := s.accounts[id]; ok {
			a = *stored
		}
		s.mu.Unlock()
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, accountJSON(&a))
		return
	}
	s.seq++
	a := &Account{
		ID:             fmt.Sprintf("acct_fake%06d", s.seq),
		Country:        r.PostForm.Get("country"),
		Email:          email,
		BusinessType:   r.PostForm.Get("business_type"),
		PlatformUserID: r.PostForm.Get("metadata[platform_user_id]"),
		CurrentlyDue:   []string{"business_profile.url", "external_account", "tos_acceptance.date"},
	}
	reason := "requirements.past_due"
	a.DisabledReason = &reason
	s.accounts[a.ID] = a
	if key != "" {
		s.idempotency[key] = a.ID
	}
	s.createdAccounts++
	snapshot := *a
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, accountJSON(&snapshot))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.begin(OpGetAccount); ok {
		writeFailure(w, f)
		return
	}
	id := r.PathValue("id")
	a, ok := s.Account(id)
	if !ok {
		writeFailure(w, notFound(id))
		return
	}
	writeJSON(w, http.StatusOK, accountJSON(&a))
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if f, ok := s.begin(OpCreateSession); ok {
		writeFailure(w, f)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeFailure(w, Failure{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: err.Error()})
		return
	}
	id := r.PostForm.Get("account")
	if _, ok := s.Account(id); !ok {
		writeFailure(w, notFound(id))
		return
	}

	var names []string
	components := make(map[string]map[string]bool)
	for _, c := range []domain.Component{domain.ComponentOnboarding, domain.ComponentManagement, domain.ComponentNotifications} {
		enabled := r.PostForm.Get("components["+c.ProviderName()+"][enabled]") == "true"
		components[c.ProviderName()] = map[string]bool{"enabled": enabled}
		if enabled {
			names = append(names, string(c))
		}
	}
	if len(names) == 0 {
		writeFailure(w, Failure{
			Status:  http.StatusBadRequest,
			Type:    "invalid_request_error",
			Param:   "components",
			Message: "At least one component must be enabled",
		})
		return
	}
	set, _ := domain.ParseComponents(names)

	s.mu.Lock()
	s.seq++
	sess := Session{
		AccountID:    id,
		ClientSecret: fmt.Sprintf("accs_secret__fake%06d", s.seq),
		Components:   set,
		ExpiresAt:    time.Now().Add(30 * time.Minute).Truncate(time.Second),
	}
	s.sessions[sess.ClientSecret] = sess
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"object":        "account_session",
		"account":       sess.AccountID,
		"client_secret": sess.ClientSecret,
		"expires_at":    sess.ExpiresAt.Unix(),
		"components":    components,
	})
}

// ============================================================
// Encoding
// ============================================================

func accountJSON(a *Account) map[string]any {
	orEmpty := func(s []string) []string {
		if s == nil {
			return []string{}
		}
		return s
	}
	return map[string]any{
		"id":                a.ID,
		"object":            "account",
		"country":           a.Country,
		"email":             a.Email,
		"business_type":     a.BusinessType,
		"details_submitted": a.DetailsSubmitted,
		"charges_enabled":   a.ChargesEnabled,
		"payouts_enabled":   a.PayoutsEnabled,
		"metadata":          map[string]string{"platform_user_id": a.PlatformUserID},
		"requirements": map[string]any{
			"currently_due":        orEmpty(a.CurrentlyDue),
			"past_due":             orEmpty(a.PastDue),
			"pending_verification": orEmpty(a.PendingVerification),
			"disabled_reason":      a.DisabledReason,
		},
	}
}

func notFound(id string) Failure {
	return Failure{
		Status:  http.StatusNotFound,
		Type:    "invalid_request_error",
		Code:    "resource_missing",
		Param:   "account",
		Message: "No such account: '" + id + "'",
	}
}

func writeFailure(w http.ResponseWriter, f Failure) {
	if f.Type == "" {
		f.Type = "api_error"
	}
	if f.Message == "" {
		f.Message = http.StatusText(f.Status)
	}
	writeJSON(w, f.Status, map[string]any{
		"error": map[string]string{
			"type":    f.Type,
			"code":    f.Code,
			"param":   f.Param,
			"message": f.Message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
