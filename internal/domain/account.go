package domain

import (
	"regexp"
	"strings"
	"time"
)

// ============================================================
// Connected accounts
// ============================================================

// AccountKind is the provider-side business type of a connected account.
type AccountKind string

const (
	AccountKindIndividual AccountKind = "individual"
	AccountKindCompany    AccountKind = "company"
)

// Protocol generations of the onboarding contract.
const (
	ProtocolV1 = "v1"
	ProtocolV2 = "v2"

	// CurrentProtocol is stamped on every mirror this service writes.
	CurrentProtocol = ProtocolV2
)

// ConnectedAccountMirror is the local projection of one provider account.
// PlatformUserID is the idempotency anchor: at most one mirror per user.
type ConnectedAccountMirror struct {
	PlatformUserID    int64       `json:"platformUserId"`
	ExternalAccountID string      `json:"externalAccountId"`
	AccountKind       AccountKind `json:"accountKind"`
	Country           string      `json:"country"`

	DetailsSubmitted bool `json:"detailsSubmitted"`
	ChargesEnabled   bool `json:"chargesEnabled"`
	PayoutsEnabled   bool `json:"payoutsEnabled"`

	// Derived; written only by the readiness evaluator.
	IsFullyVerified bool `json:"isFullyVerified"`
	PaymentReady    bool `json:"paymentReady"`

	Requirements RequirementSet `json:"requirements"`

	ProtocolVersion  string     `json:"protocolVersion"`
	Version          int64      `json:"-"`
	LastReconciledAt *time.Time `json:"lastReconciledAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`

	// AccountGeneration counts the provider accounts this user was bound to
	// before the current one. It advances only on a re-bind.
	AccountGeneration int `json:"accountGeneration"`
}

// NewMirror builds the initial mirror for a freshly created provider account.
// All capability and derived flags start false.
func NewMirror(userID int64, accountID string, kind AccountKind, country string) *ConnectedAccountMirror {
	return &ConnectedAccountMirror{
		PlatformUserID:    userID,
		ExternalAccountID: accountID,
		AccountKind:       kind,
		Country:           country,
		Requirements:      EmptyRequirements(),
		ProtocolVersion:   CurrentProtocol,
	}
}

// Rebound returns the successor of a mirror whose provider account no longer
// exists: the next generation, bound to accountID, with every flag false and
// nothing reconciled yet. Version is carried over as the expected version.
func (m *ConnectedAccountMirror) Rebound(accountID string) *ConnectedAccountMirror {
	next := NewMirror(m.PlatformUserID, accountID, m.AccountKind, m.Country)
	next.AccountGeneration = m.AccountGeneration + 1
	next.Version = m.Version
	next.CreatedAt = m.CreatedAt
	return next
}

// Clone returns a deep copy, so callers can hand out mirrors without sharing slices.
func (m *ConnectedAccountMirror) Clone() *ConnectedAccountMirror {
	if m == nil {
		return nil
	}
	c := *m
	c.Requirements = m.Requirements.Clone()
	if m.LastReconciledAt != nil {
		t := *m.LastReconciledAt
		c.LastReconciledAt = &t
	}
	return &c
}

// IsFresh reports whether the mirror was reconciled within maxAge of now.
func (m *ConnectedAccountMirror) IsFresh(now time.Time, maxAge time.Duration) bool {
	if m == nil || m.LastReconciledAt == nil {
		return false
	}
	return now.Sub(*m.LastReconciledAt) <= maxAge
}

// CheckInvariants rejects a mirror that claims readiness it cannot have:
// paymentReady implies all three capability flags and nothing outstanding.
func (m *ConnectedAccountMirror) CheckInvariants() error {
	if m.ExternalAccountID == "" {
		return &ErrValidation{Field: "externalAccountId", Message: "must not be empty"}
	}
	if !m.PaymentReady {
		return nil
	}
	if !m.DetailsSubmitted || !m.ChargesEnabled || !m.PayoutsEnabled || !m.IsFullyVerified {
		return &ErrValidation{Field: "paymentReady", Message: "requires details submitted, charges and payouts enabled"}
	}
	if m.Requirements.Outstanding() {
		return &ErrValidation{Field: "paymentReady", Message: "requires no outstanding requirements"}
	}
	return nil
}

// EnsureOutcome tags the result of an insert-or-fetch on the mirror.
type EnsureOutcome string

const (
	OutcomeCreated       EnsureOutcome = "created"
	OutcomeAlreadyExists EnsureOutcome = "already_exists"
	// OutcomeRebound: the previous provider account vanished and a new one
	// replaced it on the same mirror.
	OutcomeRebound EnsureOutcome = "rebound"
)

// EnsureResult is Created(id), AlreadyExists(id) or Rebound(id).
type EnsureResult struct {
	Outcome EnsureOutcome
	Mirror  *ConnectedAccountMirror
}

// Created reports whether this call created the mirror.
func (r EnsureResult) Created() bool { return r.Outcome == OutcomeCreated }

// Rebound reports whether this call replaced a vanished provider account.
func (r EnsureResult) Rebound() bool { return r.Outcome == OutcomeRebound }

// AccountID returns the external account id in either outcome.
func (r EnsureResult) AccountID() string {
	if r.Mirror == nil {
		return ""
	}
	return r.Mirror.ExternalAccountID
}

var countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)

// NormalizeCountry upper-cases and validates an ISO 3166-1 alpha-2 code.
func NormalizeCountry(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if !countryPattern.MatchString(c) {
		return "", &ErrValidation{Field: "countryCode", Message: "must be a two-letter ISO country code"}
	}
	return c, nil
}
