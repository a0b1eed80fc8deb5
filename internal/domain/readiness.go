package domain

import "time"

// ============================================================
// Requirements & readiness
// ============================================================

// RequirementSet is a point-in-time snapshot of what the provider still needs.
type RequirementSet struct {
	CurrentlyDue        []string `json:"currentlyDue"`
	PastDue             []string `json:"pastDue"`
	PendingVerification []string `json:"pendingVerification"`
	DisabledReason      *string  `json:"disabledReason"`
}

// EmptyRequirements returns a set with non-nil empty lists.
func EmptyRequirements() RequirementSet {
	return RequirementSet{
		CurrentlyDue:        []string{},
		PastDue:             []string{},
		PendingVerification: []string{},
	}
}

// Clone deep-copies the set.
func (r RequirementSet) Clone() RequirementSet {
	c := RequirementSet{
		CurrentlyDue:        append([]string{}, r.CurrentlyDue...),
		PastDue:             append([]string{}, r.PastDue...),
		PendingVerification: append([]string{}, r.PendingVerification...),
	}
	if r.DisabledReason != nil {
		s := *r.DisabledReason
		c.DisabledReason = &s
	}
	return c
}

// Outstanding reports whether any bucket is non-empty. Every bucket blocks,
// including pending verification under manual review.
func (r RequirementSet) Outstanding() bool {
	return len(r.PastDue) > 0 || len(r.CurrentlyDue) > 0 || len(r.PendingVerification) > 0
}

// RemoteAccount is the provider's authoritative view of a connected account.
type RemoteAccount struct {
	ID               string
	DetailsSubmitted bool
	ChargesEnabled   bool
	PayoutsEnabled   bool
	Requirements     RequirementSet
}

// Readiness is the outcome of evaluating one remote read.
type Readiness struct {
	HasOutstandingRequirements bool
	IsFullyVerified            bool
	NeedsOnboarding            bool
	PaymentReady               bool
}

// EvaluateReadiness derives readiness from a fresh remote read.
func EvaluateReadiness(acct RemoteAccount) Readiness {
	outstanding := acct.Requirements.Outstanding()
	verified := acct.DetailsSubmitted && acct.ChargesEnabled && acct.PayoutsEnabled
	return Readiness{
		HasOutstandingRequirements: outstanding,
		IsFullyVerified:            verified,
		NeedsOnboarding:            !verified || outstanding,
		PaymentReady:               verified && !outstanding,
	}
}

// StoredReadiness re-derives readiness from a persisted mirror without a
// remote read. PaymentReady is taken as stored, never recomputed upward.
func (m *ConnectedAccountMirror) StoredReadiness() Readiness {
	r := EvaluateReadiness(RemoteAccount{
		ID:               m.ExternalAccountID,
		DetailsSubmitted: m.DetailsSubmitted,
		ChargesEnabled:   m.ChargesEnabled,
		PayoutsEnabled:   m.PayoutsEnabled,
		Requirements:     m.Requirements,
	})
	r.PaymentReady = r.PaymentReady && m.PaymentReady
	return r
}

// ReconciledMirror applies a remote read to a copy of the stored mirror.
// paymentReady is recomputed from scratch: promoted only when ready, demoted otherwise.
func ReconciledMirror(stored *ConnectedAccountMirror, acct RemoteAccount, r Readiness, now time.Time) *ConnectedAccountMirror {
	next := stored.Clone()
	next.DetailsSubmitted = acct.DetailsSubmitted
	next.ChargesEnabled = acct.ChargesEnabled
	next.PayoutsEnabled = acct.PayoutsEnabled
	next.IsFullyVerified = r.IsFullyVerified
	next.PaymentReady = r.PaymentReady
	next.Requirements = acct.Requirements.Clone()
	next.ProtocolVersion = CurrentProtocol
	ts := now.UTC()
	next.LastReconciledAt = &ts
	return next
}

// ReadinessSnapshot is what getStatus returns.
type ReadinessSnapshot struct {
	UserID                     int64          `json:"userId"`
	HasAccount                 bool           `json:"hasAccount"`
	ExternalAccountID          string         `json:"accountId,omitempty"`
	DetailsSubmitted           bool           `json:"detailsSubmitted"`
	ChargesEnabled             bool           `json:"chargesEnabled"`
	PayoutsEnabled             bool           `json:"payoutsEnabled"`
	IsFullyVerified            bool           `json:"isFullyVerified"`
	PaymentReady               bool           `json:"paymentReady"`
	NeedsOnboarding            bool           `json:"needsOnboarding"`
	HasOutstandingRequirements bool           `json:"hasOutstandingRequirements"`
	Requirements               RequirementSet `json:"requirements"`
	ProtocolVersion            string         `json:"protocolVersion,omitempty"`
	LastReconciledAt           *time.Time     `json:"lastReconciledAt,omitempty"`
}

// SnapshotOf builds a snapshot from a mirror and the readiness just computed.
func SnapshotOf(m *ConnectedAccountMirror, r Readiness) *ReadinessSnapshot {
	return &ReadinessSnapshot{
		UserID:                     m.PlatformUserID,
		HasAccount:                 true,
		ExternalAccountID:          m.ExternalAccountID,
		DetailsSubmitted:           m.DetailsSubmitted,
		ChargesEnabled:             m.ChargesEnabled,
		PayoutsEnabled:             m.PayoutsEnabled,
		IsFullyVerified:            m.IsFullyVerified,
		PaymentReady:               m.PaymentReady,
		NeedsOnboarding:            r.NeedsOnboarding,
		HasOutstandingRequirements: r.HasOutstandingRequirements,
		Requirements:               m.Requirements.Clone(),
		ProtocolVersion:            m.ProtocolVersion,
		LastReconciledAt:           m.LastReconciledAt,
	}
}

// NoAccountSnapshot is returned for users that never started onboarding.
// Absence of information always reads as "not ready".
func NoAccountSnapshot(userID int64) *ReadinessSnapshot {
	return &ReadinessSnapshot{
		UserID:          userID,
		NeedsOnboarding: true,
		Requirements:    EmptyRequirements(),
	}
}

// PaymentReadiness is the fast-path answer served to the disbursement collaborator.
type PaymentReadiness struct {
	UserID           int64      `json:"userId"`
	PaymentReady     bool       `json:"paymentReady"`
	Fresh            bool       `json:"fresh"`
	LastReconciledAt *time.Time `json:"lastReconciledAt,omitempty"`
}
