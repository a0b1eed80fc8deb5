package domain

import (
	"sort"
	"strings"
	"time"
)

// ============================================================
// Hosted-UI sessions
// ============================================================

// Component is a hosted-UI capability a session secret can be scoped to.
type Component string

const (
	ComponentOnboarding    Component = "onboarding"
	ComponentManagement    Component = "management"
	ComponentNotifications Component = "notifications"
)

// ProviderName is the component identifier used on the provider wire.
func (c Component) ProviderName() string {
	switch c {
	case ComponentOnboarding:
		return "account_onboarding"
	case ComponentManagement:
		return "account_management"
	case ComponentNotifications:
		return "notification_banner"
	}
	return ""
}

// ComponentFromProvider maps a provider component identifier back.
func ComponentFromProvider(name string) (Component, bool) {
	for _, c := range []Component{ComponentOnboarding, ComponentManagement, ComponentNotifications} {
		if c.ProviderName() == name {
			return c, true
		}
	}
	return "", false
}

// ComponentSet is a de-duplicated, ordered set of components.
type ComponentSet []Component

// ParseComponents validates and de-duplicates client-supplied component names.
func ParseComponents(names []string) (ComponentSet, error) {
	if len(names) == 0 {
		return nil, &ErrValidation{Field: "components", Message: "at least one component is required"}
	}
	seen := make(map[Component]bool, len(names))
	set := make(ComponentSet, 0, len(names))
	for _, n := range names {
		c := Component(strings.ToLower(strings.TrimSpace(n)))
		if c.ProviderName() == "" {
			return nil, &ErrValidation{Field: "components", Message: "unknown component " + n}
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		set = append(set, c)
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	return set, nil
}

// Contains reports whether c is in the set.
func (s ComponentSet) Contains(c Component) bool {
	for _, x := range s {
		if x == c {
			return true
		}
	}
	return false
}

// OnboardingSession is the short-lived secret handed to the hosted UI.
// Never persisted and never reused across requests.
type OnboardingSession struct {
	ExternalAccountID string       `json:"accountId"`
	ClientSecret      string       `json:"clientSecret"`
	ExpiresAt         time.Time    `json:"expiresAt"`
	Components        ComponentSet `json:"components"`
}

// OnboardingResult is returned by ensureAccountAndSession.
type OnboardingResult struct {
	AccountID       string       `json:"accountId"`
	ClientSecret    string       `json:"clientSecret"`
	ExpiresAt       time.Time    `json:"expiresAt"`
	Components      ComponentSet `json:"components"`
	NeedsOnboarding bool         `json:"needsOnboarding"`
	Created         bool         `json:"created"`
	// Rebound is set when the previous provider account had vanished and this
	// call bound a new one. Created is set too.
	Rebound bool `json:"rebound,omitempty"`
}
