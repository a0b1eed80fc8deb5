package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"upstream", &domain.ErrUpstreamUnavailable{Operation: "x", Err: errors.New("503")}, true},
		{"wrapped upstream", fmt.Errorf("create: %w", &domain.ErrUpstreamUnavailable{Operation: "x"}), true},
		{"configuration", &domain.ErrConfiguration{Reason: "mismatch"}, false},
		{"creation failed", &domain.ErrAccountCreationFailed{Reason: "bad email"}, false},
		{"reconcile upstream", &domain.ErrReconciliationFailed{UserID: 1, Err: &domain.ErrUpstreamUnavailable{}}, true},
		{"reconcile missing", &domain.ErrReconciliationFailed{UserID: 1, Err: &domain.ErrAccountNotFound{AccountID: "a"}}, false},
		{"version conflict", &domain.ErrVersionConflict{UserID: 1, Expected: 2}, true},
	}
	for _, tc := range cases {
		if got := domain.IsRetryable(tc.err); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
