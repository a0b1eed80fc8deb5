package app

import (
	"testing"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/config"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/resilience"
)

func TestFlightTimeouts_CoverEveryProviderAttempt(t *testing.T) {
	cfg := &config.Config{
		ProviderTimeout:     8 * time.Second,
		StoreTimeout:        5 * time.Second,
		ReconcileMaxRetries: 2,
	}
	rcfg := resilience.Config{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond}

	create, reconcile := flightTimeouts(cfg, rcfg)

	// A hung first attempt must still leave room for the retries.
	if create <= 2*cfg.ProviderTimeout {
		t.Fatalf("expected create flight to outlast more than one provider attempt, got %v", create)
	}
	if create < rcfg.Budget(cfg.ProviderTimeout) {
		t.Errorf("expected create flight >= retry budget %v, got %v", rcfg.Budget(cfg.ProviderTimeout), create)
	}
	if reconcile != 3*create {
		t.Errorf("expected reconcile flight to cover 3 runs (%v), got %v", 3*create, reconcile)
	}
}

func TestFlightTimeouts_ExplicitOverride(t *testing.T) {
	cfg := &config.Config{
		ProviderTimeout:       time.Second,
		ProviderFlightTimeout: 45 * time.Second,
		StoreTimeout:          time.Second,
		ReconcileMaxRetries:   2,
	}
	create, reconcile := flightTimeouts(cfg, resilience.Config{MaxRetries: 3, InitialBackoff: time.Second})
	if create != 45*time.Second || reconcile != 45*time.Second {
		t.Fatalf("expected both flights at 45s, got %v and %v", create, reconcile)
	}
}
