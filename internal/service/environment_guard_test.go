package service_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"
	"github.com/boddenberg/payee-onboarding-go/internal/service"

	"go.uber.org/zap"
)

func TestModeOf(t *testing.T) {
	tests := []struct {
		key     string
		want    service.Mode
		wantErr bool
	}{
		{"pk_test_abc", service.ModeSandbox, false},
		{"sk_test_abc", service.ModeSandbox, false},
		{"rk_test_abc", service.ModeSandbox, false},
		{"pk_live_abc", service.ModeProduction, false},
		{"sk_live_abc", service.ModeProduction, false},
		{"rk_live_abc", service.ModeProduction, false},
		{"", "", true},
		{"pk_test_", "", true},
		{"xk_test_abc", "", true},
		{"pk_prod_abc", "", true},
		{"garbage", "", true},
	}
	for _, tt := range tests {
		got, err := service.ModeOf(tt.key)
		if tt.wantErr {
			var cfg *domain.ErrConfiguration
			if !errors.As(err, &cfg) {
				t.Errorf("ModeOf(%q): expected ErrConfiguration, got %v", tt.key, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ModeOf(%q) = %q, %v; want %q", tt.key, got, err, tt.want)
		}
	}
}

func TestEnvironmentGuard_AllPrefixPairs(t *testing.T) {
	servers := []string{"sk_test_srv", "sk_live_srv", "rk_test_srv", "rk_live_srv"}
	clients := []string{"pk_test_cli", "pk_live_cli", "sk_test_cli", "sk_live_cli", "rk_test_cli", "rk_live_cli"}

	for _, sk := range servers {
		serverMode, _ := service.ModeOf(sk)
		pk := "pk_" + strings.SplitN(sk, "_", 3)[1] + "_srv"
		guard, err := service.NewEnvironmentGuard(pk, sk, observability.NewMetrics(), zap.NewNop())
		if err != nil {
			t.Fatalf("server pair %s/%s: %v", pk, sk, err)
		}

		for _, ck := range clients {
			clientMode, _ := service.ModeOf(ck)
			err := guard.Check(ck)
			wantOK := strings.HasPrefix(ck, "pk_") && clientMode == serverMode
			if wantOK && err != nil {
				t.Errorf("server %s, client %s: expected accept, got %v", sk, ck, err)
			}
			if !wantOK {
				var cfg *domain.ErrConfiguration
				if !errors.As(err, &cfg) {
					t.Errorf("server %s, client %s: expected ErrConfiguration, got %v", sk, ck, err)
				}
				if domain.IsRetryable(err) {
					t.Errorf("server %s, client %s: configuration errors must not be retryable", sk, ck)
				}
			}
		}
	}
}

func TestCheckServerKeys(t *testing.T) {
	tests := []struct {
		name    string
		pk, sk  string
		wantErr bool
	}{
		{"sandbox pair", "pk_test_a", "sk_test_b", false},
		{"production pair", "pk_live_a", "sk_live_b", false},
		{"restricted secret", "pk_live_a", "rk_live_b", false},
		{"mismatch", "pk_test_a", "sk_live_b", true},
		{"publishable as secret", "pk_test_a", "pk_test_b", true},
		{"secret as publishable", "sk_test_a", "sk_test_b", true},
		{"missing", "", "sk_test_b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.CheckServerKeys(tt.pk, tt.sk)
			if (err != nil) != tt.wantErr {
				t.Errorf("expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnvironmentGuard_ErrorNeverLeaksKey(t *testing.T) {
	guard, err := service.NewEnvironmentGuard("pk_test_a", "sk_test_b", observability.NewMetrics(), zap.NewNop())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	err = guard.Check("sk_test_supersecretvalue")
	if err == nil {
		t.Fatal("expected a secret key from a client to be rejected")
	}
	if strings.Contains(err.Error(), "supersecretvalue") {
		t.Errorf("error leaks the credential: %v", err)
	}
}
