package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg := Load()

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.StoreBackend != BackendPostgres {
		t.Errorf("expected postgres backend, got %s", cfg.StoreBackend)
	}
	if cfg.ReadinessFreshness != 15*time.Minute {
		t.Errorf("expected 15m freshness, got %v", cfg.ReadinessFreshness)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Errorf("expected 5s store timeout, got %v", cfg.StoreTimeout)
	}
	if cfg.ProviderFlightTimeout != 0 {
		t.Errorf("expected derived flight timeout by default, got %v", cfg.ProviderFlightTimeout)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("PROVIDER_TIMEOUT", "2s")
	t.Setenv("AUTO_MIGRATE", "false")

	cfg := Load()
	if cfg.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.StoreBackend != BackendMemory {
		t.Errorf("expected memory backend, got %s", cfg.StoreBackend)
	}
	if cfg.ProviderTimeout != 2*time.Second {
		t.Errorf("expected 2s, got %v", cfg.ProviderTimeout)
	}
	if cfg.AutoMigrate {
		t.Error("expected AutoMigrate=false")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{StoreBackend: BackendPostgres, PollMaxAttempts: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected errors for missing keys and DSN")
	}

	cfg = &Config{
		StoreBackend:           BackendMemory,
		ProviderSecretKey:      "sk_test_x",
		ProviderPublishableKey: "pk_test_x",
		ProviderTimeout:        2 * time.Second,
		StoreTimeout:           time.Second,
		PollMaxAttempts:        3,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.ProviderFlightTimeout = time.Second
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for a flight timeout shorter than one provider attempt")
	}
	cfg.ProviderFlightTimeout = 0

	cfg.StoreTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for a zero store timeout")
	}
	cfg.StoreTimeout = time.Second

	cfg.StoreBackend = "mongo"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestParseDotEnvLine(t *testing.T) {
	cases := []struct {
		in, key, value string
		ok             bool
	}{
		{"FOO=bar", "FOO", "bar", true},
		{"export FOO=bar", "FOO", "bar", true},
		{`FOO="bar # not a comment"`, "FOO", "bar # not a comment", true},
		{"FOO=bar # comment", "FOO", "bar", true},
		{"# comment", "", "", false},
		{"NOEQUALS", "", "", false},
	}
	for _, tc := range cases {
		k, v, ok := parseDotEnvLine(tc.in)
		if ok != tc.ok || k != tc.key || v != tc.value {
			t.Errorf("%q: expected (%q,%q,%v), got (%q,%q,%v)", tc.in, tc.key, tc.value, tc.ok, k, v, ok)
		}
	}
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("DOTENV_A=file\nDOTENV_B=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DOTENV_A", "env")
	t.Setenv("DOTENV_B", "")
	os.Unsetenv("DOTENV_B")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := os.Getenv("DOTENV_A"); got != "env" {
		t.Errorf("expected env to win, got %q", got)
	}
	if got := os.Getenv("DOTENV_B"); got != "file" {
		t.Errorf("expected file value, got %q", got)
	}
}
