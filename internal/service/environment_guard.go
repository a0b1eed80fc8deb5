package service

import (
	"errors"
	"strings"

	"github.com/boddenberg/payee-onboarding-go/internal/domain"
	"github.com/boddenberg/payee-onboarding-go/internal/infra/observability"

	"go.uber.org/zap"
)

// ============================================================
// Key/environment guard
// ============================================================

// Mode is the deployment environment a provider credential belongs to.
type Mode string

const (
	ModeSandbox    Mode = "sandbox"
	ModeProduction Mode = "production"
)

// KeyKind is the role of a provider credential.
type KeyKind string

const (
	KeyPublishable KeyKind = "publishable"
	KeySecret      KeyKind = "secret"
	KeyRestricted  KeyKind = "restricted"
)

// KeyInfo is what a credential's prefix says about it.
type KeyInfo struct {
	Kind KeyKind
	Mode Mode
}

var keyKinds = map[string]KeyKind{
	"pk": KeyPublishable,
	"sk": KeySecret,
	"rk": KeyRestricted,
}

var keyModes = map[string]Mode{
	"test": ModeSandbox,
	"live": ModeProduction,
}

// ParseKey classifies a credential from its "<kind>_<mode>_" prefix.
// The key itself never appears in the returned error.
func ParseKey(key string) (KeyInfo, error) {
	parts := strings.SplitN(strings.TrimSpace(key), "_", 3)
	if len(parts) != 3 || parts[2] == "" {
		return KeyInfo{}, &domain.ErrConfiguration{Reason: "credential is missing or malformed"}
	}
	kind, ok := keyKinds[parts[0]]
	if !ok {
		return KeyInfo{}, &domain.ErrConfiguration{Reason: "credential has an unknown type prefix"}
	}
	mode, ok := keyModes[parts[1]]
	if !ok {
		return KeyInfo{}, &domain.ErrConfiguration{Reason: "credential has an unknown environment prefix"}
	}
	return KeyInfo{Kind: kind, Mode: mode}, nil
}

// ModeOf returns the environment a credential belongs to.
func ModeOf(key string) (Mode, error) {
	info, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	return info.Mode, nil
}

// EnvironmentGuard rejects client credentials from a different environment
// than the server's secret key, before any provider call is made.
type EnvironmentGuard struct {
	serverMode Mode
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// NewEnvironmentGuard checks the server's own key pair and fixes the server mode.
// A mismatched pair is a startup failure.
func NewEnvironmentGuard(publishableKey, secretKey string, metrics *observability.Metrics, logger *zap.Logger) (*EnvironmentGuard, error) {
	mode, err := CheckServerKeys(publishableKey, secretKey)
	if err != nil {
		return nil, err
	}
	return &EnvironmentGuard{serverMode: mode, metrics: metrics, logger: logger}, nil
}

// CheckServerKeys validates the server's publishable/secret pair and returns their shared mode.
func CheckServerKeys(publishableKey, secretKey string) (Mode, error) {
	secret, err := ParseKey(secretKey)
	if err != nil {
		return "", &domain.ErrConfiguration{Reason: "server secret key: " + reasonOf(err)}
	}
	if secret.Kind == KeyPublishable {
		return "", &domain.ErrConfiguration{Reason: "server secret key is a publishable key"}
	}
	public, err := ParseKey(publishableKey)
	if err != nil {
		return "", &domain.ErrConfiguration{Reason: "server publishable key: " + reasonOf(err)}
	}
	if public.Kind != KeyPublishable {
		return "", &domain.ErrConfiguration{Reason: "server publishable key is not a publishable key"}
	}
	if public.Mode != secret.Mode {
		return "", &domain.ErrConfiguration{
			Reason: "server publishable key is " + string(public.Mode) + " but secret key is " + string(secret.Mode),
		}
	}
	return secret.Mode, nil
}

// Mode returns the server's environment.
func (g *EnvironmentGuard) Mode() Mode { return g.serverMode }

// Check validates a client-supplied publishable key against the server mode.
func (g *EnvironmentGuard) Check(clientKey string) error {
	info, err := ParseKey(clientKey)
	if err != nil {
		g.reject("malformed")
		return &domain.ErrConfiguration{Reason: "client key: " + reasonOf(err)}
	}
	if info.Kind != KeyPublishable {
		g.reject("not_publishable")
		return &domain.ErrConfiguration{Reason: "client key must be a publishable key"}
	}
	if info.Mode != g.serverMode {
		g.reject("mode_mismatch")
		return &domain.ErrConfiguration{
			Reason: "client key is " + string(info.Mode) + " but the server runs in " + string(g.serverMode),
		}
	}
	return nil
}

func (g *EnvironmentGuard) reject(reason string) {
	g.metrics.IncrEnvironmentMismatch()
	g.logger.Warn("client key rejected",
		zap.String("reason", reason),
		zap.String("server_mode", string(g.serverMode)),
	)
}

func reasonOf(err error) string {
	var cfg *domain.ErrConfiguration
	if errors.As(err, &cfg) {
		return cfg.Reason
	}
	return err.Error()
}
