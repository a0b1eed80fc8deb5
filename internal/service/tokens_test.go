package service_test

import (
	"testing"
	"time"

	"github.com/boddenberg/payee-onboarding-go/internal/service"
)

func TestTokenVerifier_RoundTrip(t *testing.T) {
	v := service.NewTokenVerifier("secret", "platform-identity")

	tok, err := v.Sign("101", "contractor", service.TokenTypeAccess, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := v.Verify(tok, service.TokenTypeAccess)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	id, err := claims.UserID()
	if err != nil || id != 101 {
		t.Errorf("expected user 101, got %d, %v", id, err)
	}
	if claims.Role != "contractor" {
		t.Errorf("expected role contractor, got %s", claims.Role)
	}
}

func TestTokenVerifier_Rejects(t *testing.T) {
	v := service.NewTokenVerifier("secret", "platform-identity")

	svcToken, _ := v.Sign("disbursements", "", service.TokenTypeService, time.Minute)
	if _, err := v.Verify(svcToken, service.TokenTypeAccess); err == nil {
		t.Error("expected a service token to be rejected where an access token is required")
	}

	other := service.NewTokenVerifier("other-secret", "platform-identity")
	forged, _ := other.Sign("101", "contractor", service.TokenTypeAccess, time.Minute)
	if _, err := v.Verify(forged, service.TokenTypeAccess); err == nil {
		t.Error("expected a token signed with another secret to be rejected")
	}

	wrongIssuer := service.NewTokenVerifier("secret", "someone-else")
	foreign, _ := wrongIssuer.Sign("101", "contractor", service.TokenTypeAccess, time.Minute)
	if _, err := v.Verify(foreign, service.TokenTypeAccess); err == nil {
		t.Error("expected a token from another issuer to be rejected")
	}

	expired, _ := v.Sign("101", "contractor", service.TokenTypeAccess, -time.Minute)
	if _, err := v.Verify(expired, service.TokenTypeAccess); err == nil {
		t.Error("expected an expired token to be rejected")
	}

	if _, err := v.Verify("not-a-jwt", service.TokenTypeAccess); err == nil {
		t.Error("expected garbage to be rejected")
	}
}

func TestClaims_UserID(t *testing.T) {
	v := service.NewTokenVerifier("secret", "platform-identity")
	tok, _ := v.Sign("disbursements", "", service.TokenTypeService, time.Minute)
	claims, err := v.Verify(tok, service.TokenTypeService)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if _, err := claims.UserID(); err == nil {
		t.Error("expected a non-numeric subject to be rejected as a user id")
	}
}
