package auth

import (
	"testing"
	"time"

	"dialout-engine/internal/config"
)

func TestIssueAndVerify(t *testing.T) {
	m, err := NewManager(config.AuthConfig{
		JWTSecret:      "secret",
		JWTIssuer:      "issuer",
		JWTAudience:    "aud",
		AccessTokenTTL: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	tok, err := m.Issue(now, "order-service", "caller")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if tok == "" {
		t.Fatalf("expected token string")
	}

	claims, err := m.Verify(tok, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.ServiceID != "order-service" || claims.Role != "caller" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

// Verify judges expiry against the caller's clock. A token long expired on
// the wall clock is valid when the injected time says so, and a token fresh
// on the wall clock is rejected when the injected time has moved past it.
func TestVerifyUsesInjectedClock(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute})
	past := time.Unix(1600000000, 0).UTC()

	tok, err := m.Issue(past, "svc", "caller")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(tok, past.Add(30*time.Second)); err != nil {
		t.Fatalf("verify at issue-era time: %v", err)
	}

	fresh, err := m.Issue(time.Now(), "svc", "caller")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(fresh, time.Now().Add(time.Hour)); err == nil {
		t.Fatalf("expected expiry error at advanced time")
	}
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	issuing, _ := NewManager(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "other", AccessTokenTTL: time.Minute})
	verifying, _ := NewManager(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "dialout", AccessTokenTTL: time.Minute})

	now := time.Unix(1700000000, 0).UTC()
	tok, err := issuing.Issue(now, "svc", "caller")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifying.Verify(tok, now); err == nil {
		t.Fatalf("expected issuer error")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute})
	now := time.Unix(1700000000, 0).UTC()
	tok, err := m.Issue(now, "svc", "caller")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(tok, now.Add(5*time.Minute)); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m1, _ := NewManager(config.AuthConfig{JWTSecret: "secret-a", AccessTokenTTL: time.Minute})
	m2, _ := NewManager(config.AuthConfig{JWTSecret: "secret-b", AccessTokenTTL: time.Minute})

	tok, err := m1.Issue(time.Now(), "svc", "caller")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m2.Verify(tok, time.Now()); err == nil {
		t.Fatalf("expected signature error")
	}
}
