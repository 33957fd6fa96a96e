package httpapi

import (
	"testing"
	"time"

	"github.com/lautaro2705-commits/dietetica-erp/internal/domain"
)

func TestIssueAndParseToken(t *testing.T) {
	manager := NewAuthManager("test-secret-at-least-32-chars-long!", time.Hour)

	resp, err := manager.IssueToken(domain.Actor{Username: "admin", Role: "admin"})
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	if resp.AccessToken == "" || resp.Role != "admin" {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	actor, err := manager.ParseToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Username != "admin" || actor.Role != "admin" {
		t.Fatalf("unexpected actor: %+v", actor)
	}
}

func TestParseTokenRejectsForeignSecret(t *testing.T) {
	issuer := NewAuthManager("secret-one-secret-one-secret-one!!", time.Hour)
	verifier := NewAuthManager("secret-two-secret-two-secret-two!!", time.Hour)

	resp, err := issuer.IssueToken(domain.Actor{Username: "seller", Role: "seller"})
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	if _, err := verifier.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	manager := NewAuthManager("test-secret-at-least-32-chars-long!", time.Hour)
	manager.tokenTTL = -time.Minute

	resp, err := manager.IssueToken(domain.Actor{Username: "seller", Role: "seller"})
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	if _, err := manager.ParseToken(resp.AccessToken); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	manager := NewAuthManager("test-secret-at-least-32-chars-long!", time.Hour)

	if _, err := manager.ParseToken("not-a-token"); err == nil {
		t.Fatalf("expected garbage token to be rejected")
	}
}
