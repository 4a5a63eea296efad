package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("lect-1", RoleLecturer, "rollcall-test", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Parse(pair.AccessToken, "secret", "rollcall-test")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "lect-1" || claims.Role != RoleLecturer {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseRejectsBadKeyAndIssuer(t *testing.T) {
	pair, err := Issue("dev-1", RoleDevice, "rollcall-test", "secret", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := Parse(pair.AccessToken, "wrong-key", "rollcall-test"); err == nil {
		t.Error("token accepted with wrong signing key")
	}
	if _, err := Parse(pair.AccessToken, "secret", "someone-else"); err == nil {
		t.Error("token accepted with wrong issuer")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue("dev-1", RoleDevice, "rollcall-test", "secret", -time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(pair.AccessToken, "secret", "rollcall-test"); err == nil {
		t.Error("expired token accepted")
	}
}
