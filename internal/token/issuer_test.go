package token

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "devsecret123456789abcdef0123456789abcdef"

func TestNewIssuerRequiresCredentials(t *testing.T) {
	if _, err := NewIssuer("", "", time.Hour); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("NewIssuer(\"\",\"\") error = %v, want ErrNotConfigured", err)
	}
	if _, err := NewIssuer("devkey", "  ", time.Hour); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("NewIssuer with blank secret error = %v, want ErrNotConfigured", err)
	}
}

func TestIssueEncodesRequestedRoom(t *testing.T) {
	issuer, err := NewIssuer("devkey", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	tok, err := issuer.Issue("oratio-s1", "u1", "User One", ParticipantGrants(), 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims := decodeClaims(t, tok)
	video, ok := claims["video"].(map[string]any)
	if !ok {
		t.Fatalf("token claims missing video grant: %+v", claims)
	}
	if got := video["room"]; got != "oratio-s1" {
		t.Fatalf("grant room = %v, want %q", got, "oratio-s1")
	}
	if got := claims["sub"]; got != "u1" {
		t.Fatalf("sub = %v, want %q", got, "u1")
	}
	if hidden, _ := video["hidden"].(bool); hidden {
		t.Fatalf("participant grant should not be hidden")
	}
}

func TestIssueAgentGrantsAreHidden(t *testing.T) {
	issuer, err := NewIssuer("devkey", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}

	tok, err := issuer.Issue("oratio-s2", "agent-s2", "", AgentGrants(), 0)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	claims := decodeClaims(t, tok)
	video, ok := claims["video"].(map[string]any)
	if !ok {
		t.Fatalf("token claims missing video grant: %+v", claims)
	}
	if hidden, _ := video["hidden"].(bool); !hidden {
		t.Fatalf("agent grant should be hidden")
	}
	if canPublish, _ := video["canPublish"].(bool); !canPublish {
		t.Fatalf("agent grant should allow publish")
	}
}

func TestIssueValidatesInput(t *testing.T) {
	issuer, err := NewIssuer("devkey", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer() error = %v", err)
	}
	if _, err := issuer.Issue("", "u1", "", ParticipantGrants(), 0); err == nil {
		t.Fatalf("Issue() with empty room should fail")
	}
	if _, err := issuer.Issue("room", "", "", ParticipantGrants(), 0); err == nil {
		t.Fatalf("Issue() with empty identity should fail")
	}
}

func decodeClaims(t *testing.T, tok string) map[string]any {
	t.Helper()
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("token is not a JWT: %q", tok)
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	return claims
}
