package store

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestJWTTokenStoreRoundTrip(t *testing.T) {
	s, err := NewJWTTokenStore(testSecret, time.Hour, nil, JWTOptions{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	token, err := s.NewToken("user-1")
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	userID, ok, err := s.GetUserIDByToken(token)
	if err != nil || !ok || userID != "user-1" {
		t.Fatalf("unexpected resolve result: %q ok=%v err=%v", userID, ok, err)
	}
}

func TestJWTTokenStoreRejectsShortSecret(t *testing.T) {
	if _, err := NewJWTTokenStore("short", time.Hour, nil, JWTOptions{}); err == nil {
		t.Fatalf("expected short secret to fail")
	}
}

func TestJWTTokenStoreEnforcesAudience(t *testing.T) {
	signing, _ := NewJWTTokenStore(testSecret, time.Hour, nil, JWTOptions{Audience: "aud-a"})
	verify, _ := NewJWTTokenStore(testSecret, time.Hour, nil, JWTOptions{Audience: "aud-b"})
	token, err := signing.NewToken("user-1")
	if err != nil {
		t.Fatalf("new token: %v", err)
	}
	if _, _, err := verify.GetUserIDByToken(token); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("expected audience mismatch, got %v", err)
	}
}

func TestJWTTokenStoreRejectsTampering(t *testing.T) {
	s, _ := NewJWTTokenStore(testSecret, time.Hour, nil, JWTOptions{})
	token, _ := s.NewToken("user-1")
	tampered := token[:strings.LastIndex(token, ".")+1] + "AAAA"
	if _, ok, err := s.GetUserIDByToken(tampered); err == nil || ok {
		t.Fatalf("expected tampered token to fail")
	}
}

func TestJWTTokenStoreRevokesByJTI(t *testing.T) {
	s, _ := NewJWTTokenStore(testSecret, time.Hour, NewMemoryTokenRevoker(), JWTOptions{})
	token, _ := s.NewToken("user-1")
	other, _ := s.NewToken("user-1")
	if err := s.RevokeToken(token); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, ok, err := s.GetUserIDByToken(token); !errors.Is(err, ErrTokenRevoked) || ok {
		t.Fatalf("expected revoked token, ok=%v err=%v", ok, err)
	}
	if _, ok, err := s.GetUserIDByToken(other); err != nil || !ok {
		t.Fatalf("other token must stay valid, ok=%v err=%v", ok, err)
	}
	if err := s.RevokeToken("garbage"); err != nil {
		t.Fatalf("revoking garbage should be a no-op: %v", err)
	}
}
