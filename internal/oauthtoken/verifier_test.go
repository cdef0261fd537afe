package oauthtoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testAudience = "client-123.apps.example"

func TestNewVerifierRequiresAudience(t *testing.T) {
	if _, err := NewVerifier(Config{JWKSURL: "http://127.0.0.1:1"}); err == nil {
		t.Fatalf("expected missing audience to fail")
	}
}

func TestNewVerifierDoesNotFetchKeys(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewVerifier(Config{JWKSURL: srv.URL, Audience: testAudience}); err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if hits.Load() != 0 {
		t.Fatalf("expected lazy key fetch, got %d requests", hits.Load())
	}
}

func TestVerifyReturnsIdentityAndRefreshesOnRotation(t *testing.T) {
	key1 := generateKey(t)
	key2 := generateKey(t)
	var active atomic.Value
	active.Store("kid-1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		kid := active.Load().(string)
		key := key1
		if kid == "kid-2" {
			key = key2
		}
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK(kid, key.PublicKey)}})
	}))
	defer srv.Close()

	v, err := NewVerifier(Config{JWKSURL: srv.URL, Audience: testAudience})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	id, err := v.Verify(context.Background(), sign(t, key1, "kid-1", "https://accounts.google.com", time.Now()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "sub-1" || id.Email != "ada@example.com" || !id.EmailVerified || id.Name != "Ada" {
		t.Fatalf("unexpected identity %+v", id)
	}

	active.Store("kid-2")
	if _, err := v.Verify(context.Background(), sign(t, key2, "kid-2", "accounts.google.com", time.Now())); err != nil {
		t.Fatalf("verify after rotation: %v", err)
	}
}

func TestVerifyRejectsForeignIssuerAndFutureIssuedAt(t *testing.T) {
	key := generateKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{toJWK("kid-1", key.PublicKey)}})
	}))
	defer srv.Close()

	v, err := NewVerifier(Config{JWKSURL: srv.URL, Audience: testAudience, Leeway: 5 * time.Second})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	if _, err := v.Verify(context.Background(), sign(t, key, "kid-1", "https://evil.example", time.Now())); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected foreign issuer to fail, got %v", err)
	}
	if _, err := v.Verify(context.Background(), sign(t, key, "kid-1", "accounts.google.com", time.Now().Add(2*time.Minute))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected future iat to fail, got %v", err)
	}
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func sign(t *testing.T, key *rsa.PrivateKey, kid, issuer string, issuedAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub":            "sub-1",
		"iss":            issuer,
		"aud":            testAudience,
		"exp":            time.Now().Add(time.Hour).Unix(),
		"iat":            issuedAt.Unix(),
		"email":          "ada@example.com",
		"email_verified": true,
		"name":           "Ada",
		"picture":        "https://example.com/a.png",
	})
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func toJWK(kid string, key rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}
