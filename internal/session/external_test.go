package session

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://idp.example"

func newTestExternal(t *testing.T) (*External, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	jwks, err := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "k1",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ext, err := NewExternalFromJSON(testIssuer, jwks)
	if err != nil {
		t.Fatalf("NewExternalFromJSON: %v", err)
	}
	return ext, key
}

func signExternal(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestExternalTokens(t *testing.T) {
	ext, key := newTestExternal(t)
	r := newTestResolver(t, NewMemoryStore()).WithExternal(ext)
	ctx := context.Background()
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   string
	}{
		{"valid", jwt.MapClaims{"sub": "u1", "iss": testIssuer, "exp": exp}, "u1"},
		{"matching tenant", jwt.MapClaims{"sub": "u2", "iss": testIssuer, "exp": exp, "tenantId": "acme"}, "u2"},
		{"other tenant", jwt.MapClaims{"sub": "u3", "iss": testIssuer, "exp": exp, "tenantId": "beta"}, ""},
		{"wrong issuer", jwt.MapClaims{"sub": "u4", "iss": "https://evil.example", "exp": exp}, ""},
		{"no expiry", jwt.MapClaims{"sub": "u5", "iss": testIssuer}, ""},
		{"expired", jwt.MapClaims{"sub": "u6", "iss": testIssuer, "exp": time.Now().Add(-time.Minute).Unix()}, ""},
		{"no subject", jwt.MapClaims{"iss": testIssuer, "exp": exp}, ""},
	}
	for _, tt := range tests {
		s, err := r.ResolveSession(ctx, "acme", signExternal(t, key, tt.claims))
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		got := ""
		if s != nil {
			got = s.UserID
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestExternalDoesNotShadowLocalTokens(t *testing.T) {
	ext, _ := newTestExternal(t)
	r := newTestResolver(t, NewMemoryStore()).WithExternal(ext)
	ctx := context.Background()

	token, err := r.Issue(ctx, "acme", "local-user", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	s, err := r.ResolveSession(ctx, "acme", token)
	if err != nil || s == nil || s.UserID != "local-user" {
		t.Fatalf("got %+v, %v", s, err)
	}
}

func TestNewExternalRequiresIssuer(t *testing.T) {
	if _, err := NewExternal("", ""); err == nil {
		t.Fatal("expected error")
	}
}
