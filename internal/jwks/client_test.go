package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testAddress = "0x00000000000000000000000000000000000000000000000000000000000000aa"

func sign(t *testing.T, priv ed25519.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": "wallet-gateway",
		"aud": "marketd",
		"sub": strings.ToUpper(testAddress[:4]) + testAddress[4:],
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func TestValidateSessionStatic(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	c := NewStaticClient(map[string]ed25519.PublicKey{"k1": pub})
	ctx := context.Background()

	s, err := c.ValidateSession(ctx, sign(t, priv, "k1", validClaims()), "wallet-gateway", "marketd")
	if err != nil {
		t.Fatalf("ValidateSession() error = %v", err)
	}
	if s.Address != testAddress {
		t.Errorf("Address = %s", s.Address)
	}

	_, other, _ := ed25519.GenerateKey(nil)
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	noExp := validClaims()
	delete(noExp, "exp")
	badSub := validClaims()
	badSub["sub"] = "did:plc:alice"

	tests := []struct {
		name  string
		token string
		iss   string
	}{
		{"wrong key", sign(t, other, "k1", validClaims()), "wallet-gateway"},
		{"unknown kid", sign(t, priv, "k2", validClaims()), "wallet-gateway"},
		{"wrong issuer", sign(t, priv, "k1", validClaims()), "someone-else"},
		{"expired", sign(t, priv, "k1", expired), "wallet-gateway"},
		{"no expiry", sign(t, priv, "k1", noExp), "wallet-gateway"},
		{"subject not an address", sign(t, priv, "k1", badSub), "wallet-gateway"},
		{"garbage", "not.a.jwt", "wallet-gateway"},
	}
	for _, tt := range tests {
		if _, err := c.ValidateSession(ctx, tt.token, tt.iss, "marketd"); err == nil {
			t.Errorf("%s: accepted", tt.name)
		}
	}
}

func TestValidateSessionFetchesAndCachesJWKS(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kty: "OKP", Crv: "Ed25519", Alg: "EdDSA", Use: "sig", Kid: "k1",
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	token := sign(t, priv, "k1", validClaims())
	for i := 0; i < 3; i++ {
		if _, err := c.ValidateSession(context.Background(), token, "wallet-gateway", "marketd"); err != nil {
			t.Fatalf("ValidateSession() error = %v", err)
		}
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("JWKS fetched %d times, want 1", n)
	}
}
