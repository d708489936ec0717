// integration/wallet_session_test.go
// Package integration provides integration tests for wallet sessions issued by an external
// gateway and verified through its JWKS endpoint.
package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/datamarket/datamarket-go/internal/jwks"
	"github.com/datamarket/datamarket-go/internal/model"
	"github.com/datamarket/datamarket-go/internal/server"
	"github.com/datamarket/datamarket-go/internal/storage"
	"github.com/datamarket/datamarket-go/internal/wallet"
)

const (
	gatewayIssuer = "https://wallet.example"
	gatewayKeyID  = "gateway-2024"
	audience      = "marketd"
)

// gateway is a wallet gateway that publishes one signing key on its JWKS endpoint.
type gateway struct {
	srv     *httptest.Server
	key     ed25519.PrivateKey
	fetches atomic.Int32
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate gateway key: %v", err)
	}
	g := &gateway{key: priv}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		g.fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(jwks.JWKS{Keys: []jwks.JWK{{
			Kty: "OKP",
			Kid: gatewayKeyID,
			Use: "sig",
			Alg: "EdDSA",
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	t.Cleanup(g.srv.Close)
	return g
}

// session signs a token with the given claims; an empty kid leaves the header unset.
func (g *gateway) session(t *testing.T, key ed25519.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign JWT: %v", err)
	}
	return s
}

func claimsFor(subject string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": gatewayIssuer,
		"aud": audience,
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

type testEnv struct {
	gw      *gateway
	mux     *server.Mux
	signer  *wallet.KeySigner
	journal *storage.Journal
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gw := newGateway(t)

	seed := make([]byte, ed25519.SeedSize)
	rand.Read(seed)
	signer, err := wallet.NewKeySigner(seed)
	if err != nil {
		t.Fatal(err)
	}
	keystore := wallet.NewKeystore()
	keystore.Add(signer)

	st := storage.NewMemory()
	journal := storage.NewJournal(st, nil)
	mux := server.NewMux(server.Deps{
		Store:       st,
		Journal:     journal,
		Keystore:    keystore,
		JWKS:        jwks.NewClient(gw.srv.URL + "/.well-known/jwks.json"),
		JWTIssuer:   gatewayIssuer,
		JWTAudience: audience,
		Network:     "testnet",
	})
	return &testEnv{gw: gw, mux: mux, signer: signer, journal: journal}
}

func (e *testEnv) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	return rr
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var response struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return response.Error.Code
}

// TestGatewaySession checks that a session from the gateway scopes the activity feed to
// the wallet named in its subject.
func TestGatewaySession(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	other := "0x" + strings.Repeat("cd", 32)
	e.journal.Record(ctx, model.Activity{Address: e.signer.Address(), Kind: model.ActivityPurchased, Ref: "0x1", Digest: "d1", Amount: 500})
	e.journal.Record(ctx, model.Activity{Address: other, Kind: model.ActivityPurchased, Ref: "0x2", Digest: "d2"})

	token := e.gw.session(t, e.gw.key, gatewayKeyID, claimsFor(e.signer.Address()))
	for i := 0; i < 3; i++ {
		rr := e.get(t, "/v1/activity", token)
		if rr.Code != http.StatusOK {
			t.Fatalf("activity status = %d body=%s", rr.Code, rr.Body.String())
		}
		var env struct {
			Data model.ListActivityResult `json:"data"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatal(err)
		}
		if len(env.Data.Entries) != 1 || env.Data.Entries[0].Ref != "0x1" {
			t.Fatalf("entries = %+v, want only the session wallet's purchase", env.Data.Entries)
		}
	}
	if n := e.gw.fetches.Load(); n != 1 {
		t.Errorf("JWKS fetched %d times, want 1 (cached)", n)
	}
}

// TestSessionRejections covers tokens the daemon must refuse.
func TestSessionRejections(t *testing.T) {
	e := newEnv(t)
	address := e.signer.Address()
	_, foreignKey, _ := ed25519.GenerateKey(rand.Reader)

	withClaim := func(k string, v interface{}) jwt.MapClaims {
		c := claimsFor(address)
		c[k] = v
		return c
	}

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"invalid issuer", e.gw.session(t, e.gw.key, gatewayKeyID, withClaim("iss", "https://evil.example")), "MKT_JWT_INVALID"},
		{"invalid audience", e.gw.session(t, e.gw.key, gatewayKeyID, withClaim("aud", "someone-else")), "MKT_JWT_INVALID"},
		{"expired", e.gw.session(t, e.gw.key, gatewayKeyID, withClaim("exp", time.Now().Add(-time.Minute).Unix())), "MKT_JWT_EXPIRED"},
		{"missing kid", e.gw.session(t, e.gw.key, "", claimsFor(address)), "MKT_JWT_INVALID"},
		{"unknown kid", e.gw.session(t, e.gw.key, "rotated-away", claimsFor(address)), "MKT_JWT_INVALID"},
		{"foreign signature", e.gw.session(t, foreignKey, gatewayKeyID, claimsFor(address)), "MKT_JWT_INVALID"},
		{"subject is not a wallet", e.gw.session(t, e.gw.key, gatewayKeyID, claimsFor("did:example:alice")), "MKT_JWT_INVALID"},
		{"not a JWT", "abc.def", "MKT_JWT_MALFORMED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := e.get(t, "/v1/activity", tt.token)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401 (body %s)", rr.Code, rr.Body.String())
			}
			if code := errorCode(t, rr); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}
}

// TestSigningRequiresConnectedWallet checks that a valid session alone cannot move funds:
// the wallet must also be held by the daemon.
func TestSigningRequiresConnectedWallet(t *testing.T) {
	e := newEnv(t)
	stranger := "0x" + strings.Repeat("ef", 32)
	token := e.gw.session(t, e.gw.key, gatewayKeyID, claimsFor(stranger))

	req := httptest.NewRequest(http.MethodPost, "/v1/purchases", strings.NewReader(`{"listingId":"0x1"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden || errorCode(t, rr) != "MKT_WALLET_REQUIRED" {
		t.Errorf("purchase = %d %s, want 403 MKT_WALLET_REQUIRED", rr.Code, rr.Body.String())
	}

	rr = e.get(t, "/v1/activity", token)
	if rr.Code != http.StatusOK {
		t.Errorf("read-only route with valid session = %d", rr.Code)
	}
}
