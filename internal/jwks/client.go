// Package jwks validates wallet session tokens. A session is an EdDSA-signed JWT whose
// subject is the wallet address that connected; keys come from the issuer's JWKS endpoint.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// cacheTTL is how long a fetched key set is trusted.
const cacheTTL = 5 * time.Minute

var addressPattern = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // Public key bytes, base64url
}

// Session is a validated wallet session.
type Session struct {
	Address   string    // Lower-case wallet address from the sub claim
	ExpiresAt time.Time // Token expiry
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client
	cache      *jwksCache
	static     map[string]ed25519.PublicKey // kid -> key, when not fetching
}

// jwksCache stores cached JWKS with expiration
type jwksCache struct {
	jwks      *JWKS
	expiresAt time.Time
	mutex     sync.RWMutex
}

// NewClient creates a new JWKS client
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cache: &jwksCache{},
	}
}

// NewStaticClient creates a client that trusts a fixed set of keys, for development
// and tests.
func NewStaticClient(keys map[string]ed25519.PublicKey) *Client {
	return &Client{static: keys, cache: &jwksCache{}}
}

// fetchJWKS fetches the JWKS from the session issuer
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var jwks JWKS
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &jwks, nil
}

// getJWKS retrieves JWKS from cache or fetches fresh if needed
func (c *Client) getJWKS(ctx context.Context) (*JWKS, error) {
	c.cache.mutex.RLock()
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		jwks := c.cache.jwks
		c.cache.mutex.RUnlock()
		return jwks, nil
	}
	c.cache.mutex.RUnlock()

	c.cache.mutex.Lock()
	defer c.cache.mutex.Unlock()

	// Double-check after acquiring write lock
	if c.cache.jwks != nil && time.Now().Before(c.cache.expiresAt) {
		return c.cache.jwks, nil
	}

	jwks, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	c.cache.jwks = jwks
	c.cache.expiresAt = time.Now().Add(cacheTTL)
	return jwks, nil
}

// publicKey resolves the verification key for kid.
func (c *Client) publicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	if c.static != nil {
		if k, ok := c.static[kid]; ok {
			return k, nil
		}
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}

	jwks, err := c.getJWKS(ctx)
	if err != nil {
		return nil, err
	}
	for _, key := range jwks.Keys {
		if key.Kid != kid {
			continue
		}
		if key.Kty != "OKP" || key.Crv != "Ed25519" || (key.Alg != "" && key.Alg != "EdDSA") {
			return nil, fmt.Errorf("unsupported key type or algorithm")
		}
		x, err := base64.RawURLEncoding.DecodeString(key.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("failed to decode public key %s", kid)
		}
		return ed25519.PublicKey(x), nil
	}
	return nil, fmt.Errorf("key with kid %s not found", kid)
}

// ValidateJWT verifies the signature, issuer, audience and expiry of a token.
func (c *Client) ValidateJWT(ctx context.Context, tokenString string, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("missing or invalid kid in JWT header")
		}
		return c.publicKey(ctx, kid)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to verify JWT: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid JWT")
	}
	return claims, nil
}

// ValidateSession validates a token and extracts the wallet address it was issued to.
// Parameters:
//   - ctx: Context for key discovery
//   - tokenString: Bearer token without the scheme
//   - expectedIssuer, expectedAudience: Required iss and aud claims
// Returns:
//   - *Session: Wallet address and expiry
//   - error: Any verification failure
func (c *Client) ValidateSession(ctx context.Context, tokenString, expectedIssuer, expectedAudience string) (*Session, error) {
	claims, err := c.ValidateJWT(ctx, tokenString, expectedIssuer, expectedAudience)
	if err != nil {
		return nil, err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("invalid sub claim: %w", err)
	}
	address := strings.ToLower(sub)
	if !addressPattern.MatchString(address) {
		return nil, fmt.Errorf("sub %q is not a wallet address", sub)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("invalid exp claim")
	}
	return &Session{Address: address, ExpiresAt: exp.Time}, nil
}
