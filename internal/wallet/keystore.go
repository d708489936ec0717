// Package wallet holds the ed25519 keys the daemon signs transactions with.
package wallet

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// Signature scheme flag for ed25519.
const flagEd25519 byte = 0x00

// intentTransaction prefixes transaction bytes before hashing: scope, version, app id.
var intentTransaction = []byte{0, 0, 0}

// KeySigner signs transactions with one ed25519 key.
type KeySigner struct {
	key     ed25519.PrivateKey
	address string
}

// NewKeySigner creates a signer from a 32-byte ed25519 seed.
func NewKeySigner(seed []byte) (*KeySigner, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	key := ed25519.NewKeyFromSeed(seed)
	return &KeySigner{key: key, address: DeriveAddress(key.Public().(ed25519.PublicKey))}, nil
}

// ParseKey decodes a private key as exported by wallets: base64 of flag||seed, base64 of the
// bare seed, or hex of the bare seed (with or without 0x).
func ParseKey(s string) (*KeySigner, error) {
	s = strings.TrimSpace(s)
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		switch {
		case len(raw) == ed25519.SeedSize+1 && raw[0] == flagEd25519:
			return NewKeySigner(raw[1:])
		case len(raw) == ed25519.SeedSize:
			return NewKeySigner(raw)
		}
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("unrecognized key encoding")
	}
	return NewKeySigner(raw)
}

// DeriveAddress returns the address of an ed25519 public key:
// 0x followed by the hex blake2b-256 of flag||pubkey.
func DeriveAddress(pub ed25519.PublicKey) string {
	sum := blake2b.Sum256(append([]byte{flagEd25519}, pub...))
	return "0x" + hex.EncodeToString(sum[:])
}

// Address returns the signer's address.
func (s *KeySigner) Address() string { return s.address }

// SignTransaction signs base64 transaction bytes and returns the serialized signature,
// base64 of flag||signature||pubkey.
func (s *KeySigner) SignTransaction(ctx context.Context, txBytes string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tx, err := base64.StdEncoding.DecodeString(txBytes)
	if err != nil {
		return "", fmt.Errorf("decode transaction bytes: %w", err)
	}
	digest := blake2b.Sum256(append(append([]byte{}, intentTransaction...), tx...))
	sig := ed25519.Sign(s.key, digest[:])

	out := make([]byte, 0, 1+len(sig)+ed25519.PublicKeySize)
	out = append(out, flagEd25519)
	out = append(out, sig...)
	out = append(out, s.key.Public().(ed25519.PublicKey)...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Keystore maps addresses to their signers.
type Keystore struct {
	mu      sync.RWMutex
	signers map[string]*KeySigner
}

// NewKeystore creates an empty keystore.
func NewKeystore() *Keystore {
	return &Keystore{signers: make(map[string]*KeySigner)}
}

// LoadKeystore parses every encoded key and indexes it by address.
func LoadKeystore(keys []string) (*Keystore, error) {
	ks := NewKeystore()
	for i, k := range keys {
		if strings.TrimSpace(k) == "" {
			continue
		}
		s, err := ParseKey(k)
		if err != nil {
			return nil, fmt.Errorf("wallet key %d: %w", i, err)
		}
		ks.Add(s)
	}
	return ks, nil
}

// Add registers a signer.
func (k *Keystore) Add(s *KeySigner) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.signers[strings.ToLower(s.Address())] = s
}

// Signer returns the signer for address, if the keystore holds one.
func (k *Keystore) Signer(address string) (*KeySigner, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	s, ok := k.signers[strings.ToLower(address)]
	return s, ok
}

// Addresses lists the addresses held, sorted.
func (k *Keystore) Addresses() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.signers))
	for _, s := range k.signers {
		out = append(out, s.Address())
	}
	sort.Strings(out)
	return out
}
