package main

import (
	"crypto/ed25519"
	"log/slog"
	"sort"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/datamarket/datamarket-go/internal/config"
	"github.com/datamarket/datamarket-go/internal/fixture"
)

const (
	devKeyID      = "marketd-dev"
	devSessionTTL = 24 * time.Hour
)

// logDevSessions signs a session token for every fixture account and logs it, so the
// fixture marketplace can be driven without a wallet gateway.
func logDevSessions(key ed25519.PrivateKey, cfg config.Config, seeded *fixture.Result) error {
	labels := make([]string, 0, len(seeded.Accounts))
	for label := range seeded.Accounts {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	exp := time.Now().Add(devSessionTTL)
	for _, label := range labels {
		address := seeded.Accounts[label].Address()
		tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
			Issuer:    cfg.JWTIssuer,
			Audience:  jwt.ClaimStrings{cfg.JWTAudience},
			Subject:   address,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		})
		tok.Header["kid"] = devKeyID
		signed, err := tok.SignedString(key)
		if err != nil {
			return err
		}
		slog.Info("fixture session", "account", label, "address", address, "expiresAt", exp, "token", signed)
	}
	return nil
}
