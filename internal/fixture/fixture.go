// internal/fixture/fixture.go
// Package fixture seeds the in-memory ledger and content store with sample profiles,
// datasets, listings and purchases. Everything is created through the same services the
// daemon uses, so fixture data passes the same validation and hashing as real uploads.
package fixture

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"github.com/datamarket/datamarket-go/internal/contracts"
	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/market"
	"github.com/datamarket/datamarket-go/internal/profile"
	"github.com/datamarket/datamarket-go/internal/publish"
	"github.com/datamarket/datamarket-go/internal/wallet"
)

//go:embed seed.json samples/*
var content embed.FS

// Account is a fixture wallet. Accounts without a username get no profile.
type Account struct {
	Label    string `json:"label"`
	Username string `json:"username,omitempty"`
	Bio      string `json:"bio,omitempty"`
	Balance  string `json:"balance"` // SUI
}

// Dataset is a sample dataset published by Owner.
type Dataset struct {
	Owner       string `json:"owner"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	License     string `json:"license"`
	Price       string `json:"price"` // SUI
	File        string `json:"file"`  // Name under samples/
	Listed      bool   `json:"listed"`
}

// Purchase buys the listing of Dataset (by title) for Buyer.
type Purchase struct {
	Buyer   string `json:"buyer"`
	Dataset string `json:"dataset"`
}

// Seed is the fixture definition.
type Seed struct {
	Accounts  []Account  `json:"accounts"`
	Datasets  []Dataset  `json:"datasets"`
	Purchases []Purchase `json:"purchases"`
}

// Services are the collaborators used to apply a seed.
type Services struct {
	Ledger    *ledger.Memory
	Profiles  *profile.Service
	Publisher *publish.Pipeline
	Market    *market.Flow
}

// Result maps fixture names to what was created.
type Result struct {
	Keystore *wallet.Keystore
	Accounts map[string]*wallet.KeySigner // label -> signer
	Datasets map[string]string            // title -> record id
	Listings map[string]string            // title -> listing id, for datasets still for sale
}

// mimeTypes covers the sample extensions; the stdlib table lacks some of them.
var mimeTypes = map[string]string{
	".csv":  "text/csv",
	".json": "application/json",
	".txt":  "text/plain",
}

// LoadSeed parses the embedded seed.
func LoadSeed() (*Seed, error) {
	raw, err := content.ReadFile("seed.json")
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var s Seed
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &s, nil
}

// SampleFile returns an embedded sample as a publishable file.
func SampleFile(name string) (*publish.BytesFile, error) {
	data, err := content.ReadFile(path.Join("samples", name))
	if err != nil {
		return nil, fmt.Errorf("read sample %s: %w", name, err)
	}
	return &publish.BytesFile{FileName: name, MIMEType: mimeTypes[path.Ext(name)], Data: data}, nil
}

// AccountSigner derives the deterministic key of a fixture account.
func AccountSigner(label string) (*wallet.KeySigner, error) {
	seed := sha256.Sum256([]byte("datamarket fixture account " + label))
	return wallet.NewKeySigner(seed[:])
}

// Load applies the embedded seed.
func Load(ctx context.Context, svc Services) (*Result, error) {
	s, err := LoadSeed()
	if err != nil {
		return nil, err
	}
	return Apply(ctx, s, svc)
}

// Apply creates the accounts, profiles, datasets, listings and purchases described by s,
// in that order. It stops at the first failure.
func Apply(ctx context.Context, s *Seed, svc Services) (*Result, error) {
	res := &Result{
		Keystore: wallet.NewKeystore(),
		Accounts: make(map[string]*wallet.KeySigner),
		Datasets: make(map[string]string),
		Listings: make(map[string]string),
	}

	for _, a := range s.Accounts {
		signer, err := AccountSigner(a.Label)
		if err != nil {
			return nil, err
		}
		balance, err := contracts.ParseSUI(a.Balance)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.Label, err)
		}
		svc.Ledger.Fund(signer.Address(), balance)
		res.Keystore.Add(signer)
		res.Accounts[a.Label] = signer

		if a.Username == "" {
			continue
		}
		if _, err := svc.Profiles.Create(ctx, signer, profile.CreateParams{Username: a.Username, Bio: a.Bio}); err != nil {
			return nil, fmt.Errorf("profile %s: %w", a.Username, err)
		}
	}

	for _, d := range s.Datasets {
		signer, ok := res.Accounts[d.Owner]
		if !ok {
			return nil, fmt.Errorf("dataset %q: unknown owner %q", d.Title, d.Owner)
		}
		price, err := contracts.ParseSUI(d.Price)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", d.Title, err)
		}
		file, err := SampleFile(d.File)
		if err != nil {
			return nil, err
		}
		out, err := svc.Publisher.Publish(ctx, signer, publish.Params{
			File:              file,
			Title:             d.Title,
			Description:       d.Description,
			Category:          d.Category,
			License:           d.License,
			Price:             price,
			ListOnMarketplace: d.Listed,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("publish %q: %w", d.Title, err)
		}
		res.Datasets[d.Title] = out.RecordID
		if out.ListingID != "" {
			res.Listings[d.Title] = out.ListingID
		}
	}

	for _, p := range s.Purchases {
		buyer, ok := res.Accounts[p.Buyer]
		if !ok {
			return nil, fmt.Errorf("purchase: unknown buyer %q", p.Buyer)
		}
		listingID, ok := res.Listings[p.Dataset]
		if !ok {
			return nil, fmt.Errorf("purchase: %q is not listed", p.Dataset)
		}
		if _, err := svc.Market.Purchase(ctx, buyer, market.PurchaseParams{ListingID: listingID, DatasetID: res.Datasets[p.Dataset]}); err != nil {
			return nil, fmt.Errorf("purchase %q by %s: %w", p.Dataset, p.Buyer, err)
		}
		delete(res.Listings, p.Dataset)
	}

	slog.Info("fixture data loaded",
		"accounts", len(res.Accounts),
		"datasets", len(res.Datasets),
		"listings", len(res.Listings),
		"purchases", len(s.Purchases))
	return res, nil
}
