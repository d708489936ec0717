package fixture

import (
	"bytes"
	"context"
	"io/fs"
	"testing"
	"time"

	"github.com/datamarket/datamarket-go/internal/cache"
	"github.com/datamarket/datamarket-go/internal/catalog"
	"github.com/datamarket/datamarket-go/internal/market"
	"github.com/datamarket/datamarket-go/internal/profile"
	"github.com/datamarket/datamarket-go/internal/publish"
	"github.com/datamarket/datamarket-go/internal/schema"
	"github.com/datamarket/datamarket-go/internal/source"
)

func load(t *testing.T) (*Result, *catalog.Catalog, *market.Flow) {
	t.Helper()
	v, err := schema.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	src := source.NewFixture(250, "http://localhost:8080", 0)
	l, _ := src.Memory()
	pkgs := src.Packages()
	cat := catalog.New(l, src.Store(), pkgs, cache.New(time.Minute), v)
	flow := market.New(l, src.Store(), cat, market.Config{Packages: pkgs})
	res, err := Load(context.Background(), Services{
		Ledger:    l,
		Profiles:  profile.New(l, cat, v, pkgs),
		Publisher: publish.New(l, src.Store(), cat, v, publish.Config{Packages: pkgs}),
		Market:    flow,
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return res, cat, flow
}

func TestSamplesMeetUploadMinimum(t *testing.T) {
	entries, err := fs.ReadDir(content, "samples")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("no samples embedded")
	}
	for _, e := range entries {
		f, err := SampleFile(e.Name())
		if err != nil {
			t.Fatal(err)
		}
		if err := publish.ValidateFile(f, publish.DefaultLimits()); err != nil {
			t.Errorf("%s: %v", e.Name(), err)
		}
	}
}

func TestAccountSignerIsDeterministic(t *testing.T) {
	a, err := AccountSigner("trespass")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := AccountSigner("trespass")
	c, _ := AccountSigner("datawizard")
	if a.Address() != b.Address() {
		t.Error("same label produced different addresses")
	}
	if a.Address() == c.Address() {
		t.Error("different labels produced the same address")
	}
}

func TestLoad(t *testing.T) {
	res, cat, flow := load(t)
	ctx := context.Background()
	seed, _ := LoadSeed()

	if len(res.Accounts) != len(seed.Accounts) || len(res.Datasets) != len(seed.Datasets) {
		t.Fatalf("accounts=%d datasets=%d", len(res.Accounts), len(res.Datasets))
	}
	if got := len(res.Keystore.Addresses()); got != len(seed.Accounts) {
		t.Errorf("keystore holds %d signers", got)
	}

	p, err := cat.GetProfileByOwner(ctx, res.Accounts["trespass"].Address())
	if err != nil || p == nil || p.Username != "Trespass" {
		t.Fatalf("trespass profile = %+v, %v", p, err)
	}
	if p.TotalSales != 1 {
		t.Errorf("trespass sales = %d, want 1", p.TotalSales)
	}
	if p, _ := cat.GetProfileByOwner(ctx, res.Accounts["visitor"].Address()); p != nil {
		t.Errorf("visitor has profile %+v", p)
	}

	page, err := cat.MarketplaceDatasets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Failures) != 0 {
		t.Errorf("failures = %+v", page.Failures)
	}
	if len(page.Datasets) != len(res.Listings) {
		t.Errorf("marketplace shows %d datasets, want %d", len(page.Datasets), len(res.Listings))
	}
	for _, d := range page.Datasets {
		if d.Metadata == nil || d.Metadata.Title != d.Record.Title {
			t.Errorf("dataset %s metadata = %+v", d.Record.ID, d.Metadata)
		}
	}

	medical := res.Datasets["Medical Imaging Dataset for Cancer Detection"]
	if _, listed := res.Listings["Medical Imaging Dataset for Cancer Detection"]; listed {
		t.Error("sold dataset still listed")
	}
	if got := flow.Access(ctx, res.Accounts["datawizard"].Address(), medical); got != market.AccessGranted {
		t.Errorf("buyer access = %v", got)
	}
	if got := flow.Access(ctx, res.Accounts["visitor"].Address(), medical); got != market.AccessDenied {
		t.Errorf("visitor access = %v", got)
	}

	legal := res.Datasets["Legal Case Documents - US Supreme Court"]
	var buf bytes.Buffer
	if _, err := flow.Download(ctx, res.Accounts["litlover"].Address(), legal, &buf); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	want, _ := SampleFile("supreme_court_cases.txt")
	if !bytes.Equal(buf.Bytes(), want.Data) {
		t.Error("downloaded bytes differ from the sample")
	}
}

func TestApplyUnknownOwner(t *testing.T) {
	v, _ := schema.NewValidator()
	src := source.NewFixture(250, "", 0)
	l, _ := src.Memory()
	pkgs := src.Packages()
	cat := catalog.New(l, src.Store(), pkgs, nil, v)
	_, err := Apply(context.Background(), &Seed{Datasets: []Dataset{{Owner: "ghost", Title: "x"}}}, Services{
		Ledger:    l,
		Profiles:  profile.New(l, cat, v, pkgs),
		Publisher: publish.New(l, src.Store(), cat, v, publish.Config{Packages: pkgs}),
		Market:    market.New(l, src.Store(), cat, market.Config{Packages: pkgs}),
	})
	if err == nil {
		t.Fatal("Apply() accepted a dataset with an unknown owner")
	}
}
