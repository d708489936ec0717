package source

import (
	"context"
	"testing"

	"github.com/datamarket/datamarket-go/internal/config"
	"github.com/datamarket/datamarket-go/internal/contracts"
	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/store"
)

func TestNewSelectsSource(t *testing.T) {
	src, err := New(config.Config{DataSource: config.SourceFixture, FeeBps: 250, Port: "8080"})
	if err != nil {
		t.Fatal(err)
	}
	if src.Name() != config.SourceFixture {
		t.Errorf("Name() = %q", src.Name())
	}
	if _, ok := src.Ledger().(*ledger.Memory); !ok {
		t.Errorf("fixture ledger is %T", src.Ledger())
	}
	if got := src.Store().PublicURL("bafy"); got != "http://localhost:8080/v1/blobs/bafy" {
		t.Errorf("PublicURL = %q", got)
	}
	if err := src.Ready(context.Background()); err != nil {
		t.Errorf("Ready() = %v", err)
	}

	live, err := New(config.Config{
		DataSource:   config.SourceLive,
		StoreBackend: config.StoreMemory,
		Packages:     FixturePackages,
		PublicURL:    "https://market.example",
	})
	if err != nil {
		t.Fatal(err)
	}
	if live.Name() != config.SourceLive || live.Packages() != FixturePackages {
		t.Errorf("live source = %s %+v", live.Name(), live.Packages())
	}
	if _, ok := live.Ledger().(*ledger.RPC); !ok {
		t.Errorf("live ledger is %T", live.Ledger())
	}
	if _, ok := live.Store().(*store.Memory); !ok {
		t.Errorf("live store is %T", live.Store())
	}

	if _, err := New(config.Config{DataSource: "cloud"}); err == nil {
		t.Error("unknown source accepted")
	}
}

func TestLiveDefaultsToWalrus(t *testing.T) {
	live, err := NewLive(config.Config{StoreBackend: config.StoreWalrus, WalrusAggregatorURL: "https://agg.example/"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := live.Store().(*store.Walrus); !ok {
		t.Fatalf("store is %T", live.Store())
	}
}

func TestFixtureMemory(t *testing.T) {
	f := NewFixture(250, "", 0)
	l, s := f.Memory()
	ids := l.Fund("0xa", 10)
	if len(ids) != 1 {
		t.Fatalf("Fund = %v", ids)
	}
	bal, err := f.Ledger().GetBalance(context.Background(), "0xa", contracts.CoinType)
	if err != nil || bal != 10 {
		t.Errorf("GetBalance = %d, %v", bal, err)
	}
	if s.Uploads() != 0 {
		t.Errorf("Uploads = %d", s.Uploads())
	}
}
