// internal/source/source.go
// Package source selects where ledger and content-store data come from: a live full node
// and blob store, or an in-process fixture that behaves like them.
package source

import (
	"context"
	"fmt"
	"time"

	"github.com/datamarket/datamarket-go/internal/config"
	"github.com/datamarket/datamarket-go/internal/contracts"
	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/store"
)

// Source bundles the two external clients every service depends on.
type Source interface {
	Name() string
	Ledger() ledger.Client
	Store() store.Client
	Packages() contracts.Packages
	// Ready reports whether the backing services answer.
	Ready(ctx context.Context) error
}

// FixturePackages are the package and object ids used by the fixture ledger.
var FixturePackages = contracts.Packages{
	ProfilePackage:     "0x5e11e7",
	MarketplacePackage: "0x3a7ce7",
	ProfileRegistry:    "0x7e6157",
	Marketplace:        "0x3a9c1d",
}

// Live talks to a full node over JSON-RPC and to a remote content store.
type Live struct {
	ledger *ledger.RPC
	store  store.Client
	pkgs   contracts.Packages
}

// NewLive creates the live source from configuration.
// Parameters:
//   - cfg: Loaded daemon configuration; the store backend selects Walrus, S3 or memory
// Returns:
//   - *Live: Initialized source
//   - error: Any error that occurred while creating the store client
func NewLive(cfg config.Config) (*Live, error) {
	rpc := ledger.NewRPC(ledger.RPCConfig{
		URL:               cfg.LedgerRPCURL,
		Timeout:           30 * time.Second,
		RequestsPerSecond: cfg.LedgerRPS,
		GasBudget:         cfg.GasBudget,
	})

	var s store.Client
	switch cfg.StoreBackend {
	case config.StoreS3:
		s3, err := store.NewS3(store.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PublicURL: cfg.S3PublicURL,
		})
		if err != nil {
			return nil, fmt.Errorf("create s3 store: %w", err)
		}
		s = s3
	case config.StoreMemory:
		s = store.NewMemory(cfg.PublicBaseURL(), cfg.UploadMaxSize)
	default:
		s = store.NewWalrus(store.WalrusConfig{
			PublisherURL:  cfg.WalrusPublisherURL,
			AggregatorURL: cfg.WalrusAggregatorURL,
			APIKey:        cfg.WalrusAPIKey,
		})
	}
	return &Live{ledger: rpc, store: s, pkgs: cfg.Packages}, nil
}

func (l *Live) Name() string { return config.SourceLive }
func (l *Live) Ledger() ledger.Client { return l.ledger }
func (l *Live) Store() store.Client { return l.store }
func (l *Live) Packages() contracts.Packages { return l.pkgs }

// Ready reads the marketplace object.
func (l *Live) Ready(ctx context.Context) error {
	_, err := l.ledger.GetObject(ctx, l.pkgs.Marketplace)
	return err
}

// Fixture serves an in-memory ledger and content store. The fixture package seeds it.
type Fixture struct {
	ledger *ledger.Memory
	store  *store.Memory
}

// NewFixture creates an empty fixture source.
// feeBps is withheld from sellers on purchases. Blob URLs are rooted at baseURL and blobs
// larger than maxBlobSize are refused.
func NewFixture(feeBps uint64, baseURL string, maxBlobSize int64) *Fixture {
	return &Fixture{
		ledger: ledger.NewMemory(FixturePackages, feeBps),
		store:  store.NewMemory(baseURL, maxBlobSize),
	}
}

func (f *Fixture) Name() string { return config.SourceFixture }
func (f *Fixture) Ledger() ledger.Client { return f.ledger }
func (f *Fixture) Store() store.Client { return f.store }
func (f *Fixture) Packages() contracts.Packages { return FixturePackages }
func (f *Fixture) Ready(context.Context) error { return nil }

// Memory exposes the concrete fixture clients for seeding and tests.
func (f *Fixture) Memory() (*ledger.Memory, *store.Memory) { return f.ledger, f.store }

// New builds the source named by cfg.DataSource.
func New(cfg config.Config) (Source, error) {
	switch cfg.DataSource {
	case config.SourceLive:
		return NewLive(cfg)
	case config.SourceFixture, "":
		return NewFixture(cfg.FeeBps, cfg.PublicBaseURL(), cfg.UploadMaxSize), nil
	default:
		return nil, fmt.Errorf("unknown data source %q", cfg.DataSource)
	}
}
