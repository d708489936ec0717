// Package config provides configuration loading for the marketplace daemon.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/datamarket/datamarket-go/internal/contracts"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the process
// environment always wins over .env and .env.local.
func init() {
	// Load .env file if it exists (shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Data sources.
const (
	SourceLive    = "live"    // JSON-RPC ledger and remote content store
	SourceFixture = "fixture" // In-process ledger and store seeded with sample data
)

// Store backends.
const (
	StoreWalrus = "walrus"
	StoreS3     = "s3"
	StoreMemory = "memory"
)

// Config captures environment-driven settings for the marketplace daemon.
type Config struct {
	Env        string // Deployment environment (dev, staging, prod)
	Port       string // HTTP server port
	PublicURL  string // Base URL clients reach the daemon at; defaults to localhost:Port
	DataSource string // live or fixture

	// Ledger
	LedgerRPCURL string   // Full node JSON-RPC endpoint
	Network      string   // Network name used for explorer links
	LedgerRPS    float64  // Client-side request rate limit
	GasBudget    uint64   // Gas budget per transaction, MIST
	Packages     contracts.Packages
	WalletKeys   []string // Private keys of wallets the daemon signs for

	// Content store
	StoreBackend        string // walrus, s3 or memory
	WalrusPublisherURL  string
	WalrusAggregatorURL string
	WalrusAPIKey        string
	StoreEpochs         int // Retention of published blobs
	S3Endpoint          string
	S3Region            string
	S3Bucket            string
	S3Prefix            string
	S3AccessKey         string
	S3SecretKey         string
	S3PublicURL         string

	// Persistence and events
	DatabaseDSN string // PostgreSQL connection string; empty keeps the journal in memory
	NATSURL     string // NATS server URL; empty disables events

	// Authentication
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // JWKS endpoint of the wallet session issuer

	// Marketplace economics
	FeeBps     uint64 // Platform fee in basis points
	GasReserve uint64 // Gas reserve added to purchase quotes, MIST

	// Upload limits
	UploadMinSize      int64
	UploadMaxSize      int64
	UploadAllowedTypes map[string][]string // MIME type -> extensions

	// Query layer
	CacheTTL     time.Duration
	FanOut       int
	JobRetention time.Duration

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort          = "8080"
	defaultEnv           = "dev"
	defaultDataSource    = SourceFixture
	defaultLedgerRPCURL  = "https://fullnode.testnet.sui.io:443"
	defaultNetwork       = "testnet"
	defaultLedgerRPS     = 10
	defaultGasBudget     = 50_000_000
	defaultStoreBackend  = StoreWalrus
	defaultPublisherURL  = "https://publisher.walrus-testnet.walrus.space"
	defaultAggregatorURL = "https://aggregator.walrus-testnet.walrus.space"
	defaultStoreEpochs   = 10
	defaultS3Region      = "us-east-1"
	defaultFeeBps        = 250
	defaultGasReserve    = 500_000
	defaultUploadMin     = 1 << 10
	defaultUploadMax     = 10 << 30
	defaultCacheTTL      = 30 * time.Second
	defaultFanOut        = 8
	defaultJobRetention  = time.Hour
)

// Load reads environment variables and produces a Config suitable for wiring the daemon.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                 getEnv("MARKET_ENV", defaultEnv),
		Port:                getEnv("MARKET_PORT", defaultPort),
		PublicURL:           strings.TrimRight(os.Getenv("MARKET_PUBLIC_URL"), "/"),
		DataSource:          strings.ToLower(getEnv("MARKET_DATA_SOURCE", defaultDataSource)),
		LedgerRPCURL:        getEnv("MARKET_LEDGER_RPC_URL", defaultLedgerRPCURL),
		Network:             getEnv("MARKET_NETWORK", defaultNetwork),
		StoreBackend:        strings.ToLower(getEnv("MARKET_STORE_BACKEND", defaultStoreBackend)),
		WalrusPublisherURL:  getEnv("MARKET_WALRUS_PUBLISHER_URL", defaultPublisherURL),
		WalrusAggregatorURL: getEnv("MARKET_WALRUS_AGGREGATOR_URL", defaultAggregatorURL),
		WalrusAPIKey:        os.Getenv("MARKET_WALRUS_API_KEY"),
		S3Endpoint:          os.Getenv("MARKET_S3_ENDPOINT"),
		S3Region:            getEnv("MARKET_S3_REGION", defaultS3Region),
		S3Bucket:            os.Getenv("MARKET_S3_BUCKET"),
		S3Prefix:            os.Getenv("MARKET_S3_PREFIX"),
		S3AccessKey:         os.Getenv("MARKET_S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("MARKET_S3_SECRET_KEY"),
		S3PublicURL:         os.Getenv("MARKET_S3_PUBLIC_URL"),
		DatabaseDSN:         os.Getenv("MARKET_DB_DSN"),
		NATSURL:             os.Getenv("MARKET_NATS_URL"),
		JWTIssuer:           os.Getenv("MARKET_JWT_ISSUER"),
		JWTAudience:         os.Getenv("MARKET_JWT_AUDIENCE"),
		JWKSURL:             os.Getenv("MARKET_JWKS_URL"),
		Packages: contracts.Packages{
			ProfilePackage:     os.Getenv("MARKET_PROFILE_PACKAGE_ID"),
			MarketplacePackage: os.Getenv("MARKET_MARKETPLACE_PACKAGE_ID"),
			ProfileRegistry:    os.Getenv("MARKET_PROFILE_REGISTRY_ID"),
			Marketplace:        os.Getenv("MARKET_MARKETPLACE_ID"),
		},
		WalletKeys:         splitList(os.Getenv("MARKET_WALLET_KEYS")),
		CORSAllowedOrigins: splitList(os.Getenv("MARKET_CORS_ALLOWED_ORIGINS")),
	}

	var err error
	if cfg.LedgerRPS, err = parseFloat("MARKET_LEDGER_RPS", defaultLedgerRPS); err != nil {
		return cfg, err
	}
	if cfg.GasBudget, err = parseUint("MARKET_GAS_BUDGET", defaultGasBudget); err != nil {
		return cfg, err
	}
	if cfg.FeeBps, err = parseUint("MARKET_FEE_BPS", defaultFeeBps); err != nil {
		return cfg, err
	}
	if cfg.FeeBps > 10_000 {
		return cfg, fmt.Errorf("MARKET_FEE_BPS must be at most 10000, got %d", cfg.FeeBps)
	}
	if cfg.GasReserve, err = parseUint("MARKET_GAS_RESERVE", defaultGasReserve); err != nil {
		return cfg, err
	}
	epochs, err := parseUint("MARKET_STORE_EPOCHS", defaultStoreEpochs)
	if err != nil {
		return cfg, err
	}
	cfg.StoreEpochs = int(epochs)
	fanOut, err := parseUint("MARKET_FANOUT", defaultFanOut)
	if err != nil {
		return cfg, err
	}
	cfg.FanOut = int(fanOut)

	minSize, err := parseUint("MARKET_UPLOAD_MIN_SIZE", defaultUploadMin)
	if err != nil {
		return cfg, err
	}
	maxSize, err := parseUint("MARKET_UPLOAD_MAX_SIZE", defaultUploadMax)
	if err != nil {
		return cfg, err
	}
	if minSize > maxSize {
		return cfg, fmt.Errorf("MARKET_UPLOAD_MIN_SIZE (%d) exceeds MARKET_UPLOAD_MAX_SIZE (%d)", minSize, maxSize)
	}
	cfg.UploadMinSize, cfg.UploadMaxSize = int64(minSize), int64(maxSize)
	if types, exists := os.LookupEnv("MARKET_UPLOAD_ALLOWED_TYPES"); exists && types != "" {
		if cfg.UploadAllowedTypes, err = parseAllowedTypes(types); err != nil {
			return cfg, err
		}
	}

	if cfg.CacheTTL, err = parseDuration("MARKET_CACHE_TTL", defaultCacheTTL); err != nil {
		return cfg, err
	}
	if cfg.JobRetention, err = parseDuration("MARKET_JOB_RETENTION", defaultJobRetention); err != nil {
		return cfg, err
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("MARKET_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("MARKET_JWT_AUDIENCE is required")
	}

	switch cfg.DataSource {
	case SourceFixture:
	case SourceLive:
		if err := requirePackages(cfg.Packages); err != nil {
			return cfg, err
		}
		switch cfg.StoreBackend {
		case StoreWalrus, StoreMemory:
		case StoreS3:
			if cfg.S3Bucket == "" {
				return cfg, fmt.Errorf("MARKET_S3_BUCKET is required for the s3 store backend")
			}
		default:
			return cfg, fmt.Errorf("unknown MARKET_STORE_BACKEND %q", cfg.StoreBackend)
		}
	default:
		return cfg, fmt.Errorf("unknown MARKET_DATA_SOURCE %q", cfg.DataSource)
	}

	return cfg, nil
}

// PublicBaseURL returns the base URL blob links served by the daemon are rooted at.
func (c Config) PublicBaseURL() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	return "http://localhost:" + c.Port
}

// IsDev reports whether the daemon runs in the development environment.
func (c Config) IsDev() bool { return c.Env == defaultEnv }

func requirePackages(p contracts.Packages) error {
	missing := []string{}
	if p.ProfilePackage == "" {
		missing = append(missing, "MARKET_PROFILE_PACKAGE_ID")
	}
	if p.MarketplacePackage == "" {
		missing = append(missing, "MARKET_MARKETPLACE_PACKAGE_ID")
	}
	if p.ProfileRegistry == "" {
		missing = append(missing, "MARKET_PROFILE_REGISTRY_ID")
	}
	if p.Marketplace == "" {
		missing = append(missing, "MARKET_MARKETPLACE_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("live data source requires %s", strings.Join(missing, ", "))
	}
	return nil
}

// parseAllowedTypes parses "mime:.ext|.ext,mime:.ext" lists.
func parseAllowedTypes(v string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, entry := range splitList(v) {
		mimeType, exts, ok := strings.Cut(entry, ":")
		if !ok || mimeType == "" || exts == "" {
			return nil, fmt.Errorf("invalid MARKET_UPLOAD_ALLOWED_TYPES entry %q (want mime:.ext)", entry)
		}
		for _, ext := range strings.Split(exts, "|") {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			out[strings.ToLower(mimeType)] = append(out[strings.ToLower(mimeType)], ext)
		}
	}
	return out, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// splitList splits a comma-separated list, trimming whitespace and dropping empty items.
func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseUint(key string, fallback uint64) (uint64, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(strings.ReplaceAll(v, "_", ""), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseFloat(key string, fallback float64) (float64, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func parseDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
