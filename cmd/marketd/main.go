// cmd/marketd/main.go
// Package main implements the entry point for the marketplace daemon.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/datamarket/datamarket-go/internal/cache"
	"github.com/datamarket/datamarket-go/internal/catalog"
	"github.com/datamarket/datamarket-go/internal/config"
	"github.com/datamarket/datamarket-go/internal/event"
	"github.com/datamarket/datamarket-go/internal/fixture"
	"github.com/datamarket/datamarket-go/internal/jwks"
	"github.com/datamarket/datamarket-go/internal/market"
	"github.com/datamarket/datamarket-go/internal/profile"
	"github.com/datamarket/datamarket-go/internal/publish"
	"github.com/datamarket/datamarket-go/internal/schema"
	"github.com/datamarket/datamarket-go/internal/server"
	"github.com/datamarket/datamarket-go/internal/source"
	"github.com/datamarket/datamarket-go/internal/storage"
	"github.com/datamarket/datamarket-go/internal/telemetry"
	"github.com/datamarket/datamarket-go/internal/wallet"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// main is the entry point for the marketplace daemon.
// It initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry; spans go to stderr so they do not interleave with logs
	_, err = telemetry.InitTracer(telemetry.Options{
		ServiceName: "marketd",
		Version:     version,
		Output:      os.Stderr,
		PrettyPrint: cfg.IsDev(),
	})
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	// Ledger and content store
	src, err := source.New(cfg)
	if err != nil {
		logger.Error("failed to initialize data source", "error", err)
		os.Exit(1)
	}
	pkgs := src.Packages()

	validator, err := schema.NewValidator()
	if err != nil {
		logger.Error("failed to initialize schema validator", "error", err)
		os.Exit(1)
	}

	// Activity journal: PostgreSQL or in-memory, mirrored to NATS JetStream when configured
	var store storage.Store
	if cfg.DatabaseDSN != "" {
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}
	defer store.Close()

	pub := event.NewPublisher(cfg.NATSURL)
	defer pub.Close()
	journal := storage.NewJournal(store, pub)

	// Services
	cat := catalog.New(src.Ledger(), src.Store(), pkgs, cache.New(cfg.CacheTTL), validator)
	cat.SetFanout(cfg.FanOut)
	profiles := profile.New(src.Ledger(), cat, validator, pkgs)
	limits := publish.Limits{
		MinSize:      cfg.UploadMinSize,
		MaxSize:      cfg.UploadMaxSize,
		AllowedTypes: cfg.UploadAllowedTypes,
	}
	pipeline := publish.New(src.Ledger(), src.Store(), cat, validator, publish.Config{
		Packages: pkgs,
		Limits:   limits,
		Epochs:   cfg.StoreEpochs,
	})
	flow := market.New(src.Ledger(), src.Store(), cat, market.Config{
		Packages:   pkgs,
		FeeBps:     cfg.FeeBps,
		GasReserve: cfg.GasReserve,
	})
	profiles.SetRecorder(journal)
	pipeline.SetRecorder(journal)
	flow.SetRecorder(journal)

	// Wallets the daemon signs for
	keystore, err := wallet.LoadKeystore(cfg.WalletKeys)
	if err != nil {
		logger.Error("failed to load wallet keys", "error", err)
		os.Exit(1)
	}

	var seeded *fixture.Result
	if fx, ok := src.(*source.Fixture); ok {
		l, _ := fx.Memory()
		seeded, err = fixture.Load(context.Background(), fixture.Services{
			Ledger:    l,
			Profiles:  profiles,
			Publisher: pipeline,
			Market:    flow,
		})
		if err != nil {
			logger.Error("failed to load fixture data", "error", err)
			os.Exit(1)
		}
		for _, s := range seeded.Accounts {
			keystore.Add(s)
		}
	}
	logger.Info("wallets loaded", "count", len(keystore.Addresses()))

	// Session validation
	var jwksClient *jwks.Client
	switch {
	case cfg.JWKSURL != "":
		jwksClient = jwks.NewClient(cfg.JWKSURL)
	case seeded != nil:
		pubKey, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			logger.Error("failed to generate development session key", "error", err)
			os.Exit(1)
		}
		jwksClient = jwks.NewStaticClient(map[string]ed25519.PublicKey{devKeyID: pubKey})
		if err := logDevSessions(priv, cfg, seeded); err != nil {
			logger.Error("failed to issue development sessions", "error", err)
			os.Exit(1)
		}
	default:
		jwksClient = jwks.NewClient(strings.TrimRight(cfg.JWTIssuer, "/") + "/.well-known/jwks.json")
	}

	// Create HTTP mux with all handlers and middleware
	mux := server.NewMux(server.Deps{
		Source:             src,
		Catalog:            cat,
		Profiles:           profiles,
		Jobs:               publish.NewTracker(pipeline, cfg.JobRetention),
		Limits:             limits,
		Market:             flow,
		Store:              store,
		Journal:            journal,
		Keystore:           keystore,
		JWKS:               jwksClient,
		JWTIssuer:          cfg.JWTIssuer,
		JWTAudience:        cfg.JWTAudience,
		Network:            cfg.Network,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	// Uploads and downloads may be large, so only header reads are bounded
	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// Start server in a separate goroutine
	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env, "source", src.Name(), "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Handle graceful shutdown
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server exited")
}
