// Package conformance provides a test harness that drives a complete marketd instance over
// HTTP through the end-to-end marketplace scenarios.
package conformance

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/datamarket/datamarket-go/internal/cache"
	"github.com/datamarket/datamarket-go/internal/catalog"
	"github.com/datamarket/datamarket-go/internal/event"
	"github.com/datamarket/datamarket-go/internal/fixture"
	"github.com/datamarket/datamarket-go/internal/jwks"
	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/market"
	"github.com/datamarket/datamarket-go/internal/model"
	"github.com/datamarket/datamarket-go/internal/profile"
	"github.com/datamarket/datamarket-go/internal/publish"
	"github.com/datamarket/datamarket-go/internal/schema"
	"github.com/datamarket/datamarket-go/internal/server"
	"github.com/datamarket/datamarket-go/internal/source"
	"github.com/datamarket/datamarket-go/internal/storage"
	"github.com/datamarket/datamarket-go/internal/store"
	"github.com/datamarket/datamarket-go/internal/wallet"
)

const (
	harnessKeyID = "conformance"
	issuer       = "conformance-gateway"
	audience     = "marketd"
)

// Config holds configuration for the conformance test harness.
type Config struct {
	// DatabaseDSN selects PostgreSQL for the activity journal; empty uses memory
	DatabaseDSN string

	// NATSURL mirrors activity to JetStream; empty disables events
	NATSURL string

	// FeeBps is the platform fee charged on purchases
	FeeBps uint64
}

// Harness runs a fixture-backed daemon behind an httptest server.
type Harness struct {
	server   *httptest.Server
	client   *resty.Client
	ledger   *ledger.Memory
	blobs    *store.Memory
	keystore *wallet.Keystore
	seeded   *fixture.Result
	key      ed25519.PrivateKey
	st       storage.Store
	pub      event.Publisher
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.FeeBps == 0 {
		cfg.FeeBps = 250
	}
	v, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	src := source.NewFixture(cfg.FeeBps, "http://localhost", 0)
	l, blobs := src.Memory()
	pkgs := src.Packages()
	cat := catalog.New(l, blobs, pkgs, cache.New(time.Minute), v)
	profiles := profile.New(l, cat, v, pkgs)
	pipeline := publish.New(l, blobs, cat, v, publish.Config{Packages: pkgs})
	flow := market.New(l, blobs, cat, market.Config{Packages: pkgs, FeeBps: cfg.FeeBps})

	seeded, err := fixture.Load(context.Background(), fixture.Services{
		Ledger: l, Profiles: profiles, Publisher: pipeline, Market: flow,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load fixture: %w", err)
	}

	var st storage.Store
	if cfg.DatabaseDSN != "" {
		if st, err = storage.NewPostgres(cfg.DatabaseDSN); err != nil {
			return nil, fmt.Errorf("failed to connect journal database: %w", err)
		}
	} else {
		st = storage.NewMemory()
	}
	pub := event.NewPublisher(cfg.NATSURL)
	journal := storage.NewJournal(st, pub)
	profiles.SetRecorder(journal)
	pipeline.SetRecorder(journal)
	flow.SetRecorder(journal)

	pubKey, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	mux := server.NewMux(server.Deps{
		Source:      src,
		Catalog:     cat,
		Profiles:    profiles,
		Jobs:        publish.NewTracker(pipeline, time.Minute),
		Limits:      publish.DefaultLimits(),
		Market:      flow,
		Store:       st,
		Journal:     journal,
		Keystore:    seeded.Keystore,
		JWKS:        jwks.NewStaticClient(map[string]ed25519.PublicKey{harnessKeyID: pubKey}),
		JWTIssuer:   issuer,
		JWTAudience: audience,
		Network:     "testnet",
	})
	srv := httptest.NewServer(mux)

	return &Harness{
		server:   srv,
		client:   resty.New().SetBaseURL(srv.URL).SetTimeout(30 * time.Second),
		ledger:   l,
		blobs:    blobs,
		keystore: seeded.Keystore,
		seeded:   seeded,
		key:      priv,
		st:       st,
		pub:      pub,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.pub.Close()
	h.st.Close()
}

// NewWallet adds a fresh wallet to the daemon's keystore, funded with one coin per amount.
func (h *Harness) NewWallet(amounts ...uint64) (string, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return "", err
	}
	s, err := wallet.NewKeySigner(seed)
	if err != nil {
		return "", err
	}
	h.keystore.Add(s)
	h.ledger.Fund(s.Address(), amounts...)
	return s.Address(), nil
}

// Session signs a one-hour session token for address.
func (h *Harness) Session(address string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.RegisteredClaims{
		Issuer:    issuer,
		Audience:  jwt.ClaimStrings{audience},
		Subject:   address,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	tok.Header["kid"] = harnessKeyID
	return tok.SignedString(h.key)
}

// response is a decoded marketd reply.
type response struct {
	Status int
	Data   json.RawMessage
	Code   string // error code, when the request failed
}

func (h *Harness) request(t *testing.T, address string) *resty.Request {
	t.Helper()
	req := h.client.R()
	if address != "" {
		tok, err := h.Session(address)
		if err != nil {
			t.Fatalf("sign session: %v", err)
		}
		req.SetAuthToken(tok)
	}
	return req
}

func (h *Harness) send(t *testing.T, req *resty.Request, method, path string) response {
	t.Helper()
	resp, err := req.Execute(method, path)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	out := response{Status: resp.StatusCode()}
	if len(resp.Body()) == 0 {
		return out
	}
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		t.Fatalf("%s %s: undecodable body %q", method, path, resp.Body())
	}
	out.Data = env.Data
	if env.Error != nil {
		out.Code = env.Error.Code
	}
	return out
}

func (r response) decode(t *testing.T, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(r.Data, v); err != nil {
		t.Fatalf("decode %s: %v", r.Data, err)
	}
}

// RunConformanceTests runs all scenarios against the daemon.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("Marketplace", h.testMarketplace)
	var recordID string
	t.Run("ScenarioA_Publish", func(t *testing.T) { recordID = h.testPublish(t) })
	t.Run("ScenarioB_Purchase", func(t *testing.T) { h.testPurchase(t, recordID) })
	t.Run("ScenarioC_InsufficientFunds", func(t *testing.T) { h.testInsufficientFunds(t, recordID) })
	t.Run("ScenarioD_MissingBlob", h.testMissingBlob)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := h.client.R().Get(path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		if resp.StatusCode() != http.StatusOK {
			t.Errorf("expected status 200 for %s, got %d", path, resp.StatusCode())
		}
	}
}

func (h *Harness) testMarketplace(t *testing.T) {
	r := h.send(t, h.request(t, ""), resty.MethodGet, "/v1/marketplace")
	if r.Status != http.StatusOK {
		t.Fatalf("marketplace status = %d (%s)", r.Status, r.Code)
	}
	var page model.MarketplacePage
	r.decode(t, &page)
	if len(page.Datasets) != len(h.seeded.Listings) || len(page.Failures) != 0 {
		t.Errorf("marketplace has %d datasets and %d failures, want %d and 0",
			len(page.Datasets), len(page.Failures), len(h.seeded.Listings))
	}
}

// scenarioCSV builds a CSV file of at least size bytes.
func scenarioCSV(size int) []byte {
	var buf bytes.Buffer
	buf.WriteString("date,ticker,open,close,volume\n")
	for i := 0; buf.Len() < size; i++ {
		fmt.Fprintf(&buf, "2024-01-%02d,TCK%04d,%d.%02d,%d.%02d,%d\n", i%28+1, i%10000, 100+i%50, i%100, 101+i%50, (i*7)%100, 1000+i)
	}
	return buf.Bytes()
}

// testPublish uploads a 2 MB CSV without listing it and returns the minted record id.
func (h *Harness) testPublish(t *testing.T) string {
	seller := h.seeded.Accounts["datawizard"].Address()
	uploadsBefore := h.blobs.Uploads()

	req := h.request(t, seller).
		SetFileReader("file", "scenario_a.csv", bytes.NewReader(scenarioCSV(2<<20))).
		SetFormData(map[string]string{
			"title":       "Test Dataset",
			"description": "Exactly twenty chars",
			"category":    "finance",
			"list":        "false",
		})
	r := h.send(t, req, resty.MethodPost, "/v1/publish")
	if r.Status != http.StatusAccepted {
		t.Fatalf("publish status = %d (%s)", r.Status, r.Code)
	}
	var started struct {
		JobID string `json:"jobId"`
	}
	r.decode(t, &started)

	var job publish.Job
	deadline := time.Now().Add(10 * time.Second)
	for {
		r = h.send(t, h.request(t, seller), resty.MethodGet, "/v1/publish/"+started.JobID)
		if r.Status != http.StatusOK {
			t.Fatalf("job status = %d (%s)", r.Status, r.Code)
		}
		r.decode(t, &job)
		if job.Progress.Stage.Terminal() || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if job.Progress.Stage != model.StageSuccess {
		t.Fatalf("publish ended in %s: %s", job.Progress.Stage, job.Progress.Error)
	}
	res := job.Result
	if res == nil || res.RecordID == "" || res.DataBlobID == "" || res.MetadataBlobID == "" {
		t.Fatalf("incomplete result %+v", res)
	}
	if res.ListingID != "" {
		t.Errorf("unlisted publish created listing %s", res.ListingID)
	}
	if got := h.blobs.Uploads() - uploadsBefore; got != 2 {
		t.Errorf("store uploads = %d, want 2", got)
	}
	return res.RecordID
}

// listAt lists the dataset minted in scenario A at price MIST and returns the listing id.
func (h *Harness) listAt(t *testing.T, recordID, price string) string {
	t.Helper()
	if recordID == "" {
		t.Skip("no dataset from the publish scenario")
	}
	seller := h.seeded.Accounts["datawizard"].Address()
	r := h.send(t, h.request(t, seller).SetBody(map[string]string{"datasetId": recordID, "price": price}),
		resty.MethodPost, "/v1/listings")
	if r.Status != http.StatusCreated && r.Status != http.StatusConflict {
		t.Fatalf("list status = %d (%s)", r.Status, r.Code)
	}
	var detail model.DatasetDetail
	h.send(t, h.request(t, ""), resty.MethodGet, "/v1/datasets/"+recordID).decode(t, &detail)
	if detail.Listing == nil {
		t.Fatalf("dataset %s has no listing", recordID)
	}
	return detail.Listing.ID
}

// testPurchase buys a 500 MIST listing with a balance of 1,000,000 MIST.
func (h *Harness) testPurchase(t *testing.T, recordID string) {
	listingID := h.listAt(t, recordID, "0.0000005")
	buyer, err := h.NewWallet(1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	submitted := len(h.ledger.Submitted())

	r := h.send(t, h.request(t, buyer).SetBody(map[string]string{"listingId": listingID, "datasetId": recordID}),
		resty.MethodPost, "/v1/purchases")
	if r.Status != http.StatusOK {
		t.Fatalf("purchase status = %d (%s)", r.Status, r.Code)
	}
	var res struct {
		Receipt model.PurchaseResult `json:"receipt"`
	}
	r.decode(t, &res)
	if res.Receipt.Digest == "" {
		t.Error("purchase returned no digest")
	}
	if got := len(h.ledger.Submitted()) - submitted; got != 1 {
		t.Errorf("transactions submitted = %d, want 1", got)
	}

	r = h.send(t, h.request(t, buyer), resty.MethodGet, "/v1/datasets/"+recordID+"/access")
	var access struct {
		Access market.AccessState `json:"access"`
	}
	r.decode(t, &access)
	if access.Access != market.AccessGranted {
		t.Errorf("access after purchase = %s", access.Access)
	}
}

// testInsufficientFunds tries the same listing with a balance of 100 MIST.
func (h *Harness) testInsufficientFunds(t *testing.T, recordID string) {
	if recordID == "" {
		t.Skip("no dataset from the publish scenario")
	}
	var detail model.DatasetDetail
	h.send(t, h.request(t, ""), resty.MethodGet, "/v1/datasets/"+recordID).decode(t, &detail)
	if detail.Listing == nil {
		t.Skip("dataset is not listed")
	}
	buyer, err := h.NewWallet(100)
	if err != nil {
		t.Fatal(err)
	}
	submitted := len(h.ledger.Submitted())

	r := h.send(t, h.request(t, buyer).SetBody(map[string]string{"listingId": detail.Listing.ID}),
		resty.MethodPost, "/v1/purchases")
	if r.Status != http.StatusUnprocessableEntity || r.Code != "MKT_INSUFFICIENT_BALANCE" {
		t.Errorf("purchase = %d %s, want 422 MKT_INSUFFICIENT_BALANCE", r.Status, r.Code)
	}
	if got := len(h.ledger.Submitted()) - submitted; got != 0 {
		t.Errorf("transactions submitted = %d, want 0", got)
	}
}

// testMissingBlob downloads a purchased dataset whose data blob is gone from the store.
func (h *Harness) testMissingBlob(t *testing.T) {
	const title = "Medical Imaging Dataset for Cancer Detection"
	buyer := h.seeded.Accounts["datawizard"].Address()
	recordID := h.seeded.Datasets[title]

	var detail model.DatasetDetail
	h.send(t, h.request(t, ""), resty.MethodGet, "/v1/datasets/"+recordID).decode(t, &detail)
	h.blobs.Forget(detail.Record.DataBlobID)

	r := h.send(t, h.request(t, buyer), resty.MethodGet, "/v1/datasets/"+recordID+"/download")
	if r.Status != http.StatusNotFound || !strings.HasSuffix(r.Code, "NOT_FOUND") {
		t.Errorf("download = %d %s, want a not-found error", r.Status, r.Code)
	}
	if r.Code == "MKT_NETWORK" || r.Code == "MKT_STORE_UNAVAILABLE" {
		t.Errorf("missing blob reported as %s", r.Code)
	}
}
