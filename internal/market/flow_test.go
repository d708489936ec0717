package market

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/datamarket/datamarket-go/internal/cache"
	"github.com/datamarket/datamarket-go/internal/catalog"
	"github.com/datamarket/datamarket-go/internal/contracts"
	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/model"
	"github.com/datamarket/datamarket-go/internal/schema"
	"github.com/datamarket/datamarket-go/internal/store"
)

var testPkgs = contracts.Packages{
	ProfilePackage:     "0xprofile",
	MarketplacePackage: "0xmarket",
	ProfileRegistry:    "0xregistry",
	Marketplace:        "0xmarketplace",
}

type signer string

func (s signer) Address() string { return string(s) }

func (s signer) SignTransaction(ctx context.Context, txBytes string) (string, error) {
	return "sig", nil
}

const (
	seller = signer("0xseller")
	buyer  = signer("0xbuyer")
)

type recorder struct{ entries []model.Activity }

func (r *recorder) Record(ctx context.Context, a model.Activity) { r.entries = append(r.entries, a) }

type harness struct {
	ledger  *ledger.Memory
	store   *store.Memory
	catalog *catalog.Catalog
	flow    *Flow
	rec     *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	v, err := schema.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.NewMemory(testPkgs, DefaultFeeBps)
	s := store.NewMemory("http://store.test", 0)
	cat := catalog.New(l, s, testPkgs, cache.New(time.Minute), v)
	f := New(l, s, cat, Config{Packages: testPkgs})
	rec := &recorder{}
	f.SetRecorder(rec)
	if _, err := l.SubmitTransaction(context.Background(), seller, testPkgs.CreateProfile("seller", "", "")); err != nil {
		t.Fatal(err)
	}
	return &harness{ledger: l, store: s, catalog: cat, flow: f, rec: rec}
}

// dataset stores data, mints a record for it and lists it at price.
func (h *harness) dataset(t *testing.T, data []byte, price uint64) (recordID, listingID string) {
	t.Helper()
	ctx := context.Background()
	up, err := h.store.Upload(ctx, bytes.NewReader(data), int64(len(data)), 1)
	if err != nil {
		t.Fatal(err)
	}
	profiles, _ := h.ledger.GetOwnedObjects(ctx, seller.Address(), testPkgs.ProfileType())
	sum := sha256.Sum256(data)
	res, err := h.ledger.SubmitTransaction(ctx, seller, testPkgs.MintDataset(contracts.Mint{
		ProfileID: profiles[0].ID, MetadataBlobID: "meta", DataBlobID: up.BlobID,
		Title: "Prices", FileSize: uint64(len(data)), VerificationHash: hex.EncodeToString(sum[:]),
	}))
	if err != nil {
		t.Fatal(err)
	}
	recordID, _ = res.CreatedOfType(testPkgs.DatasetType())
	receipt, err := h.flow.List(ctx, seller, recordID, price)
	if err != nil {
		t.Fatal(err)
	}
	return recordID, receipt.ListingID
}

func TestQuote(t *testing.T) {
	f := New(nil, nil, nil, Config{})
	tests := []struct {
		price, fee uint64
	}{
		{500, 12},
		{10_000, 250},
		{1_000_000_000, 25_000_000},
		{39, 0},
	}
	for _, tt := range tests {
		q := f.Quote(tt.price)
		if q.PlatformFee != tt.fee || q.GasReserve != DefaultGasReserve || q.Total != tt.price+tt.fee+DefaultGasReserve {
			t.Errorf("Quote(%d) = %+v", tt.price, q)
		}
	}
}

func TestQuoteSaturates(t *testing.T) {
	f := New(nil, nil, nil, Config{})
	price := uint64(math.MaxUint64 - 1_000_000)
	q := f.Quote(price)
	if q.Total != math.MaxUint64 {
		t.Errorf("Quote(%d).Total = %d, want saturation", price, q.Total)
	}
	if want := price / 10_000 * DefaultFeeBps; q.PlatformFee < want || q.PlatformFee > want+DefaultFeeBps {
		t.Errorf("PlatformFee = %d, want about %d", q.PlatformFee, want)
	}
}

func TestPurchaseNearMaxPrice(t *testing.T) {
	h := newHarness(t)
	_, listingID := h.dataset(t, []byte("x"), math.MaxUint64-1_000_000)
	h.ledger.Fund(buyer.Address(), 1_000_000)
	before := len(h.ledger.Submitted())

	_, err := h.flow.Purchase(context.Background(), buyer, PurchaseParams{ListingID: listingID})
	if !errordefs.Is(err, errordefs.MKT_INSUFFICIENT_BALANCE) {
		t.Fatalf("err = %v", err)
	}
	if n := len(h.ledger.Submitted()) - before; n != 0 {
		t.Errorf("%d transactions submitted", n)
	}
}

func TestSelectCoin(t *testing.T) {
	coins := []ledger.Coin{{ID: "a", Balance: 10}, {ID: "b", Balance: 600}, {ID: "c", Balance: 900}}
	if c, _ := SelectCoin(coins, 500); c.ID != "b" {
		t.Errorf("covering coin = %s, want b", c.ID)
	}
	if c, _ := SelectCoin(coins, 5000); c.ID != "a" {
		t.Errorf("fallback coin = %s, want a", c.ID)
	}
	if _, ok := SelectCoin(nil, 1); ok {
		t.Error("selected a coin from an empty set")
	}
}

func TestPurchaseSufficientFunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	recordID, listingID := h.dataset(t, []byte("date,price\n2024-01-01,10\n"), 500)
	h.ledger.Fund(buyer.Address(), 1_000_000)
	before := len(h.ledger.Submitted())

	if ok, err := h.flow.CheckAccess(ctx, buyer.Address(), recordID); err != nil || ok {
		t.Fatalf("access before purchase = %v, %v", ok, err)
	}
	res, err := h.flow.Purchase(ctx, buyer, PurchaseParams{ListingID: listingID, DatasetID: recordID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Digest == "" || res.DatasetID != recordID {
		t.Fatalf("result = %+v", res)
	}
	if n := len(h.ledger.Submitted()) - before; n != 1 {
		t.Errorf("%d transactions submitted, want 1", n)
	}
	if ok, err := h.flow.CheckAccess(ctx, buyer.Address(), recordID); err != nil || !ok {
		t.Errorf("access after purchase = %v, %v", ok, err)
	}
	if h.flow.Access(ctx, buyer.Address(), recordID) != AccessGranted {
		t.Error("Access did not report granted")
	}
	if len(h.ledger.Listings()) != 0 {
		t.Errorf("listing still open: %v", h.ledger.Listings())
	}
	last := h.rec.entries[len(h.rec.entries)-1]
	if last.Kind != model.ActivityPurchased || last.Digest != res.Digest || last.Address != buyer.Address() {
		t.Errorf("recorded activity = %+v", last)
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	h := newHarness(t)
	_, listingID := h.dataset(t, []byte("x"), 500)
	h.ledger.Fund(buyer.Address(), 100)
	before := len(h.ledger.Submitted())

	_, err := h.flow.Purchase(context.Background(), buyer, PurchaseParams{ListingID: listingID})
	if !errordefs.Is(err, errordefs.MKT_INSUFFICIENT_BALANCE) {
		t.Fatalf("err = %v", err)
	}
	if n := len(h.ledger.Submitted()) - before; n != 0 {
		t.Errorf("%d transactions submitted", n)
	}
}

func TestPurchaseBalanceBelowReserve(t *testing.T) {
	h := newHarness(t)
	_, listingID := h.dataset(t, []byte("x"), 500)
	// Covers price and fee but not the gas reserve.
	h.ledger.Fund(buyer.Address(), 500+12+DefaultGasReserve-1)
	before := len(h.ledger.Submitted())

	_, err := h.flow.Purchase(context.Background(), buyer, PurchaseParams{ListingID: listingID})
	if !errordefs.Is(err, errordefs.MKT_INSUFFICIENT_BALANCE) {
		t.Fatalf("err = %v", err)
	}
	if n := len(h.ledger.Submitted()) - before; n != 0 {
		t.Errorf("%d transactions submitted", n)
	}
}

func TestPurchaseOwnListing(t *testing.T) {
	h := newHarness(t)
	_, listingID := h.dataset(t, []byte("x"), 500)
	h.ledger.Fund(seller.Address(), 1_000_000)
	_, err := h.flow.Purchase(context.Background(), seller, PurchaseParams{ListingID: listingID})
	if errordefs.KindOf(err) != errordefs.KindValidation {
		t.Fatalf("err = %v", err)
	}
}

func TestPurchaseSoldListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, listingID := h.dataset(t, []byte("x"), 500)
	h.ledger.Fund(buyer.Address(), 1_000_000)
	if _, err := h.flow.Purchase(ctx, buyer, PurchaseParams{ListingID: listingID}); err != nil {
		t.Fatal(err)
	}
	h.ledger.Fund("0xother", 1_000_000)
	_, err := h.flow.Purchase(ctx, signer("0xother"), PurchaseParams{ListingID: listingID})
	if !errordefs.Is(err, errordefs.MKT_NOT_FOUND) {
		t.Fatalf("err = %v", err)
	}
}

func TestPurchaseLedgerErrorVerbatim(t *testing.T) {
	h := newHarness(t)
	_, listingID := h.dataset(t, []byte("x"), 500)
	h.ledger.Fund(buyer.Address(), 1_000_000)
	// A coin the buyer does not own makes the ledger abort.
	foreign := h.ledger.Fund("0xsomeoneelse", 1_000_000)[0]
	_, err := h.flow.Purchase(context.Background(), buyer, PurchaseParams{ListingID: listingID, CoinID: foreign})
	if !errordefs.Is(err, errordefs.MKT_EXECUTION) || !strings.Contains(errordefs.Message(err), "ENotCoinOwner") {
		t.Fatalf("err = %v", err)
	}
}

func TestAccessUnknownOnFailure(t *testing.T) {
	h := newHarness(t)
	h.ledger.SetUnavailable(true)
	if got := h.flow.Access(context.Background(), buyer.Address(), "0xdataset"); got != AccessUnknown {
		t.Fatalf("Access = %s, want unknown", got)
	}
	ok, err := h.flow.CheckAccess(context.Background(), buyer.Address(), "0xdataset")
	if ok || errordefs.KindOf(err) != errordefs.KindNetwork {
		t.Errorf("CheckAccess = %v, %v", ok, err)
	}
}

func TestDownload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := []byte("id,value\n1,2\n3,4\n")
	recordID, listingID := h.dataset(t, data, 500)

	var out bytes.Buffer
	if _, err := h.flow.Download(ctx, buyer.Address(), recordID, &out); !errordefs.Is(err, errordefs.MKT_ACCESS_DENIED) {
		t.Fatalf("download before purchase: err = %v", err)
	}
	if h.store.Downloads() != 0 {
		t.Errorf("store read before access was granted")
	}

	h.ledger.Fund(buyer.Address(), 1_000_000)
	if _, err := h.flow.Purchase(ctx, buyer, PurchaseParams{ListingID: listingID}); err != nil {
		t.Fatal(err)
	}
	n, err := h.flow.Download(ctx, buyer.Address(), recordID, &out)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(data)) || !bytes.Equal(out.Bytes(), data) {
		t.Errorf("downloaded %q", out.Bytes())
	}
}

func TestDownloadMissingBlob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	recordID, listingID := h.dataset(t, []byte("gone soon"), 500)
	h.ledger.Fund(buyer.Address(), 1_000_000)
	if _, err := h.flow.Purchase(ctx, buyer, PurchaseParams{ListingID: listingID}); err != nil {
		t.Fatal(err)
	}
	rec, _ := h.catalog.GetRecordByID(ctx, recordID)
	h.store.Forget(rec.DataBlobID)

	_, err := h.flow.Download(ctx, buyer.Address(), recordID, &bytes.Buffer{})
	if !errordefs.Is(err, errordefs.MKT_BLOB_NOT_FOUND) {
		t.Fatalf("err = %v", err)
	}
	if errordefs.KindOf(err) != errordefs.KindNotFound {
		t.Errorf("kind = %s, want not_found", errordefs.KindOf(err))
	}

	h.store.SetUnavailable(true)
	_, err = h.flow.Download(ctx, buyer.Address(), recordID, &bytes.Buffer{})
	if errordefs.KindOf(err) != errordefs.KindNetwork {
		t.Errorf("unavailable store: kind = %s", errordefs.KindOf(err))
	}
}

func TestDownloadIntegrityMismatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	data := []byte("original bytes")
	up, _ := h.store.Upload(ctx, bytes.NewReader(data), int64(len(data)), 1)
	h.ledger.Put(ledger.Object{
		ID: "0xtampered", Type: testPkgs.DatasetType(), Owner: seller.Address(),
		Fields: map[string]interface{}{
			"creator": seller.Address(), "data_blob_id": up.BlobID, "metadata_blob_id": "meta",
			"title": "Tampered", "file_size": "14", "verification_hash": strings.Repeat("ab", 32),
		},
	})
	h.ledger.Put(ledger.Object{
		ID: "0xcap", Type: testPkgs.AccessCapType(), Owner: buyer.Address(),
		Fields: map[string]interface{}{"nft_id": "0xtampered"},
	})
	_, err := h.flow.Download(ctx, buyer.Address(), "0xtampered", &bytes.Buffer{})
	if !errordefs.Is(err, errordefs.MKT_INTEGRITY) {
		t.Fatalf("err = %v", err)
	}
}

func TestListingManagement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	recordID, listingID := h.dataset(t, []byte("x"), 500)

	if _, err := h.flow.List(ctx, seller, recordID, 0); errordefs.KindOf(err) != errordefs.KindValidation {
		t.Errorf("zero price: err = %v", err)
	}
	if _, err := h.flow.UpdatePrice(ctx, seller, listingID, 900); err != nil {
		t.Fatal(err)
	}
	l, err := h.catalog.GetListing(ctx, listingID)
	if err != nil || l.Price != 900 {
		t.Fatalf("listing after update = %+v, %v", l, err)
	}
	if _, err := h.flow.UpdatePrice(ctx, buyer, listingID, 1); !errordefs.Is(err, errordefs.MKT_EXECUTION) {
		t.Errorf("price update by non-seller: err = %v", err)
	}
	if _, err := h.flow.Delist(ctx, seller, listingID); err != nil {
		t.Fatal(err)
	}
	if len(h.ledger.Listings()) != 0 {
		t.Errorf("listings = %v", h.ledger.Listings())
	}
	owned, _ := h.catalog.GetRecordsByOwner(ctx, seller.Address())
	if len(owned) != 1 || owned[0].ID != recordID {
		t.Errorf("record not returned to seller: %+v", owned)
	}
}
