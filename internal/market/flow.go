// internal/market/flow.go
// Package market implements buying and selling: quotes, purchases, listing management,
// access checks and gated downloads. The access decision is always delegated to the
// catalog's capability predicate.
package market

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"math"
	"math/bits"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/datamarket/datamarket-go/internal/contracts"
	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/metrics"
	"github.com/datamarket/datamarket-go/internal/model"
	"github.com/datamarket/datamarket-go/internal/store"
)

// Defaults for quoting.
const (
	DefaultFeeBps     uint64 = 250     // 2.5 %
	DefaultGasReserve uint64 = 500_000 // MIST
)

// Catalog is the part of the query layer the flow depends on.
type Catalog interface {
	GetListing(ctx context.Context, id string) (*model.Listing, error)
	GetRecordByID(ctx context.Context, id string) (*model.DatasetRecord, error)
	GetProfileByOwner(ctx context.Context, address string) (*model.Profile, error)
	OwnsCapabilityFor(ctx context.Context, address, datasetID string) (bool, error)
	InvalidateDataset(datasetID string)
	InvalidateAccount(address string)
}

// Config holds fee and gas settings.
type Config struct {
	Packages   contracts.Packages
	FeeBps     uint64
	GasReserve uint64
}

// PurchaseParams identifies what to buy.
type PurchaseParams struct {
	ListingID string
	DatasetID string // Optional; when set the listing must still offer this dataset
	CoinID    string // Optional; overrides coin selection
}

// Receipt is the outcome of a listing transaction.
type Receipt struct {
	Digest    string `json:"digest"`
	ListingID string `json:"listingId"`
	DatasetID string `json:"datasetId,omitempty"`
}

// Flow runs marketplace transactions for signers held by the daemon.
type Flow struct {
	ledger   ledger.Client
	store    store.Client
	catalog  Catalog
	pkgs     contracts.Packages
	feeBps   uint64
	reserve  uint64
	recorder model.ActivityRecorder
	metrics  *metrics.Metrics
	now      func() time.Time
}

// New creates a Flow. Zero fee or reserve settings select the defaults.
func New(l ledger.Client, s store.Client, cat Catalog, cfg Config) *Flow {
	f := &Flow{
		ledger:   l,
		store:    s,
		catalog:  cat,
		pkgs:     cfg.Packages,
		feeBps:   cfg.FeeBps,
		reserve:  cfg.GasReserve,
		recorder: model.NopRecorder{},
		metrics:  metrics.NewMetrics(),
		now:      time.Now,
	}
	if f.feeBps == 0 {
		f.feeBps = DefaultFeeBps
	}
	if f.reserve == 0 {
		f.reserve = DefaultGasReserve
	}
	return f
}

// SetRecorder sets where confirmed transactions are reported.
func (f *Flow) SetRecorder(r model.ActivityRecorder) {
	if r != nil {
		f.recorder = r
	}
}

// Quote computes what a buyer pays for a listing at price.
// The fee is shown for information; the ledger performs the actual split.
// Amounts that do not fit in a u64 saturate at math.MaxUint64.
func (f *Flow) Quote(price uint64) model.Quote {
	fee := uint64(math.MaxUint64)
	if hi, lo := bits.Mul64(price, f.feeBps); hi < 10_000 {
		fee, _ = bits.Div64(hi, lo, 10_000)
	}
	return model.Quote{
		Price:       price,
		PlatformFee: fee,
		GasReserve:  f.reserve,
		Total:       addSaturating(addSaturating(price, fee), f.reserve),
	}
}

func addSaturating(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// QuoteListing reads a listing from the ledger and quotes it.
func (f *Flow) QuoteListing(ctx context.Context, listingID string) (*model.Listing, model.Quote, error) {
	l, err := f.catalog.GetListing(ctx, listingID)
	if err != nil {
		return nil, model.Quote{}, err
	}
	return l, f.Quote(l.Price), nil
}

// Purchase buys a listing for signer.
// Nothing is submitted when the buyer's balance is below the quoted total.
// Parameters:
//   - ctx: Request context
//   - signer: Buyer's signer
//   - params: Listing to buy
// Returns:
//   - *model.PurchaseResult: Confirmed purchase
//   - error: MKT_INSUFFICIENT_BALANCE, ledger errors verbatim, or read failures
func (f *Flow) Purchase(ctx context.Context, signer ledger.Signer, params PurchaseParams) (res *model.PurchaseResult, err error) {
	ctx, span := otel.Tracer("marketd").Start(ctx, "market.Purchase")
	defer span.End()
	span.SetAttributes(attribute.String("market.listing_id", params.ListingID))
	defer func() {
		outcome := "success"
		switch {
		case errordefs.Is(err, errordefs.MKT_INSUFFICIENT_BALANCE):
			outcome = "insufficient_balance"
		case err != nil:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		f.metrics.PurchaseTotal.WithLabelValues(outcome).Inc()
	}()

	buyer := signer.Address()
	listing, err := f.catalog.GetListing(ctx, params.ListingID)
	if err != nil {
		return nil, err
	}
	if params.DatasetID != "" && params.DatasetID != listing.DatasetID {
		return nil, errordefs.Errorf(errordefs.MKT_CONFLICT,
			"listing %s offers %s, not %s", listing.ID, listing.DatasetID, params.DatasetID)
	}
	if strings.EqualFold(listing.Seller, buyer) {
		return nil, errordefs.New(errordefs.MKT_VALIDATION, "You cannot buy your own listing", "")
	}

	quote := f.Quote(listing.Price)
	balance, err := f.ledger.GetBalance(ctx, buyer, contracts.CoinType)
	if err != nil {
		return nil, err
	}
	if balance < quote.Total || quote.Total == math.MaxUint64 {
		return nil, insufficient(quote, balance)
	}

	seller, err := f.catalog.GetProfileByOwner(ctx, listing.Seller)
	if err != nil {
		return nil, err
	}
	if seller == nil {
		return nil, errordefs.Errorf(errordefs.MKT_NOT_FOUND, "seller %s has no profile", listing.Seller)
	}

	coinID := params.CoinID
	if coinID == "" {
		coins, err := f.ledger.ListCoins(ctx, buyer, contracts.CoinType)
		if err != nil {
			return nil, err
		}
		coin, ok := SelectCoin(coins, quote.Total)
		if !ok {
			return nil, insufficient(quote, balance)
		}
		coinID = coin.ID
	}

	tx, err := f.ledger.SubmitTransaction(ctx, signer,
		f.pkgs.PurchaseListing(listing.ID, listing.DatasetID, seller.ID, coinID))
	if err != nil {
		return nil, err
	}

	f.catalog.InvalidateDataset(listing.DatasetID)
	f.catalog.InvalidateAccount(buyer)
	f.catalog.InvalidateAccount(listing.Seller)
	f.recorder.Record(ctx, model.Activity{
		Address:    buyer,
		Kind:       model.ActivityPurchased,
		Ref:        listing.DatasetID,
		Digest:     tx.Digest,
		Amount:     listing.Price,
		Payload:    map[string]interface{}{"listingId": listing.ID, "seller": listing.Seller, "total": quote.Total},
		OccurredAt: f.now(),
	})
	span.SetAttributes(attribute.String("market.digest", tx.Digest))
	slog.Info("dataset purchased", "buyer", buyer, "datasetId", listing.DatasetID,
		"listingId", listing.ID, "price", listing.Price, "digest", tx.Digest)

	return &model.PurchaseResult{
		Digest:    tx.Digest,
		Buyer:     buyer,
		DatasetID: listing.DatasetID,
		ListingID: listing.ID,
		Quote:     quote,
		CoinID:    coinID,
	}, nil
}

func insufficient(q model.Quote, balance uint64) error {
	return errordefs.NewWithDetails(errordefs.MKT_INSUFFICIENT_BALANCE,
		"Insufficient balance: need "+contracts.FormatSUI(q.Total)+" SUI, have "+contracts.FormatSUI(balance)+" SUI", "",
		map[string]interface{}{"quote": q, "balance": balance})
}

// SelectCoin picks the first coin that covers total on its own, else the first coin.
func SelectCoin(coins []ledger.Coin, total uint64) (ledger.Coin, bool) {
	if len(coins) == 0 {
		return ledger.Coin{}, false
	}
	for _, c := range coins {
		if c.Balance >= total {
			return c, true
		}
	}
	return coins[0], true
}

// List offers a dataset record held by signer for sale.
func (f *Flow) List(ctx context.Context, signer ledger.Signer, datasetID string, price uint64) (*Receipt, error) {
	if price == 0 {
		return nil, errordefs.New(errordefs.MKT_VALIDATION, "Price must be greater than zero", "")
	}
	tx, err := f.ledger.SubmitTransaction(ctx, signer, f.pkgs.CreateListing(datasetID, price))
	if err != nil {
		return nil, err
	}
	listingID, ok := tx.CreatedOfType(f.pkgs.ListingType())
	if !ok {
		return nil, errordefs.Errorf(errordefs.MKT_SCHEMA_MISMATCH, "listing %s created no %s", tx.Digest, f.pkgs.ListingType())
	}
	f.catalog.InvalidateDataset(datasetID)
	f.catalog.InvalidateAccount(signer.Address())
	f.record(ctx, signer, model.ActivityListed, listingID, tx.Digest, price, datasetID)
	return &Receipt{Digest: tx.Digest, ListingID: listingID, DatasetID: datasetID}, nil
}

// UpdatePrice changes the price of signer's listing.
func (f *Flow) UpdatePrice(ctx context.Context, signer ledger.Signer, listingID string, price uint64) (*Receipt, error) {
	if price == 0 {
		return nil, errordefs.New(errordefs.MKT_VALIDATION, "Price must be greater than zero", "")
	}
	listing, err := f.catalog.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	tx, err := f.ledger.SubmitTransaction(ctx, signer, f.pkgs.UpdateListingPrice(listingID, price))
	if err != nil {
		return nil, err
	}
	f.catalog.InvalidateDataset(listing.DatasetID)
	f.record(ctx, signer, model.ActivityPriceUpdated, listingID, tx.Digest, price, listing.DatasetID)
	return &Receipt{Digest: tx.Digest, ListingID: listingID, DatasetID: listing.DatasetID}, nil
}

// Delist cancels signer's listing and returns the record to the seller.
func (f *Flow) Delist(ctx context.Context, signer ledger.Signer, listingID string) (*Receipt, error) {
	listing, err := f.catalog.GetListing(ctx, listingID)
	if err != nil {
		return nil, err
	}
	tx, err := f.ledger.SubmitTransaction(ctx, signer, f.pkgs.CancelListing(listingID))
	if err != nil {
		return nil, err
	}
	f.catalog.InvalidateDataset(listing.DatasetID)
	f.catalog.InvalidateAccount(signer.Address())
	f.record(ctx, signer, model.ActivityDelisted, listingID, tx.Digest, 0, listing.DatasetID)
	return &Receipt{Digest: tx.Digest, ListingID: listingID, DatasetID: listing.DatasetID}, nil
}

func (f *Flow) record(ctx context.Context, signer ledger.Signer, kind model.ActivityKind, ref, digest string, amount uint64, datasetID string) {
	f.recorder.Record(ctx, model.Activity{
		Address:    signer.Address(),
		Kind:       kind,
		Ref:        ref,
		Digest:     digest,
		Amount:     amount,
		Payload:    map[string]interface{}{"datasetId": datasetID},
		OccurredAt: f.now(),
	})
}

// AccessState is the outcome of an access check.
type AccessState string

const (
	AccessGranted AccessState = "granted" // Capability held
	AccessDenied  AccessState = "denied"  // Confirmed absent: purchase required
	AccessUnknown AccessState = "unknown" // Check failed; never treated as granted
)

// CheckAccess reports whether address may download datasetID.
func (f *Flow) CheckAccess(ctx context.Context, address, datasetID string) (bool, error) {
	return f.catalog.OwnsCapabilityFor(ctx, address, datasetID)
}

// Access maps CheckAccess onto a tri-state for display.
func (f *Flow) Access(ctx context.Context, address, datasetID string) AccessState {
	ok, err := f.CheckAccess(ctx, address, datasetID)
	switch {
	case err != nil:
		slog.Warn("access check failed", "address", address, "datasetId", datasetID, "error", err)
		return AccessUnknown
	case ok:
		return AccessGranted
	default:
		return AccessDenied
	}
}

// Download streams a dataset's bytes to w after an access check, verifying the bytes
// against the record's verification hash. A hash mismatch is reported after streaming.
// Returns:
//   - int64: Bytes written
//   - error: MKT_ACCESS_DENIED, MKT_BLOB_NOT_FOUND, MKT_INTEGRITY, or read failures
func (f *Flow) Download(ctx context.Context, address, datasetID string, w io.Writer) (int64, error) {
	ctx, span := otel.Tracer("marketd").Start(ctx, "market.Download")
	defer span.End()

	ok, err := f.CheckAccess(ctx, address, datasetID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errordefs.Errorf(errordefs.MKT_ACCESS_DENIED, "Purchase required to download %s", datasetID)
	}
	rec, err := f.catalog.GetRecordByID(ctx, datasetID)
	if err != nil {
		return 0, err
	}
	rc, err := f.store.Download(ctx, rec.DataBlobID)
	if err != nil {
		if errordefs.Is(err, errordefs.MKT_BLOB_NOT_FOUND) {
			slog.Error("dataset blob missing", "datasetId", datasetID, "blobId", rec.DataBlobID)
		}
		return 0, err
	}
	defer rc.Close()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w, h), rc)
	if err != nil {
		return n, errordefs.Wrap(errordefs.MKT_STORE_UNAVAILABLE, err, "stream blob "+rec.DataBlobID)
	}
	if got := hex.EncodeToString(h.Sum(nil)); rec.VerificationHash != "" && !strings.EqualFold(got, rec.VerificationHash) {
		return n, errordefs.NewWithDetails(errordefs.MKT_INTEGRITY, "Downloaded data does not match the dataset's verification hash", "",
			map[string]string{"expected": rec.VerificationHash, "actual": got})
	}
	return n, nil
}

// DownloadURL returns the public store URL of a dataset after an access check.
func (f *Flow) DownloadURL(ctx context.Context, address, datasetID string) (string, error) {
	ok, err := f.CheckAccess(ctx, address, datasetID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errordefs.Errorf(errordefs.MKT_ACCESS_DENIED, "Purchase required to download %s", datasetID)
	}
	rec, err := f.catalog.GetRecordByID(ctx, datasetID)
	if err != nil {
		return "", err
	}
	return f.store.PublicURL(rec.DataBlobID), nil
}
