package server

import (
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/datamarket/datamarket-go/internal/contracts"
	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/market"
	"github.com/datamarket/datamarket-go/internal/model"
	"github.com/datamarket/datamarket-go/internal/profile"
)

// handleGetProfile handles GET /v1/profiles/{address}
func (m *Mux) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	address := strings.ToLower(r.PathValue("address"))
	p, err := m.deps.Profiles.Get(r.Context(), address)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if p == nil {
		m.fail(w, r, errordefs.Errorf(errordefs.MKT_NOT_FOUND, "%s has no profile", address))
		return
	}
	m.writeSuccess(w, http.StatusOK, p)
}

// handleCreateProfile handles POST /v1/profiles
func (m *Mux) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req profile.CreateParams
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	receipt, err := m.deps.Profiles.Create(r.Context(), signerFrom(r), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, m.withExplorer(receipt, receipt.Digest))
}

// handleUpdateProfile handles PATCH /v1/profiles/me
func (m *Mux) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profile.UpdateParams
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	receipt, err := m.deps.Profiles.Update(r.Context(), signerFrom(r), req)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, m.withExplorer(receipt, receipt.Digest))
}

// handleUpdateUsername handles PUT /v1/profiles/me/username
func (m *Mux) handleUpdateUsername(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	receipt, err := m.deps.Profiles.UpdateUsername(r.Context(), signerFrom(r), req.Username)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, m.withExplorer(receipt, receipt.Digest))
}

// handleMarketplace handles GET /v1/marketplace. Items that could not be read are reported
// next to the ones that could.
func (m *Mux) handleMarketplace(w http.ResponseWriter, r *http.Request) {
	page, err := m.deps.Catalog.MarketplaceDatasets(r.Context())
	if err != nil {
		m.fail(w, r, err)
		return
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("market.datasets", len(page.Datasets)),
		attribute.Int("market.failures", len(page.Failures)),
	)
	m.writeSuccess(w, http.StatusOK, page)
}

// handleDatasetDetail handles GET /v1/datasets/{id}
func (m *Mux) handleDatasetDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := m.deps.Catalog.DatasetDetail(r.Context(), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, detail)
}

type accountDatasets struct {
	Owned     []model.DatasetRecord    `json:"owned"`
	Purchased []model.AccessCapability `json:"purchased"`
}

// handleAccountDatasets handles GET /v1/accounts/{address}/datasets
func (m *Mux) handleAccountDatasets(w http.ResponseWriter, r *http.Request) {
	address := strings.ToLower(r.PathValue("address"))
	owned, err := m.deps.Catalog.GetRecordsByOwner(r.Context(), address)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	caps, err := m.deps.Catalog.ListCapabilities(r.Context(), address)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if owned == nil {
		owned = []model.DatasetRecord{}
	}
	if caps == nil {
		caps = []model.AccessCapability{}
	}
	m.writeSuccess(w, http.StatusOK, accountDatasets{Owned: owned, Purchased: caps})
}

type listingRequest struct {
	DatasetID string `json:"datasetId,omitempty"`
	Price     string `json:"price"` // SUI, decimal
}

func parsePrice(s string) (uint64, error) {
	price, err := contracts.ParseSUI(s)
	if err != nil {
		return 0, errordefs.Wrap(errordefs.MKT_VALIDATION, err, "Invalid price")
	}
	return price, nil
}

// handleCreateListing handles POST /v1/listings
func (m *Mux) handleCreateListing(w http.ResponseWriter, r *http.Request) {
	var req listingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	if req.DatasetID == "" {
		m.fail(w, r, errordefs.New(errordefs.MKT_VALIDATION, "datasetId is required", ""))
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	receipt, err := m.deps.Market.List(r.Context(), signerFrom(r), req.DatasetID, price)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusCreated, m.withExplorer(receipt, receipt.Digest))
}

// handleUpdateListing handles PATCH /v1/listings/{id}
func (m *Mux) handleUpdateListing(w http.ResponseWriter, r *http.Request) {
	var req listingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	price, err := parsePrice(req.Price)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	receipt, err := m.deps.Market.UpdatePrice(r.Context(), signerFrom(r), r.PathValue("id"), price)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, m.withExplorer(receipt, receipt.Digest))
}

// handleDelist handles DELETE /v1/listings/{id}
func (m *Mux) handleDelist(w http.ResponseWriter, r *http.Request) {
	receipt, err := m.deps.Market.Delist(r.Context(), signerFrom(r), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, m.withExplorer(receipt, receipt.Digest))
}

// quoteView is a quote with SUI-formatted amounts for display.
type quoteView struct {
	Listing *model.Listing    `json:"listing"`
	Quote   model.Quote       `json:"quote"`
	Display map[string]string `json:"display"`
}

// handleQuote handles GET /v1/listings/{id}/quote
func (m *Mux) handleQuote(w http.ResponseWriter, r *http.Request) {
	listing, q, err := m.deps.Market.QuoteListing(r.Context(), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, quoteView{
		Listing: listing,
		Quote:   q,
		Display: map[string]string{
			"price":       contracts.FormatSUI(q.Price),
			"platformFee": contracts.FormatSUI(q.PlatformFee),
			"gasReserve":  contracts.FormatSUI(q.GasReserve),
			"total":       contracts.FormatSUI(q.Total),
		},
	})
}

type purchaseRequest struct {
	ListingID string `json:"listingId"`
	DatasetID string `json:"datasetId,omitempty"`
	CoinID    string `json:"coinId,omitempty"`
}

// handlePurchase handles POST /v1/purchases
func (m *Mux) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		m.fail(w, r, err)
		return
	}
	if req.ListingID == "" {
		m.fail(w, r, errordefs.New(errordefs.MKT_VALIDATION, "listingId is required", ""))
		return
	}
	res, err := m.deps.Market.Purchase(r.Context(), signerFrom(r), market.PurchaseParams{
		ListingID: req.ListingID,
		DatasetID: req.DatasetID,
		CoinID:    req.CoinID,
	})
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, m.withExplorer(res, res.Digest))
}

// handleAccess handles GET /v1/datasets/{id}/access
func (m *Mux) handleAccess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state := m.deps.Market.Access(r.Context(), addressFrom(r), id)
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"datasetId": id,
		"access":    state,
	})
}

// handleDownload handles GET /v1/datasets/{id}/download. The integrity check completes
// after the body is sent, so its outcome travels in the X-Integrity trailer.
func (m *Mux) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := m.deps.Market.CheckAccess(r.Context(), addressFrom(r), id)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if !ok {
		m.fail(w, r, errordefs.Errorf(errordefs.MKT_ACCESS_DENIED, "Purchase required to download %s", id))
		return
	}
	rec, err := m.deps.Catalog.GetRecordByID(r.Context(), id)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	meta, err := m.deps.Catalog.GetMetadata(r.Context(), rec.MetadataBlobID)
	if err != nil {
		slog.Warn("dataset metadata unavailable for download", "datasetId", id, "error", err)
		meta = nil
	}

	dw := &downloadWriter{w: w, name: downloadName(rec, meta), size: rec.FileSize}
	n, err := m.deps.Market.Download(r.Context(), addressFrom(r), id, dw)
	if err != nil && !dw.started {
		m.fail(w, r, err)
		return
	}
	if !dw.started {
		dw.start()
	}
	if err != nil {
		w.Header().Set("X-Integrity", "failed")
		slog.Error("dataset download failed after streaming", "datasetId", id, "bytes", n, "error", err)
		return
	}
	w.Header().Set("X-Integrity", "verified")
}

// downloadWriter sends the attachment headers on the first write.
type downloadWriter struct {
	w       http.ResponseWriter
	name    string
	size    uint64
	started bool
}

func (d *downloadWriter) start() {
	d.started = true
	h := d.w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", `attachment; filename="`+d.name+`"`)
	h.Set("Trailer", "X-Integrity")
	d.w.WriteHeader(http.StatusOK)
}

func (d *downloadWriter) Write(p []byte) (int, error) {
	if !d.started {
		d.start()
	}
	return d.w.Write(p)
}

// downloadName picks the attachment file name: the uploaded name when the metadata has one.
func downloadName(rec *model.DatasetRecord, meta *model.DatasetMetadata) string {
	name := rec.ID
	if meta != nil && meta.FileName != "" {
		name = filepath.Base(meta.FileName)
	}
	return strings.NewReplacer(`"`, "", "\r", "", "\n", "").Replace(name)
}

// handleDownloadURL handles GET /v1/datasets/{id}/download-url
func (m *Mux) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	url, err := m.deps.Market.DownloadURL(r.Context(), addressFrom(r), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]string{"url": url})
}

// handleActivity handles GET /v1/activity for the caller's own wallet.
func (m *Mux) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := DefaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		v, err := strconv.Atoi(limitStr)
		if err != nil || v <= 0 {
			m.fail(w, r, errordefs.New(errordefs.MKT_VALIDATION, "limit must be a positive integer", ""))
			return
		}
		limit = min(v, MaxListLimit)
	}

	res, err := m.deps.Journal.List(r.Context(), model.ListActivityQuery{
		Address: addressFrom(r),
		Kind:    model.ActivityKind(r.URL.Query().Get("kind")),
		Limit:   limit,
		Cursor:  r.URL.Query().Get("cursor"),
	})
	if err != nil {
		m.fail(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, res)
}

// handleBlob handles GET /v1/blobs/{id}, serving content-store blobs the way a public
// aggregator does.
func (m *Mux) handleBlob(w http.ResponseWriter, r *http.Request) {
	rc, err := m.deps.Source.Store().Download(r.Context(), r.PathValue("id"))
	if err != nil {
		m.fail(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("blob stream interrupted", "blobId", r.PathValue("id"), "error", err)
	}
}

// withExplorer adds a transaction explorer link to a receipt.
func (m *Mux) withExplorer(v interface{}, digest string) map[string]interface{} {
	return map[string]interface{}{
		"receipt":     v,
		"explorerUrl": contracts.ExplorerURL(m.deps.Network, "txblock", digest),
	}
}
