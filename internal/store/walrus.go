// internal/store/walrus.go
// Walrus publisher/aggregator implementation of Client.
package store

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/metrics"
)

// WalrusConfig configures the Walrus HTTP client.
type WalrusConfig struct {
	PublisherURL  string        // Base URL of the publisher (uploads)
	AggregatorURL string        // Base URL of the aggregator (downloads)
	APIKey        string        // Optional bearer token for the publisher
	Timeout       time.Duration // Per-request timeout
}

// Walrus stores blobs through a Walrus publisher and reads them through an aggregator.
type Walrus struct {
	client     *resty.Client
	publisher  string
	aggregator string
	metrics    *metrics.Metrics
}

// NewWalrus creates a Walrus client.
// Parameters:
//   - cfg: Publisher and aggregator endpoints, API key and timeout
// Returns:
//   - *Walrus: Initialized client
func NewWalrus(cfg WalrusConfig) *Walrus {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Minute
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "datamarket/marketd")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	return &Walrus{
		client:     client,
		publisher:  strings.TrimRight(cfg.PublisherURL, "/"),
		aggregator: strings.TrimRight(cfg.AggregatorURL, "/"),
		metrics:    metrics.NewMetrics(),
	}
}

type walrusStoreResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			ID      string `json:"id"`
			BlobID  string `json:"blobId"`
			Size    int64  `json:"size"`
			Storage struct {
				EndEpoch uint64 `json:"endEpoch"`
			} `json:"storage"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID   string `json:"blobId"`
		EndEpoch uint64 `json:"endEpoch"`
		Event    struct {
			TxDigest string `json:"txDigest"`
		} `json:"event"`
	} `json:"alreadyCertified"`
}

// Upload stores a blob for the given number of epochs.
// Parameters:
//   - ctx: Context for the operation
//   - body: Blob bytes, streamed to the publisher
//   - size: Number of bytes in body
//   - epochs: Retention period
// Returns:
//   - UploadResult: Blob id, registering object and retention
//   - error: MKT_QUOTA_EXCEEDED or MKT_STORE_UNAVAILABLE
func (w *Walrus) Upload(ctx context.Context, body io.Reader, size int64, epochs int) (res UploadResult, err error) {
	started := time.Now()
	defer func() { w.metrics.ObserveStoreOperation("walrus", "upload", started, err) }()

	var out walrusStoreResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetQueryParam("epochs", strconv.Itoa(epochs)).
		SetHeader("Content-Type", "application/octet-stream").
		SetBody(body).
		SetResult(&out).
		Put(w.publisher + "/v1/blobs")
	if err != nil {
		return UploadResult{}, errordefs.Wrap(errordefs.MKT_STORE_UNAVAILABLE, err, "content store unreachable")
	}
	if resp.IsError() {
		return UploadResult{}, statusError(resp.StatusCode(), "upload", resp.String())
	}

	switch {
	case out.NewlyCreated != nil:
		obj := out.NewlyCreated.BlobObject
		res = UploadResult{BlobID: obj.BlobID, ObjectID: obj.ID, Size: obj.Size, EndEpoch: obj.Storage.EndEpoch}
	case out.AlreadyCertified != nil:
		ac := out.AlreadyCertified
		res = UploadResult{BlobID: ac.BlobID, Size: size, EndEpoch: ac.EndEpoch, AlreadyCertified: true}
	default:
		return UploadResult{}, errordefs.New(errordefs.MKT_SCHEMA_MISMATCH, "unexpected publisher response", "")
	}
	if res.BlobID == "" {
		return UploadResult{}, errordefs.New(errordefs.MKT_SCHEMA_MISMATCH, "publisher response without blob id", "")
	}
	if res.Size == 0 {
		res.Size = size
	}
	slog.Debug("blob stored", "blobId", res.BlobID, "size", res.Size, "alreadyCertified", res.AlreadyCertified)
	return res, nil
}

// Download streams a blob from the aggregator.
func (w *Walrus) Download(ctx context.Context, blobID string) (rc io.ReadCloser, err error) {
	started := time.Now()
	defer func() { w.metrics.ObserveStoreOperation("walrus", "download", started, err) }()

	resp, err := w.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(w.PublicURL(blobID))
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_STORE_UNAVAILABLE, err, "content store unreachable")
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		if body != nil {
			body.Close()
		}
		return nil, statusError(resp.StatusCode(), "download", blobID)
	}
	return body, nil
}

// Exists asks the aggregator whether it can serve a blob.
func (w *Walrus) Exists(ctx context.Context, blobID string) (ok bool, err error) {
	started := time.Now()
	defer func() { w.metrics.ObserveStoreOperation("walrus", "head", started, err) }()

	resp, err := w.client.R().SetContext(ctx).Head(w.PublicURL(blobID))
	if err != nil {
		return false, errordefs.Wrap(errordefs.MKT_STORE_UNAVAILABLE, err, "content store unreachable")
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, statusError(resp.StatusCode(), "head", blobID)
	}
}

// PublicURL returns the aggregator URL of a blob.
func (w *Walrus) PublicURL(blobID string) string {
	return w.aggregator + "/v1/blobs/" + url.PathEscape(blobID)
}

// statusError maps an HTTP status from the store to a coded error.
func statusError(status int, op, detail string) error {
	switch {
	case status == http.StatusNotFound:
		return errordefs.Errorf(errordefs.MKT_BLOB_NOT_FOUND, "blob %s not found", detail)
	case status == http.StatusRequestEntityTooLarge || status == http.StatusPaymentRequired:
		return errordefs.Errorf(errordefs.MKT_QUOTA_EXCEEDED, "content store refused %s: status %d", op, status)
	default:
		return errordefs.Errorf(errordefs.MKT_STORE_UNAVAILABLE, "content store %s failed: status %d", op, status)
	}
}
