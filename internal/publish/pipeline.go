// internal/publish/pipeline.go
// Package publish drives a dataset from a local file to a minted, optionally listed record.
// The pipeline is a linear state machine; stages run strictly in sequence and a failure
// stops the run at that stage without retries or rollback. Blobs uploaded before a
// failure stay in the content store.
package publish

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/datamarket/datamarket-go/internal/contracts"
	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/ledger"
	"github.com/datamarket/datamarket-go/internal/metrics"
	"github.com/datamarket/datamarket-go/internal/model"
	"github.com/datamarket/datamarket-go/internal/schema"
	"github.com/datamarket/datamarket-go/internal/store"
)

// DefaultEpochs is how long published blobs are retained.
const DefaultEpochs = 10

// Catalog is the part of the query layer the pipeline reads and invalidates.
type Catalog interface {
	GetProfileByOwner(ctx context.Context, address string) (*model.Profile, error)
	InvalidateAccount(address string)
	InvalidateDataset(datasetID string)
}

// Config holds pipeline settings.
type Config struct {
	Packages contracts.Packages
	Limits   Limits
	Epochs   int
}

// Params describes one dataset to publish.
type Params struct {
	File              FileSource
	ProfileID         string // Resolved from the signer's address when empty
	Title             string
	Description       string
	Category          string
	FileType          string // Defaults to the file's type category
	License           string
	Price             uint64 // MIST
	ListOnMarketplace bool
}

// ProgressFunc receives every progress update of a run, in order.
type ProgressFunc func(model.UploadProgress)

// StageError is returned by Publish when a stage fails.
type StageError struct {
	Stage model.Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Pipeline publishes datasets.
type Pipeline struct {
	ledger    ledger.Client
	store     store.Client
	catalog   Catalog
	validator *schema.Validator
	pkgs      contracts.Packages
	limits    Limits
	epochs    int
	recorder  model.ActivityRecorder
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New creates a publish pipeline.
// Parameters:
//   - l: Ledger client used for the mint and list transactions
//   - s: Content store receiving the file and metadata blobs
//   - cat: Query layer used to resolve profiles and drop stale projections
//   - v: Schema validator for the metadata document
//   - cfg: Packages, upload limits and retention
// Returns:
//   - *Pipeline: Initialized pipeline
func New(l ledger.Client, s store.Client, cat Catalog, v *schema.Validator, cfg Config) *Pipeline {
	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = DefaultEpochs
	}
	return &Pipeline{
		ledger:    l,
		store:     s,
		catalog:   cat,
		validator: v,
		pkgs:      cfg.Packages,
		limits:    cfg.Limits.withDefaults(),
		epochs:    epochs,
		recorder:  model.NopRecorder{},
		metrics:   metrics.NewMetrics(),
		now:       time.Now,
	}
}

// SetRecorder sets where confirmed publishes are reported.
func (p *Pipeline) SetRecorder(r model.ActivityRecorder) {
	if r != nil {
		p.recorder = r
	}
}

// SetClock overrides the time source used for metadata timestamps.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// Limits returns the effective upload limits.
func (p *Pipeline) Limits() Limits { return p.limits }

// Publish runs the pipeline for one dataset.
// onProgress may be nil. The result is only returned once the ledger has confirmed the
// mint (and the listing, when requested).
// Returns:
//   - *model.PublishResult: Created record, blob ids and digests
//   - error: *StageError naming the failed stage
func (p *Pipeline) Publish(ctx context.Context, signer ledger.Signer, params Params, onProgress ProgressFunc) (*model.PublishResult, error) {
	ctx, span := otel.Tracer("marketd").Start(ctx, "publish.Publish")
	defer span.End()

	r := &run{p: p, ctx: ctx, onProgress: onProgress, address: signer.Address()}
	res, err := r.execute(signer, params)
	r.finish(err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.metrics.PublishTotal.WithLabelValues("error", string(r.stage)).Inc()
		slog.Warn("publish failed", "stage", r.stage, "address", r.address, "error", err)
		return nil, &StageError{Stage: r.stage, Err: err}
	}
	span.SetAttributes(attribute.String("publish.record_id", res.RecordID))
	p.metrics.PublishTotal.WithLabelValues("success", "").Inc()
	slog.Info("dataset published", "recordId", res.RecordID, "dataBlobId", res.DataBlobID,
		"metadataBlobId", res.MetadataBlobID, "digest", res.TransactionDigest, "listingId", res.ListingID)
	return res, nil
}

// run is the state of one Publish call.
type run struct {
	p          *Pipeline
	ctx        context.Context
	onProgress ProgressFunc
	address    string

	stage        model.Stage
	progress     int
	stageStarted time.Time
	stageSpan    trace.Span
}

// enter closes the current stage and opens the next one.
func (r *run) enter(stage model.Stage, progress int, message string) {
	r.closeStage(nil)
	r.stage = stage
	r.stageStarted = time.Now()
	if !stage.Terminal() {
		_, r.stageSpan = otel.Tracer("marketd").Start(r.ctx, "publish."+string(stage))
	}
	r.report(progress, message)
}

func (r *run) closeStage(err error) {
	if r.stageSpan == nil {
		return
	}
	r.p.metrics.PublishStageDuration.WithLabelValues(string(r.stage), metrics.Status(err)).
		Observe(time.Since(r.stageStarted).Seconds())
	if err != nil {
		r.stageSpan.RecordError(err)
		r.stageSpan.SetStatus(codes.Error, err.Error())
	}
	r.stageSpan.End()
	r.stageSpan = nil
}

func (r *run) report(progress int, message string) {
	r.progress = progress
	if r.onProgress != nil {
		r.onProgress(model.UploadProgress{Stage: r.stage, Progress: progress, Message: message})
	}
}

func (r *run) finish(err error) {
	r.closeStage(err)
	if err == nil {
		return
	}
	if r.onProgress != nil {
		r.onProgress(model.UploadProgress{
			Stage:       model.StageError,
			Progress:    r.progress,
			Message:     "Failed to publish dataset",
			FailedStage: r.stage,
			Error:       errordefs.Message(err),
		})
	}
}

func (r *run) execute(signer ledger.Signer, params Params) (*model.PublishResult, error) {
	p := r.p
	ctx := r.ctx

	// Stage 1: everything that can be checked locally, then the profile lookup.
	r.enter(model.StageValidating, 5, "Validating file...")
	if err := ValidateFile(params.File, p.limits); err != nil {
		return nil, err
	}
	fileType := params.FileType
	if fileType == "" {
		fileType = FileTypeCategory(params.File.Name())
	}
	draft := p.metadata(params, fileType, strings.Repeat("0", sha256.Size*2))
	if err := p.validateMetadata(draft); err != nil {
		return nil, err
	}
	profileID := params.ProfileID
	if profileID == "" {
		profile, err := p.catalog.GetProfileByOwner(ctx, r.address)
		if err != nil {
			return nil, err
		}
		if profile == nil {
			return nil, errordefs.New(errordefs.MKT_VALIDATION, "Create a profile before publishing", "")
		}
		profileID = profile.ID
	}

	// Stage 2: raw bytes, hashed in the same pass.
	r.enter(model.StageUploadingFile, 10, fmt.Sprintf("Uploading %s...", params.File.Name()))
	dataBlob, fileHash, err := p.uploadFile(ctx, params.File)
	if err != nil {
		return nil, err
	}
	r.report(40, "File uploaded successfully!")

	// Stage 3: metadata document.
	r.enter(model.StageUploadingMetadata, 45, "Generating metadata...")
	meta := p.metadata(params, fileType, fileHash)
	if err := p.validateMetadata(meta); err != nil {
		return nil, err
	}
	r.report(50, "Uploading metadata...")
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_INTERNAL, err, "encode metadata")
	}
	metaBlob, err := p.store.Upload(ctx, bytes.NewReader(raw), int64(len(raw)), p.epochs)
	if err != nil {
		return nil, err
	}
	r.report(60, "Metadata uploaded successfully!")

	// Stage 4: mint.
	r.enter(model.StageMinting, 65, "Minting dataset record...")
	minted, err := p.ledger.SubmitTransaction(ctx, signer, p.pkgs.MintDataset(contracts.Mint{
		ProfileID:        profileID,
		MetadataBlobID:   metaBlob.BlobID,
		DataBlobID:       dataBlob.BlobID,
		Title:            params.Title,
		Description:      params.Description,
		Category:         params.Category,
		FileType:         fileType,
		FileSize:         uint64(params.File.Size()),
		VerificationHash: fileHash,
	}))
	if err != nil {
		return nil, err
	}
	recordID, ok := minted.CreatedOfType(p.pkgs.DatasetType())
	if !ok {
		return nil, errordefs.Errorf(errordefs.MKT_SCHEMA_MISMATCH,
			"mint %s created no %s", minted.Digest, p.pkgs.DatasetType())
	}
	r.report(85, "Dataset record minted successfully!")

	result := &model.PublishResult{
		RecordID:          recordID,
		DataBlobID:        dataBlob.BlobID,
		MetadataBlobID:    metaBlob.BlobID,
		TransactionDigest: minted.Digest,
	}
	p.catalog.InvalidateAccount(r.address)
	p.recorder.Record(ctx, model.Activity{
		Address:    r.address,
		Kind:       model.ActivityPublished,
		Ref:        recordID,
		Digest:     minted.Digest,
		Payload:    map[string]interface{}{"dataBlobId": dataBlob.BlobID, "metadataBlobId": metaBlob.BlobID, "title": params.Title},
		OccurredAt: p.now(),
	})

	// Stage 5: optional listing.
	if params.ListOnMarketplace && params.Price > 0 {
		r.enter(model.StageListing, 90, "Listing on marketplace...")
		listed, err := p.ledger.SubmitTransaction(ctx, signer, p.pkgs.CreateListing(recordID, params.Price))
		if err != nil {
			return nil, err
		}
		listingID, ok := listed.CreatedOfType(p.pkgs.ListingType())
		if !ok {
			return nil, errordefs.Errorf(errordefs.MKT_SCHEMA_MISMATCH,
				"listing %s created no %s", listed.Digest, p.pkgs.ListingType())
		}
		result.ListingID = listingID
		result.ListingDigest = listed.Digest
		p.catalog.InvalidateDataset(recordID)
		p.recorder.Record(ctx, model.Activity{
			Address:    r.address,
			Kind:       model.ActivityListed,
			Ref:        listingID,
			Digest:     listed.Digest,
			Amount:     params.Price,
			Payload:    map[string]interface{}{"datasetId": recordID},
			OccurredAt: p.now(),
		})
		r.report(95, "Listed on marketplace!")
	}

	r.enter(model.StageSuccess, 100, "Dataset published successfully!")
	return result, nil
}

// uploadFile streams the file to the store while computing its sha-256.
func (p *Pipeline) uploadFile(ctx context.Context, f FileSource) (store.UploadResult, string, error) {
	rc, err := f.Open()
	if err != nil {
		return store.UploadResult{}, "", errordefs.Wrap(errordefs.MKT_FILE_MISSING, err, "open "+f.Name())
	}
	defer rc.Close()

	h := sha256.New()
	cr := &countingReader{r: io.TeeReader(rc, h)}
	res, err := p.store.Upload(ctx, cr, f.Size(), p.epochs)
	if err != nil {
		return store.UploadResult{}, "", err
	}
	// Drain what the store did not consume so the hash covers the whole file.
	if _, err := io.Copy(io.Discard, cr); err != nil {
		return store.UploadResult{}, "", errordefs.Wrap(errordefs.MKT_FILE_MISSING, err, "read "+f.Name())
	}
	if cr.n != f.Size() {
		return store.UploadResult{}, "", errordefs.Errorf(errordefs.MKT_INTEGRITY,
			"%s changed during upload: read %d of %d bytes", f.Name(), cr.n, f.Size())
	}
	return res, hexDigest(h), nil
}

func (p *Pipeline) metadata(params Params, fileType, fileHash string) model.DatasetMetadata {
	return model.DatasetMetadata{
		Title:       params.Title,
		Description: params.Description,
		Category:    params.Category,
		FileType:    fileType,
		FileSize:    params.File.Size(),
		FileName:    params.File.Name(),
		FileHash:    fileHash,
		License:     params.License,
		UploadedAt:  p.now().UnixMilli(),
		Version:     model.MetadataSchemaVersion,
	}
}

func (p *Pipeline) validateMetadata(m model.DatasetMetadata) error {
	err := p.validator.Validate(schema.DatasetMetadata, m.Version, m)
	if err == nil {
		return nil
	}
	var verr *schema.ValidationError
	if errors.As(err, &verr) {
		return errordefs.NewWithDetails(errordefs.MKT_METADATA_INVALID, "Invalid dataset metadata", "",
			map[string]interface{}{"fields": verr.Fields(), "problems": verr.Problems})
	}
	return errordefs.Wrap(errordefs.MKT_INTERNAL, err, "validate metadata")
}

// HashFile returns the hex sha-256 of a file's contents.
func HashFile(f FileSource) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	h := sha256.New()
	if _, err := io.Copy(h, rc); err != nil {
		return "", err
	}
	return hexDigest(h), nil
}

func hexDigest(h hash.Hash) string { return hex.EncodeToString(h.Sum(nil)) }

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
