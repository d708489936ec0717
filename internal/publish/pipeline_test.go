package publish

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
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

// sizedFile reports an arbitrary size without holding the bytes.
type sizedFile struct {
	name, mimeType string
	size           int64
}

func (f sizedFile) Name() string                 { return f.name }
func (f sizedFile) Size() int64                  { return f.size }
func (f sizedFile) ContentType() string          { return f.mimeType }
func (f sizedFile) Open() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("")), nil }

type harness struct {
	ledger   *ledger.Memory
	store    *store.Memory
	pipeline *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	v, err := schema.NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	l := ledger.NewMemory(testPkgs, 250)
	s := store.NewMemory("http://store.test", 0)
	cat := catalog.New(l, s, testPkgs, cache.New(time.Minute), v)
	return &harness{ledger: l, store: s, pipeline: New(l, s, cat, v, Config{Packages: testPkgs})}
}

func (h *harness) createProfile(t *testing.T, who signer, username string) {
	t.Helper()
	if _, err := h.ledger.SubmitTransaction(context.Background(), who, testPkgs.CreateProfile(username, "", "")); err != nil {
		t.Fatal(err)
	}
}

func csvFile(size int) *BytesFile {
	data := bytes.Repeat([]byte("a,b,c\n"), size/6+1)[:size]
	return &BytesFile{FileName: "data.csv", MIMEType: "text/csv", Data: data}
}

func validParams(f FileSource) Params {
	return Params{
		File:        f,
		Title:       "Test Dataset",
		Description: "twenty characters ok",
		Category:    "finance",
		License:     "CC-BY-4.0",
	}
}

func TestValidateFile(t *testing.T) {
	tests := []struct {
		name string
		file FileSource
		code errordefs.ErrorCode
	}{
		{"missing", nil, errordefs.MKT_FILE_MISSING},
		{"too small", sizedFile{"a.csv", "text/csv", 1023}, errordefs.MKT_FILE_TOO_SMALL},
		{"too large", sizedFile{"a.csv", "text/csv", DefaultMaxFileSize + 1}, errordefs.MKT_FILE_TOO_LARGE},
		{"disallowed type", sizedFile{"a.exe", "application/x-msdownload", 4096}, errordefs.MKT_FILE_TYPE},
		{"extension only", sizedFile{"a.CSV", "", 4096}, ""},
		{"mime only", sizedFile{"data", "text/csv; charset=utf-8", 4096}, ""},
		{"min size", sizedFile{"a.json", "application/json", 1024}, ""},
		{"max size", sizedFile{"a.gz", "application/gzip", DefaultMaxFileSize}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFile(tt.file, DefaultLimits())
			if tt.code == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errordefs.Is(err, tt.code) {
				t.Fatalf("err = %v, want %s", err, tt.code)
			}
			if errordefs.KindOf(err) != errordefs.KindValidation {
				t.Errorf("kind = %s", errordefs.KindOf(err))
			}
		})
	}
}

func TestPublishValidationGate(t *testing.T) {
	files := []FileSource{
		nil,
		sizedFile{"tiny.csv", "text/csv", 10},
		sizedFile{"huge.csv", "text/csv", DefaultMaxFileSize + 1},
		sizedFile{"setup.exe", "application/octet-stream", 4096},
	}
	for _, f := range files {
		h := newHarness(t)
		h.createProfile(t, "0xseller", "seller")
		var last model.UploadProgress
		_, err := h.pipeline.Publish(context.Background(), signer("0xseller"), validParams(f), func(p model.UploadProgress) { last = p })

		var serr *StageError
		if !errors.As(err, &serr) || serr.Stage != model.StageValidating {
			t.Fatalf("file %v: err = %v", f, err)
		}
		if h.store.Uploads() != 0 {
			t.Errorf("file %v: %d uploads before validation failed", f, h.store.Uploads())
		}
		if n := len(h.ledger.Submitted()); n != 1 {
			t.Errorf("file %v: %d transactions submitted, want only the profile", f, n)
		}
		if last.Stage != model.StageError || last.FailedStage != model.StageValidating || last.Error == "" {
			t.Errorf("file %v: last progress = %+v", f, last)
		}
	}
}

func TestPublishRejectsInvalidMetadataBeforeUpload(t *testing.T) {
	h := newHarness(t)
	h.createProfile(t, "0xseller", "seller")
	params := validParams(csvFile(4096))
	params.Title = "ab"
	_, err := h.pipeline.Publish(context.Background(), signer("0xseller"), params, nil)
	if !errordefs.Is(err, errordefs.MKT_METADATA_INVALID) {
		t.Fatalf("err = %v", err)
	}
	if h.store.Uploads() != 0 {
		t.Errorf("%d uploads", h.store.Uploads())
	}
}

func TestPublishRequiresProfile(t *testing.T) {
	h := newHarness(t)
	_, err := h.pipeline.Publish(context.Background(), signer("0xnew"), validParams(csvFile(4096)), nil)
	if !errordefs.Is(err, errordefs.MKT_VALIDATION) {
		t.Fatalf("err = %v", err)
	}
	if h.store.Uploads() != 0 || len(h.ledger.Submitted()) != 0 {
		t.Errorf("uploads=%d submitted=%d", h.store.Uploads(), len(h.ledger.Submitted()))
	}
}

func TestPublishUnlisted(t *testing.T) {
	h := newHarness(t)
	h.createProfile(t, "0xseller", "seller")
	file := csvFile(2 << 20)

	var updates []model.UploadProgress
	res, err := h.pipeline.Publish(context.Background(), signer("0xseller"), validParams(file), func(p model.UploadProgress) {
		updates = append(updates, p)
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.RecordID == "" || res.DataBlobID == "" || res.MetadataBlobID == "" || res.TransactionDigest == "" {
		t.Fatalf("result = %+v", res)
	}
	if res.ListingID != "" {
		t.Errorf("unlisted publish returned listing %s", res.ListingID)
	}

	want := []model.Stage{model.StageValidating, model.StageUploadingFile, model.StageUploadingMetadata, model.StageMinting, model.StageSuccess}
	assertStages(t, updates, want)

	sum := sha256.Sum256(file.Data)
	rc, err := h.store.Download(context.Background(), res.MetadataBlobID)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	var meta model.DatasetMetadata
	if err := json.NewDecoder(rc).Decode(&meta); err != nil {
		t.Fatal(err)
	}
	if meta.FileHash != hex.EncodeToString(sum[:]) || meta.Version != model.MetadataSchemaVersion {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.FileType != "Tabular Data" || meta.FileSize != int64(len(file.Data)) {
		t.Errorf("metadata = %+v", meta)
	}

	rec, err := h.ledger.GetObject(context.Background(), res.RecordID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Fields["verification_hash"] != meta.FileHash || rec.Fields["data_blob_id"] != res.DataBlobID {
		t.Errorf("record fields = %v", rec.Fields)
	}
}

func TestPublishAndList(t *testing.T) {
	h := newHarness(t)
	h.createProfile(t, "0xseller", "seller")
	params := validParams(csvFile(8192))
	params.ListOnMarketplace = true
	params.Price = 5_000_000

	var updates []model.UploadProgress
	res, err := h.pipeline.Publish(context.Background(), signer("0xseller"), params, func(p model.UploadProgress) {
		updates = append(updates, p)
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.ListingID == "" || res.ListingDigest == "" {
		t.Fatalf("result = %+v", res)
	}
	assertStages(t, updates, []model.Stage{
		model.StageValidating, model.StageUploadingFile, model.StageUploadingMetadata,
		model.StageMinting, model.StageListing, model.StageSuccess,
	})
	if got := h.ledger.Listings(); len(got) != 1 || got[0] != res.ListingID {
		t.Errorf("listings = %v", got)
	}
}

func TestPublishListingNeedsPrice(t *testing.T) {
	h := newHarness(t)
	h.createProfile(t, "0xseller", "seller")
	params := validParams(csvFile(4096))
	params.ListOnMarketplace = true
	res, err := h.pipeline.Publish(context.Background(), signer("0xseller"), params, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.ListingID != "" || len(h.ledger.Listings()) != 0 {
		t.Errorf("listed without a price: %+v", res)
	}
}

func TestPublishStoreUnavailable(t *testing.T) {
	h := newHarness(t)
	h.createProfile(t, "0xseller", "seller")
	h.store.SetUnavailable(true)

	var last model.UploadProgress
	_, err := h.pipeline.Publish(context.Background(), signer("0xseller"), validParams(csvFile(4096)), func(p model.UploadProgress) { last = p })
	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != model.StageUploadingFile {
		t.Fatalf("err = %v", err)
	}
	if errordefs.KindOf(err) != errordefs.KindNetwork {
		t.Errorf("kind = %s", errordefs.KindOf(err))
	}
	if last.Progress != 10 || last.FailedStage != model.StageUploadingFile {
		t.Errorf("last progress = %+v", last)
	}
	if n := len(h.ledger.Submitted()); n != 1 {
		t.Errorf("%d transactions submitted", n)
	}
}

func TestPublishMintRejected(t *testing.T) {
	h := newHarness(t)
	h.createProfile(t, "0xowner", "owner")
	profiles, _ := h.ledger.GetOwnedObjects(context.Background(), "0xowner", testPkgs.ProfileType())

	params := validParams(csvFile(4096))
	params.ProfileID = profiles[0].ID
	_, err := h.pipeline.Publish(context.Background(), signer("0xintruder"), params, nil)
	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != model.StageMinting {
		t.Fatalf("err = %v", err)
	}
	if !errordefs.Is(err, errordefs.MKT_EXECUTION) || !strings.Contains(err.Error(), "ENotProfileOwner") {
		t.Errorf("err = %v", err)
	}
	if h.store.Uploads() != 2 {
		t.Errorf("uploads = %d, blobs stay uploaded", h.store.Uploads())
	}
}

func TestHashFile(t *testing.T) {
	a := csvFile(4096)
	b := &BytesFile{FileName: "copy.csv", Data: append([]byte(nil), a.Data...)}
	ha, _ := HashFile(a)
	hb, _ := HashFile(b)
	if ha != hb {
		t.Fatalf("identical bytes hashed differently: %s %s", ha, hb)
	}
	for _, i := range []int{0, 2047, 4095} {
		c := &BytesFile{FileName: "c.csv", Data: append([]byte(nil), a.Data...)}
		c.Data[i] ^= 0x01
		if hc, _ := HashFile(c); hc == ha {
			t.Errorf("flipping byte %d did not change the hash", i)
		}
	}
}

func TestFileTypeCategory(t *testing.T) {
	tests := map[string]string{
		"data.csv":    "Tabular Data",
		"notes.MD":    "Text Data",
		"dump.json":   "Structured Data",
		"archive.gz":  "Archive",
		"paper.pdf":   "Document",
		"noextension": "Other",
	}
	for name, want := range tests {
		if got := FileTypeCategory(name); got != want {
			t.Errorf("FileTypeCategory(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestTrackerCompletes(t *testing.T) {
	h := newHarness(t)
	h.createProfile(t, "0xseller", "seller")
	tr := NewTracker(h.pipeline, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	id, done := tr.Start(ctx, signer("0xseller"), validParams(csvFile(4096)))
	cancel()
	<-done

	job, ok := tr.Get(id)
	if !ok {
		t.Fatal("job not tracked")
	}
	if job.Progress.Stage != model.StageSuccess || job.Result == nil || job.Owner != "0xseller" {
		t.Errorf("job = %+v", job)
	}
}

// holdingHandler blocks the goroutine that logs msg until release is closed.
type holdingHandler struct {
	slog.Handler
	msg     string
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (h *holdingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.once.Do(func() { close(h.reached) })
		<-h.release
	}
	return h.Handler.Handle(ctx, r)
}

func TestTrackerSuccessCarriesResult(t *testing.T) {
	h := newHarness(t)
	h.createProfile(t, "0xseller", "seller")
	tr := NewTracker(h.pipeline, time.Minute)

	hold := &holdingHandler{
		Handler: slog.NewTextHandler(io.Discard, nil),
		msg:     "dataset published",
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	prev := slog.Default()
	slog.SetDefault(slog.New(hold))
	defer slog.SetDefault(prev)

	id, done := tr.Start(context.Background(), signer("0xseller"), validParams(csvFile(4096)))
	<-hold.reached
	job, _ := tr.Get(id)
	if job.Progress.Stage == model.StageSuccess {
		t.Errorf("success reported before the run returned: %+v", job)
	}
	close(hold.release)
	<-done

	job, _ = tr.Get(id)
	if job.Progress.Stage != model.StageSuccess || job.Progress.Progress != 100 || job.Result == nil {
		t.Errorf("job = %+v", job)
	}
}

func TestTrackerDiscard(t *testing.T) {
	h := newHarness(t)
	h.createProfile(t, "0xseller", "seller")
	tr := NewTracker(h.pipeline, time.Minute)

	id, done := tr.Start(context.Background(), signer("0xseller"), validParams(csvFile(4096)))
	if !tr.Discard(id) {
		t.Fatal("Discard returned false for a live job")
	}
	<-done
	if _, ok := tr.Get(id); ok {
		t.Error("discarded job is still tracked")
	}
	if tr.Discard(id) {
		t.Error("second Discard returned true")
	}
}

// assertStages checks that progress never decreases and that stages appear in order.
func assertStages(t *testing.T, updates []model.UploadProgress, want []model.Stage) {
	t.Helper()
	var stages []model.Stage
	last := 0
	for _, u := range updates {
		if u.Progress < last {
			t.Errorf("progress went from %d to %d at %s", last, u.Progress, u.Stage)
		}
		last = u.Progress
		if len(stages) == 0 || stages[len(stages)-1] != u.Stage {
			stages = append(stages, u.Stage)
		}
	}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stages = %v, want %v", stages, want)
		}
	}
	if last != 100 {
		t.Errorf("final progress = %d", last)
	}
}
