package server

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/publish"
)

// maxFieldSize caps a non-file form field.
const maxFieldSize = 64 << 10

// spooledFile is an uploaded file copied to a temporary file, so the publish job can read
// it after the request has finished.
type spooledFile struct {
	name     string
	mimeType string
	path     string
	size     int64
}

func (f *spooledFile) Name() string                 { return f.name }
func (f *spooledFile) Size() int64                  { return f.size }
func (f *spooledFile) ContentType() string          { return f.mimeType }
func (f *spooledFile) Open() (io.ReadCloser, error) { return os.Open(f.path) }

func (f *spooledFile) remove() {
	if f == nil {
		return
	}
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove spooled upload", "path", f.path, "error", err)
	}
}

func spool(part *multipart.Part) (*spooledFile, error) {
	tmp, err := os.CreateTemp("", "marketd-upload-*")
	if err != nil {
		return nil, errordefs.Wrap(errordefs.MKT_INTERNAL, err, "failed to buffer upload")
	}
	f := &spooledFile{
		name:     filepath.Base(part.FileName()),
		mimeType: part.Header.Get("Content-Type"),
		path:     tmp.Name(),
	}
	f.size, err = io.Copy(tmp, part)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		f.remove()
		return nil, err
	}
	return f, nil
}

// readPublishForm streams a multipart body: the "file" part goes to disk, every other
// part is a text field.
func readPublishForm(r *http.Request) (*spooledFile, map[string]string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, nil, errordefs.New(errordefs.MKT_BAD_REQUEST, "expected multipart/form-data", "")
	}
	fields := make(map[string]string)
	var file *spooledFile
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			file.remove()
			return nil, nil, uploadError(err)
		}
		if part.FormName() == "file" && part.FileName() != "" && file == nil {
			file, err = spool(part)
			part.Close()
			if err != nil {
				return nil, nil, uploadError(err)
			}
			continue
		}
		v, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
		part.Close()
		if err != nil {
			file.remove()
			return nil, nil, uploadError(err)
		}
		fields[part.FormName()] = strings.TrimSpace(string(v))
	}
	return file, fields, nil
}

func uploadError(err error) error {
	if _, ok := errordefs.As(err); ok {
		return err
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errordefs.Errorf(errordefs.MKT_FILE_TOO_LARGE, "Upload exceeds %d bytes", tooLarge.Limit)
	}
	return errordefs.Wrap(errordefs.MKT_BAD_REQUEST, err, "failed to read upload")
}

// publishParams maps form fields onto pipeline parameters.
func publishParams(file *spooledFile, fields map[string]string) (publish.Params, error) {
	p := publish.Params{
		File:        file,
		Title:       fields["title"],
		Description: fields["description"],
		Category:    fields["category"],
		FileType:    fields["fileType"],
		License:     fields["license"],
	}
	if v := fields["price"]; v != "" {
		price, err := parsePrice(v)
		if err != nil {
			return p, err
		}
		p.Price = price
	}
	if v := fields["list"]; v != "" {
		list, err := strconv.ParseBool(v)
		if err != nil {
			return p, errordefs.Errorf(errordefs.MKT_VALIDATION, "list must be true or false, got %q", v)
		}
		p.ListOnMarketplace = list
	}
	return p, nil
}

// handlePublish handles POST /v1/publish. The file is checked synchronously; minting runs
// as a background job whose progress is read from GET /v1/publish/{job}.
func (m *Mux) handlePublish(w http.ResponseWriter, r *http.Request) {
	limits := m.deps.Limits
	if limits.MaxSize <= 0 {
		limits.MaxSize = publish.DefaultMaxFileSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, limits.MaxSize+1<<20)

	file, fields, err := readPublishForm(r)
	if err != nil {
		m.fail(w, r, err)
		return
	}
	if file == nil {
		m.fail(w, r, errordefs.New(errordefs.MKT_FILE_MISSING, "No file provided", ""))
		return
	}
	if err := publish.ValidateFile(file, m.deps.Limits); err != nil {
		file.remove()
		m.fail(w, r, err)
		return
	}
	params, err := publishParams(file, fields)
	if err != nil {
		file.remove()
		m.fail(w, r, err)
		return
	}

	id, done := m.deps.Jobs.Start(r.Context(), signerFrom(r), params)
	go func() {
		<-done
		file.remove()
	}()
	slog.Info("publish job started", "jobId", id, "address", addressFrom(r), "file", file.name, "size", file.size)

	w.Header().Set("Location", "/v1/publish/"+id)
	m.writeSuccess(w, http.StatusAccepted, map[string]string{"jobId": id})
}

// handleGetJob handles GET /v1/publish/{job}. Jobs are only visible to the wallet that
// started them.
func (m *Mux) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := m.deps.Jobs.Get(r.PathValue("job"))
	if !ok || !strings.EqualFold(job.Owner, addressFrom(r)) {
		m.fail(w, r, errordefs.Errorf(errordefs.MKT_NOT_FOUND, "publish job %s not found", r.PathValue("job")))
		return
	}
	m.writeSuccess(w, http.StatusOK, job)
}

// handleDiscardJob handles DELETE /v1/publish/{job}
func (m *Mux) handleDiscardJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job")
	job, ok := m.deps.Jobs.Get(id)
	if !ok || !strings.EqualFold(job.Owner, addressFrom(r)) {
		m.fail(w, r, errordefs.Errorf(errordefs.MKT_NOT_FOUND, "publish job %s not found", id))
		return
	}
	m.deps.Jobs.Discard(id)
	w.WriteHeader(http.StatusNoContent)
}
