package store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"sync"

	errordefs "github.com/datamarket/datamarket-go/internal/errors"
)

// Memory is an in-process content store keyed by CID. Identical bytes map to one blob.
type Memory struct {
	mu          sync.RWMutex
	blobs       map[string][]byte
	baseURL     string
	maxBlobSize int64
	unavailable bool

	uploads   int
	downloads int
}

// NewMemory creates an empty in-memory store. Blobs larger than maxBlobSize are refused
// with a quota error; zero disables the limit.
func NewMemory(baseURL string, maxBlobSize int64) *Memory {
	return &Memory{blobs: make(map[string][]byte), baseURL: baseURL, maxBlobSize: maxBlobSize}
}

// SetUnavailable makes every call fail with MKT_STORE_UNAVAILABLE until reset.
func (m *Memory) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = unavailable
}

// Uploads returns how many uploads were attempted.
func (m *Memory) Uploads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.uploads
}

// Downloads returns how many downloads were attempted.
func (m *Memory) Downloads() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.downloads
}

// Forget drops a blob, simulating retention expiry.
func (m *Memory) Forget(blobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, blobID)
}

func (m *Memory) Upload(ctx context.Context, body io.Reader, size int64, epochs int) (UploadResult, error) {
	m.mu.Lock()
	m.uploads++
	unavailable := m.unavailable
	m.mu.Unlock()
	if unavailable {
		return UploadResult{}, errordefs.New(errordefs.MKT_STORE_UNAVAILABLE, "content store unreachable", "")
	}
	if m.maxBlobSize > 0 && size > m.maxBlobSize {
		return UploadResult{}, errordefs.Errorf(errordefs.MKT_QUOTA_EXCEEDED, "blob of %d bytes exceeds quota", size)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return UploadResult{}, errordefs.Wrap(errordefs.MKT_STORE_UNAVAILABLE, err, "read upload body")
	}
	sum := sha256.Sum256(data)
	id, err := ContentID(sum[:])
	if err != nil {
		return UploadResult{}, errordefs.Wrap(errordefs.MKT_INTERNAL, err, "derive blob id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.blobs[id]
	if !exists {
		m.blobs[id] = data
	}
	return UploadResult{BlobID: id, Size: int64(len(data)), EndEpoch: uint64(epochs), AlreadyCertified: exists}, nil
}

func (m *Memory) Download(ctx context.Context, blobID string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads++
	if m.unavailable {
		return nil, errordefs.New(errordefs.MKT_STORE_UNAVAILABLE, "content store unreachable", "")
	}
	data, ok := m.blobs[blobID]
	if !ok {
		return nil, errordefs.Errorf(errordefs.MKT_BLOB_NOT_FOUND, "blob %s not found", blobID)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Exists(ctx context.Context, blobID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.unavailable {
		return false, errordefs.New(errordefs.MKT_STORE_UNAVAILABLE, "content store unreachable", "")
	}
	_, ok := m.blobs[blobID]
	return ok, nil
}

func (m *Memory) PublicURL(blobID string) string {
	return m.baseURL + "/v1/blobs/" + blobID
}
