// internal/store/store.go
// Package store uploads and downloads dataset blobs in a content-addressed, immutable store.
// Blobs are never updated or deleted: a changed file is a new blob with a new id.
package store

import (
	"context"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// UploadResult describes a stored blob.
type UploadResult struct {
	BlobID           string `json:"blobId"`             // Content-derived id used for retrieval
	ObjectID         string `json:"objectId,omitempty"` // Ledger object registering the blob, if any
	Size             int64  `json:"size"`               // Bytes stored
	EndEpoch         uint64 `json:"endEpoch,omitempty"` // Last epoch the blob is retained for
	AlreadyCertified bool   `json:"alreadyCertified"`   // Identical bytes were already stored
}

// Client is the content store surface the marketplace needs.
//
// Upload fails with MKT_STORE_UNAVAILABLE or MKT_QUOTA_EXCEEDED. Download fails with
// MKT_BLOB_NOT_FOUND when the store has no such blob and MKT_STORE_UNAVAILABLE otherwise.
type Client interface {
	// Upload stores size bytes read from body for the given number of epochs.
	Upload(ctx context.Context, body io.Reader, size int64, epochs int) (UploadResult, error)
	// Download streams a blob. The caller closes the reader.
	Download(ctx context.Context, blobID string) (io.ReadCloser, error)
	// Exists reports whether the store holds a blob.
	Exists(ctx context.Context, blobID string) (bool, error)
	// PublicURL returns the URL a browser can fetch the blob from. It performs no I/O.
	PublicURL(blobID string) string
}

// ContentID derives the CIDv1 (raw codec) of a sha2-256 digest.
func ContentID(sha256Sum []byte) (string, error) {
	hash, err := mh.Encode(sha256Sum, mh.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("encode multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh.Multihash(hash)).String(), nil
}

// ValidContentID reports whether id parses as a CID.
func ValidContentID(id string) bool {
	_, err := cid.Decode(id)
	return err == nil
}
