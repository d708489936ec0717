// internal/store/s3.go
// S3-compatible implementation of Client. Objects are keyed by the CID of their bytes,
// which makes uploads of identical content idempotent.
package store

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	errordefs "github.com/datamarket/datamarket-go/internal/errors"
	"github.com/datamarket/datamarket-go/internal/metrics"
)

// S3Config configures the S3 content store.
type S3Config struct {
	Endpoint  string // S3 service endpoint URL
	Region    string // AWS region (or equivalent for S3-compatible services)
	Bucket    string // Bucket holding the blobs
	Prefix    string // Key prefix, e.g. "blobs/"
	AccessKey string // Access key for authentication
	SecretKey string // Secret key for authentication
	PublicURL string // Base URL blobs are served from; defaults to endpoint/bucket
}

// S3 stores blobs in an S3 bucket.
type S3 struct {
	client    *s3.Client
	bucket    string
	prefix    string
	publicURL string
	metrics   *metrics.Metrics
}

// NewS3 creates an S3 content store.
// It supports both AWS S3 and S3-compatible services like MinIO.
// Parameters:
//   - cfg: Endpoint, credentials and bucket layout
// Returns:
//   - *S3: Initialized store
//   - error: Any error that occurred during initialization
func NewS3(cfg S3Config) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(context.TODO(),
		config.WithRegion(cfg.Region),
		config.WithBaseEndpoint(cfg.Endpoint),
		config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     cfg.AccessKey,
					SecretAccessKey: cfg.SecretKey,
				}, nil
			})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for MinIO and other S3-compatible services
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	public := cfg.PublicURL
	if public == "" {
		public = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}
	return &S3{
		client:    client,
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
		publicURL: strings.TrimRight(public, "/"),
		metrics:   metrics.NewMetrics(),
	}, nil
}

func (s *S3) key(blobID string) string { return s.prefix + blobID }

// Upload spools body to a temporary file while hashing it, then stores it under its CID
// unless an object with that key already exists. epochs is ignored: bucket lifecycle
// rules govern retention.
// Parameters:
//   - ctx: Context for the operation
//   - body: Blob bytes
//   - size: Expected number of bytes
//   - epochs: Retention period (unused)
// Returns:
//   - UploadResult: Blob id and stored size
//   - error: MKT_QUOTA_EXCEEDED or MKT_STORE_UNAVAILABLE
func (s *S3) Upload(ctx context.Context, body io.Reader, size int64, epochs int) (res UploadResult, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveStoreOperation("s3", "upload", started, err) }()

	tmp, err := os.CreateTemp("", "marketd-blob-*")
	if err != nil {
		return UploadResult{}, errordefs.Wrap(errordefs.MKT_INTERNAL, err, "create spool file")
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if err != nil {
		return UploadResult{}, errordefs.Wrap(errordefs.MKT_STORE_UNAVAILABLE, err, "read upload body")
	}
	id, err := ContentID(h.Sum(nil))
	if err != nil {
		return UploadResult{}, errordefs.Wrap(errordefs.MKT_INTERNAL, err, "derive blob id")
	}

	exists, err := s.Exists(ctx, id)
	if err != nil {
		return UploadResult{}, err
	}
	if exists {
		return UploadResult{BlobID: id, Size: n, AlreadyCertified: true}, nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return UploadResult{}, errordefs.Wrap(errordefs.MKT_INTERNAL, err, "rewind spool file")
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key(id)),
		Body:          tmp,
		ContentLength: aws.Int64(n),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return UploadResult{}, s3Error(err, "upload", id)
	}
	slog.Debug("blob stored", "backend", "s3", "blobId", id, "size", n)
	return UploadResult{BlobID: id, Size: n}, nil
}

// Download streams a blob from the bucket.
func (s *S3) Download(ctx context.Context, blobID string) (rc io.ReadCloser, err error) {
	started := time.Now()
	defer func() { s.metrics.ObserveStoreOperation("s3", "download", started, err) }()

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(blobID)),
	})
	if err != nil {
		return nil, s3Error(err, "download", blobID)
	}
	return out.Body, nil
}

// Exists checks for a blob with a HEAD request.
func (s *S3) Exists(ctx context.Context, blobID string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(blobID)),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, s3Error(err, "head", blobID)
}

// PublicURL returns the public URL of a blob.
func (s *S3) PublicURL(blobID string) string {
	return s.publicURL + "/" + s.key(blobID)
}

// s3Error maps SDK errors to coded store errors.
func s3Error(err error, op, blobID string) error {
	var (
		noKey *types.NoSuchKey
		nf    *types.NotFound
		coded interface{ ErrorCode() string }
	)
	switch {
	case errors.As(err, &noKey), errors.As(err, &nf):
		return errordefs.Wrap(errordefs.MKT_BLOB_NOT_FOUND, err, "blob "+blobID+" not found")
	case errors.As(err, &coded) && coded.ErrorCode() == "EntityTooLarge":
		return errordefs.Wrap(errordefs.MKT_QUOTA_EXCEEDED, err, "content store refused "+op)
	default:
		return errordefs.Wrap(errordefs.MKT_STORE_UNAVAILABLE, err, "content store "+op+" failed")
	}
}
