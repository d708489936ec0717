package publish

import (
	"bytes"
	"io"
	"mime"
	"os"
	"path/filepath"
)

// FileSource is a file offered for publishing. Open may be called more than once.
type FileSource interface {
	Name() string
	Size() int64
	ContentType() string
	Open() (io.ReadCloser, error)
}

// BytesFile is an in-memory FileSource.
type BytesFile struct {
	FileName string
	MIMEType string
	Data     []byte
}

func (f *BytesFile) Name() string        { return f.FileName }
func (f *BytesFile) Size() int64         { return int64(len(f.Data)) }
func (f *BytesFile) ContentType() string { return f.MIMEType }

func (f *BytesFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.Data)), nil
}

// OSFile is a FileSource backed by a file on disk.
type OSFile struct {
	path     string
	size     int64
	mimeType string
}

// NewOSFile stats path and guesses its content type from the extension.
func NewOSFile(path string) (*OSFile, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &OSFile{
		path:     path,
		size:     fi.Size(),
		mimeType: mime.TypeByExtension(filepath.Ext(path)),
	}, nil
}

func (f *OSFile) Name() string        { return filepath.Base(f.path) }
func (f *OSFile) Size() int64         { return f.size }
func (f *OSFile) ContentType() string { return f.mimeType }

func (f *OSFile) Open() (io.ReadCloser, error) { return os.Open(f.path) }
