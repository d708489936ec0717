package publish

import (
	"fmt"
	"mime"
	"path/filepath"
	"sort"
	"strings"

	errordefs "github.com/datamarket/datamarket-go/internal/errors"
)

// File size bounds applied when Limits leaves them unset.
const (
	DefaultMinFileSize int64 = 1 << 10  // 1 KiB
	DefaultMaxFileSize int64 = 10 << 30 // 10 GiB
)

// DefaultAllowedTypes maps each accepted MIME type to its file extensions.
var DefaultAllowedTypes = map[string][]string{
	"text/csv":          {".csv"},
	"application/json":  {".json"},
	"text/plain":        {".txt"},
	"application/pdf":   {".pdf"},
	"application/zip":   {".zip"},
	"application/x-tar": {".tar"},
	"application/gzip":  {".gz"},
}

// Limits bounds which files may be published.
type Limits struct {
	MinSize      int64
	MaxSize      int64
	AllowedTypes map[string][]string // MIME type -> extensions
}

// DefaultLimits returns the standard upload limits.
func DefaultLimits() Limits {
	return Limits{MinSize: DefaultMinFileSize, MaxSize: DefaultMaxFileSize, AllowedTypes: DefaultAllowedTypes}
}

func (l Limits) withDefaults() Limits {
	if l.MinSize <= 0 {
		l.MinSize = DefaultMinFileSize
	}
	if l.MaxSize <= 0 {
		l.MaxSize = DefaultMaxFileSize
	}
	if len(l.AllowedTypes) == 0 {
		l.AllowedTypes = DefaultAllowedTypes
	}
	return l
}

// extensions returns the sorted allow-listed extensions.
func (l Limits) extensions() []string {
	var out []string
	for _, exts := range l.AllowedTypes {
		out = append(out, exts...)
	}
	sort.Strings(out)
	return out
}

// ValidateFile checks a file against the limits without touching the network.
// A file passes the type check when either its MIME type or its extension is allowed.
func ValidateFile(f FileSource, limits Limits) error {
	limits = limits.withDefaults()
	if f == nil {
		return errordefs.New(errordefs.MKT_FILE_MISSING, "No file provided", "")
	}
	size := f.Size()
	if size < limits.MinSize {
		return errordefs.Errorf(errordefs.MKT_FILE_TOO_SMALL, "File is too small (min %s)", formatSize(limits.MinSize))
	}
	if size > limits.MaxSize {
		return errordefs.Errorf(errordefs.MKT_FILE_TOO_LARGE, "File is too large (max %s)", formatSize(limits.MaxSize))
	}

	mimeType := normalizeMIME(f.ContentType())
	ext := strings.ToLower(filepath.Ext(f.Name()))
	_, typeOK := limits.AllowedTypes[mimeType]
	extOK := false
	for _, e := range limits.extensions() {
		if e == ext {
			extOK = true
			break
		}
	}
	if !typeOK && !extOK {
		return errordefs.Errorf(errordefs.MKT_FILE_TYPE, "Invalid file type. Allowed: %s", strings.Join(limits.extensions(), ", "))
	}
	return nil
}

func normalizeMIME(t string) string {
	if t == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(t)
	if err != nil {
		return strings.ToLower(t)
	}
	return mt
}

// formatSize renders a byte count with binary units.
func formatSize(n int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d %s", int64(v), units[i])
	}
	return fmt.Sprintf("%.2f %s", v, units[i])
}

var fileCategories = []struct {
	name string
	exts []string
}{
	{"Tabular Data", []string{"csv", "tsv", "xls", "xlsx"}},
	{"Text Data", []string{"txt", "md", "doc", "docx"}},
	{"Structured Data", []string{"json", "xml", "yaml", "yml"}},
	{"Code", []string{"py", "js", "ts", "java", "cpp", "c"}},
	{"Archive", []string{"zip", "tar", "gz", "rar"}},
	{"Document", []string{"pdf"}},
	{"Image", []string{"jpg", "jpeg", "png", "gif", "svg"}},
}

// FileTypeCategory names the broad kind of a file from its extension.
func FileTypeCategory(fileName string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(fileName)), ".")
	for _, c := range fileCategories {
		for _, e := range c.exts {
			if e == ext {
				return c.name
			}
		}
	}
	return "Other"
}
