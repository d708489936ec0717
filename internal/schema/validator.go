// internal/schema/validator.go
// Package schema validates marketplace documents against versioned JSON schemas.
// Every document kind keeps one compiled schema per version; documents carrying a
// version the registry does not know are rejected instead of being read optimistically.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/datamarket/datamarket-go/internal/metrics"
)

// Document kinds known to the validator.
const (
	DatasetMetadata = "dataset.metadata" // Metadata JSON stored next to each dataset
	ProfileCreate   = "profile.create"   // New profile form
	ProfileUpdate   = "profile.update"   // Profile edit form
)

// ErrUnknownVersion is returned for a document version with no registered schema.
var ErrUnknownVersion = errors.New("unknown schema version")

// ValidationError lists every problem found in a document.
type ValidationError struct {
	Kind     string   // Document kind
	Version  string   // Schema version applied
	Problems []string // One entry per failed constraint, "field: description"
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, e.Version, strings.Join(e.Problems, "; "))
}

// Fields returns the names of the fields that failed validation, sorted and de-duplicated.
func (e *ValidationError) Fields() []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range e.Problems {
		field := p
		if i := strings.Index(p, ":"); i >= 0 {
			field = p[:i]
		}
		if !seen[field] {
			seen[field] = true
			out = append(out, field)
		}
	}
	sort.Strings(out)
	return out
}

// schemaSources maps kind -> version -> schema JSON.
var schemaSources = map[string]map[string]string{
	DatasetMetadata: {
		"1.0.0": `{
			"type": "object",
			"required": ["title", "description", "category", "fileType", "fileSize", "fileName", "fileHash", "license", "uploadedAt", "version"],
			"properties": {
				"title":       {"type": "string", "minLength": 3, "maxLength": 200},
				"description": {"type": "string", "minLength": 10, "maxLength": 5000},
				"category":    {"type": "string", "minLength": 1, "maxLength": 64},
				"fileType":    {"type": "string", "minLength": 1},
				"fileSize":    {"type": "integer", "minimum": 1},
				"fileName":    {"type": "string", "minLength": 1, "maxLength": 255},
				"fileHash":    {"type": "string", "pattern": "^[0-9a-f]{64}$"},
				"license":     {"type": "string", "maxLength": 128},
				"uploadedAt":  {"type": "integer", "minimum": 0},
				"version":     {"const": "1.0.0"}
			}
		}`,
	},
	ProfileCreate: {
		"1.0.0": `{
			"type": "object",
			"required": ["username"],
			"properties": {
				"username":     {"type": "string", "minLength": 3, "maxLength": 20, "pattern": "^[a-zA-Z0-9_-]+$"},
				"bio":          {"type": "string", "maxLength": 500},
				"avatarBlobId": {"type": "string", "maxLength": 256}
			}
		}`,
	},
	ProfileUpdate: {
		"1.0.0": `{
			"type": "object",
			"properties": {
				"bio":          {"type": "string", "maxLength": 500},
				"avatarBlobId": {"type": "string", "maxLength": 256},
				"twitter":      {"type": "string", "maxLength": 64},
				"github":       {"type": "string", "maxLength": 64},
				"website":      {"type": "string", "maxLength": 256, "pattern": "^(https?://\\S+)?$"}
			}
		}`,
	},
}

// Latest is the version new documents of each kind are written with.
var Latest = map[string]string{
	DatasetMetadata: "1.0.0",
	ProfileCreate:   "1.0.0",
	ProfileUpdate:   "1.0.0",
}

// Validator validates documents against compiled schemas.
type Validator struct {
	schemas map[string]map[string]*gojsonschema.Schema // kind -> version -> schema
	metrics *metrics.Metrics
}

// NewValidator compiles every registered schema.
// Returns:
//   - *Validator: Initialized validator instance
//   - error: Any schema that failed to compile
func NewValidator() (*Validator, error) {
	v := &Validator{
		schemas: make(map[string]map[string]*gojsonschema.Schema),
		metrics: metrics.NewMetrics(),
	}
	for kind, versions := range schemaSources {
		v.schemas[kind] = make(map[string]*gojsonschema.Schema)
		for version, src := range versions {
			s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
			if err != nil {
				return nil, fmt.Errorf("invalid schema for %s %s: %w", kind, version, err)
			}
			v.schemas[kind][version] = s
		}
	}
	return v, nil
}

// Versions lists the registered versions of a kind.
func (v *Validator) Versions(kind string) []string {
	var out []string
	for version := range v.schemas[kind] {
		out = append(out, version)
	}
	sort.Strings(out)
	return out
}

// Validate checks doc against the schema of kind at version.
// doc may be any value that marshals to JSON.
// Parameters:
//   - kind: Document kind, e.g. DatasetMetadata
//   - version: Schema version; empty selects the latest
//   - doc: Document to validate
// Returns:
//   - error: ErrUnknownVersion, *ValidationError, or nil if valid
func (v *Validator) Validate(kind, version string, doc interface{}) (err error) {
	started := time.Now()
	defer func() {
		status := metrics.Status(err)
		v.metrics.SchemaValidationTotal.WithLabelValues(kind, status).Inc()
		v.metrics.SchemaValidationDuration.WithLabelValues(kind, status).Observe(time.Since(started).Seconds())
	}()

	if version == "" {
		version = Latest[kind]
	}
	s, ok := v.schemas[kind][version]
	if !ok {
		return fmt.Errorf("%w: %s %q", ErrUnknownVersion, kind, version)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{Kind: kind, Version: version}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "(root)" {
			if p, ok := desc.Details()["property"].(string); ok {
				field = p
			}
		}
		verr.Problems = append(verr.Problems, field+": "+desc.Description())
	}
	return verr
}
