package schema

import (
	"errors"
	"strings"
	"testing"
)

func validMetadata() map[string]interface{} {
	return map[string]interface{}{
		"title":       "Test Dataset",
		"description": "twenty characters ok",
		"category":    "finance",
		"fileType":    "text/csv",
		"fileSize":    2048,
		"fileName":    "data.csv",
		"fileHash":    strings.Repeat("ab", 32),
		"license":     "CC-BY-4.0",
		"uploadedAt":  1700000000000,
		"version":     "1.0.0",
	}
}

func TestValidateMetadata(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Validate(DatasetMetadata, "", validMetadata()); err != nil {
		t.Fatalf("valid metadata rejected: %v", err)
	}

	tests := []struct {
		field string
		value interface{}
	}{
		{"title", "ab"},
		{"description", "short"},
		{"fileSize", 0},
		{"fileHash", "not-a-hash"},
		{"version", "2.0.0"},
	}
	for _, tt := range tests {
		doc := validMetadata()
		doc[tt.field] = tt.value
		err := v.Validate(DatasetMetadata, "1.0.0", doc)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s=%v: err = %v, want *ValidationError", tt.field, tt.value, err)
			continue
		}
		fields := verr.Fields()
		if len(fields) != 1 || fields[0] != tt.field {
			t.Errorf("%s=%v: fields = %v", tt.field, tt.value, fields)
		}
	}
}

func TestValidateMissingField(t *testing.T) {
	v, _ := NewValidator()
	doc := validMetadata()
	delete(doc, "fileHash")
	var verr *ValidationError
	if err := v.Validate(DatasetMetadata, "", doc); !errors.As(err, &verr) {
		t.Fatalf("err = %v", err)
	}
	if f := verr.Fields(); len(f) != 1 || f[0] != "fileHash" {
		t.Errorf("fields = %v", f)
	}
}

func TestValidateUnknownVersion(t *testing.T) {
	v, _ := NewValidator()
	if err := v.Validate(DatasetMetadata, "9.9.9", validMetadata()); !errors.Is(err, ErrUnknownVersion) {
		t.Fatalf("err = %v, want ErrUnknownVersion", err)
	}
}

func TestValidateUsername(t *testing.T) {
	v, _ := NewValidator()
	tests := map[string]bool{
		"alice":                 true,
		"a_b-c9":                true,
		"ab":                    false,
		"has space":             false,
		"way_too_long_username": false,
		"émile":                 false,
	}
	for name, ok := range tests {
		err := v.Validate(ProfileCreate, "", map[string]interface{}{"username": name})
		if (err == nil) != ok {
			t.Errorf("username %q: err = %v, want ok=%v", name, err, ok)
		}
	}
}

func TestValidateProfileUpdateWebsite(t *testing.T) {
	v, _ := NewValidator()
	if err := v.Validate(ProfileUpdate, "", map[string]interface{}{"website": ""}); err != nil {
		t.Errorf("empty website rejected: %v", err)
	}
	if err := v.Validate(ProfileUpdate, "", map[string]interface{}{"website": "https://example.com"}); err != nil {
		t.Errorf("valid website rejected: %v", err)
	}
	if err := v.Validate(ProfileUpdate, "", map[string]interface{}{"website": "javascript:alert(1)"}); err == nil {
		t.Error("non-http website accepted")
	}
}
