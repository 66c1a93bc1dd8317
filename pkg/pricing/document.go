package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a pricing document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
)

// DocumentExtensions lists the file extensions recognized as pricing documents.
var DocumentExtensions = []string{".yaml", ".yml", ".json", ".toml"}

// Document is a pricing table: a set of versioned models published together.
type Document struct {
	Models []Model `json:"models" yaml:"models" toml:"models"`
}

// FormatForPath returns the document format implied by a file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	}
	return "", fmt.Errorf("unsupported pricing document extension %q", filepath.Ext(path))
}

// ParseDocument decodes a pricing document.
func ParseDocument(data []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML pricing document: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON pricing document: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &doc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TOML pricing document: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in TOML pricing document: %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unsupported pricing document format %q", format)
	}
	return &doc, nil
}

// LoadDocument reads and decodes a pricing document from disk.
func LoadDocument(path string) (*Document, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing document: %w", err)
	}
	return ParseDocument(data, format)
}

// LoadDocuments reads a document, or every document in a directory in
// lexical order, merged into one.
func LoadDocuments(path string) (*Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat pricing path: %w", err)
	}
	if !info.IsDir() {
		return LoadDocument(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := FormatForPath(e.Name()); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	merged := &Document{}
	for _, name := range names {
		doc, err := LoadDocument(filepath.Join(path, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		merged.Models = append(merged.Models, doc.Models...)
	}
	return merged, nil
}

// PublishDocument publishes every model of doc that is not already
// published. Versions already published with identical content are
// skipped; a version republished with different content fails with
// DuplicateVersionError and nothing from the document is published.
func (r *Registry) PublishDocument(ctx context.Context, doc *Document) ([]*Model, error) {
	var pending []Model
	for _, m := range doc.Models {
		n, err := Normalize(m, r.currencies)
		if err != nil {
			return nil, err
		}
		if existing, err := r.Resolve(n.Version); err == nil {
			if existing.Digest() != n.Digest() {
				return nil, NewDuplicateVersionError(n.Version)
			}
			continue
		}
		pending = append(pending, *n)
	}
	return r.PublishAll(ctx, pending)
}
