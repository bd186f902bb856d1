package parser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/docsync/internal/tracing"
	"github.com/harun/docsync/pkg/ingesterr"
	"go.opentelemetry.io/otel/attribute"
)

// Registry maps file types to parsers
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with the PDF, plain text and markdown parsers
func NewRegistry() *Registry {
	registry := &Registry{
		parsers: make(map[string]Parser),
	}

	registry.Register(NewPDFParser())
	registry.Register(NewTextParser())
	registry.Register(NewMarkdownParser())

	return registry
}

// Register adds parser under every type it supports. Later registrations
// win.
func (r *Registry) Register(parser Parser) {
	for _, fileType := range parser.SupportedTypes() {
		r.parsers[normalizeType(fileType)] = parser
	}
}

// normalizeType accepts "pdf", ".PDF" or "application/pdf" style keys
func normalizeType(fileType string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(fileType)), ".")
}

// GetParser finds the parser for a file type, extension or file path
func (r *Registry) GetParser(fileTypeOrPath string) (Parser, error) {
	if parser, ok := r.parsers[normalizeType(fileTypeOrPath)]; ok {
		return parser, nil
	}
	if ext := filepath.Ext(fileTypeOrPath); ext != "" {
		if parser, ok := r.parsers[normalizeType(ext)]; ok {
			return parser, nil
		}
	}
	return nil, ingesterr.UnsupportedFileType(fileTypeOrPath)
}

// Supports reports whether a parser is registered for fileType
func (r *Registry) Supports(fileType string) bool {
	_, err := r.GetParser(fileType)
	return err == nil
}

// ParseFile parses the file at path as fileType. The base name is recorded
// as filename and the type as fileType in the document metadata.
func (r *Registry) ParseFile(ctx context.Context, path, fileType string) (*Document, error) {
	ctx, span := tracing.StartSpan(ctx, "docsync.parser", "parser.parse_file",
		attribute.String("file_type", fileType),
	)
	defer span.End()

	parser, err := r.GetParser(fileType)
	if err != nil {
		tracing.FailSpan(span, err, "unsupported file type")
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		tracing.FailSpan(span, err, "open failed")
		if errors.Is(err, os.ErrNotExist) {
			return nil, ingesterr.Validation("parse file", "file %s does not exist", path)
		}
		return nil, ingesterr.Transient("open file", err)
	}
	defer f.Close()

	doc, err := parser.Parse(ctx, f)
	if err != nil {
		tracing.FailSpan(span, err, "parse failed")
		if ingesterr.KindOf(err) == "" {
			err = ingesterr.Transient("parse file", fmt.Errorf("%s: %w", filepath.Base(path), err))
		}
		return nil, err
	}

	if doc.Metadata == nil {
		doc.Metadata = make(map[string]any)
	}
	doc.Metadata[MetaFilename] = filepath.Base(path)
	doc.Metadata[MetaFileType] = normalizeType(fileType)

	span.SetAttributes(attribute.Int("word_count", doc.WordCount()))
	return doc, nil
}

// SupportedTypes lists the registered short type names, sorted
func (r *Registry) SupportedTypes() []string {
	var types []string
	for fileType := range r.parsers {
		if strings.Contains(fileType, "/") {
			continue
		}
		types = append(types, fileType)
	}
	sort.Strings(types)
	return types
}
