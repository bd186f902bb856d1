// Package parser extracts plain text and document statistics from files.
package parser

import (
	"context"
	"io"
	"strings"
)

// Metadata keys set by parsers
const (
	MetaFilename  = "filename"
	MetaFileType  = "fileType"
	MetaPageCount = "pageCount"
	MetaWordCount = "wordCount"
)

// Parser turns the bytes of one document type into text
type Parser interface {
	Parse(ctx context.Context, reader io.Reader) (*Document, error)
	SupportedTypes() []string
}

// Document is the text of a parsed file plus what the parser learned about it
type Document struct {
	Text     string
	Metadata map[string]any
}

// PageCount returns the page count, or 0 for formats without pages
func (d *Document) PageCount() int {
	n, _ := d.Metadata[MetaPageCount].(int)
	return n
}

// WordCount returns the number of whitespace-separated tokens
func (d *Document) WordCount() int {
	n, _ := d.Metadata[MetaWordCount].(int)
	return n
}

// CountWords counts non-empty whitespace-separated tokens
func CountWords(text string) int {
	return len(strings.Fields(text))
}
