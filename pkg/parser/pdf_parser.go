package parser

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/harun/docsync/pkg/ingesterr"
	"github.com/ledongthuc/pdf"
)

// PDFParser extracts the text layer of PDF files
type PDFParser struct{}

func NewPDFParser() *PDFParser {
	return &PDFParser{}
}

// Parse reads the whole document, then extracts text page by page. A file
// that is not a PDF, or has no text layer, cannot succeed on retry and is
// reported as a validation error.
func (p *PDFParser) Parse(ctx context.Context, reader io.Reader) (doc *Document, err error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, ingesterr.Transient("read pdf", err)
	}

	if len(data) < 4 || !bytes.HasPrefix(data, []byte("%PDF")) {
		return nil, ingesterr.Validation("parse pdf", "not a PDF file: invalid header (got: %q)", data[:min(10, len(data))])
	}

	// The pdf package panics on some malformed object streams.
	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = ingesterr.Validation("parse pdf", "malformed pdf: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, ingesterr.Validation("parse pdf", "failed to parse pdf: %v", err)
	}

	var text strings.Builder
	numPages := r.NumPage()
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text.WriteString(pageText(page))
		text.WriteString("\n")
	}

	extracted := strings.TrimSpace(text.String())
	if extracted == "" {
		return nil, ingesterr.Validation("parse pdf", "no text content found in PDF")
	}

	return &Document{
		Text: extracted,
		Metadata: map[string]any{
			MetaPageCount: numPages,
			MetaWordCount: CountWords(extracted),
		},
	}, nil
}

// pageText prefers the font-aware plain text and falls back to the raw
// content stream runs
func pageText(page pdf.Page) string {
	if s, err := page.GetPlainText(nil); err == nil && strings.TrimSpace(s) != "" {
		return s
	}

	var b strings.Builder
	for _, t := range page.Content().Text {
		b.WriteString(t.S)
	}
	return b.String()
}

func (p *PDFParser) SupportedTypes() []string {
	return []string{"pdf", "application/pdf"}
}

var _ Parser = (*PDFParser)(nil)
