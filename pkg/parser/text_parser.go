package parser

import (
	"context"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/harun/docsync/pkg/ingesterr"
)

// TextParser reads plain UTF-8 text files
type TextParser struct{}

func NewTextParser() *TextParser {
	return &TextParser{}
}

func (p *TextParser) Parse(ctx context.Context, reader io.Reader) (*Document, error) {
	content, err := readText(reader)
	if err != nil {
		return nil, err
	}

	return &Document{
		Text: content,
		Metadata: map[string]any{
			MetaWordCount: CountWords(content),
		},
	}, nil
}

func (p *TextParser) SupportedTypes() []string {
	return []string{"txt", "text", "text/plain"}
}

// MarkdownParser reads markdown files. Front matter is dropped and the
// first level-one heading, if any, is recorded as the title.
type MarkdownParser struct{}

func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{}
}

var (
	frontMatterRe = regexp.MustCompile(`(?s)\A---\r?\n.*?\r?\n---[ \t]*(\r?\n|\z)`)
	titleRe       = regexp.MustCompile(`(?m)^#\s+(.+?)\s*#*\s*$`)
)

func (p *MarkdownParser) Parse(ctx context.Context, reader io.Reader) (*Document, error) {
	content, err := readText(reader)
	if err != nil {
		return nil, err
	}

	content = strings.TrimSpace(frontMatterRe.ReplaceAllString(content, ""))
	if content == "" {
		return nil, ingesterr.Validation("parse markdown", "no text content found")
	}

	meta := map[string]any{
		MetaWordCount: CountWords(content),
	}
	if m := titleRe.FindStringSubmatch(content); m != nil {
		meta["title"] = m[1]
	}

	return &Document{Text: content, Metadata: meta}, nil
}

func (p *MarkdownParser) SupportedTypes() []string {
	return []string{"md", "markdown", "text/markdown"}
}

func readText(reader io.Reader) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", ingesterr.Transient("read text", err)
	}
	if !utf8.Valid(data) {
		return "", ingesterr.Validation("parse text", "file is not valid UTF-8")
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return "", ingesterr.Validation("parse text", "no text content found")
	}
	return content, nil
}

var (
	_ Parser = (*TextParser)(nil)
	_ Parser = (*MarkdownParser)(nil)
)
