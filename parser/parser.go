// Package parser extracts plain text from document files so it can be
// handed to a generative model.
package parser

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned for files no parser handles.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrVisionRequired is returned when a file can only be read by a
	// vision model and none is configured.
	ErrVisionRequired = errors.New("vision model required")

	// ErrNoText is returned when a document yields no text at all.
	ErrNoText = errors.New("no text extracted")
)

// ParseResult is what a parser produces from a document file.
type ParseResult struct {
	Sections []Section // Ordered sections extracted from the document
	Method   string    // "native" or "vision"
	Format   string
}

// Section represents a logical section of a parsed document.
type Section struct {
	Heading    string
	Content    string
	Level      int // Heading level (1=top, 2=sub, etc.)
	PageNumber int
	Type       string // "section", "table", "paragraph"
}

// Parser can parse a specific document format.
type Parser interface {
	Parse(ctx context.Context, path string) (*ParseResult, error)
	SupportedFormats() []string
}

// Text renders the sections as one string. Headings become markdown
// headings so the model still sees the document structure.
func (r *ParseResult) Text() string {
	var b strings.Builder
	for _, s := range r.Sections {
		if s.Heading != "" {
			level := s.Level
			if level < 1 {
				level = 1
			}
			if level > 6 {
				level = 6
			}
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(strings.Repeat("#", level) + " " + s.Heading + "\n")
		}
		content := strings.TrimSpace(s.Content)
		if content == "" {
			continue
		}
		if b.Len() > 0 && s.Heading == "" {
			b.WriteString("\n")
		}
		b.WriteString(content + "\n")
	}
	return strings.TrimSpace(b.String())
}
