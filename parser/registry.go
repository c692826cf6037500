package parser

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/brunobiangulo/docgraph/llm"
)

// Registry maps formats to parsers and picks one per file.
type Registry struct {
	parsers map[string]Parser
	vision  llm.VisionProvider
}

// NewRegistry creates a registry with the built-in parsers. vision may be
// nil, in which case images and scanned PDFs cannot be read.
func NewRegistry(vision llm.VisionProvider) *Registry {
	r := &Registry{parsers: make(map[string]Parser), vision: vision}

	var fallback *PDFVisionParser
	if vision != nil {
		fallback = NewPDFVisionParser(vision)
	}

	builtin := []Parser{
		&PDFParser{Vision: fallback},
		&DOCXParser{},
		&XLSXParser{},
		&PPTXParser{},
		&TextParser{},
		&ImageParser{Vision: vision},
	}
	for _, p := range builtin {
		for _, f := range p.SupportedFormats() {
			r.parsers[f] = p
		}
	}
	return r
}

// Get returns the parser registered for format.
func (r *Registry) Get(format string) (Parser, error) {
	p, ok := r.parsers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return p, nil
}

// Register adds or replaces the parser for format.
func (r *Registry) Register(format string, p Parser) {
	r.parsers[format] = p
}

// Detect returns the format of the file at path. Content sniffing wins
// when it names a registered format; otherwise the file extension is used.
func (r *Registry) Detect(path string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))

	m, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detecting format of %s: %w", path, err)
	}
	sniffed := strings.TrimPrefix(m.Extension(), ".")
	if sniffed == "jpeg" {
		sniffed = "jpg"
	}

	// A generic zip or plain-text sniff says less than the extension
	// of an office or markdown file.
	if _, ok := r.parsers[ext]; ok && (sniffed == "zip" || sniffed == "txt") {
		return ext, nil
	}
	if _, ok := r.parsers[sniffed]; ok {
		return sniffed, nil
	}
	if _, ok := r.parsers[ext]; ok {
		return ext, nil
	}
	return "", fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, filepath.Base(path), m.String())
}

// Parse detects the format of path and runs the matching parser.
func (r *Registry) Parse(ctx context.Context, path string) (*ParseResult, error) {
	format, err := r.Detect(path)
	if err != nil {
		return nil, err
	}
	p, err := r.Get(format)
	if err != nil {
		return nil, err
	}

	res, err := p.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	res.Format = format
	slog.Debug("parser: parsed document",
		"path", path, "format", format, "method", res.Method, "sections", len(res.Sections))
	return res, nil
}

// Extract returns the text of the document at path.
func (r *Registry) Extract(ctx context.Context, path string) (string, error) {
	res, err := r.Parse(ctx, path)
	if err != nil {
		return "", err
	}
	text := res.Text()
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrNoText, filepath.Base(path))
	}
	return text, nil
}
