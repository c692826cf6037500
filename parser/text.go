package parser

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TextParser handles plain text and markdown files.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt", "md", "markdown"} }

func (p *TextParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	content := strings.TrimSpace(string(data))
	if content == "" {
		return &ParseResult{Method: "native"}, nil
	}
	return &ParseResult{
		Sections: []Section{{Content: content, Type: "paragraph"}},
		Method:   "native",
	}, nil
}
