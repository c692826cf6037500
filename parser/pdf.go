package parser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"
)

// PDFParser reads the text layer of a PDF, one page at a time. When no
// page yields text and Vision is set, the whole file is transcribed by the
// vision model instead.
type PDFParser struct {
	Vision *PDFVisionParser
}

func (p *PDFParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	sections := make([]Section, 0)

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			slog.Debug("parser: skipping unreadable pdf page", "path", path, "page", i, "error", err)
			continue
		}

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		sections = append(sections, splitPageIntoSections(text, i)...)
	}

	if len(sections) > 0 {
		return &ParseResult{Sections: sections, Method: "native"}, nil
	}
	if p.Vision == nil {
		return nil, fmt.Errorf("%w: pdf has no text layer", ErrVisionRequired)
	}
	slog.Info("parser: pdf has no text layer, using vision model", "path", path, "pages", totalPages)
	return p.Vision.Parse(ctx, path)
}

// splitPageIntoSections breaks page text into logical sections.
func splitPageIntoSections(text string, pageNum int) []Section {
	lines := strings.Split(text, "\n")
	var sections []Section
	var currentContent strings.Builder
	var currentHeading string
	currentLevel := 0

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if currentContent.Len() > 0 {
				currentContent.WriteString("\n")
			}
			continue
		}

		// Detect headings: all-caps lines, numbered sections, short bold-like lines
		if isLikelyHeading(trimmed) {
			// Save previous section
			if currentContent.Len() > 0 {
				sections = append(sections, Section{
					Heading:    currentHeading,
					Content:    strings.TrimSpace(currentContent.String()),
					Level:      currentLevel,
					PageNumber: pageNum,
					Type:       sectionType(currentContent.String()),
				})
				currentContent.Reset()
			}
			currentHeading = trimmed
			currentLevel = detectHeadingLevel(trimmed)
		} else {
			if currentContent.Len() > 0 {
				currentContent.WriteString("\n")
			}
			currentContent.WriteString(trimmed)
		}
	}

	// Final section
	if currentContent.Len() > 0 {
		sections = append(sections, Section{
			Heading:    currentHeading,
			Content:    strings.TrimSpace(currentContent.String()),
			Level:      currentLevel,
			PageNumber: pageNum,
			Type:       sectionType(currentContent.String()),
		})
	}

	// If no sections were created, return the whole page as one section
	if len(sections) == 0 && strings.TrimSpace(text) != "" {
		sections = append(sections, Section{
			Content:    text,
			PageNumber: pageNum,
			Type:       "paragraph",
		})
	}

	return sections
}

// headingPrefixes open a heading line in English, Italian and Spanish.
var headingPrefixes = []string{
	"section ", "article ", "chapter ", "part ", "appendix ",
	"sezione ", "articolo ", "capitolo ", "parte ", "allegato ",
	"sección ", "seccion ", "capítulo ", "capitulo ", "anexo ",
}

// captionPrefixes only mark a heading when a number follows, so running
// text such as "table below shows" is not split.
var captionPrefixes = []string{"table ", "figure ", "tabella ", "tabla ", "figura "}

func isLikelyHeading(line string) bool {
	// All caps and short
	if len(line) < 100 && len(line) > 2 && line == strings.ToUpper(line) && line != strings.ToLower(line) {
		return true
	}
	if len(line) >= 120 {
		return false
	}
	// Numbered section like "1.", "1.1", "3.9.1"
	if line[0] >= '0' && line[0] <= '9' && strings.Contains(line[:min(10, len(line))], ".") {
		return true
	}
	lower := strings.ToLower(line)
	for _, p := range headingPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	for _, p := range captionPrefixes {
		if strings.HasPrefix(lower, p) && len(lower) > len(p) && lower[len(p)] >= '0' && lower[len(p)] <= '9' {
			return true
		}
	}
	return false
}

func detectHeadingLevel(heading string) int {
	// Count dots in numbering to determine depth
	parts := strings.SplitN(heading, " ", 2)
	if len(parts) > 0 {
		dots := strings.Count(parts[0], ".")
		if dots > 0 {
			return dots
		}
	}
	// All-caps = top level
	if heading == strings.ToUpper(heading) {
		return 1
	}
	return 2
}

// sectionType marks content with tab or pipe columns as a table.
func sectionType(content string) string {
	if strings.Count(content, "\t") > 3 || strings.Count(content, "|") > 3 {
		return "table"
	}
	return "section"
}
