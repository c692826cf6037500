package parser

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXParser reads paragraphs and tables from word/document.xml.
// Heading and Title paragraph styles start new sections.
type DOCXParser struct{}

func (p *DOCXParser) SupportedFormats() []string { return []string{"docx"} }

func (p *DOCXParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("opening DOCX: %w", err)
	}
	defer r.Close()

	data, err := readZipEntry(&r.Reader, "word/document.xml")
	if err != nil {
		return nil, fmt.Errorf("reading DOCX: %w", err)
	}

	sections, err := parseDocxXML(data)
	if err != nil {
		return nil, fmt.Errorf("parsing DOCX XML: %w", err)
	}
	return &ParseResult{Sections: sections, Method: "native"}, nil
}

// readZipEntry returns the contents of the named archive member.
func readZipEntry(r *zip.Reader, name string) ([]byte, error) {
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

type docxBody struct {
	Paras  []docxPara  `xml:"p"`
	Tables []docxTable `xml:"tbl"`
}

type docxPara struct {
	PPr  *docxParaPr `xml:"pPr"`
	Runs []docxRun   `xml:"r"`
}

type docxParaPr struct {
	PStyle *docxPStyle `xml:"pStyle"`
}

type docxPStyle struct {
	Val string `xml:"val,attr"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
}

type docxText struct {
	Content string `xml:",chardata"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}

func parseDocxXML(data []byte) ([]Section, error) {
	var doc docxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var sections []Section
	var content strings.Builder
	var heading string
	level := 0

	flush := func() {
		if content.Len() == 0 && heading == "" {
			return
		}
		sections = append(sections, Section{
			Heading: heading,
			Content: strings.TrimSpace(content.String()),
			Level:   level,
			Type:    "section",
		})
		content.Reset()
	}

	for _, para := range doc.Body.Paras {
		text := paraText(para)
		if text == "" {
			continue
		}

		style := ""
		if para.PPr != nil && para.PPr.PStyle != nil {
			style = strings.ToLower(para.PPr.PStyle.Val)
		}
		if strings.HasPrefix(style, "heading") || strings.HasPrefix(style, "title") {
			flush()
			heading = text
			level = headingStyleLevel(style)
			continue
		}

		if content.Len() > 0 {
			content.WriteString("\n")
		}
		content.WriteString(text)
	}
	flush()

	for _, tbl := range doc.Body.Tables {
		var b strings.Builder
		for _, row := range tbl.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				parts := make([]string, 0, len(cell.Paras))
				for _, p := range cell.Paras {
					if t := paraText(p); t != "" {
						parts = append(parts, t)
					}
				}
				cells = append(cells, strings.Join(parts, " "))
			}
			b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		}
		if b.Len() > 0 {
			sections = append(sections, Section{Content: b.String(), Type: "table"})
		}
	}

	return sections, nil
}

func paraText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t.Content)
		}
	}
	return strings.TrimSpace(b.String())
}

// headingStyleLevel maps "heading2" to 2. Titles are level 1.
func headingStyleLevel(style string) int {
	if strings.HasPrefix(style, "title") {
		return 1
	}
	for i := 1; i <= 9; i++ {
		if strings.HasSuffix(style, fmt.Sprint(i)) {
			return i
		}
	}
	return 1
}
