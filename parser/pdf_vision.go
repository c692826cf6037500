package parser

import (
	"context"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/brunobiangulo/docgraph/llm"
)

const transcribePrompt = `Transcribe all text content from this document. Preserve the structure:
- For tables, format as markdown tables
- For headings, prefix with appropriate markdown heading levels
- For lists, use markdown list format
- For diagrams, describe the content in [Diagram: ...] blocks
- Preserve section numbering
Return only the transcription.`

// PDFVisionParser uses a vision model to read PDFs without a text layer,
// such as scans.
type PDFVisionParser struct {
	visionProvider llm.VisionProvider
}

func NewPDFVisionParser(provider llm.VisionProvider) *PDFVisionParser {
	return &PDFVisionParser{visionProvider: provider}
}

func (p *PDFVisionParser) SupportedFormats() []string { return []string{"pdf"} }

func (p *PDFVisionParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading PDF for vision: %w", err)
	}
	text, err := transcribe(ctx, p.visionProvider, "application/pdf", data)
	if err != nil {
		return nil, err
	}
	return &ParseResult{
		Sections: splitPageIntoSections(text, 1),
		Method:   "vision",
	}, nil
}

// ImageParser transcribes images with a vision model.
type ImageParser struct {
	Vision llm.VisionProvider
}

func (p *ImageParser) SupportedFormats() []string {
	return []string{"png", "jpg", "jpeg", "gif", "webp"}
}

func (p *ImageParser) Parse(ctx context.Context, path string) (*ParseResult, error) {
	if p.Vision == nil {
		return nil, fmt.Errorf("%w: cannot read image %s", ErrVisionRequired, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	text, err := transcribe(ctx, p.Vision, mimetype.Detect(data).String(), data)
	if err != nil {
		return nil, err
	}
	return &ParseResult{
		Sections: []Section{{Content: text, Type: "paragraph", PageNumber: 1}},
		Method:   "vision",
	}, nil
}

func transcribe(ctx context.Context, vision llm.VisionProvider, mime string, data []byte) (string, error) {
	resp, err := vision.ChatWithImages(ctx, llm.VisionChatRequest{
		Messages: []llm.VisionMessage{{
			Role: "user",
			Content: []llm.ContentPart{
				{Type: "text", Text: transcribePrompt},
				{Type: "image_url", ImageURL: &llm.ImageURL{URL: llm.DataURL(mime, data)}},
			},
		}},
		MaxTokens: 8192,
	})
	if err != nil {
		return "", fmt.Errorf("vision extraction failed: %w", err)
	}
	return resp.Content, nil
}
