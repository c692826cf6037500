package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// geminiProvider talks to the Gemini API through the genai SDK.
type geminiProvider struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini provider. An API key is required; BaseURL
// overrides the API endpoint when set.
func NewGemini(ctx context.Context, cfg Config) (VisionProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &geminiProvider{client: client, model: model}, nil
}

func (p *geminiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	cfg := p.generateConfig(req.Temperature, req.MaxTokens)
	if req.ResponseFormat == "json_object" {
		cfg.ResponseMIMEType = "application/json"
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		if m.Role == "system" {
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, geminiRole(m.Role)))
	}
	return p.generate(ctx, req.Model, contents, cfg)
}

func (p *geminiProvider) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	cfg := p.generateConfig(req.Temperature, req.MaxTokens)

	var contents []*genai.Content
	for _, m := range req.Messages {
		parts := make([]*genai.Part, 0, len(m.Content))
		for _, c := range m.Content {
			switch c.Type {
			case "text":
				parts = append(parts, genai.NewPartFromText(c.Text))
			case "image_url":
				if c.ImageURL == nil {
					continue
				}
				data, mime, err := decodeDataURL(c.ImageURL.URL)
				if err != nil {
					return nil, err
				}
				parts = append(parts, genai.NewPartFromBytes(data, mime))
			}
		}
		contents = append(contents, genai.NewContentFromParts(parts, geminiRole(m.Role)))
	}
	return p.generate(ctx, req.Model, contents, cfg)
}

func (p *geminiProvider) generateConfig(temperature float64, maxTokens int) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(temperature)),
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}
	return cfg
}

func (p *geminiProvider) generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*ChatResponse, error) {
	if model == "" {
		model = p.model
	}
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	out := &ChatResponse{
		Content:      resp.Text(),
		Model:        model,
		FinishReason: string(resp.Candidates[0].FinishReason),
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.PromptTokens = int(u.PromptTokenCount)
		out.CompletionTokens = int(u.CandidatesTokenCount)
		out.TotalTokens = int(u.TotalTokenCount)
	}
	return out, nil
}

func geminiRole(role string) genai.Role {
	if role == "assistant" || role == "model" {
		return genai.RoleModel
	}
	return genai.RoleUser
}

// decodeDataURL splits a "data:<mime>;base64,<payload>" URL.
func decodeDataURL(url string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil, "", fmt.Errorf("gemini: unsupported image url %q: only data urls are accepted", truncate(url, 40))
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("gemini: malformed data url")
	}
	mime, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, "", fmt.Errorf("gemini: data url is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("gemini: decoding image: %w", err)
	}
	return data, mime, nil
}

// DataURL encodes raw image bytes for an ImageURL.
func DataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
