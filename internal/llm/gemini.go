package llm

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"

	"google.golang.org/genai"
)

// Gemini calls the Gemini API.
type Gemini struct {
	client *genai.Client
	model  string
}

func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Generate(ctx context.Context, p Prompt) (string, error) {
	parts := []*genai.Part{genai.NewPartFromText(p.User)}
	if p.ImageURL != "" {
		parts = append(parts, genai.NewPartFromURI(p.ImageURL, imageMIME(p.ImageURL)))
	}

	cfg := &genai.GenerateContentConfig{}
	if p.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(p.System, genai.RoleUser)
	}
	if p.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}

func imageMIME(ref string) string {
	if u, err := url.Parse(ref); err == nil {
		ref = u.Path
	}
	if t := mime.TypeByExtension(path.Ext(ref)); t != "" {
		return t
	}
	return "image/jpeg"
}
