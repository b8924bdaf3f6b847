package provider

import (
	"context"
	"fmt"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"modelgate/internal/domain"
)

// GeminiClient uses the official genai SDK. The client is created lazily
// so that construction never needs network access.
type GeminiClient struct {
	APIKey string
	Model  string
}

func (c *GeminiClient) Generate(ctx context.Context, req domain.BackendRequest, onProgress ProgressFunc) (*domain.BackendResponse, error) {
	model := c.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.APIKey))
	if err != nil {
		return nil, TransportError{Provider: "gemini", Err: err}
	}
	defer client.Close()
	gm := client.GenerativeModel(model)
	if req.System != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	resp, err := gm.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return nil, TransportError{Provider: "gemini", Err: err}
	}
	text := firstText(resp)
	if text == "" {
		return nil, TransportError{Provider: "gemini", Err: fmt.Errorf("empty candidates")}
	}
	onProgress("response received")
	return &domain.BackendResponse{Text: text, Model: model}, nil
}

func firstText(r *genai.GenerateContentResponse) string {
	if r == nil {
		return ""
	}
	for _, c := range r.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}
