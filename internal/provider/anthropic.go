package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"modelgate/internal/domain"
)

const anthropicDefaultURL = "https://api.anthropic.com/v1/messages"

// AnthropicClient talks to the Anthropic messages API directly; the
// payload is small enough that a vendored SDK buys nothing.
type AnthropicClient struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

func (c *AnthropicClient) Generate(ctx context.Context, req domain.BackendRequest, onProgress ProgressFunc) (*domain.BackendResponse, error) {
	model := c.Model
	if model == "" {
		model = "claude-3-5-sonnet-latest"
	}
	body := map[string]any{
		"model":      model,
		"max_tokens": 1024,
		"messages": []map[string]any{{
			"role":    "user",
			"content": []map[string]string{{"type": "text", "text": req.Prompt}},
		}},
	}
	if req.System != "" {
		body["system"] = req.System
	}
	url := c.BaseURL
	if url == "" {
		url = anthropicDefaultURL
	}
	b, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, TransportError{Provider: "anthropic", Err: err}
	}
	httpReq.Header.Set("x-api-key", c.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("content-type", "application/json")

	res, err := (&http.Client{Timeout: c.Timeout}).Do(httpReq)
	if err != nil {
		return nil, TransportError{Provider: "anthropic", Err: err}
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, TransportError{Provider: "anthropic", Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, TransportError{Provider: "anthropic", Err: fmt.Errorf("status %d: %s", res.StatusCode, truncate(raw, 512))}
	}
	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, TransportError{Provider: "anthropic", Err: err}
	}
	if len(parsed.Content) == 0 {
		return nil, TransportError{Provider: "anthropic", Err: fmt.Errorf("empty content")}
	}
	onProgress("response received")
	return &domain.BackendResponse{Text: parsed.Content[0].Text, Model: model, Raw: raw}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
