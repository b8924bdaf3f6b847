package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"modelgate/internal/domain"
)

const openaiDefaultURL = "https://api.openai.com/v1"

// OpenAIClient talks to the chat completions API.
type OpenAIClient struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

func (c *OpenAIClient) Generate(ctx context.Context, req domain.BackendRequest, onProgress ProgressFunc) (*domain.BackendResponse, error) {
	model := c.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	messages := []map[string]string{}
	if req.System != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.System})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})
	body := map[string]any{
		"model":    model,
		"messages": messages,
	}
	base := c.BaseURL
	if base == "" {
		base = openaiDefaultURL
	}
	url := strings.TrimRight(base, "/") + "/chat/completions"
	b, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, TransportError{Provider: "openai", Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := (&http.Client{Timeout: c.Timeout}).Do(httpReq)
	if err != nil {
		return nil, TransportError{Provider: "openai", Err: err}
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, TransportError{Provider: "openai", Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, TransportError{Provider: "openai", Err: fmt.Errorf("status %d: %s", res.StatusCode, truncate(raw, 512))}
	}
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, TransportError{Provider: "openai", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, TransportError{Provider: "openai", Err: fmt.Errorf("empty choices")}
	}
	onProgress("response received")
	return &domain.BackendResponse{Text: parsed.Choices[0].Message.Content, Model: model, Raw: raw}, nil
}
