package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Echo returns its input; useful for pipeline smoke tests.
type Echo struct{}

func (e *Echo) Name() string { return "echo" }

func (e *Echo) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	text, _ := inputs["text"].(string)
	return fmt.Sprintf("echo: %s", text), "", nil
}

const httpGetMaxBytes = 2 << 20

// HTTPGet fetches a URL; the research tool for the tool-assisted stage.
type HTTPGet struct{}

func (h *HTTPGet) Name() string { return "http_get" }

func (h *HTTPGet) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	url, _ := inputs["url"].(string)
	if url == "" {
		return nil, "", fmt.Errorf("missing url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	lr := io.LimitedReader{R: resp.Body, N: httpGetMaxBytes}
	b, _ := io.ReadAll(&lr)
	logs := fmt.Sprintf("status=%d", resp.StatusCode)
	if lr.N == 0 {
		logs += " truncated=true"
	}
	return string(b), logs, nil
}

// RegexExtract finds all matches of a pattern in text.
type RegexExtract struct{}

func (t *RegexExtract) Name() string { return "regex_extract" }

func (t *RegexExtract) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	text, _ := inputs["text"].(string)
	pat, _ := inputs["pattern"].(string)
	if strings.TrimSpace(pat) == "" {
		return nil, "", fmt.Errorf("missing pattern")
	}
	if strings.TrimSpace(text) == "" {
		return [][]string{}, "", nil
	}
	rx, err := regexp.Compile(pat)
	if err != nil {
		return nil, "", err
	}
	limit := 100
	if v, ok := inputs["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}
	matches := rx.FindAllStringSubmatch(text, limit)
	if matches == nil {
		matches = [][]string{}
	}
	return matches, fmt.Sprintf("matches<=%d", limit), nil
}

// JSONPretty validates and pretty-prints a JSON string.
type JSONPretty struct{}

func (t *JSONPretty) Name() string { return "json_pretty" }

func (t *JSONPretty) Execute(ctx context.Context, inputs map[string]any) (any, string, error) {
	raw, _ := inputs["json"].(string)
	if strings.TrimSpace(raw) == "" {
		return nil, "", fmt.Errorf("missing json")
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, "", fmt.Errorf("invalid json: %w", err)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, "", err
	}
	return string(out), "", nil
}
