package provider

import (
	"context"
	"strings"

	"modelgate/internal/domain"
)

// MockClient is used when no real backend is configured. Verdict-shaped
// prompts get a passing JSON verdict so local orchestration runs converge.
type MockClient struct{}

func (m *MockClient) Generate(ctx context.Context, req domain.BackendRequest, onProgress ProgressFunc) (*domain.BackendResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	onProgress("mock response")
	if strings.Contains(strings.ToLower(req.Prompt), "respond with json") {
		return &domain.BackendResponse{Text: `{"ok": true, "reason": "mock verdict"}`, Model: "mock"}, nil
	}
	return &domain.BackendResponse{Text: "mock: " + req.Prompt, Model: "mock"}, nil
}
