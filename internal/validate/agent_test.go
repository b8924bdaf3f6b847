package validate_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"modelgate/internal/domain"
	"modelgate/internal/tools"
	"modelgate/internal/validate"
)

// scriptedSubmitter returns canned secondary-call replies and records
// every submitted request.
type scriptedSubmitter struct {
	replies  []string
	requests []domain.BackendRequest
}

func (s *scriptedSubmitter) Submit(ctx context.Context, req domain.BackendRequest) (string, error) {
	s.requests = append(s.requests, req)
	return "task-1", nil
}

func (s *scriptedSubmitter) Await(ctx context.Context, id string, timeout time.Duration) (domain.Task, error) {
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return domain.Task{
		ID:     id,
		Status: domain.TaskCompleted,
		Result: &domain.BackendResponse{Text: reply},
	}, nil
}

func agentParams(t *testing.T, p validate.AgentParams) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestAgentAcceptsPositiveVerdict(t *testing.T) {
	sub := &scriptedSubmitter{replies: []string{`{"ok": true, "reason": "looks right"}`}}
	a := &validate.Agent{Manager: sub, Tools: tools.DefaultRegistry(), Provider: "mock", MaxDepth: 2}

	res, err := a.Validate(context.Background(), resp("answer"), agentParams(t, validate.AgentParams{Prompt: "is it right?"}))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected pass, got %+v", res)
	}
	if len(sub.requests) != 1 {
		t.Fatalf("expected one secondary call, got %d", len(sub.requests))
	}
	if sub.requests[0].Depth != 1 {
		t.Fatalf("secondary call must carry incremented depth, got %d", sub.requests[0].Depth)
	}
	if !strings.Contains(sub.requests[0].Prompt, "answer") {
		t.Fatalf("judged output missing from secondary prompt")
	}
}

func TestAgentRejectsNegativeVerdict(t *testing.T) {
	sub := &scriptedSubmitter{replies: []string{`{"ok": false, "reason": "missing citation"}`}}
	a := &validate.Agent{Manager: sub, Tools: tools.DefaultRegistry(), Provider: "mock", MaxDepth: 2}

	res, err := a.Validate(context.Background(), resp("answer"), agentParams(t, validate.AgentParams{Prompt: "q"}))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid || res.ErrorDetail != "missing citation" {
		t.Fatalf("expected failure with reason, got %+v", res)
	}
}

func TestAgentDepthLimitFailsClosed(t *testing.T) {
	sub := &scriptedSubmitter{replies: []string{`{"ok": true}`}}
	a := &validate.Agent{Manager: sub, Tools: tools.DefaultRegistry(), Provider: "mock", MaxDepth: 2}

	res, err := a.Validate(context.Background(), resp("answer"), agentParams(t, validate.AgentParams{Prompt: "q", Depth: 2}))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid {
		t.Fatalf("depth at limit must fail")
	}
	if !strings.Contains(res.ErrorDetail, "recursion depth") {
		t.Fatalf("unexpected detail %q", res.ErrorDetail)
	}
	if len(sub.requests) != 0 {
		t.Fatalf("depth limit must be enforced before any backend call, saw %d", len(sub.requests))
	}
}

func TestAgentToolRoundThenVerdict(t *testing.T) {
	sub := &scriptedSubmitter{replies: []string{
		`{"tool": "echo", "inputs": {"text": "check this"}}`,
		`{"ok": true, "reason": "verified"}`,
	}}
	a := &validate.Agent{Manager: sub, Tools: tools.DefaultRegistry(), Provider: "mock", MaxDepth: 2}

	res, err := a.Validate(context.Background(), resp("answer"), agentParams(t, validate.AgentParams{
		Prompt: "q",
		Tools:  []string{"echo"},
	}))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("expected pass after tool round, got %+v", res)
	}
	if len(sub.requests) != 2 {
		t.Fatalf("expected two secondary calls, got %d", len(sub.requests))
	}
	if !strings.Contains(sub.requests[1].Prompt, "echo: check this") {
		t.Fatalf("tool output missing from follow-up prompt: %q", sub.requests[1].Prompt)
	}
}

func TestAgentRejectsToolOutsideAllowList(t *testing.T) {
	sub := &scriptedSubmitter{replies: []string{`{"tool": "http_get", "inputs": {"url": "http://example.com"}}`}}
	a := &validate.Agent{Manager: sub, Tools: tools.DefaultRegistry(), Provider: "mock", MaxDepth: 2}

	_, err := a.Validate(context.Background(), resp("answer"), agentParams(t, validate.AgentParams{
		Prompt: "q",
		Tools:  []string{"echo"},
	}))
	if err == nil || !strings.Contains(err.Error(), "allow-list") {
		t.Fatalf("expected allow-list rejection, got %v", err)
	}
}

func TestAgentEmptyPromptErrors(t *testing.T) {
	a := &validate.Agent{Manager: &scriptedSubmitter{replies: []string{"x"}}, Tools: tools.DefaultRegistry(), Provider: "mock", MaxDepth: 2}
	if _, err := a.Validate(context.Background(), resp("answer"), nil); err == nil {
		t.Fatalf("expected error for missing prompt")
	}
}

func TestParseVerdictFallbacks(t *testing.T) {
	sub := &scriptedSubmitter{replies: []string{"Sure! Here is my judgment: {\"ok\": false, \"reason\": \"too short\"} hope that helps"}}
	a := &validate.Agent{Manager: sub, Tools: tools.DefaultRegistry(), Provider: "mock", MaxDepth: 2}

	res, err := a.Validate(context.Background(), resp("answer"), agentParams(t, validate.AgentParams{Prompt: "q"}))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid || res.ErrorDetail != "too short" {
		t.Fatalf("embedded JSON verdict not extracted: %+v", res)
	}

	sub = &scriptedSubmitter{replies: []string{"utter nonsense"}}
	a.Manager = sub
	res, err = a.Validate(context.Background(), resp("answer"), agentParams(t, validate.AgentParams{Prompt: "q"}))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if res.Valid || !strings.Contains(res.ErrorDetail, "unparseable verdict") {
		t.Fatalf("unparseable reply must fail closed: %+v", res)
	}
}
