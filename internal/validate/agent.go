package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"modelgate/internal/domain"
	"modelgate/internal/tools"
)

const (
	defaultAgentTimeout = 2 * time.Minute
	maxToolRounds       = 3
)

// Submitter is the slice of the task manager the agent validator needs.
type Submitter interface {
	Submit(ctx context.Context, req domain.BackendRequest) (string, error)
	Await(ctx context.Context, id string, timeout time.Duration) (domain.Task, error)
}

// Agent delegates the correctness judgment to a secondary backend call
// routed through the task manager. The secondary model may request one
// of the allow-listed tools; tool access is scoped per call and never
// inherited from the outer request.
type Agent struct {
	Manager  Submitter
	Tools    *tools.Registry
	Provider string
	MaxDepth int
	Timeout  time.Duration
}

type AgentParams struct {
	Prompt   string   `json:"prompt"`
	Provider string   `json:"provider,omitempty"`
	Tools    []string `json:"tools,omitempty"`
	Depth    int      `json:"depth,omitempty"`
}

type verdict struct {
	OK     *bool  `json:"ok"`
	Reason string `json:"reason"`
}

type toolCall struct {
	Tool   string         `json:"tool"`
	Inputs map[string]any `json:"inputs"`
}

func (a *Agent) Name() string { return "agent" }

func (a *Agent) Validate(ctx context.Context, resp *domain.BackendResponse, raw json.RawMessage) (domain.ValidationResult, error) {
	var params AgentParams
	if err := decodeParams(raw, &params); err != nil {
		return domain.ValidationResult{}, err
	}
	if params.Prompt == "" {
		return domain.ValidationResult{}, fmt.Errorf("prompt is required")
	}
	// Fail closed before any backend call is made.
	if params.Depth >= a.MaxDepth {
		return domain.ValidationResult{Valid: false, ErrorDetail: "recursion depth exceeded"}, nil
	}
	providerID := params.Provider
	if providerID == "" {
		providerID = a.Provider
	}

	prompt := a.buildPrompt(resp, params)
	for round := 0; round <= maxToolRounds; round++ {
		text, err := a.ask(ctx, providerID, prompt, params.Depth+1, params.Tools)
		if err != nil {
			return domain.ValidationResult{}, err
		}
		if call, ok := parseToolCall(text); ok {
			out, err := a.runTool(ctx, call, params.Tools)
			if err != nil {
				return domain.ValidationResult{}, err
			}
			prompt = fmt.Sprintf("%s\n\nTool %s returned:\n%s\n\nNow give your final verdict.", prompt, call.Tool, out)
			continue
		}
		return parseVerdict(text)
	}
	return domain.ValidationResult{Valid: false, ErrorDetail: "tool round limit exceeded without a verdict"}, nil
}

func (a *Agent) buildPrompt(resp *domain.BackendResponse, params AgentParams) string {
	var b strings.Builder
	b.WriteString("You are a strict validator. Judge whether the output below satisfies the task.\n")
	b.WriteString("Task: ")
	b.WriteString(params.Prompt)
	b.WriteString("\n\nOutput to judge:\n")
	b.WriteString(resp.Text)
	if len(params.Tools) > 0 {
		b.WriteString("\n\nYou may call one of these tools by replying with JSON {\"tool\": \"name\", \"inputs\": {...}}: ")
		b.WriteString(strings.Join(params.Tools, ", "))
	}
	b.WriteString("\n\nRespond with JSON: {\"ok\": true|false, \"reason\": \"...\"}.")
	return b.String()
}

func (a *Agent) ask(ctx context.Context, providerID, prompt string, depth int, allowed []string) (string, error) {
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultAgentTimeout
	}
	id, err := a.Manager.Submit(ctx, domain.BackendRequest{
		Provider: providerID,
		Prompt:   prompt,
		Tools:    allowed,
		Depth:    depth,
	})
	if err != nil {
		return "", err
	}
	t, err := a.Manager.Await(ctx, id, timeout)
	if err != nil {
		return "", err
	}
	switch t.Status {
	case domain.TaskCompleted:
		return t.Result.Text, nil
	case domain.TaskFailed, domain.TaskTimeout, domain.TaskCancelled:
		return "", fmt.Errorf("secondary call %s: %s", t.Status, t.Error)
	}
	return "", fmt.Errorf("secondary call still %s after %s", t.Status, timeout)
}

func (a *Agent) runTool(ctx context.Context, call toolCall, allowed []string) (string, error) {
	permitted := false
	for _, name := range allowed {
		if name == call.Tool {
			permitted = true
			break
		}
	}
	if !permitted {
		return "", fmt.Errorf("tool %q not in allow-list", call.Tool)
	}
	tool, ok := a.Tools.Get(call.Tool)
	if !ok {
		return "", fmt.Errorf("tool %q not registered", call.Tool)
	}
	out, _, err := tool.Execute(ctx, call.Inputs)
	if err != nil {
		return "", fmt.Errorf("tool %s: %w", call.Tool, err)
	}
	return stringify(out), nil
}

func parseToolCall(text string) (toolCall, bool) {
	var call toolCall
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &call); err != nil {
		return call, false
	}
	return call, call.Tool != ""
}

// parseVerdict prefers a strict JSON verdict; a bare true/false in the
// reply is accepted as a fallback.
func parseVerdict(text string) (domain.ValidationResult, error) {
	trimmed := strings.TrimSpace(text)
	var v verdict
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil && v.OK != nil {
		return domain.ValidationResult{Valid: *v.OK, ErrorDetail: failureReason(*v.OK, v.Reason)}, nil
	}
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			if err := json.Unmarshal([]byte(trimmed[start:end+1]), &v); err == nil && v.OK != nil {
				return domain.ValidationResult{Valid: *v.OK, ErrorDetail: failureReason(*v.OK, v.Reason)}, nil
			}
		}
	}
	lowered := strings.ToLower(trimmed)
	switch {
	case strings.HasPrefix(lowered, "true"):
		return domain.ValidationResult{Valid: true}, nil
	case strings.HasPrefix(lowered, "false"):
		return domain.ValidationResult{Valid: false, ErrorDetail: trimmed}, nil
	}
	return domain.ValidationResult{Valid: false, ErrorDetail: "unparseable verdict: " + truncateText(trimmed, 256)}, nil
}

func failureReason(ok bool, reason string) string {
	if ok {
		return ""
	}
	if reason == "" {
		return "agent verdict: not ok"
	}
	return reason
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
