package retry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"modelgate/internal/config"
	"modelgate/internal/domain"
	"modelgate/internal/events"
	"modelgate/internal/tools"
	"modelgate/internal/validate"
	"modelgate/pkg/backoff"
)

const retryTimeFormat = time.RFC3339Nano

// Tasks is the slice of the task manager the retry loop drives.
type Tasks interface {
	Submit(ctx context.Context, req domain.BackendRequest) (string, error)
	Await(ctx context.Context, id string, timeout time.Duration) (domain.Task, error)
}

// Request is one orchestrated call: a backend request plus the
// validators its response must pass.
type Request struct {
	Request    domain.BackendRequest `json:"request"`
	Validators []validate.Selection  `json:"validators,omitempty"`
}

// Manager walks a request through the basic, tool_assisted and
// human_review stages. Stage only ever advances; every attempt lands in
// the append-only history.
type Manager struct {
	Tasks      Tasks
	Validators *validate.Registry
	Tools      *tools.Registry
	Breaker    *Breaker
	Events     events.Writer
	Log        zerolog.Logger
	Now        func() time.Time
	// Sleep is swappable so tests run without wall-clock delays.
	Sleep func(ctx context.Context, d time.Duration) error

	stages         config.StagesConfig
	attemptTimeout time.Duration
}

// NewManager validates the stage configuration before anything runs.
func NewManager(tasks Tasks, validators *validate.Registry, toolReg *tools.Registry, breaker *Breaker, ev events.Writer, cfg config.StagesConfig, attemptTimeout time.Duration, log zerolog.Logger) (*Manager, error) {
	if cfg.Basic.MaxAttempts < 0 || cfg.ToolAssisted.MaxAttempts < 0 || cfg.HumanReviewAfter < 0 {
		return nil, config.ConfigurationError{Field: "stages", Msg: "stage limits must be non-negative integers"}
	}
	if cfg.Basic.MaxAttempts > cfg.HumanReviewAfter && cfg.HumanReviewAfter > 0 {
		return nil, config.ConfigurationError{Field: "stages", Msg: "tool_assisted threshold exceeds human_review threshold"}
	}
	if cfg.ToolAssisted.MaxAttempts > 0 {
		if cfg.ToolAssisted.Tool == "" {
			return nil, config.ConfigurationError{Field: "stages.tool_assisted.tool", Msg: "tool is required when tool_assisted attempts are configured"}
		}
		if _, ok := toolReg.Get(cfg.ToolAssisted.Tool); !ok {
			return nil, config.ConfigurationError{Field: "stages.tool_assisted.tool", Msg: fmt.Sprintf("unknown tool %q", cfg.ToolAssisted.Tool)}
		}
	}
	if attemptTimeout <= 0 {
		attemptTimeout = 2 * time.Minute
	}
	return &Manager{
		Tasks:          tasks,
		Validators:     validators,
		Tools:          toolReg,
		Breaker:        breaker,
		Events:         ev,
		Log:            log,
		Now:            time.Now,
		Sleep:          sleepCtx,
		stages:         cfg,
		attemptTimeout: attemptTimeout,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Run drives one request to a validated response or an escalation. The
// call is synchronous but never holds a worker slot while sleeping;
// backend work runs on the task pool and is awaited. Escalation is a
// returned outcome, not an error; only caller cancellation and
// construction-grade mistakes surface as errors.
func (m *Manager) Run(ctx context.Context, req Request) (*domain.Outcome, error) {
	if req.Request.Provider == "" {
		return nil, errors.New("provider is required")
	}
	if err := m.Validators.Check(req.Validators); err != nil {
		return nil, err
	}

	rc := domain.RetryContext{
		ID:           uuid.New().String(),
		Request:      req.Request,
		CurrentStage: domain.StageBasic,
		Metadata:     map[string]any{},
	}
	target := m.breakerTarget(req)

	// basic stage
	base := time.Duration(m.stages.Basic.BaseDelayMS) * time.Millisecond
	maxDelay := time.Duration(m.stages.Basic.MaxDelayMS) * time.Millisecond
	for i := 0; i < m.stages.Basic.MaxAttempts; i++ {
		if i > 0 {
			if err := m.Sleep(ctx, backoff.ExponentialJitter(base, maxDelay, i-1)); err != nil {
				return nil, err
			}
		}
		resp, ok, err := m.attempt(ctx, &rc, req, target, req.Request.Prompt)
		if err != nil {
			return nil, err
		}
		if ok {
			return m.success(ctx, rc, resp), nil
		}
	}

	// tool_assisted stage
	if m.stages.ToolAssisted.MaxAttempts > 0 {
		m.advance(ctx, &rc, domain.StageToolAssisted)
		delay := time.Duration(m.stages.ToolAssisted.DelayMS) * time.Millisecond
		for i := 0; i < m.stages.ToolAssisted.MaxAttempts; i++ {
			if i > 0 {
				if err := m.Sleep(ctx, delay); err != nil {
					return nil, err
				}
			}
			prompt := m.toolAssistedPrompt(ctx, &rc, req)
			resp, ok, err := m.attempt(ctx, &rc, req, target, prompt)
			if err != nil {
				return nil, err
			}
			if ok {
				return m.success(ctx, rc, resp), nil
			}
		}
	}

	m.advance(ctx, &rc, domain.StageHumanReview)
	return m.escalate(ctx, rc), nil
}

// attempt performs one invoke-then-validate cycle. ok=true means the
// response passed the chain. A non-nil error is only returned for
// caller cancellation or storage faults; backend and validation
// failures are recorded in the history.
func (m *Manager) attempt(ctx context.Context, rc *domain.RetryContext, req Request, target, prompt string) (*domain.BackendResponse, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	allowed, err := m.Breaker.Allow(ctx, target)
	if err != nil {
		return nil, false, err
	}
	if !allowed {
		// Fast-fail: counts as a stage failure without touching the
		// backend or consuming a backoff delay.
		m.record(rc, "circuit open: call rejected")
		return nil, false, nil
	}

	backendReq := req.Request
	backendReq.Prompt = prompt
	taskID, err := m.Tasks.Submit(ctx, backendReq)
	if err != nil {
		m.record(rc, fmt.Sprintf("submit failed: %v", err))
		if recErr := m.Breaker.RecordFailure(ctx, target, err); recErr != nil {
			return nil, false, recErr
		}
		return nil, false, nil
	}
	t, err := m.Tasks.Await(ctx, taskID, m.attemptTimeout)
	if err != nil {
		// Await only errors on caller cancellation; excluded from the
		// failure window.
		return nil, false, err
	}

	switch t.Status {
	case domain.TaskCompleted:
		res := m.Validators.RunChain(ctx, t.Result, req.Validators)
		if res.Valid {
			if err := m.Breaker.RecordSuccess(ctx, target); err != nil {
				return nil, false, err
			}
			return t.Result, true, nil
		}
		m.record(rc, "validation failed: "+res.ErrorDetail)
		if err := m.Breaker.RecordFailure(ctx, target, errors.New(res.ErrorDetail)); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	case domain.TaskCancelled:
		return nil, false, context.Canceled
	default:
		detail := t.Error
		if detail == "" {
			detail = fmt.Sprintf("task %s after %s", t.Status, m.attemptTimeout)
		}
		m.record(rc, fmt.Sprintf("backend %s: %s", t.Status, detail))
		if err := m.Breaker.RecordFailure(ctx, target, errors.New(detail)); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
}

// toolAssistedPrompt runs the stage tool, stashes its output in the
// retry metadata and folds it into the next attempt's prompt.
func (m *Manager) toolAssistedPrompt(ctx context.Context, rc *domain.RetryContext, req Request) string {
	toolName := m.stages.ToolAssisted.Tool
	tool, ok := m.Tools.Get(toolName)
	if !ok {
		return req.Request.Prompt
	}
	inputs := map[string]any{
		"text":   lastDetail(rc.Attempts),
		"prompt": req.Request.Prompt,
	}
	if extra, ok := req.Request.Metadata["tool_inputs"].(map[string]any); ok {
		for k, v := range extra {
			inputs[k] = v
		}
	}
	out, logs, err := tool.Execute(ctx, inputs)
	if err != nil {
		m.Log.Warn().Err(err).Str("tool", toolName).Msg("stage tool failed")
		rc.Metadata["tool_error"] = err.Error()
		return req.Request.Prompt
	}
	rendered := stringifyOutput(out)
	rc.Metadata["tool"] = toolName
	rc.Metadata["tool_output"] = rendered
	if logs != "" {
		rc.Metadata["tool_logs"] = logs
	}
	return fmt.Sprintf("%s\n\nA previous attempt failed: %s\nOutput of tool %s:\n%s\n\nUse this context to produce a corrected answer.",
		req.Request.Prompt, lastDetail(rc.Attempts), toolName, rendered)
}

func (m *Manager) record(rc *domain.RetryContext, detail string) {
	rc.Attempts = append(rc.Attempts, domain.Attempt{
		Stage:  rc.CurrentStage,
		Detail: detail,
		TS:     m.now().UTC().Format(retryTimeFormat),
	})
}

func (m *Manager) advance(ctx context.Context, rc *domain.RetryContext, next domain.Stage) {
	if !rc.CurrentStage.Before(next) {
		return
	}
	from := rc.CurrentStage
	rc.CurrentStage = next
	_ = m.Events.Append(ctx, nil, "stage.advanced", "orchestration", rc.ID, events.EventPayload{
		"from": string(from), "to": string(next), "attempts": len(rc.Attempts),
	})
	m.Log.Info().Str("orchestration", rc.ID).Str("from", string(from)).Str("to", string(next)).Msg("stage advanced")
}

func (m *Manager) success(ctx context.Context, rc domain.RetryContext, resp *domain.BackendResponse) *domain.Outcome {
	_ = m.Events.Append(ctx, nil, "orchestration.completed", "orchestration", rc.ID, events.EventPayload{
		"stage": string(rc.CurrentStage), "attempts": len(rc.Attempts),
	})
	return &domain.Outcome{
		ID:           rc.ID,
		Status:       domain.OutcomeCompleted,
		StageReached: rc.CurrentStage,
		Response:     resp,
		Attempts:     rc.Attempts,
	}
}

func (m *Manager) escalate(ctx context.Context, rc domain.RetryContext) *domain.Outcome {
	esc := &domain.Escalation{
		OrchestrationID: rc.ID,
		Request:         rc.Request,
		Attempts:        rc.Attempts,
		StageReached:    domain.StageHumanReview,
		Summary:         summarize(rc),
		CreatedAt:       m.now().UTC().Format(retryTimeFormat),
	}
	_ = m.Events.Append(ctx, nil, "orchestration.escalated", "orchestration", rc.ID, events.EventPayload{
		"attempts": len(rc.Attempts), "summary": esc.Summary,
	})
	m.Log.Warn().Str("orchestration", rc.ID).Int("attempts", len(rc.Attempts)).Msg("escalated to human review")
	return &domain.Outcome{
		ID:           rc.ID,
		Status:       domain.OutcomeEscalated,
		StageReached: domain.StageHumanReview,
		Escalation:   esc,
		Attempts:     rc.Attempts,
	}
}

// breakerTarget scopes circuit state per (provider, validator set) so a
// failing validator pairing cannot block unrelated backends.
func (m *Manager) breakerTarget(req Request) string {
	names := make([]string, 0, len(req.Validators))
	for _, sel := range req.Validators {
		names = append(names, sel.Name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return req.Request.Provider
	}
	return req.Request.Provider + "|" + strings.Join(names, "+")
}

func summarize(rc domain.RetryContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request to %s exhausted %d automated attempts.", rc.Request.Provider, len(rc.Attempts))
	if d := lastDetail(rc.Attempts); d != "" {
		fmt.Fprintf(&b, " Last failure: %s.", d)
	}
	if tool, ok := rc.Metadata["tool"].(string); ok {
		fmt.Fprintf(&b, " Tool %s was consulted in the tool-assisted stage.", tool)
	}
	return b.String()
}

func lastDetail(attempts []domain.Attempt) string {
	if len(attempts) == 0 {
		return ""
	}
	return attempts[len(attempts)-1].Detail
}

func stringifyOutput(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}
