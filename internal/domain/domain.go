package domain

import "encoding/json"

// TaskStatus is the lifecycle state of an asynchronously tracked backend call.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed for the status.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	}
	return false
}

// BackendRequest is the fully-resolved payload handed to a provider.
// Depth counts recursive delegations: an agent validator submitting a
// secondary request carries Depth+1, and the validator enforces the bound.
type BackendRequest struct {
	Provider string         `json:"provider"`
	Prompt   string         `json:"prompt"`
	System   string         `json:"system,omitempty"`
	Tools    []string       `json:"tools,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Depth    int            `json:"depth,omitempty"`
}

// BackendResponse is the opaque result of one provider invocation.
type BackendResponse struct {
	Text  string          `json:"text"`
	Model string          `json:"model,omitempty"`
	Raw   json.RawMessage `json:"raw,omitempty"`
}

// ProgressEntry is one append-only progress update written by the worker
// executing a task, e.g. per streamed chunk.
type ProgressEntry struct {
	TS   string `json:"ts" format:"date-time"`
	Note string `json:"note"`
}

// Task is the durable record of one backend invocation.
type Task struct {
	ID          string           `json:"id"`
	Status      TaskStatus       `json:"status" enum:"pending,running,completed,failed,timeout,cancelled"`
	Provider    string           `json:"provider"`
	RequestJSON string           `json:"request_json"`
	Result      *BackendResponse `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	Progress    []ProgressEntry  `json:"progress,omitempty"`
	CreatedAt   string           `json:"created_at" format:"date-time"`
	StartedAt   *string          `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string          `json:"completed_at,omitempty" format:"date-time"`
}

// Request decodes the immutable request payload.
func (t Task) Request() (BackendRequest, error) {
	var req BackendRequest
	err := json.Unmarshal([]byte(t.RequestJSON), &req)
	return req, err
}

// Stage is one escalation level of the retry manager.
type Stage string

const (
	StageBasic        Stage = "basic"
	StageToolAssisted Stage = "tool_assisted"
	StageHumanReview  Stage = "human_review"
)

func (s Stage) rank() int {
	switch s {
	case StageBasic:
		return 0
	case StageToolAssisted:
		return 1
	case StageHumanReview:
		return 2
	}
	return -1
}

// Before reports whether s precedes other in the escalation order.
func (s Stage) Before(other Stage) bool { return s.rank() < other.rank() }

// Attempt is one entry in a retry context's append-only history.
type Attempt struct {
	Stage  Stage  `json:"stage" enum:"basic,tool_assisted,human_review"`
	Detail string `json:"detail"`
	TS     string `json:"ts" format:"date-time"`
}

// RetryContext accompanies one logical request across its attempts.
type RetryContext struct {
	ID           string         `json:"id"`
	Request      BackendRequest `json:"request"`
	Attempts     []Attempt      `json:"attempts"`
	CurrentStage Stage          `json:"current_stage" enum:"basic,tool_assisted,human_review"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// ValidationResult is the immutable output of one validator run.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	ErrorDetail string   `json:"error_detail,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Escalation is the terminal handoff produced when all automated stages
// are exhausted. It is returned, never raised.
type Escalation struct {
	OrchestrationID string         `json:"orchestration_id"`
	Request         BackendRequest `json:"request"`
	Attempts        []Attempt      `json:"attempts"`
	StageReached    Stage          `json:"stage_reached"`
	Summary         string         `json:"summary"`
	CreatedAt       string         `json:"created_at" format:"date-time"`
}

// OutcomeStatus distinguishes a validated success from a human handoff.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeEscalated OutcomeStatus = "escalated"
)

// Outcome is the synchronous result of one orchestrated request.
// Callers inspect StageReached and Status; escalation is data, not an error.
type Outcome struct {
	ID           string           `json:"id"`
	Status       OutcomeStatus    `json:"status" enum:"completed,escalated"`
	StageReached Stage            `json:"stage_reached" enum:"basic,tool_assisted,human_review"`
	Response     *BackendResponse `json:"response,omitempty"`
	Escalation   *Escalation      `json:"escalation,omitempty"`
	Attempts     []Attempt        `json:"attempts"`
}

// CircuitStatus is the failure-isolation state for one target.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half_open"
)

// Circuit is the persisted breaker state, keyed by target. Failures holds
// the RFC3339 timestamps of recent qualifying failures.
type Circuit struct {
	Target      string        `json:"target"`
	Status      CircuitStatus `json:"status" enum:"closed,open,half_open"`
	Failures    []string      `json:"failures,omitempty"`
	OpenedAt    *string       `json:"opened_at,omitempty" format:"date-time"`
	NextTrialAt *string       `json:"next_trial_at,omitempty" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
}

// Event is one audit-log entry, written in the same transaction as the
// state change it records.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates API callers; only the hash is stored.
type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
