package server

import (
	"encoding/json"

	"modelgate/internal/domain"
	"modelgate/internal/validate"
)

// Request payloads

type SubmitTaskRequest struct {
	Provider string         `json:"provider,omitempty"`
	Prompt   string         `json:"prompt"`
	System   string         `json:"system,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type AwaitTaskRequest struct {
	TimeoutSeconds int `json:"timeout_seconds,omitempty" minimum:"0" maximum:"600"`
}

type ValidatorSelectionRequest struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type OrchestrateRequest struct {
	Provider   string                      `json:"provider,omitempty"`
	Prompt     string                      `json:"prompt"`
	System     string                      `json:"system,omitempty"`
	Metadata   map[string]any              `json:"metadata,omitempty"`
	Validators []ValidatorSelectionRequest `json:"validators,omitempty"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name"`
}

// Response payloads

type TaskResponse struct {
	ID          string                  `json:"id"`
	Status      string                  `json:"status" enum:"pending,running,completed,failed,timeout,cancelled"`
	Provider    string                  `json:"provider"`
	Result      *domain.BackendResponse `json:"result,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Progress    []domain.ProgressEntry  `json:"progress,omitempty"`
	CreatedAt   string                  `json:"created_at" format:"date-time"`
	StartedAt   *string                 `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string                 `json:"completed_at,omitempty" format:"date-time"`
}

type CancelTaskResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
	Status    string `json:"status"`
}

type CircuitResponse struct {
	Target      string  `json:"target"`
	Status      string  `json:"status" enum:"closed,open,half_open"`
	Failures    int     `json:"failures"`
	OpenedAt    *string `json:"opened_at,omitempty" format:"date-time"`
	NextTrialAt *string `json:"next_trial_at,omitempty" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type ValidatorsResponse struct {
	Validators []string `json:"validators"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Payload    json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:          t.ID,
		Status:      string(t.Status),
		Provider:    t.Provider,
		Result:      t.Result,
		Error:       t.Error,
		Progress:    t.Progress,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	return out
}

func circuitResponse(c domain.Circuit) CircuitResponse {
	return CircuitResponse{
		Target:      c.Target,
		Status:      string(c.Status),
		Failures:    len(c.Failures),
		OpenedAt:    c.OpenedAt,
		NextTrialAt: c.NextTrialAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Payload:    payload,
	}
}

func validatorSelections(in []ValidatorSelectionRequest) []validate.Selection {
	out := make([]validate.Selection, 0, len(in))
	for _, sel := range in {
		out = append(out, validate.Selection{Name: sel.Name, Params: sel.Params})
	}
	return out
}
