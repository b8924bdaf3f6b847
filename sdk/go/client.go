package modelgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Modelgate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID          string           `json:"id"`
	Status      string           `json:"status"`
	Provider    string           `json:"provider"`
	Result      *BackendResponse `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   string           `json:"created_at"`
	CompletedAt *string          `json:"completed_at,omitempty"`
}

// BackendResponse is the result of one provider invocation.
type BackendResponse struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

// ValidatorSelection names a validator plus its parameters.
type ValidatorSelection struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Attempt is one retry history entry.
type Attempt struct {
	Stage  string `json:"stage"`
	Detail string `json:"detail"`
	TS     string `json:"ts"`
}

// Escalation is the human-review handoff package.
type Escalation struct {
	OrchestrationID string    `json:"orchestration_id"`
	Attempts        []Attempt `json:"attempts"`
	Summary         string    `json:"summary"`
	CreatedAt       string    `json:"created_at"`
}

// Outcome is the result of an orchestrated request.
type Outcome struct {
	ID           string           `json:"id"`
	Status       string           `json:"status"`
	StageReached string           `json:"stage_reached"`
	Response     *BackendResponse `json:"response,omitempty"`
	Escalation   *Escalation      `json:"escalation,omitempty"`
	Attempts     []Attempt        `json:"attempts"`
}

// Circuit is a breaker state snapshot.
type Circuit struct {
	Target      string  `json:"target"`
	Status      string  `json:"status"`
	Failures    int     `json:"failures"`
	NextTrialAt *string `json:"next_trial_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Submit enqueues a backend request and returns the pending task.
func (c *Client) Submit(ctx context.Context, provider, prompt, system string) (Task, error) {
	body := map[string]any{
		"provider": provider,
		"prompt":   prompt,
	}
	if system != "" {
		body["system"] = system
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// Poll fetches the current task record.
func (c *Client) Poll(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Await blocks server-side until the task is terminal or the timeout
// elapses; on timeout the current record is returned unchanged.
func (c *Client) Await(ctx context.Context, id string, timeout time.Duration) (Task, error) {
	body := map[string]any{"timeout_seconds": int(timeout.Seconds())}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/await", body, &resp)
	return resp, err
}

// Cancel requests cancellation; terminal tasks are left untouched.
func (c *Client) Cancel(ctx context.Context, id string) (Task, error) {
	var resp struct {
		ID        string `json:"id"`
		Cancelled bool   `json:"cancelled"`
		Status    string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(id)+"/cancel", nil, &resp); err != nil {
		return Task{}, err
	}
	return c.Poll(ctx, id)
}

// ListTasks returns recent tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	endpoint := "v0/tasks"
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Run drives a request through the retry stages and returns the outcome.
// An escalated outcome is a normal return, not an error.
func (c *Client) Run(ctx context.Context, provider, prompt string, validators []ValidatorSelection) (Outcome, error) {
	body := map[string]any{
		"provider":   provider,
		"prompt":     prompt,
		"validators": validators,
	}
	var resp Outcome
	err := c.do(ctx, http.MethodPost, "v0/orchestrations", body, &resp)
	return resp, err
}

// Circuits returns the breaker state per target.
func (c *Client) Circuits(ctx context.Context) ([]Circuit, error) {
	var resp []Circuit
	err := c.do(ctx, http.MethodGet, "v0/circuits", nil, &resp)
	return resp, err
}

// Events returns audit events with ids greater than after.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	endpoint := fmt.Sprintf("v0/events?after=%d", after)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
