package retry_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelgate/internal/config"
	"modelgate/internal/db"
	"modelgate/internal/domain"
	"modelgate/internal/events"
	"modelgate/internal/migrate"
	"modelgate/internal/repo"
	"modelgate/internal/retry"
	"modelgate/internal/tools"
	"modelgate/internal/validate"
)

// stubTasks plays the task manager: each Submit/Await pair consumes the
// next scripted reply.
type stubTasks struct {
	replies []string
	submits int
	pending string
}

func (s *stubTasks) Submit(ctx context.Context, req domain.BackendRequest) (string, error) {
	if s.submits >= len(s.replies) {
		return "", errors.New("no scripted reply left")
	}
	s.pending = s.replies[s.submits]
	s.submits++
	return fmt.Sprintf("task-%d", s.submits), nil
}

func (s *stubTasks) Await(ctx context.Context, id string, timeout time.Duration) (domain.Task, error) {
	return domain.Task{
		ID:     id,
		Status: domain.TaskCompleted,
		Result: &domain.BackendResponse{Text: s.pending},
	}, nil
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return conn
}

func newManager(t *testing.T, conn *sql.DB, tasks retry.Tasks, cfg config.StagesConfig) *retry.Manager {
	t.Helper()
	reg := validate.NewRegistry()
	reg.Register(validate.Substring{})
	reg.Register(validate.RegexMatch{})
	breaker := &retry.Breaker{
		Repo:     repo.Repo{DB: conn},
		Events:   events.Writer{DB: conn},
		Cooldown: time.Hour,
	}
	m, err := retry.NewManager(tasks, reg, tools.DefaultRegistry(), breaker, events.Writer{DB: conn}, cfg, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	m.Sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return m
}

func stages(basic, tool int) config.StagesConfig {
	return config.StagesConfig{
		Basic:            config.BasicStageConfig{MaxAttempts: basic, BaseDelayMS: 10, MaxDelayMS: 100},
		ToolAssisted:     config.ToolStageConfig{MaxAttempts: tool, DelayMS: 10, Tool: "echo"},
		HumanReviewAfter: basic + tool,
	}
}

func substringSel(value string) validate.Selection {
	params, _ := json.Marshal(map[string]string{"value": value})
	return validate.Selection{Name: "substring", Params: params}
}

func TestRunValidFirstAttempt(t *testing.T) {
	conn := newTestDB(t)
	tasks := &stubTasks{replies: []string{"the answer is 42"}}
	m := newManager(t, conn, tasks, stages(3, 1))

	out, err := m.Run(context.Background(), retry.Request{
		Request:    domain.BackendRequest{Provider: "mock", Prompt: "q"},
		Validators: []validate.Selection{substringSel("42")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != domain.OutcomeCompleted {
		t.Fatalf("expected completed, got %s", out.Status)
	}
	if out.StageReached != domain.StageBasic {
		t.Fatalf("expected basic stage, got %s", out.StageReached)
	}
	if out.Response == nil || out.Response.Text != "the answer is 42" {
		t.Fatalf("unexpected response: %+v", out.Response)
	}
	if len(out.Attempts) != 0 {
		t.Fatalf("no failures expected, got %d attempts", len(out.Attempts))
	}
	if tasks.submits != 1 {
		t.Fatalf("expected a single backend call, got %d", tasks.submits)
	}
}

func TestRunRecoversInToolStage(t *testing.T) {
	conn := newTestDB(t)
	tasks := &stubTasks{replies: []string{"wrong", "still wrong", "finally 42"}}
	m := newManager(t, conn, tasks, stages(2, 2))

	out, err := m.Run(context.Background(), retry.Request{
		Request:    domain.BackendRequest{Provider: "mock", Prompt: "q"},
		Validators: []validate.Selection{substringSel("42")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != domain.OutcomeCompleted {
		t.Fatalf("expected completed, got %s", out.Status)
	}
	if out.StageReached != domain.StageToolAssisted {
		t.Fatalf("expected tool_assisted stage, got %s", out.StageReached)
	}
	if len(out.Attempts) != 2 {
		t.Fatalf("expected 2 recorded failures, got %d", len(out.Attempts))
	}
	for _, a := range out.Attempts {
		if !strings.HasPrefix(a.Detail, "validation failed:") {
			t.Fatalf("unexpected attempt detail %q", a.Detail)
		}
	}
}

func TestRunEscalatesAfterAllStages(t *testing.T) {
	conn := newTestDB(t)
	tasks := &stubTasks{replies: []string{"wrong", "wrong", "wrong"}}
	m := newManager(t, conn, tasks, stages(2, 1))

	out, err := m.Run(context.Background(), retry.Request{
		Request:    domain.BackendRequest{Provider: "mock", Prompt: "q"},
		Validators: []validate.Selection{substringSel("42")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Status != domain.OutcomeEscalated {
		t.Fatalf("expected escalated, got %s", out.Status)
	}
	if out.StageReached != domain.StageHumanReview {
		t.Fatalf("expected human_review stage, got %s", out.StageReached)
	}
	if out.Escalation == nil {
		t.Fatalf("escalated outcome must carry an escalation record")
	}
	if out.Escalation.Summary == "" || len(out.Escalation.Attempts) != 3 {
		t.Fatalf("unexpected escalation: %+v", out.Escalation)
	}
	// stage never moves backwards across the history
	last := domain.StageBasic
	for _, a := range out.Attempts {
		if a.Stage.Before(last) {
			t.Fatalf("stage regressed: %s after %s", a.Stage, last)
		}
		last = a.Stage
	}
	if out.Attempts[0].Stage != domain.StageBasic || out.Attempts[2].Stage != domain.StageToolAssisted {
		t.Fatalf("unexpected stage layout: %+v", out.Attempts)
	}
}

func TestRunStageAdvanceEventsAppended(t *testing.T) {
	conn := newTestDB(t)
	tasks := &stubTasks{replies: []string{"wrong", "wrong"}}
	m := newManager(t, conn, tasks, stages(1, 1))

	out, err := m.Run(context.Background(), retry.Request{
		Request:    domain.BackendRequest{Provider: "mock", Prompt: "q"},
		Validators: []validate.Selection{substringSel("42")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	rows, err := conn.Query(`SELECT type FROM events WHERE entity_id=? ORDER BY id`, out.ID)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatalf("scan: %v", err)
		}
		types = append(types, typ)
	}
	want := []string{"stage.advanced", "stage.advanced", "orchestration.escalated"}
	if len(types) != len(want) {
		t.Fatalf("events %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events %v, want %v", types, want)
		}
	}
}

func TestRunOpenCircuitSkipsBackend(t *testing.T) {
	conn := newTestDB(t)
	tasks := &stubTasks{replies: []string{"never used"}}
	m := newManager(t, conn, tasks, stages(2, 0))
	m.Breaker.Threshold = 1
	if err := m.Breaker.RecordFailure(context.Background(), "mock|substring", errors.New("boom")); err != nil {
		t.Fatalf("prime breaker: %v", err)
	}

	out, err := m.Run(context.Background(), retry.Request{
		Request:    domain.BackendRequest{Provider: "mock", Prompt: "q"},
		Validators: []validate.Selection{substringSel("42")},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if tasks.submits != 0 {
		t.Fatalf("open circuit must not reach the backend, saw %d calls", tasks.submits)
	}
	if out.Status != domain.OutcomeEscalated {
		t.Fatalf("expected escalated, got %s", out.Status)
	}
	for _, a := range out.Attempts {
		if a.Detail != "circuit open: call rejected" {
			t.Fatalf("unexpected detail %q", a.Detail)
		}
	}
}

func TestRunBackoffDelaysBetweenBasicAttempts(t *testing.T) {
	conn := newTestDB(t)
	tasks := &stubTasks{replies: []string{"wrong", "wrong", "wrong"}}
	m := newManager(t, conn, tasks, stages(3, 0))
	var slept []time.Duration
	m.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if _, err := m.Run(context.Background(), retry.Request{
		Request:    domain.BackendRequest{Provider: "mock", Prompt: "q"},
		Validators: []validate.Selection{substringSel("42")},
	}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(slept) != 2 {
		t.Fatalf("expected 2 sleeps for 3 attempts, got %d", len(slept))
	}
	for _, d := range slept {
		if d <= 0 || d > 100*time.Millisecond {
			t.Fatalf("delay %s outside configured bounds", d)
		}
	}
}

func TestRunUnknownValidator(t *testing.T) {
	conn := newTestDB(t)
	m := newManager(t, conn, &stubTasks{}, stages(1, 0))
	_, err := m.Run(context.Background(), retry.Request{
		Request:    domain.BackendRequest{Provider: "mock", Prompt: "q"},
		Validators: []validate.Selection{{Name: "nonesuch"}},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown validator") {
		t.Fatalf("expected unknown validator error, got %v", err)
	}
}

func TestRunMissingProvider(t *testing.T) {
	conn := newTestDB(t)
	m := newManager(t, conn, &stubTasks{}, stages(1, 0))
	if _, err := m.Run(context.Background(), retry.Request{}); err == nil {
		t.Fatalf("expected provider error")
	}
}

func TestRunCancelledContext(t *testing.T) {
	conn := newTestDB(t)
	m := newManager(t, conn, &stubTasks{replies: []string{"x"}}, stages(2, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Run(ctx, retry.Request{Request: domain.BackendRequest{Provider: "mock", Prompt: "q"}}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewManagerRejectsBadStages(t *testing.T) {
	conn := newTestDB(t)
	reg := validate.NewRegistry()
	breaker := &retry.Breaker{Repo: repo.Repo{DB: conn}, Events: events.Writer{DB: conn}}
	cases := []struct {
		name string
		cfg  config.StagesConfig
	}{
		{"negative basic", config.StagesConfig{Basic: config.BasicStageConfig{MaxAttempts: -1}}},
		{"basic beyond review", config.StagesConfig{Basic: config.BasicStageConfig{MaxAttempts: 9}, HumanReviewAfter: 3}},
		{"tool stage without tool", config.StagesConfig{ToolAssisted: config.ToolStageConfig{MaxAttempts: 1}}},
		{"unknown tool", config.StagesConfig{ToolAssisted: config.ToolStageConfig{MaxAttempts: 1, Tool: "nonesuch"}}},
	}
	for _, tc := range cases {
		_, err := retry.NewManager(&stubTasks{}, reg, tools.DefaultRegistry(), breaker, events.Writer{DB: conn}, tc.cfg, time.Minute, zerolog.Nop())
		var cfgErr config.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("%s: expected ConfigurationError, got %v", tc.name, err)
		}
	}
}
