package taskmgr_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelgate/internal/config"
	"modelgate/internal/db"
	"modelgate/internal/domain"
	"modelgate/internal/migrate"
	"modelgate/internal/provider"
	"modelgate/internal/repo"
	"modelgate/internal/taskmgr"
)

type testEnv struct {
	DB      *sql.DB
	Manager *taskmgr.Manager
	Ctx     context.Context
}

func newTestEnv(t *testing.T, start bool) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	inv, err := provider.NewInvoker(config.ProvidersConfig{
		Default: "mock",
		Backends: map[string]config.BackendConfig{
			"mock": {Kind: "mock"},
			"slow": {Kind: "subprocess", Command: []string{"sleep", "2"}},
		},
	})
	if err != nil {
		t.Fatalf("invoker: %v", err)
	}
	m := taskmgr.New(conn, inv, taskmgr.Config{Workers: 2}, zerolog.Nop())
	if start {
		m.Start()
		t.Cleanup(m.Stop)
	}
	return testEnv{DB: conn, Manager: m, Ctx: context.Background()}
}

func TestSubmitAndPollCompleted(t *testing.T) {
	env := newTestEnv(t, true)
	id, err := env.Manager.Submit(env.Ctx, domain.BackendRequest{Provider: "mock", Prompt: "hello"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := env.Manager.Await(env.Ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", task.Status)
	}
	if task.Result == nil || task.Result.Text != "mock: hello" {
		t.Fatalf("unexpected result: %+v", task.Result)
	}
	if task.Error != "" {
		t.Fatalf("completed task must not carry an error, got %q", task.Error)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Fatalf("expected started/completed timestamps")
	}
	// polling a terminal task is idempotent
	again, err := env.Manager.Poll(env.Ctx, id)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if again.Status != domain.TaskCompleted || again.Result.Text != task.Result.Text {
		t.Fatalf("terminal record changed between reads")
	}
}

func TestSubmitUnknownProvider(t *testing.T) {
	env := newTestEnv(t, true)
	if _, err := env.Manager.Submit(env.Ctx, domain.BackendRequest{Provider: "nope", Prompt: "x"}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}

func TestPollUnknownTask(t *testing.T) {
	env := newTestEnv(t, false)
	if _, err := env.Manager.Poll(env.Ctx, "missing"); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAwaitTimeoutReturnsCurrentRecord(t *testing.T) {
	env := newTestEnv(t, true)
	id, err := env.Manager.Submit(env.Ctx, domain.BackendRequest{Provider: "slow", Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := env.Manager.Await(env.Ctx, id, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if task.Status.Terminal() {
		t.Fatalf("expected non-terminal status after short await, got %s", task.Status)
	}
	// the task keeps running and completes on its own
	task, err = env.Manager.Await(env.Ctx, id, 10*time.Second)
	if err != nil {
		t.Fatalf("second await: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s (%s)", task.Status, task.Error)
	}
}

func TestCancelPendingTask(t *testing.T) {
	// no workers: the task stays pending
	env := newTestEnv(t, false)
	id, err := env.Manager.Submit(env.Ctx, domain.BackendRequest{Provider: "mock", Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	cancelled, err := env.Manager.Cancel(env.Ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled {
		t.Fatalf("expected cancelled=true")
	}
	task, err := env.Manager.Poll(env.Ctx, id)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if task.Status != domain.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", task.Status)
	}
	if task.Result != nil || task.Error != "" {
		t.Fatalf("cancelled task must carry neither result nor error")
	}
	var n int
	err = env.DB.QueryRowContext(env.Ctx, `SELECT COUNT(*) FROM events WHERE entity_id=? AND type='task.cancelled'`, id).Scan(&n)
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one cancellation event, got %d", n)
	}
}

func TestCancelRunningTask(t *testing.T) {
	env := newTestEnv(t, true)
	id, err := env.Manager.Submit(env.Ctx, domain.BackendRequest{Provider: "slow", Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// wait until the worker picks it up
	deadline := time.Now().Add(3 * time.Second)
	for {
		task, err := env.Manager.Poll(env.Ctx, id)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if task.Status == domain.TaskRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never started, status %s", task.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := env.Manager.Cancel(env.Ctx, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	task, err := env.Manager.Await(env.Ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if task.Status != domain.TaskCancelled {
		t.Fatalf("expected cancelled, got %s", task.Status)
	}
}

func TestCancelTerminalTaskIsNoop(t *testing.T) {
	env := newTestEnv(t, true)
	id, err := env.Manager.Submit(env.Ctx, domain.BackendRequest{Provider: "mock", Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Manager.Await(env.Ctx, id, 5*time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}
	cancelled, err := env.Manager.Cancel(env.Ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled {
		t.Fatalf("cancel of a terminal task must report false")
	}
	task, _ := env.Manager.Poll(env.Ctx, id)
	if task.Status != domain.TaskCompleted {
		t.Fatalf("terminal status must not change, got %s", task.Status)
	}
}

func TestPendingTaskSurvivesRestart(t *testing.T) {
	env := newTestEnv(t, false)
	id, err := env.Manager.Submit(env.Ctx, domain.BackendRequest{Provider: "mock", Prompt: "restart me"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// a second manager over the same database picks the row up on Start
	inv, err := provider.NewInvoker(config.ProvidersConfig{
		Backends: map[string]config.BackendConfig{"mock": {Kind: "mock"}},
	})
	if err != nil {
		t.Fatalf("invoker: %v", err)
	}
	m2 := taskmgr.New(env.DB, inv, taskmgr.Config{Workers: 1}, zerolog.Nop())
	m2.Start()
	defer m2.Stop()

	task, err := m2.Await(env.Ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed after restart, got %s", task.Status)
	}
	if task.Result == nil || task.Result.Text != "mock: restart me" {
		t.Fatalf("unexpected result: %+v", task.Result)
	}
}

func TestSweepDeletesOldTerminalTasks(t *testing.T) {
	env := newTestEnv(t, true)
	id, err := env.Manager.Submit(env.Ctx, domain.BackendRequest{Provider: "mock", Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Manager.Await(env.Ctx, id, 5*time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}
	keep, err := env.Manager.Submit(env.Ctx, domain.BackendRequest{Provider: "slow", Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// viewed from two days ahead, the completed task is past retention
	env.Manager.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err := env.Manager.Sweep(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept task, got %d", n)
	}
	if _, err := env.Manager.Poll(env.Ctx, id); err != repo.ErrNotFound {
		t.Fatalf("expected swept task gone, got %v", err)
	}
	if _, err := env.Manager.Poll(env.Ctx, keep); err != nil {
		t.Fatalf("non-terminal task must survive the sweep: %v", err)
	}
}

func TestProgressRecorded(t *testing.T) {
	env := newTestEnv(t, true)
	id, err := env.Manager.Submit(env.Ctx, domain.BackendRequest{Provider: "mock", Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	task, err := env.Manager.Await(env.Ctx, id, 5*time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if len(task.Progress) == 0 {
		t.Fatalf("expected progress entries")
	}
}

func TestLifecycleEventsAppended(t *testing.T) {
	env := newTestEnv(t, true)
	id, err := env.Manager.Submit(env.Ctx, domain.BackendRequest{Provider: "mock", Prompt: "x"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Manager.Await(env.Ctx, id, 5*time.Second); err != nil {
		t.Fatalf("await: %v", err)
	}
	rows, err := env.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=? ORDER BY id`, id)
	if err != nil {
		t.Fatalf("query events: %v", err)
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
	if len(types) < 3 || types[0] != "task.submitted" || types[len(types)-1] != "task.completed" {
		t.Fatalf("unexpected event sequence: %v", types)
	}
}
