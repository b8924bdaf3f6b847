package taskmgr

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"modelgate/internal/domain"
	"modelgate/internal/events"
	"modelgate/internal/provider"
	"modelgate/internal/repo"
)

// Tasks keep sub-second ordering across created/started/completed even
// when a backend answers within a millisecond.
const timeFormat = time.RFC3339Nano

const pollInterval = 25 * time.Millisecond

type Config struct {
	Workers    int
	Queue      int
	Retention  time.Duration
	SweepEvery time.Duration
}

// Manager tracks long-running backend invocations as durable tasks.
// Submit never blocks on the backend; callers poll or await the record.
type Manager struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Invoker *provider.Invoker
	Now     func() time.Time
	Log     zerolog.Logger

	cfg   Config
	queue chan string

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	requested map[string]bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(db *sql.DB, inv *provider.Invoker, cfg Config, log zerolog.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 256
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Manager{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Invoker:   inv,
		Now:       time.Now,
		Log:       log,
		cfg:       cfg,
		queue:     make(chan string, cfg.Queue),
		cancels:   map[string]context.CancelFunc{},
		requested: map[string]bool{},
		baseCtx:   ctx,
		stop:      stop,
	}
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// Start launches the worker pool and, when configured, the retention
// sweeper. Tasks left over from a previous process are requeued first so
// a restart never strands work.
func (m *Manager) Start() {
	if err := m.recoverPending(); err != nil {
		m.Log.Error().Err(err).Msg("requeue pending tasks")
	}
	for i := 0; i < m.cfg.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	if m.cfg.SweepEvery > 0 {
		m.wg.Add(1)
		go m.sweeper()
	}
}

// recoverPending re-enqueues pending rows and flips rows a dead process
// left running back to pending.
func (m *Manager) recoverPending() error {
	ctx := m.baseCtx
	orphans, err := m.Repo.ListTasks(ctx, domain.TaskRunning, 0)
	if err != nil {
		return err
	}
	for _, t := range orphans {
		t.Status = domain.TaskPending
		t.StartedAt = nil
		if err := m.update(t, "task.requeued", nil); err != nil {
			return err
		}
	}
	pending, err := m.Repo.ListTasks(ctx, domain.TaskPending, 0)
	if err != nil {
		return err
	}
	for _, t := range pending {
		select {
		case m.queue <- t.ID:
		default:
			id := t.ID
			go func() {
				select {
				case m.queue <- id:
				case <-m.baseCtx.Done():
				}
			}()
		}
	}
	return nil
}

// Stop signals all workers and waits for in-flight tasks to settle.
func (m *Manager) Stop() {
	m.stop()
	m.wg.Wait()
}

// Submit persists a pending task and schedules it on the pool. It
// returns the caller-visible task id immediately.
func (m *Manager) Submit(ctx context.Context, req domain.BackendRequest) (string, error) {
	if req.Provider == "" {
		return "", errors.New("provider is required")
	}
	if !m.Invoker.Known(req.Provider) {
		return "", fmt.Errorf("unknown provider %q", req.Provider)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	t := domain.Task{
		ID:          uuid.New().String(),
		Status:      domain.TaskPending,
		Provider:    req.Provider,
		RequestJSON: string(payload),
		CreatedAt:   m.now().UTC().Format(timeFormat),
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	if err := m.Repo.InsertTask(ctx, tx, t); err != nil {
		return "", err
	}
	if err := m.Events.Append(ctx, tx, "task.submitted", "task", t.ID, events.EventPayload{"provider": t.Provider}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	// Excess submissions queue behind the buffered channel; the send is
	// moved off the caller when the buffer is full.
	select {
	case m.queue <- t.ID:
	default:
		go func() {
			select {
			case m.queue <- t.ID:
			case <-m.baseCtx.Done():
			}
		}()
	}
	return t.ID, nil
}

// Poll returns the current record verbatim.
func (m *Manager) Poll(ctx context.Context, id string) (domain.Task, error) {
	return m.Repo.GetTask(ctx, id)
}

// Await blocks the caller until the task reaches a terminal status or
// the timeout elapses. On timeout the task keeps running and the current
// record is returned; awaiting never cancels anything.
func (m *Manager) Await(ctx context.Context, id string, timeout time.Duration) (domain.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		t, err := m.Repo.GetTask(ctx, id)
		if err != nil {
			return t, err
		}
		if t.Status.Terminal() {
			return t, nil
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Cancel requests cooperative cancellation. It returns false when the
// task is already terminal. A pending task flips to cancelled directly;
// a running task transitions once its worker observes the signal.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	t, err := m.Repo.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	if t.Status.Terminal() {
		return false, nil
	}

	m.mu.Lock()
	m.requested[id] = true
	cancel, running := m.cancels[id]
	m.mu.Unlock()

	if running {
		cancel()
		return true, nil
	}
	// Still pending: finalize here so the worker skips it.
	if t.Status == domain.TaskPending {
		if err := m.finalize(t, domain.TaskCancelled, nil, ""); err != nil {
			return false, err
		}
	}
	return true, nil
}

// Sweep deletes terminal records older than the retention window.
func (m *Manager) Sweep(ctx context.Context) (int64, error) {
	cutoff := m.now().UTC().Add(-m.cfg.Retention).Format(timeFormat)
	n, err := m.Repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.Log.Info().Int64("deleted", n).Msg("retention sweep")
	}
	return n, nil
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case id := <-m.queue:
			m.execute(id)
		}
	}
}

func (m *Manager) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(m.baseCtx); err != nil {
				m.Log.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}

// execute runs one task to a terminal state. Only this worker writes the
// record while it runs.
func (m *Manager) execute(id string) {
	t, err := m.Repo.GetTask(m.baseCtx, id)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			m.Log.Error().Err(err).Str("task", id).Msg("load task")
		}
		return
	}
	if t.Status != domain.TaskPending {
		return
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	m.mu.Lock()
	if m.requested[id] {
		m.mu.Unlock()
		cancel()
		// No-op when Cancel already settled the row.
		_ = m.finalize(t, domain.TaskCancelled, nil, "")
		return
	}
	m.cancels[id] = cancel
	m.mu.Unlock()
	defer func() {
		cancel()
		m.mu.Lock()
		delete(m.cancels, id)
		delete(m.requested, id)
		m.mu.Unlock()
	}()

	started := m.now().UTC().Format(timeFormat)
	t.Status = domain.TaskRunning
	t.StartedAt = &started
	if err := m.update(t, "task.started", nil); err != nil {
		m.Log.Error().Err(err).Str("task", id).Msg("mark running")
		return
	}

	req, err := t.Request()
	if err != nil {
		_ = m.finalize(t, domain.TaskFailed, nil, fmt.Sprintf("decode request: %v", err))
		return
	}

	onProgress := func(note string) {
		t.Progress = append(t.Progress, domain.ProgressEntry{
			TS:   m.now().UTC().Format(timeFormat),
			Note: note,
		})
		if err := m.Repo.UpdateTask(ctx, nil, t); err != nil {
			m.Log.Warn().Err(err).Str("task", id).Msg("write progress")
		}
	}

	resp, err := m.Invoker.Invoke(ctx, t.Provider, req, onProgress)
	switch {
	case err == nil:
		_ = m.finalize(t, domain.TaskCompleted, resp, "")
	case errors.Is(err, context.Canceled):
		_ = m.finalize(t, domain.TaskCancelled, nil, "")
	case errors.Is(err, context.DeadlineExceeded):
		_ = m.finalize(t, domain.TaskTimeout, nil, err.Error())
	default:
		_ = m.finalize(t, domain.TaskFailed, nil, err.Error())
	}
}

// finalize writes the terminal transition and its event atomically.
// Result is set iff completed; error iff failed or timed out. A row some
// other path already settled is left alone, event included, so a cancel
// racing a worker never double-writes.
func (m *Manager) finalize(t domain.Task, status domain.TaskStatus, result *domain.BackendResponse, errText string) error {
	completed := m.now().UTC().Format(timeFormat)
	t.Status = status
	t.CompletedAt = &completed
	t.Result = nil
	t.Error = ""
	switch status {
	case domain.TaskCompleted:
		t.Result = result
	case domain.TaskFailed, domain.TaskTimeout:
		t.Error = errText
	}
	payload := events.EventPayload{}
	if errText != "" {
		payload["error"] = errText
	}
	tx, err := m.DB.BeginTx(m.baseCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	err = m.Repo.FinishTask(m.baseCtx, tx, t)
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := m.Events.Append(m.baseCtx, tx, "task."+string(status), "task", t.ID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) update(t domain.Task, evtType string, payload events.EventPayload) error {
	tx, err := m.DB.BeginTx(m.baseCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateTask(m.baseCtx, tx, t); err != nil {
		return err
	}
	if err := m.Events.Append(m.baseCtx, tx, evtType, "task", t.ID, payload); err != nil {
		return err
	}
	return tx.Commit()
}
