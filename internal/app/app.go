package app

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"modelgate/internal/config"
	"modelgate/internal/db"
	"modelgate/internal/events"
	"modelgate/internal/migrate"
	"modelgate/internal/provider"
	"modelgate/internal/repo"
	"modelgate/internal/retry"
	"modelgate/internal/taskmgr"
	"modelgate/internal/tools"
	"modelgate/internal/validate"
)

// App wires the runtime together: one database, one provider invoker,
// one task pool, one retry manager. The CLI and the HTTP server both
// run on top of it.
type App struct {
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Invoker    *provider.Invoker
	Tasks      *taskmgr.Manager
	Runner     *retry.Manager
	Breaker    *retry.Breaker
	Validators *validate.Registry
	Tools      *tools.Registry
	Log        zerolog.Logger
}

// New opens the workspace database, migrates it, and builds the full
// runtime from the resolved configuration. Call Close when done.
func New(workspace string, cfg *config.Config, log zerolog.Logger) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	a, err := build(conn, cfg, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func build(conn *sql.DB, cfg *config.Config, log zerolog.Logger) (*App, error) {
	inv, err := provider.NewInvoker(cfg.Providers)
	if err != nil {
		return nil, err
	}
	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn}

	tasks := taskmgr.New(conn, inv, taskmgr.Config{
		Workers:    cfg.Pool.Workers,
		Queue:      cfg.Pool.Queue,
		Retention:  time.Duration(cfg.Retention.Hours) * time.Hour,
		SweepEvery: time.Duration(cfg.Retention.SweepEvery) * time.Second,
	}, log.With().Str("component", "taskmgr").Logger())

	toolReg := tools.DefaultRegistry()

	validators := validate.NewRegistry()
	validators.Register(validate.RequiredFields{})
	validators.Register(validate.JSONShape{})
	validators.Register(validate.RegexMatch{})
	validators.Register(validate.Substring{})
	validators.Register(validate.LengthBounds{})
	validators.Register(&validate.Agent{
		Manager:  tasks,
		Tools:    toolReg,
		Provider: cfg.Agent.Provider,
		MaxDepth: cfg.Agent.MaxDepth,
	})

	breaker := &retry.Breaker{
		Repo:      r,
		Events:    ev,
		Threshold: cfg.Breaker.FailureThreshold,
		Window:    time.Duration(cfg.Breaker.WindowSeconds) * time.Second,
		Cooldown:  time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		// Caller cancellation says nothing about backend health.
		Excluded: func(err error) bool { return errors.Is(err, context.Canceled) },
	}

	runner, err := retry.NewManager(tasks, validators, toolReg, breaker, ev, cfg.Stages,
		time.Duration(cfg.Server.AttemptTimeout)*time.Second,
		log.With().Str("component", "retry").Logger())
	if err != nil {
		return nil, err
	}

	return &App{
		DB:         conn,
		Repo:       r,
		Config:     cfg,
		Invoker:    inv,
		Tasks:      tasks,
		Runner:     runner,
		Breaker:    breaker,
		Validators: validators,
		Tools:      toolReg,
		Log:        log,
	}, nil
}

// Start launches the task pool; Close stops it and closes the database.
func (a *App) Start() { a.Tasks.Start() }

func (a *App) Close() error {
	a.Tasks.Stop()
	return a.DB.Close()
}

// NewLogger builds the process logger. Pretty output on a terminal,
// JSON otherwise.
func NewLogger() zerolog.Logger {
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
