package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"modelgate/internal/app"
	"modelgate/internal/config"
	"modelgate/internal/db"
	"modelgate/internal/domain"
	"modelgate/internal/repo"
	"modelgate/internal/retry"
	"modelgate/internal/server"
	"modelgate/internal/validate"
)

var rootCmd = &cobra.Command{
	Use:   "mg",
	Short: "Modelgate CLI",
	Long: `Modelgate orchestrates LLM backend requests: durable async tasks,
pluggable response validation, and staged retries with escalation.
Submitted requests run on a worker pool and survive restarts; responses
are checked by validator chains, retried with backoff, routed through a
tool-assisted stage, and finally escalated to human review. A per-target
circuit breaker keeps a failing backend from eating every retry.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load()
	viper.SetEnvPrefix("MODELGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("provider", "", "provider id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("provider", rootCmd.PersistentFlags().Lookup("provider"))
}

func registerCommands() {
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(awaitCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(circuitsCmd())
	rootCmd.AddCommand(validatorsCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func submitCmd() *cobra.Command {
	var prompt, system string
	var wait bool
	var timeoutSec int
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a backend request as an async task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt required")
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				id, err := a.Tasks.Submit(ctx, domain.BackendRequest{
					Provider: resolveProvider(a.Config),
					Prompt:   prompt,
					System:   system,
				})
				if err != nil {
					return err
				}
				if !wait {
					t, err := a.Tasks.Poll(ctx, id)
					if err != nil {
						return err
					}
					return printJSONOrIndent(t)
				}
				t, err := a.Tasks.Await(ctx, id, time.Duration(timeoutSec)*time.Second)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().BoolVar(&wait, "wait", false, "await completion before printing")
	cmd.Flags().IntVar(&timeoutSec, "timeout", 120, "await timeout in seconds")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Poll a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Poll(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func awaitCmd() *cobra.Command {
	var timeoutSec int
	cmd := &cobra.Command{
		Use:   "await <task-id>",
		Short: "Wait for a task to reach a terminal status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				t, err := a.Tasks.Await(ctx, args[0], time.Duration(timeoutSec)*time.Second)
				if err != nil {
					return err
				}
				if !t.Status.Terminal() {
					fmt.Fprintf(os.Stderr, "timeout elapsed; task still %s\n", t.Status)
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().IntVar(&timeoutSec, "timeout", 120, "timeout in seconds")
	return cmd
}

func cancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				cancelled, err := a.Tasks.Cancel(ctx, args[0])
				if err != nil {
					return err
				}
				t, err := a.Tasks.Poll(ctx, args[0])
				if err != nil {
					return err
				}
				if !cancelled {
					fmt.Fprintf(os.Stderr, "task already %s; nothing to cancel\n", t.Status)
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func tasksCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				tasks, err := a.Repo.ListTasks(ctx, domain.TaskStatus(status), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Provider", "Created", "Error"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Status, t.Provider, t.CreatedAt, t.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func runCmd() *cobra.Command {
	var prompt, system string
	var validatorSpecs []string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an orchestrated request through the retry stages",
		Long: `Runs the request synchronously: basic retries with backoff, then the
tool-assisted stage, then escalation to human review. Validators are
given as name or name=params-json, e.g.
  mg run --prompt 'list three fruits as json' \
    --validator 'required_fields={"fields":["fruits"]}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt required")
			}
			sels, err := parseValidatorSpecs(validatorSpecs)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				outcome, err := a.Runner.Run(ctx, retry.Request{
					Request: domain.BackendRequest{
						Provider: resolveProvider(a.Config),
						Prompt:   prompt,
						System:   system,
					},
					Validators: sels,
				})
				if err != nil {
					return err
				}
				if err := printJSONOrIndent(outcome); err != nil {
					return err
				}
				if outcome.Status == domain.OutcomeEscalated {
					fmt.Fprintln(os.Stderr, "escalated to human review")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text")
	cmd.Flags().StringVar(&system, "system", "", "system prompt")
	cmd.Flags().StringArrayVar(&validatorSpecs, "validator", []string{}, "validator name or name=params-json (repeatable)")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func circuitsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "circuits",
		Short: "Show circuit breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				circuits, err := a.Repo.ListCircuits(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(circuits)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Target", "Status", "Failures", "Next Trial"})
				for _, c := range circuits {
					next := ""
					if c.NextTrialAt != nil {
						next = *c.NextTrialAt
					}
					tw.AppendRow(table.Row{c.Target, c.Status, len(c.Failures), next})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func validatorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validators",
		Short: "List registered validators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				return printJSONOrIndent(map[string][]string{
					"validators": a.Validators.Names(),
					"providers":  a.Invoker.Names(),
					"tools":      a.Tools.Names(),
				})
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete terminal tasks past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				n, err := a.Tasks.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("swept %d task(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	var after int64
	var n int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Tail the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.EventsAfter(ctx, n, after)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events with id greater than this")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (plaintext printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				token := server.NewAPIKeyToken()
				k := domain.APIKey{
					ID:        newID(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(token),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				return printJSONOrIndent(map[string]string{"id": k.ID, "name": k.Name, "key": token})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				keys, err := a.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrIndent(keys)
			})
		},
	}
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), false, func(ctx context.Context, a *app.App) error {
				return a.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the resolved configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			data, err := c.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default modelgate.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("workspace") + "/modelgate.yml"
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			data, err := config.Default().ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), true, func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				jwtSecret := os.Getenv("MODELGATE_JWT_SECRET")
				if jwtSecret == "" {
					jwtSecret = a.Config.Server.JWTSecret
				}
				authCfg := server.AuthConfig{
					JWTSecret:      jwtSecret,
					AllowAnonymous: a.Config.Server.AllowAnonymous,
				}
				if jwtSecret == "" && !authCfg.AllowAnonymous {
					return fmt.Errorf("MODELGATE_JWT_SECRET is required unless server.allow_anonymous is set")
				}
				handler, err := server.New(server.Config{
					Repo:            a.Repo,
					Tasks:           a.Tasks,
					Runner:          a.Runner,
					Validators:      a.Validators,
					Providers:       a.Invoker.Names(),
					DefaultProvider: a.Config.Providers.Default,
					BasePath:        basePath,
					Auth:            authCfg,
					Log:             a.Log,
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, a.Repo, a.Config.Webhooks, a.Log)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Modelgate API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, startPool bool, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	a, err := app.New(workspace, cfg, app.NewLogger())
	if err != nil {
		return err
	}
	defer a.Close()
	if startPool {
		a.Start()
	}
	return fn(ctx, a)
}

func resolveProvider(cfg *config.Config) string {
	if p := viper.GetString("provider"); p != "" {
		return p
	}
	return cfg.Providers.Default
}

func parseValidatorSpecs(specs []string) ([]validate.Selection, error) {
	sels := make([]validate.Selection, 0, len(specs))
	for _, spec := range specs {
		name, params, found := strings.Cut(spec, "=")
		sel := validate.Selection{Name: strings.TrimSpace(name)}
		if sel.Name == "" {
			return nil, fmt.Errorf("empty validator name in %q", spec)
		}
		if found {
			if !json.Valid([]byte(params)) {
				return nil, fmt.Errorf("validator %s: params must be JSON", sel.Name)
			}
			sel.Params = json.RawMessage(params)
		}
		sels = append(sels, sel)
	}
	return sels, nil
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newID() string {
	return uuid.New().String()
}
