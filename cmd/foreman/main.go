package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/mpataki/foreman/internal/api"
	"github.com/mpataki/foreman/internal/config"
	"github.com/mpataki/foreman/internal/models"
	"github.com/mpataki/foreman/internal/notify"
	"github.com/mpataki/foreman/internal/orchestrator"
	"github.com/mpataki/foreman/internal/scheduler"
	"github.com/mpataki/foreman/internal/spec"
	"github.com/mpataki/foreman/internal/storage"
	"github.com/mpataki/foreman/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Agent workflow orchestrator",
		Long:          "Foreman moves workflow runs through their steps while agents claim and report work.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runTUI,
	}

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newClaimCommand())
	rootCmd.AddCommand(newCompleteCommand())
	rootCmd.AddCommand(newFailCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newStoriesCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newStaleCommand())
	rootCmd.AddCommand(newDeleteCommand())
	rootCmd.AddCommand(newWorkflowsCommand())
	rootCmd.AddCommand(newSchedulerCommand())
	rootCmd.AddCommand(newServeCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is what every command needs: config, storage and an orchestrator
// wired to the persistent scheduler.
type app struct {
	cfg    *config.Config
	store  *storage.Storage
	cron   *scheduler.Cron
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

func openApp() (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var waker scheduler.Waker
	if cfg.AgentCommand != "" {
		waker = &scheduler.CommandWaker{Command: cfg.AgentCommand, Logger: logger}
	}
	cron := scheduler.New(store,
		scheduler.WithInterval(cfg.PollInterval),
		scheduler.WithLogger(logger),
		scheduler.WithWaker(waker),
	)

	orch := orchestrator.New(store,
		orchestrator.WithScheduler(cron),
		orchestrator.WithLogger(logger),
		orchestrator.WithNotifier(notify.NewWebhook(notify.DefaultTimeout)),
		orchestrator.WithStaleThreshold(cfg.StaleThreshold),
		orchestrator.WithStepTimeout(cfg.StepTimeout),
	)

	return &app{cfg: cfg, store: store, cron: cron, orch: orch, logger: logger}, nil
}

func (a *app) Close() {
	a.store.Close()
}

func (a *app) workflows() (map[string]*models.WorkflowSpec, error) {
	specs, err := spec.LoadAll(a.cfg.WorkflowDirs())
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}
	return specs, nil
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	specs, err := a.workflows()
	if err != nil {
		return err
	}

	// Keep log lines from tearing the alt screen.
	a.orch = orchestrator.New(a.store,
		orchestrator.WithScheduler(a.cron),
		orchestrator.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		orchestrator.WithStaleThreshold(a.cfg.StaleThreshold),
		orchestrator.WithStepTimeout(a.cfg.StepTimeout),
	)

	p := tea.NewProgram(tui.NewApp(a.orch, specs), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <workflow> <task>",
		Short: "Start a new run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			notifyURL, _ := cmd.Flags().GetString("notify-url")
			concurrent, _ := cmd.Flags().GetBool("allow-concurrent")

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var wf *models.WorkflowSpec
			if spec.IsPath(args[0]) {
				wf, err = spec.Load(args[0])
				if err != nil {
					return err
				}
			} else {
				specs, err := a.workflows()
				if err != nil {
					return err
				}
				var ok bool
				if wf, ok = specs[args[0]]; !ok {
					return fmt.Errorf("workflow %q not found", args[0])
				}
			}

			run, err := a.orch.StartRun(cmd.Context(), wf, args[1], orchestrator.RunOptions{
				NotifyURL:       notifyURL,
				AllowConcurrent: concurrent,
			})
			if err != nil {
				if run != nil {
					fmt.Printf("Run %s failed: %v\n", run.ID, err)
				}
				return err
			}

			fmt.Printf("Started run %s (%s, %d steps)\n", run.ID, wf.ID, len(wf.Steps))
			return nil
		},
	}

	cmd.Flags().String("notify-url", "", "POST run events to this URL")
	cmd.Flags().Bool("allow-concurrent", false, "Start even if the workflow already has a running run")
	return cmd
}

func newClaimCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <agent>",
		Short: "Claim the next pending step for an agent",
		Long:  "Prints the claimed step as JSON, or NO_WORK when the agent has nothing pending.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			claim, err := a.orch.Claim(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if claim == nil {
				fmt.Println("NO_WORK")
				return nil
			}
			return printJSON(claim)
		},
	}
}

func newCompleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <step-id> [output|-]",
		Short: "Report a step as finished",
		Long:  "Records the step output. Pass - or omit the output to read it from stdin.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := argOrStdin(cmd, args, 1)
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.Complete(cmd.Context(), args[0], output)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newFailCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fail <step-id> [error|-]",
		Short: "Report a failed attempt at a step",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			errText, err := argOrStdin(cmd, args, 1)
			if err != nil {
				return err
			}

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.Fail(cmd.Context(), args[0], errText)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Resume a failed run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orch.Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Resumed run %s at step %s\n", res.RunID, res.StepName)
			if res.VerifyReset {
				fmt.Println("Verify step failed; its loop step restarts the current story.")
			}
			if res.StoriesReset > 0 {
				fmt.Printf("Stories reset: %d\n", res.StoriesReset)
			}
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.orch.RunDetail(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			run := d.Run
			fmt.Printf("Run %s: %s\n", run.ID, run.WorkflowID)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("Task: %s\n", run.Task)
			fmt.Printf("Updated: %s\n", storage.FormatTimeAgo(run.UpdatedAt))

			fmt.Println("\nSteps:")
			for _, s := range d.Steps {
				line := fmt.Sprintf("  %d. %-16s %-8s [%s]", s.Index+1, s.StepID, s.AgentID, s.Status)
				if s.RetryCount > 0 {
					line += fmt.Sprintf(" retries %d/%d", s.RetryCount, s.MaxRetries)
				}
				fmt.Println(line)
				if s.Status == models.StepStatusFailed && s.Output != "" {
					fmt.Printf("       %s\n", truncate(firstLine(s.Output), 100))
				}
			}
			if len(d.Stories) > 0 {
				fmt.Printf("\nStories: %d (see `foreman stories %s`)\n", len(d.Stories), run.ID)
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.orch.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}

			for _, run := range runs {
				fmt.Printf("%s %-18s [%s] %s\n",
					run.ID, run.WorkflowID, run.Status,
					truncate(run.Task, 50))
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "Maximum number of runs")
	return cmd
}

func newStoriesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stories <run-id>",
		Short: "List the stories of a run's loop steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			d, err := a.orch.RunDetail(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(d.Stories) == 0 {
				fmt.Println("No stories.")
				return nil
			}
			for _, st := range d.Stories {
				fmt.Printf("%-6s [%-7s] retries=%d  %s\n", st.Key, st.Status, st.RetryCount, st.Title)
			}
			return nil
		},
	}
}

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events [run-id]",
		Short: "Show the event log",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			asJSON, _ := cmd.Flags().GetBool("json")

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			f := storage.EventFilter{Limit: limit}
			if len(args) == 1 {
				f.RunID = args[0]
			}
			events, err := a.orch.Events(cmd.Context(), f)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(events)
			}
			for _, e := range events {
				line := fmt.Sprintf("%s  %-18s %s", e.Time.Format(time.DateTime), e.Kind, e.RunID)
				if e.StepID != "" {
					line += " " + e.StepID
				}
				if e.StoryTitle != "" {
					line += " [" + e.StoryTitle + "]"
				}
				if e.Detail != "" {
					line += "  " + truncate(e.Detail, 80)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 50, "Show at most this many recent events")
	cmd.Flags().Bool("json", false, "Print events as JSON")
	return cmd
}

func newStaleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List running runs with no recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			doFail, _ := cmd.Flags().GetBool("fail")

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			var stale []*orchestrator.StaleRun
			if doFail {
				stale, err = a.orch.FailStaleRuns(cmd.Context())
			} else {
				stale, err = a.orch.StaleRuns(cmd.Context())
			}
			if err != nil {
				return err
			}

			if len(stale) == 0 {
				fmt.Printf("No stale runs (threshold %s).\n", a.orch.StaleThreshold())
				return nil
			}
			for _, s := range stale {
				fmt.Printf("%s %-18s idle %s\n", s.Run.ID, s.Run.WorkflowID, s.Idle.Round(time.Minute))
			}
			if doFail {
				fmt.Printf("Failed %d stale run(s).\n", len(stale))
			}
			return nil
		},
	}
	cmd.Flags().Bool("fail", false, "Fail the stale runs")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a finished run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.orch.DeleteRun(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to delete run: %w", err)
			}

			fmt.Printf("Deleted run %s\n", args[0])
			return nil
		},
	}
}

func newWorkflowsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workflows",
		Short: "List available workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			specs, err := a.workflows()
			if err != nil {
				return err
			}
			if len(specs) == 0 {
				fmt.Printf("No workflows found in %s\n", strings.Join(a.cfg.WorkflowDirs(), ", "))
				return nil
			}

			ids := make([]string, 0, len(specs))
			for id := range specs {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				wf := specs[id]
				var steps []string
				for _, s := range wf.Steps {
					steps = append(steps, s.ID)
				}
				fmt.Printf("%-20s %s\n", id, strings.Join(steps, " -> "))
			}
			return nil
		},
	}
}

func newSchedulerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Poll armed workflows and wake agents until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.AgentCommand == "" {
				a.logger.Warn("no agent command configured; pending work will not wake agents")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.cron.Start(ctx, a.orch); err != nil {
				return err
			}
			a.cron.Tick(ctx)
			<-ctx.Done()
			a.cron.Stop()
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			withScheduler, _ := cmd.Flags().GetBool("scheduler")

			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				a.cfg.ListenAddr = addr
			}
			if a.cfg.Level() > slog.LevelDebug {
				gin.SetMode(gin.ReleaseMode)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if withScheduler {
				if err := a.cron.Start(ctx, a.orch); err != nil {
					return err
				}
				defer a.cron.Stop()
			}

			srv := &http.Server{
				Addr:    a.cfg.ListenAddr,
				Handler: api.NewRouter(api.NewHandler(a.orch, a.workflows), a.logger),
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("api listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("api server: %w", err)
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("api shutdown: %w", err)
			}
			a.logger.Info("api stopped")
			return nil
		},
	}
	cmd.Flags().String("addr", "", "Listen address (default from config)")
	cmd.Flags().Bool("scheduler", false, "Also run the polling scheduler")
	return cmd
}

// argOrStdin returns args[i], or stdin when it is missing or "-".
func argOrStdin(cmd *cobra.Command, args []string, i int) (string, error) {
	if len(args) > i && args[i] != "-" {
		return args[i], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	if len(data) == 0 {
		return "", errors.New("no output given")
	}
	return string(data), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
