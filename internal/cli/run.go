package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/ciheal/internal/collector"
	"github.com/lucasnoah/ciheal/internal/config"
	"github.com/lucasnoah/ciheal/internal/db"
	"github.com/lucasnoah/ciheal/internal/executor"
	"github.com/lucasnoah/ciheal/internal/logging"
	"github.com/lucasnoah/ciheal/internal/metrics"
	"github.com/lucasnoah/ciheal/internal/orchestrator"
	"github.com/lucasnoah/ciheal/internal/patch"
	"github.com/lucasnoah/ciheal/internal/plan"
	"github.com/lucasnoah/ciheal/internal/planner"
	"github.com/lucasnoah/ciheal/internal/retry"
	"github.com/lucasnoah/ciheal/internal/vcs"
)

const defaultTask = "Make every CI run on this branch pass."

var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Drive the branch or pull request CI to green",
	Long: `Run the remediation loop. The optional task is free text handed to the
reasoning agent alongside the CI state.

Exit status: 0 when every run is green (or a plan was produced in planning
mode), 2 when the iteration budget ran out, 1 on a fatal error, 130 when
interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.String("mode", "execution", "planning (produce and print a plan) or execution")
	f.Int("pr", 0, "pull request number to track (overrides config)")
	f.Bool("once", false, "run a single iteration")
	f.Bool("dry-run", false, "log every mutation instead of performing it")
	f.Int("max-iterations", 0, "iteration budget (overrides config)")
	f.Duration("interval", 0, "wait between iterations (overrides config)")
	f.Duration("timeout", 0, "agent call timeout (overrides config)")
	f.Bool("no-agent", false, "skip the reasoning agent and use the fallback plan")
	f.Bool("strict-validation", false, "reject agent output that fails schema validation")
	f.Bool("verify", false, "ask the agent to verify batches that apply patches")
	f.Bool("no-push", false, "commit changes without pushing them")
	f.Bool("comment", false, "post a report of each executed batch on the pull request")
	f.String("template-dir", "", "directory with prompt template overrides")
	f.String("metrics-file", "", "write Prometheus metrics to this file on exit")
	f.String("format", "text", "Output format: text or json")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	if err := config.Check(cfg); err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	modeFlag, _ := cmd.Flags().GetString("mode")
	mode, err := orchestrator.ParseMode(modeFlag)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	logger, redactor, err := logging.New(logging.Options{
		Writer:  cmd.ErrOrStderr(),
		Format:  cfg.Log.Format,
		Verbose: cfg.Log.Verbose,
	})
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	ctx = logging.WithLogger(ctx, logger)

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	noAgent, _ := cmd.Flags().GetBool("no-agent")
	noAgent = noAgent || cfg.Agent.Backend == "none"
	noPush, _ := cmd.Flags().GetBool("no-push")
	templateDir, _ := cmd.Flags().GetString("template-dir")

	task := defaultTask
	if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
		task = args[0]
	}

	repo, err := vcs.Open(".", nil)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	root := repo.Dir()
	store := plan.NewStore(stateDir(cfg, root))

	policy := retry.New(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		Threshold:  cfg.Retry.Threshold,
	})

	provider, err := newProvider(ctx, cfg, root, redactor)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	col := collector.New(provider, policy, cfg.PR, cfg.Loop.RunLimit)
	if cfg.PR == 0 {
		if branch, err := repo.CurrentBranch(); err == nil {
			col.WithBranch(branch)
		}
	}

	m := metrics.New()
	deps := orchestrator.Deps{
		Collector: col,
		Executor: executor.New(provider, policy, repo, patch.NewApplier(repo, ""), store, executor.Options{
			DryRun:  dryRun,
			Strict:  cfg.Validation.Strict,
			NoPush:  noPush,
			Comment: cfg.Report.PRComment,
		}),
		Store:   store,
		Policy:  policy,
		Metrics: m,
		Tree:    repo,
	}

	if !noAgent {
		ag, err := newAgent(cfg, root, redactor)
		if err != nil {
			return &ExitError{Code: 1, Err: err}
		}
		deps.Planner = planner.New(ag, store, repo, planner.Options{
			Task:        task,
			Repo:        cfg.Repo,
			Timeout:     cfg.Agent.Timeout,
			CommitLimit: cfg.Agent.CommitLimit,
			Strict:      cfg.Validation.Strict,
			DryRun:      dryRun,
			TemplateDir: templateDir,
		})
	}

	// A dry run leaves no files behind, so the local event log is skipped.
	dsn := databaseDSN(cfg, root)
	if !dryRun || db.IsPostgres(dsn) {
		d, err := db.Open(dsn)
		if err == nil {
			err = d.Migrate()
			if err != nil {
				d.Close()
			}
		}
		if err != nil {
			clog.FromContext(ctx).With("error", err).Warn("Event log unavailable, continuing without it")
		} else {
			defer d.Close()
			deps.Events = d
		}
	}

	o := orchestrator.New(deps, orchestrator.Options{
		Mode:          mode,
		MaxIterations: cfg.Loop.MaxIterations,
		Interval:      cfg.Loop.Interval,
		DryRun:        dryRun,
		NoAgent:       noAgent,
		Verify:        cfg.Validation.Verify,
		Strict:        cfg.Validation.Strict,
	})
	res, runErr := o.Run(ctx)

	if cfg.State.MetricsFile != "" {
		if err := m.WriteFile(cfg.State.MetricsFile); err != nil {
			clog.FromContext(ctx).With("error", err).Warn("Could not write metrics file")
		}
	}

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		if err := writeJSON(cmd, res); err != nil {
			return err
		}
	} else {
		printResult(cmd.OutOrStdout(), res)
	}

	if code := res.Outcome.ExitCode(); code != 0 {
		return &ExitError{Code: code, Err: runErr}
	}
	return nil
}

// applyRunFlags overlays explicitly set flags on cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	if f.Changed("pr") {
		cfg.PR, _ = f.GetInt("pr")
	}
	if f.Changed("max-iterations") {
		cfg.Loop.MaxIterations, _ = f.GetInt("max-iterations")
	}
	if once, _ := f.GetBool("once"); once {
		cfg.Loop.MaxIterations = 1
	}
	if f.Changed("interval") {
		cfg.Loop.Interval, _ = f.GetDuration("interval")
	}
	if f.Changed("timeout") {
		cfg.Agent.Timeout, _ = f.GetDuration("timeout")
	}
	if f.Changed("strict-validation") {
		cfg.Validation.Strict, _ = f.GetBool("strict-validation")
	}
	if f.Changed("verify") {
		cfg.Validation.Verify, _ = f.GetBool("verify")
	}
	if f.Changed("comment") {
		cfg.Report.PRComment, _ = f.GetBool("comment")
	}
	if f.Changed("metrics-file") {
		cfg.State.MetricsFile, _ = f.GetString("metrics-file")
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if verbose {
		cfg.Log.Verbose = true
	}
	if cfg.Loop.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be at least 1, got %d", cfg.Loop.MaxIterations)
	}
	return nil
}

// databaseDSN resolves a relative SQLite path against root.
func databaseDSN(cfg *config.Config, root string) string {
	dsn := cfg.State.Database
	if db.IsPostgres(dsn) || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") || filepath.IsAbs(dsn) {
		return dsn
	}
	return filepath.Join(root, dsn)
}

func printResult(w io.Writer, res *orchestrator.Result) {
	fmt.Fprintf(w, "Run %s: %s after %d iteration(s), %d run(s) not green\n",
		res.RunID, res.Outcome, res.Iterations, res.NotGreen)
	if res.Message != "" {
		fmt.Fprintf(w, "  %s\n", res.Message)
	}

	if len(res.Batches) > 0 {
		fmt.Fprintln(w)
		table := newTable(w, "Batch", "Action", "Outcome", "Error")
		for _, b := range res.Batches {
			for _, a := range b.Actions {
				_ = table.Append([]string{b.Batch, a.Action.String(), string(a.Outcome), truncate(a.Error, 60)})
			}
			if b.PushError != "" {
				_ = table.Append([]string{b.Batch, "push", "failed", truncate(b.PushError, 60)})
			} else if b.Pushed {
				_ = table.Append([]string{b.Batch, "push", "ok", ""})
			}
		}
		_ = table.Render()
	}

	if res.Plan != nil {
		fmt.Fprintln(w)
		printPlan(w, res.Plan)
	}
}
