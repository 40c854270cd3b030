package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lucasnoah/ciheal/internal/config"
	"github.com/lucasnoah/ciheal/internal/db"
	"github.com/lucasnoah/ciheal/internal/plan"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// writeConfig writes a config whose state lives in a fresh temp dir.
func writeConfig(t *testing.T, extra string) (path, stateDir string) {
	t.Helper()
	dir := t.TempDir()
	stateDir = filepath.Join(dir, "state")
	body := "state:\n  dir: " + stateDir + "\n  database: " + filepath.Join(stateDir, "events.db") + "\n" + extra
	path = filepath.Join(dir, "ciheal.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, stateDir
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{"run", "plan", "history", "config", "db", "version"}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestRunHelpListsFlags(t *testing.T) {
	out, err := executeCommand("run", "--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, flag := range []string{"--mode", "--pr", "--once", "--dry-run", "--max-iterations", "--interval", "--timeout", "--no-agent", "--strict-validation", "--comment"} {
		if !strings.Contains(out, flag) {
			t.Errorf("run help missing flag %s", flag)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{errors.New("boom"), 1},
		{&ExitError{Code: 2}, 2},
		{&ExitError{Code: 130, Err: errors.New("interrupted")}, 130},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfgPath, _ := writeConfig(t, "provider: gitlab\n")
	_, err := executeCommand("run", "-c", cfgPath, "--mode", "execution")
	if err == nil {
		t.Fatal("expected config error")
	}
	if ExitCode(err) != 1 {
		t.Errorf("exit code = %d, want 1", ExitCode(err))
	}
	if !config.IsConfigError(err) {
		t.Errorf("expected ConfigError, got %v", err)
	}
}

func TestApplyRunFlags(t *testing.T) {
	cfg := config.Default()
	if err := runCmd.Flags().Set("max-iterations", "7"); err != nil {
		t.Fatal(err)
	}
	if err := runCmd.Flags().Set("once", "true"); err != nil {
		t.Fatal(err)
	}
	if err := runCmd.Flags().Set("timeout", "30s"); err != nil {
		t.Fatal(err)
	}
	if err := runCmd.Flags().Set("comment", "true"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = runCmd.Flags().Set("once", "false")
		_ = runCmd.Flags().Set("comment", "false")
	})

	if err := applyRunFlags(runCmd, cfg); err != nil {
		t.Fatalf("applyRunFlags: %v", err)
	}
	if cfg.Loop.MaxIterations != 1 {
		t.Errorf("--once should win over --max-iterations, got %d", cfg.Loop.MaxIterations)
	}
	if cfg.Agent.Timeout.String() != "30s" {
		t.Errorf("timeout = %s, want 30s", cfg.Agent.Timeout)
	}
	if !cfg.Report.PRComment {
		t.Error("--comment should enable PR comments")
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := config.Default()
	cfg.State.Database = ".ciheal/events.db"
	if got := databaseDSN(cfg, "/work"); got != filepath.Join("/work", ".ciheal/events.db") {
		t.Errorf("relative path not resolved: %s", got)
	}
	for _, dsn := range []string{"postgres://u@h/db", ":memory:", "/abs/events.db"} {
		cfg.State.Database = dsn
		if got := databaseDSN(cfg, "/work"); got != dsn {
			t.Errorf("databaseDSN(%q) = %q", dsn, got)
		}
	}
}

func TestConfigShowJSON(t *testing.T) {
	cfgPath, stateDir := writeConfig(t, "repo: acme/widgets\n")
	out, err := executeCommand("config", "show", "-c", cfgPath, "--format", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(out), &cfg); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if cfg.Repo != "acme/widgets" || cfg.State.Dir != stateDir {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Provider != "gh" {
		t.Errorf("defaults not applied: provider=%q", cfg.Provider)
	}
}

func TestConfigValidate(t *testing.T) {
	cfgPath, _ := writeConfig(t, "repo: not-a-repo\n")
	out, err := executeCommand("config", "validate", "-c", cfgPath)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out, "repo") {
		t.Errorf("expected repo problem in output, got: %s", out)
	}
}

func TestPlanShowAndClear(t *testing.T) {
	cfgPath, stateDir := writeConfig(t, "")

	out, err := executeCommand("plan", "show", "-c", cfgPath, "--format", "text")
	if err != nil {
		t.Fatalf("plan show: %v", err)
	}
	if !strings.Contains(out, "No persisted plan") {
		t.Errorf("expected empty message, got: %s", out)
	}

	store := plan.NewStore(stateDir)
	p := &plan.Plan{Document: plan.Document{
		Batches: []plan.Batch{{Name: "retry-tests", Actions: []plan.Action{plan.Rerun(42)}}},
		Patches: map[string]plan.Patch{"fix": {Filename: ".github/workflows/ci.yml", Diff: "x"}},
	}, Source: plan.SourceAgent}
	if err := store.Save(p); err != nil {
		t.Fatalf("save plan: %v", err)
	}

	out, err = executeCommand("plan", "show", "-c", cfgPath, "--format", "text")
	if err != nil {
		t.Fatalf("plan show: %v", err)
	}
	for _, want := range []string{"retry-tests", "rerun(42)", "fix -> .github/workflows/ci.yml"} {
		if !strings.Contains(out, want) {
			t.Errorf("plan show missing %q:\n%s", want, out)
		}
	}

	if _, err := executeCommand("plan", "clear", "-c", cfgPath); err != nil {
		t.Fatalf("plan clear: %v", err)
	}
	if _, err := store.Load(); !errors.Is(err, plan.ErrNoPlan) {
		t.Errorf("plan not cleared: %v", err)
	}
}

func TestHistory(t *testing.T) {
	cfgPath, stateDir := writeConfig(t, "")
	d, err := db.Open(filepath.Join(stateDir, "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatal(err)
	}
	for _, e := range []struct {
		run   string
		event string
	}{
		{"run-one", "iteration"},
		{"run-one", "finished"},
		{"run-two", "iteration"},
		{"run-two", "plan"},
	} {
		if err := d.LogEvent(e.run, 1, e.event, "detail"); err != nil {
			t.Fatal(err)
		}
	}
	d.Close()

	out, err := executeCommand("history", "-c", cfgPath, "--run", "", "--limit", "50", "--format", "text")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "run-one") || !strings.Contains(out, "run-two") {
		t.Errorf("expected both runs:\n%s", out)
	}

	out, err = executeCommand("history", "-c", cfgPath, "--run", "last", "--format", "json")
	if err != nil {
		t.Fatalf("history --run last: %v", err)
	}
	var events []db.Event
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for the last run, got %d", len(events))
	}
	for _, e := range events {
		if e.RunID != "run-two" {
			t.Errorf("unexpected run %q", e.RunID)
		}
	}
}

func TestDBResetRequiresConfirmation(t *testing.T) {
	cfgPath, _ := writeConfig(t, "")
	_, err := executeCommand("db", "reset", "-c", cfgPath, "--yes=false")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Fatalf("expected refusal, got %v", err)
	}

	if _, err := executeCommand("db", "migrate", "-c", cfgPath); err != nil {
		t.Fatalf("db migrate: %v", err)
	}
	if _, err := executeCommand("db", "reset", "-c", cfgPath, "--yes"); err != nil {
		t.Fatalf("db reset: %v", err)
	}
}
