package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/lucasnoah/ciheal/internal/agent"
	"github.com/lucasnoah/ciheal/internal/ci"
	"github.com/lucasnoah/ciheal/internal/config"
	"github.com/lucasnoah/ciheal/internal/db"
	"github.com/lucasnoah/ciheal/internal/logging"
	"github.com/lucasnoah/ciheal/internal/plan"
	"github.com/lucasnoah/ciheal/internal/secret"
	"github.com/lucasnoah/ciheal/internal/vcs"
)

// GitHub token variables read by the api provider, in order.
var githubTokenVars = []string{"GITHUB_TOKEN", "GH_TOKEN"}

// loadConfig loads the config file and overlays CIHEAL_* variables.
func loadConfig(ctx context.Context) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// stateDir resolves the configured state directory against root.
func stateDir(cfg *config.Config, root string) string {
	if filepath.IsAbs(cfg.State.Dir) {
		return cfg.State.Dir
	}
	return filepath.Join(root, cfg.State.Dir)
}

// planStore opens the plan store for the current directory.
func planStore(cmd *cobra.Command) (*plan.Store, error) {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return nil, err
	}
	root, err := workRoot()
	if err != nil {
		return nil, err
	}
	return plan.NewStore(stateDir(cfg, root)), nil
}

// workRoot returns the enclosing git worktree root, or the working directory
// outside a repository.
func workRoot() (string, error) {
	if repo, err := vcs.Open(".", nil); err == nil {
		return repo.Dir(), nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return wd, nil
}

// openDB opens and migrates the event log, returning it with a cleanup func.
func openDB(cfg *config.Config) (*db.DB, func(), error) {
	d, err := db.Open(cfg.State.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

// newProvider builds the CI provider named by cfg.Provider.
func newProvider(ctx context.Context, cfg *config.Config, dir string, redactor *logging.Redactor) (ci.Provider, error) {
	switch cfg.Provider {
	case "api":
		var token string
		for _, name := range githubTokenVars {
			if token = os.Getenv(name); token != "" {
				break
			}
		}
		if token == "" {
			return nil, &config.ConfigError{Err: fmt.Errorf("provider api needs %s or %s", githubTokenVars[0], githubTokenVars[1])}
		}
		redactor.Register(token)
		return ci.NewAPI(ctx, cfg.Repo, token)
	default:
		return ci.NewGH(&ci.ExecRunner{Dir: dir}, cfg.Repo), nil
	}
}

// newAgent builds the reasoning agent named by cfg.Agent.Backend.
func newAgent(cfg *config.Config, dir string, redactor *logging.Redactor) (agent.Agent, error) {
	key, err := secret.NewStore(cfg.Credentials.EnvVar, cfg.Credentials.File, redactor).Get()
	if err != nil {
		return nil, err
	}

	switch cfg.Agent.Backend {
	case "api":
		return agent.NewAPI(key, cfg.Agent.Model, int64(cfg.Agent.MaxTokens)), nil
	default:
		return &agent.CLI{
			Command: cfg.Agent.Command,
			Model:   cfg.Agent.Model,
			Dir:     dir,
			EnvVar:  cfg.Credentials.EnvVar,
			Key:     key,
		}, nil
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

// newTable creates a left-aligned markdown-style table.
func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{Left: tw.On, Top: tw.Off, Right: tw.On, Bottom: tw.Off},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
