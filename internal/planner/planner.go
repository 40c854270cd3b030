// Package planner turns a CI snapshot into a remediation plan by asking the
// reasoning agent, and asks it to verify a batch before it runs.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/lucasnoah/ciheal/internal/agent"
	"github.com/lucasnoah/ciheal/internal/ci"
	"github.com/lucasnoah/ciheal/internal/extract"
	"github.com/lucasnoah/ciheal/internal/plan"
	"github.com/lucasnoah/ciheal/internal/prompt"
	"github.com/lucasnoah/ciheal/internal/schema"
	"github.com/lucasnoah/ciheal/internal/vcs"
)

// DefaultCommitLimit caps the recent-commit summary in the prompt.
const DefaultCommitLimit = 10

// History supplies recent commits for the prompt.
type History interface {
	RecentCommits(n int) ([]vcs.Commit, error)
}

// Options configures a Planner.
type Options struct {
	Task        string
	Repo        string // owner/name, informational
	Timeout     time.Duration
	CommitLimit int
	Strict      bool
	DryRun      bool   // skip writing prompt.md
	TemplateDir string // optional overrides for the built-in templates
}

// Planner builds prompts and interprets agent replies.
type Planner struct {
	agent   agent.Agent
	store   *plan.Store
	history History
	opts    Options
}

// New creates a Planner. history may be nil.
func New(a agent.Agent, store *plan.Store, history History, opts Options) *Planner {
	if opts.CommitLimit == 0 {
		opts.CommitLimit = DefaultCommitLimit
	}
	return &Planner{agent: a, store: store, history: history, opts: opts}
}

// Generate asks the agent for a plan covering runs. Agent failures and
// unusable replies yield the fallback plan. The error is non-nil only when
// ctx is done or the prompt cannot be built.
func (p *Planner) Generate(ctx context.Context, runs []ci.RunState, pr ci.PRStatus) (*plan.Plan, error) {
	log := clog.FromContext(ctx)

	text, err := p.BuildPrompt(runs, pr)
	if err != nil {
		return nil, err
	}
	p.savePrompt(ctx, text)

	log.With("runs", len(runs)).With("timeout", p.opts.Timeout).Info("Requesting plan from agent")
	raw, err := p.agent.Invoke(ctx, text, p.opts.Timeout)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return fallback(ctx, "agent call failed", err), nil
	}

	doc, err := extract.Extract(raw)
	if err != nil {
		return fallback(ctx, "no JSON object in agent reply", err), nil
	}

	if err := schema.Validate(doc, schema.Planning); err != nil {
		if p.opts.Strict {
			return fallback(ctx, "agent reply failed schema validation", err), nil
		}
		log.With("error", err).Warn("Agent reply failed schema validation, continuing with it")
	}

	pl, warnings, err := plan.Decode(doc)
	for _, w := range warnings {
		log.With("warning", w).Warn("Plan validation warning")
	}
	if err != nil {
		return fallback(ctx, "agent plan is not usable", err), nil
	}
	if pl.Exhausted() {
		return fallback(ctx, "agent plan has no batches", nil), nil
	}

	log.With("batches", len(pl.Batches)).With("patches", len(pl.Patches)).Info("Agent plan accepted")
	return pl, nil
}

// Verify asks the agent whether the head batch of pl is safe to execute.
// In strict mode a reply that fails the execution schema is an error.
func (p *Planner) Verify(ctx context.Context, pl *plan.Plan) (plan.Verdict, error) {
	log := clog.FromContext(ctx)

	head, ok := pl.Head()
	if !ok {
		return plan.Verdict{Valid: true, Reason: "nothing to execute"}, nil
	}
	text, err := p.BuildVerifyPrompt(pl)
	if err != nil {
		return plan.Verdict{}, err
	}

	raw, err := p.agent.Invoke(ctx, text, p.opts.Timeout)
	if err != nil {
		return plan.Verdict{}, fmt.Errorf("verify batch %s: %w", head.Name, err)
	}
	doc, err := extract.Extract(raw)
	if err != nil {
		return plan.Verdict{}, fmt.Errorf("verify batch %s: %w", head.Name, err)
	}
	if err := schema.Validate(doc, schema.Execution); err != nil {
		if p.opts.Strict {
			return plan.Verdict{}, fmt.Errorf("verify batch %s: %w", head.Name, err)
		}
		log.With("error", err).Warn("Verdict failed schema validation, continuing with it")
	}

	var v plan.Verdict
	if err := json.Unmarshal(doc, &v); err != nil {
		return plan.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	log.With("batch", head.Name).With("valid", v.Valid).With("reason", v.Reason).Info("Batch verified")
	return v, nil
}

// BuildPrompt renders the planning prompt for runs and pr.
func (p *Planner) BuildPrompt(runs []ci.RunState, pr ci.PRStatus) (string, error) {
	tmpl, err := prompt.Load(prompt.PlanTemplate, p.opts.TemplateDir)
	if err != nil {
		return "", err
	}
	planSchema, err := schema.PlanSchema()
	if err != nil {
		return "", err
	}
	if runs == nil {
		runs = []ci.RunState{}
	}
	runsJSON, err := json.Marshal(runs)
	if err != nil {
		return "", fmt.Errorf("marshal runs: %w", err)
	}

	vars := prompt.Vars{
		"task":              p.task(),
		"repo":              p.opts.Repo,
		"branch":            pr.HeadBranch,
		"pr_number":         "",
		"pr_status":         "",
		"runs":              string(runsJSON),
		"awaiting_approval": awaitingApproval(runs, pr.Checks),
		"commits":           p.commitSummary(),
		"schema":            string(planSchema),
	}
	if vars["branch"] == "" {
		vars["branch"] = "(unknown)"
	}
	if pr.Number > 0 {
		prJSON, err := json.Marshal(pr)
		if err != nil {
			return "", fmt.Errorf("marshal pr status: %w", err)
		}
		vars["pr_number"] = strconv.Itoa(pr.Number)
		vars["pr_status"] = string(prJSON)
	}
	return prompt.Render(tmpl, vars)
}

// awaitingApproval lists the ids of runs waiting for a maintainer, once each.
func awaitingApproval(groups ...[]ci.RunState) string {
	seen := make(map[int64]bool)
	var ids []string
	for _, runs := range groups {
		for _, r := range runs {
			if r.ID <= 0 || !r.NeedsApproval() || seen[r.ID] {
				continue
			}
			seen[r.ID] = true
			ids = append(ids, strconv.FormatInt(r.ID, 10))
		}
	}
	return strings.Join(ids, ", ")
}

// BuildVerifyPrompt renders the verification prompt for the head batch of pl
// and every patch the next execution phase applies.
func (p *Planner) BuildVerifyPrompt(pl *plan.Plan) (string, error) {
	b, _ := pl.Head()
	tmpl, err := prompt.Load(prompt.VerifyTemplate, p.opts.TemplateDir)
	if err != nil {
		return "", err
	}
	verdictSchema, err := schema.VerdictSchema()
	if err != nil {
		return "", err
	}
	batchJSON, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}

	var patchesJSON string
	used := make(map[string]plan.Patch)
	for _, name := range pl.HeadPatches() {
		if patch, ok := pl.Patches[name]; ok {
			used[name] = patch
		}
	}
	if len(used) > 0 {
		data, err := json.MarshalIndent(used, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal patches: %w", err)
		}
		patchesJSON = string(data)
	}

	return prompt.Render(tmpl, prompt.Vars{
		"task":    p.task(),
		"batch":   string(batchJSON),
		"patches": patchesJSON,
		"schema":  string(verdictSchema),
	})
}

func (p *Planner) task() string {
	if strings.TrimSpace(p.opts.Task) == "" {
		return "Make every CI run for this branch pass."
	}
	return p.opts.Task
}

// commitSummary lists recent commits one per line. Errors leave it empty.
func (p *Planner) commitSummary() string {
	if p.history == nil || p.opts.CommitLimit < 0 {
		return ""
	}
	commits, err := p.history.RecentCommits(p.opts.CommitLimit)
	if err != nil || len(commits) == 0 {
		return ""
	}
	var b strings.Builder
	for _, c := range commits {
		fmt.Fprintf(&b, "- %s %s (%s, %s)\n", c.Hash, c.Subject, c.Author, c.When.UTC().Format(time.DateOnly))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (p *Planner) savePrompt(ctx context.Context, text string) {
	if p.opts.DryRun || p.store == nil {
		return
	}
	if err := p.store.SavePrompt(text); err != nil {
		clog.FromContext(ctx).With("error", err).Warn("Could not save prompt")
	}
}

func fallback(ctx context.Context, reason string, err error) *plan.Plan {
	log := clog.FromContext(ctx).With("reason", reason)
	if err != nil {
		log = log.With("error", err)
		if errors.Is(err, agent.ErrTimeout) {
			log = log.With("timeout", true)
		}
	}
	log.Warn("Using fallback plan")

	fb := plan.Fallback()
	fb.Notes = reason
	return fb
}
