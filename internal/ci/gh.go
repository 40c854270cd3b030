package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CmdRunner runs a gh command. Interface for testing.
type CmdRunner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs gh commands via exec.
type ExecRunner struct {
	Dir string
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	if r.Dir != "" {
		cmd.Dir = r.Dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("gh %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// GH implements Provider with the gh CLI.
type GH struct {
	cmd  CmdRunner
	repo string // owner/name; empty lets gh infer it from the working tree
}

// NewGH creates a gh-backed provider.
func NewGH(cmd CmdRunner, repo string) *GH {
	return &GH{cmd: cmd, repo: repo}
}

const runFields = "databaseId,workflowName,status,conclusion,headBranch,createdAt,updatedAt"

type ghRun struct {
	DatabaseID   int64     `json:"databaseId"`
	WorkflowName string    `json:"workflowName"`
	Status       string    `json:"status"`
	Conclusion   string    `json:"conclusion"`
	HeadBranch   string    `json:"headBranch"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (r ghRun) state() RunState {
	return RunState{
		ID:           r.DatabaseID,
		WorkflowName: r.WorkflowName,
		Status:       normalizeStatus(r.Status),
		Conclusion:   normalizeConclusion(r.Conclusion),
		Branch:       r.HeadBranch,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (g *GH) withRepo(args []string) []string {
	if g.repo != "" {
		args = append(args, "--repo", g.repo)
	}
	return args
}

// ListRuns lists recent runs, newest first, optionally for one branch.
func (g *GH) ListRuns(ctx context.Context, branch string, limit int) ([]RunState, error) {
	if limit <= 0 {
		limit = 20
	}
	args := []string{"run", "list", "--limit", strconv.Itoa(limit), "--json", runFields}
	if branch != "" {
		if strings.HasPrefix(branch, "-") {
			return nil, fmt.Errorf("invalid branch name %q: must not start with -", branch)
		}
		args = append(args, "--branch", branch)
	}
	out, err := g.cmd.Run(ctx, g.withRepo(args)...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var raw []ghRun
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("parse run list JSON: %w", err)
	}
	runs := make([]RunState, 0, len(raw))
	for _, r := range raw {
		runs = append(runs, r.state())
	}
	return runs, nil
}

// GetRun fetches one run.
func (g *GH) GetRun(ctx context.Context, id int64) (RunState, error) {
	if err := validateRunID(id); err != nil {
		return RunState{}, err
	}
	out, err := g.cmd.Run(ctx, g.withRepo([]string{"run", "view", strconv.FormatInt(id, 10), "--json", runFields})...)
	if err != nil {
		return RunState{}, fmt.Errorf("get run %d: %w", id, err)
	}
	var r ghRun
	if err := json.Unmarshal([]byte(out), &r); err != nil {
		return RunState{}, fmt.Errorf("parse run JSON: %w", err)
	}
	return r.state(), nil
}

// Rerun reruns the failed jobs of a run.
func (g *GH) Rerun(ctx context.Context, id int64) error {
	if err := validateRunID(id); err != nil {
		return err
	}
	if _, err := g.cmd.Run(ctx, g.withRepo([]string{"run", "rerun", strconv.FormatInt(id, 10), "--failed"})...); err != nil {
		return fmt.Errorf("rerun %d: %w", id, err)
	}
	return nil
}

// Approve approves a run waiting on a maintainer.
func (g *GH) Approve(ctx context.Context, id int64) error {
	if err := validateRunID(id); err != nil {
		return err
	}
	repo := g.repo
	if repo == "" {
		repo = "{owner}/{repo}"
	}
	endpoint := fmt.Sprintf("repos/%s/actions/runs/%d/approve", repo, id)
	if _, err := g.cmd.Run(ctx, "api", "--method", "POST", endpoint); err != nil {
		return fmt.Errorf("approve %d: %w", id, err)
	}
	return nil
}

// Comment posts body as a comment on a pull request.
func (g *GH) Comment(ctx context.Context, pr int, body string) error {
	if pr <= 0 {
		return fmt.Errorf("invalid PR number %d: must be positive", pr)
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("comment on PR %d: empty body", pr)
	}
	if _, err := g.cmd.Run(ctx, g.withRepo([]string{"pr", "comment", strconv.Itoa(pr), "--body", body})...); err != nil {
		return fmt.Errorf("comment on PR %d: %w", pr, err)
	}
	return nil
}

type ghCheck struct {
	TypeName     string `json:"__typename"`
	Name         string `json:"name"`
	Context      string `json:"context"`
	WorkflowName string `json:"workflowName"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	State        string `json:"state"`
	StartedAt    string `json:"startedAt"`
	CompletedAt  string `json:"completedAt"`
	DetailsURL   string `json:"detailsUrl"`
}

type ghPR struct {
	Number            int       `json:"number"`
	HeadRefName       string    `json:"headRefName"`
	BaseRefName       string    `json:"baseRefName"`
	Mergeable         string    `json:"mergeable"`
	MergeStateStatus  string    `json:"mergeStateStatus"`
	StatusCheckRollup []ghCheck `json:"statusCheckRollup"`
}

// GetPR fetches the check rollup of a pull request.
func (g *GH) GetPR(ctx context.Context, number int) (PRStatus, error) {
	if number <= 0 {
		return PRStatus{}, fmt.Errorf("invalid PR number %d: must be positive", number)
	}
	args := []string{"pr", "view", strconv.Itoa(number), "--json", "number,headRefName,baseRefName,mergeable,mergeStateStatus,statusCheckRollup"}
	out, err := g.cmd.Run(ctx, g.withRepo(args)...)
	if err != nil {
		return PRStatus{}, fmt.Errorf("get PR %d: %w", number, err)
	}

	var pr ghPR
	if err := json.Unmarshal([]byte(out), &pr); err != nil {
		return PRStatus{}, fmt.Errorf("parse PR JSON: %w", err)
	}

	status := PRStatus{
		Number:     pr.Number,
		HeadBranch: pr.HeadRefName,
		BaseBranch: pr.BaseRefName,
		Mergeable:  strings.ToLower(pr.Mergeable),
		MergeState: strings.ToLower(pr.MergeStateStatus),
	}
	for _, c := range pr.StatusCheckRollup {
		status.Checks = append(status.Checks, c.state(pr.HeadRefName))
	}
	return status, nil
}

// state converts a rollup entry. Commit statuses carry only a state, which
// doubles as status and conclusion.
func (c ghCheck) state(branch string) RunState {
	if c.TypeName == "StatusContext" {
		rs := RunState{WorkflowName: c.Context, Branch: branch, CreatedAt: parseTime(c.StartedAt)}
		switch strings.ToLower(c.State) {
		case "pending", "expected":
			rs.Status = StatusInProgress
		default:
			rs.Status = StatusCompleted
			rs.Conclusion = normalizeConclusion(c.State)
		}
		return rs
	}
	name := c.Name
	if c.WorkflowName != "" {
		name = c.WorkflowName + " / " + c.Name
	}
	return RunState{
		ID:           runIDFromURL(c.DetailsURL),
		WorkflowName: name,
		Status:       normalizeStatus(c.Status),
		Conclusion:   normalizeConclusion(c.Conclusion),
		Branch:       branch,
		CreatedAt:    parseTime(c.StartedAt),
		UpdatedAt:    parseTime(c.CompletedAt),
	}
}

// parseTime accepts RFC 3339 and returns the zero time for anything else.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// runIDFromURL pulls the run id out of .../actions/runs/<id>/job/<n>.
func runIDFromURL(u string) int64 {
	const marker = "/actions/runs/"
	i := strings.Index(u, marker)
	if i < 0 {
		return 0
	}
	rest := u[i+len(marker):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func validateRunID(id int64) error {
	if id <= 0 {
		return fmt.Errorf("invalid run id %d: must be positive", id)
	}
	return nil
}
