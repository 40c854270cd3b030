package ci

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
)

// API implements Provider against the GitHub REST API.
type API struct {
	client *github.Client
	owner  string
	repo   string
}

// NewAPI creates a REST-backed provider for owner/name authenticated by token.
func NewAPI(ctx context.Context, repo, token string) (*API, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return NewAPIWithClient(github.NewClient(oauth2.NewClient(ctx, ts)), repo)
}

// NewAPIWithClient wraps an existing go-github client.
func NewAPIWithClient(client *github.Client, repo string) (*API, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid repo %q: want owner/name", repo)
	}
	return &API{client: client, owner: owner, repo: name}, nil
}

func runState(r *github.WorkflowRun) RunState {
	return RunState{
		ID:           r.GetID(),
		WorkflowName: r.GetName(),
		Status:       normalizeStatus(r.GetStatus()),
		Conclusion:   normalizeConclusion(r.GetConclusion()),
		Branch:       r.GetHeadBranch(),
		CreatedAt:    r.GetCreatedAt().Time,
		UpdatedAt:    r.GetUpdatedAt().Time,
	}
}

func (a *API) ListRuns(ctx context.Context, branch string, limit int) ([]RunState, error) {
	if limit <= 0 {
		limit = 20
	}
	opts := &github.ListWorkflowRunsOptions{
		Branch:      branch,
		ListOptions: github.ListOptions{PerPage: limit},
	}
	result, _, err := a.client.Actions.ListRepositoryWorkflowRuns(ctx, a.owner, a.repo, opts)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	runs := make([]RunState, 0, len(result.WorkflowRuns))
	for _, r := range result.WorkflowRuns {
		runs = append(runs, runState(r))
	}
	return runs, nil
}

func (a *API) GetRun(ctx context.Context, id int64) (RunState, error) {
	if err := validateRunID(id); err != nil {
		return RunState{}, err
	}
	r, _, err := a.client.Actions.GetWorkflowRunByID(ctx, a.owner, a.repo, id)
	if err != nil {
		return RunState{}, fmt.Errorf("get run %d: %w", id, err)
	}
	return runState(r), nil
}

func (a *API) Rerun(ctx context.Context, id int64) error {
	if err := validateRunID(id); err != nil {
		return err
	}
	if _, err := a.client.Actions.RerunFailedJobsByID(ctx, a.owner, a.repo, id); err != nil {
		return fmt.Errorf("rerun %d: %w", id, err)
	}
	return nil
}

func (a *API) Approve(ctx context.Context, id int64) error {
	if err := validateRunID(id); err != nil {
		return err
	}
	u := fmt.Sprintf("repos/%s/%s/actions/runs/%d/approve", a.owner, a.repo, id)
	req, err := a.client.NewRequest(http.MethodPost, u, nil)
	if err != nil {
		return fmt.Errorf("approve %d: %w", id, err)
	}
	if _, err := a.client.Do(ctx, req, nil); err != nil {
		return fmt.Errorf("approve %d: %w", id, err)
	}
	return nil
}

func (a *API) GetPR(ctx context.Context, number int) (PRStatus, error) {
	if number <= 0 {
		return PRStatus{}, fmt.Errorf("invalid PR number %d: must be positive", number)
	}
	pr, _, err := a.client.PullRequests.Get(ctx, a.owner, a.repo, number)
	if err != nil {
		return PRStatus{}, fmt.Errorf("get PR %d: %w", number, err)
	}

	status := PRStatus{
		Number:     pr.GetNumber(),
		HeadBranch: pr.GetHead().GetRef(),
		BaseBranch: pr.GetBase().GetRef(),
		MergeState: strings.ToLower(pr.GetMergeableState()),
	}
	switch {
	case pr.Mergeable == nil:
		status.Mergeable = "unknown"
	case pr.GetMergeable():
		status.Mergeable = "mergeable"
	default:
		status.Mergeable = "conflicting"
	}

	sha := pr.GetHead().GetSHA()
	if sha == "" {
		return status, nil
	}
	checks, _, err := a.client.Checks.ListCheckRunsForRef(ctx, a.owner, a.repo, sha, &github.ListCheckRunsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	})
	if err != nil {
		return PRStatus{}, fmt.Errorf("list checks for PR %d: %w", number, err)
	}
	for _, c := range checks.CheckRuns {
		status.Checks = append(status.Checks, RunState{
			ID:           runIDFromURL(c.GetDetailsURL()),
			WorkflowName: c.GetName(),
			Status:       normalizeStatus(c.GetStatus()),
			Conclusion:   normalizeConclusion(c.GetConclusion()),
			Branch:       status.HeadBranch,
			CreatedAt:    c.GetStartedAt().Time,
			UpdatedAt:    c.GetCompletedAt().Time,
		})
	}
	return status, nil
}

func (a *API) Comment(ctx context.Context, pr int, body string) error {
	if pr <= 0 {
		return fmt.Errorf("invalid PR number %d: must be positive", pr)
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("comment on PR %d: empty body", pr)
	}
	if _, _, err := a.client.Issues.CreateComment(ctx, a.owner, a.repo, pr, &github.IssueComment{Body: github.Ptr(body)}); err != nil {
		return fmt.Errorf("comment on PR %d: %w", pr, err)
	}
	return nil
}
