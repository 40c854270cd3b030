package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v84/github"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, mux *http.ServeMux) *API {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := github.NewClient(srv.Client())
	base, err := url.Parse(srv.URL + "/")
	require.NoError(t, err)
	client.BaseURL = base

	api, err := NewAPIWithClient(client, "acme/widgets")
	require.NoError(t, err)
	return api
}

func TestAPIListRuns(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "fix", r.URL.Query().Get("branch"))
		require.Equal(t, "5", r.URL.Query().Get("per_page"))
		fmt.Fprint(w, `{"total_count": 2, "workflow_runs": [
			{"id": 10, "name": "test", "status": "completed", "conclusion": "failure", "head_branch": "fix", "created_at": "2026-01-01T10:00:00Z", "updated_at": "2026-01-01T10:01:00Z"},
			{"id": 9, "name": "build", "status": "completed", "conclusion": "success", "head_branch": "fix", "created_at": "2026-01-01T09:00:00Z", "updated_at": "2026-01-01T09:01:00Z"}
		]}`)
	})
	api := newTestAPI(t, mux)

	runs, err := api.ListRuns(context.Background(), "fix", 5)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, int64(10), runs[0].ID)
	require.True(t, runs[0].Failed())
	require.True(t, runs[1].Green())
	require.Equal(t, 2026, runs[0].CreatedAt.Year())
}

func TestAPIRerunAndApprove(t *testing.T) {
	var hits []string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runs/10/rerun-failed-jobs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		hits = append(hits, "rerun")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/repos/acme/widgets/actions/runs/11/approve", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		hits = append(hits, "approve")
		w.WriteHeader(http.StatusCreated)
	})
	api := newTestAPI(t, mux)
	ctx := context.Background()

	require.NoError(t, api.Rerun(ctx, 10))
	require.NoError(t, api.Approve(ctx, 11))
	require.Equal(t, []string{"rerun", "approve"}, hits)
}

func TestAPIGetPR(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/pulls/12", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number": 12, "mergeable": true, "mergeable_state": "blocked",
			"head": {"ref": "fix-ci", "sha": "abc123"}, "base": {"ref": "main"}}`)
	})
	mux.HandleFunc("/repos/acme/widgets/commits/abc123/check-runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count": 1, "check_runs": [
			{"id": 1, "name": "unit", "status": "completed", "conclusion": "failure",
			 "details_url": "https://github.com/acme/widgets/actions/runs/321/job/1",
			 "started_at": "2026-01-01T10:00:00Z", "completed_at": "2026-01-01T10:02:00Z"}
		]}`)
	})
	api := newTestAPI(t, mux)

	pr, err := api.GetPR(context.Background(), 12)
	require.NoError(t, err)
	require.Equal(t, "fix-ci", pr.HeadBranch)
	require.Equal(t, "main", pr.BaseBranch)
	require.Equal(t, "mergeable", pr.Mergeable)
	require.Equal(t, "blocked", pr.MergeState)
	require.Len(t, pr.Checks, 1)
	require.Equal(t, int64(321), pr.Checks[0].ID)
	require.Equal(t, ConclusionFailure, pr.Checks[0].Conclusion)
}

func TestAPIErrorStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runs/5", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
	})
	api := newTestAPI(t, mux)

	_, err := api.GetRun(context.Background(), 5)
	require.Error(t, err)
}

func TestNewAPIWithClientRejectsBadRepo(t *testing.T) {
	for _, repo := range []string{"", "widgets", "acme/", "/widgets", "a/b/c"} {
		_, err := NewAPIWithClient(github.NewClient(nil), repo)
		require.Error(t, err, repo)
	}
}

func TestAPIComment(t *testing.T) {
	var got string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues/12/comments", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var c github.IssueComment
		require.NoError(t, json.NewDecoder(r.Body).Decode(&c))
		got = c.GetBody()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": 1}`)
	})
	api := newTestAPI(t, mux)
	ctx := context.Background()

	require.NoError(t, api.Comment(ctx, 12, "batch b1 done"))
	require.Equal(t, "batch b1 done", got)
	require.Error(t, api.Comment(ctx, 0, "x"))
}
