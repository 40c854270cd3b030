// Package ci talks to the CI provider: workflow runs and pull-request checks.
package ci

import (
	"strings"
	"time"
)

// Run statuses.
const (
	StatusQueued     = "queued"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
)

// Run conclusions. An empty conclusion means the run has none yet.
const (
	ConclusionSuccess        = "success"
	ConclusionFailure        = "failure"
	ConclusionCancelled      = "cancelled"
	ConclusionActionRequired = "action_required"
	ConclusionNone           = ""
)

// RunState is one workflow run as last observed.
type RunState struct {
	ID           int64     `json:"id"`
	WorkflowName string    `json:"workflow_name"`
	Status       string    `json:"status"`
	Conclusion   string    `json:"conclusion"`
	Branch       string    `json:"branch"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Green reports whether the run completed successfully.
func (r RunState) Green() bool {
	return r.Status == StatusCompleted && r.Conclusion == ConclusionSuccess
}

// Failed reports whether the run completed and can be rerun.
func (r RunState) Failed() bool {
	return r.Status == StatusCompleted && (r.Conclusion == ConclusionFailure || r.Conclusion == ConclusionCancelled)
}

// NeedsApproval reports whether the run is waiting for a maintainer.
func (r RunState) NeedsApproval() bool {
	return r.Conclusion == ConclusionActionRequired
}

// NotGreen returns the runs that are not completed with success, in order.
func NotGreen(runs []RunState) []RunState {
	var out []RunState
	for _, r := range runs {
		if !r.Green() {
			out = append(out, r)
		}
	}
	return out
}

// LatestPerWorkflow keeps only the newest run of each workflow. Input order
// is newest first, as providers return it.
func LatestPerWorkflow(runs []RunState) []RunState {
	seen := make(map[string]bool, len(runs))
	var out []RunState
	for _, r := range runs {
		key := r.WorkflowName + "\x00" + r.Branch
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, r)
	}
	return out
}

// PRStatus is the check summary of a pull request.
type PRStatus struct {
	Number     int        `json:"number"`
	Checks     []RunState `json:"checks"`
	HeadBranch string     `json:"head_branch"`
	BaseBranch string     `json:"base_branch"`
	Mergeable  string     `json:"mergeable"`
	MergeState string     `json:"merge_state"`
}

// normalizeStatus maps provider spellings (QUEUED, IN_PROGRESS, PENDING...)
// onto the three run statuses.
func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "completed":
		return StatusCompleted
	case "in_progress", "running":
		return StatusInProgress
	case "":
		return ""
	default:
		return StatusQueued
	}
}

// normalizeConclusion maps provider spellings onto the known conclusions.
// Anything else that indicates a problem (timed_out, startup_failure, error)
// counts as failure.
func normalizeConclusion(c string) string {
	switch strings.ToLower(c) {
	case "success", "neutral", "skipped":
		return ConclusionSuccess
	case "cancelled":
		return ConclusionCancelled
	case "action_required":
		return ConclusionActionRequired
	case "", "null", "pending", "expected":
		return ConclusionNone
	default:
		return ConclusionFailure
	}
}
