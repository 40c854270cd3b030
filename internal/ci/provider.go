package ci

import "context"

// Provider is the CI capability the controller consumes.
type Provider interface {
	ListRuns(ctx context.Context, branch string, limit int) ([]RunState, error)
	GetRun(ctx context.Context, id int64) (RunState, error)
	Rerun(ctx context.Context, id int64) error
	Approve(ctx context.Context, id int64) error
	GetPR(ctx context.Context, number int) (PRStatus, error)
	Comment(ctx context.Context, pr int, body string) error
}
