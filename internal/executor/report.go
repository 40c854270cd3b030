package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/chainguard-dev/clog"

	"github.com/lucasnoah/ciheal/internal/collector"
	"github.com/lucasnoah/ciheal/internal/logging"
)

// Report renders a batch result as a markdown pull request comment.
func Report(res BatchResult, notes string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### ciheal: batch `%s`\n\n", res.Batch)

	b.WriteString("| Action | Outcome | Detail |\n| --- | --- | --- |\n")
	for _, a := range res.Actions {
		fmt.Fprintf(&b, "| `%s` | %s | %s |\n", a.Action, a.Outcome, cell(a.Error))
	}
	b.WriteString("\n")

	switch {
	case res.Pushed:
		b.WriteString("Changes were committed and pushed.\n")
	case res.PushError != "":
		fmt.Fprintf(&b, "Changes were committed but the push failed: %s\n", cell(res.PushError))
	case res.Committed:
		b.WriteString("Changes were committed locally.\n")
	}

	if res.Remaining > 0 {
		fmt.Fprintf(&b, "%d batch(es) remaining.\n", res.Remaining)
	} else {
		b.WriteString("The plan is exhausted.\n")
	}

	if notes = strings.TrimSpace(notes); notes != "" {
		fmt.Fprintf(&b, "\n**Plan notes:** %s\n", notes)
	}
	return b.String()
}

// cell makes s safe inside a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}

// comment posts the batch report on the pull request in snap. A failed post
// is logged and never affects the batch.
func (e *Executor) comment(ctx context.Context, notes string, snap collector.Snapshot, res *BatchResult) {
	if !e.opts.Comment || snap.PR.Number <= 0 {
		return
	}
	body := Report(*res, notes)
	if e.opts.DryRun {
		logging.DryRun(ctx, "would comment on PR #%d:\n%s", snap.PR.Number, body)
		return
	}

	err := e.policy.Do(ctx, "comment on PR", func(ctx context.Context) error {
		return e.ci.Comment(ctx, snap.PR.Number, body)
	})
	if err != nil {
		clog.FromContext(ctx).With("pr", snap.PR.Number).With("error", err).Warn("Could not post batch report")
		return
	}
	res.Commented = true
}
