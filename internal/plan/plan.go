// Package plan models remediation plans and persists the plan being executed.
package plan

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FallbackBatchName names the single batch of the fallback plan.
const FallbackBatchName = "fallback-rerun-failed"

// Fallback returns the minimal plan used when the agent is unavailable or
// its reply is unusable.
func Fallback() *Plan {
	return &Plan{
		Document: Document{
			Batches: []Batch{{
				Name:    FallbackBatchName,
				Actions: []Action{RerunAllFailed()},
			}},
			StopCondition: StopAllGreen,
		},
		Source:    SourceFallback,
		CreatedAt: time.Now().UTC(),
	}
}

// Decode parses an agent document into a Plan. Structural problems are
// errors; dangling patch references are returned as warnings.
func Decode(raw json.RawMessage) (*Plan, []string, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode plan: %w", err)
	}
	if doc.StopCondition == "" {
		doc.StopCondition = StopAllGreen
	}
	warnings, err := doc.Check()
	if err != nil {
		return nil, warnings, err
	}
	return &Plan{Document: doc, Source: SourceAgent, CreatedAt: time.Now().UTC()}, warnings, nil
}

// Check validates the document's actions and patches.
func (d *Document) Check() ([]string, error) {
	var warnings []string
	var problems []string

	if d.StopCondition != "" && d.StopCondition != StopAllGreen {
		problems = append(problems, fmt.Sprintf("unsupported stop_condition %q", d.StopCondition))
	}
	for name, p := range d.Patches {
		if p.Filename == "" {
			problems = append(problems, fmt.Sprintf("patches.%s: filename is required", name))
		}
		if strings.TrimSpace(p.Diff) == "" {
			problems = append(problems, fmt.Sprintf("patches.%s: diff is required", name))
		}
	}
	for i, b := range d.Batches {
		prefix := fmt.Sprintf("batches[%d]", i)
		if b.Name == "" {
			problems = append(problems, prefix+".name: is required")
		}
		for j, a := range b.Actions {
			field := fmt.Sprintf("%s.actions[%d]", prefix, j)
			switch a.Kind {
			case KindRerun, KindApprove:
				if a.RunID <= 0 {
					problems = append(problems, field+": run_id must be positive")
				}
			case KindApplyPatch:
				if a.Patch == "" {
					problems = append(problems, field+": patch is required")
				} else if _, ok := d.Patches[a.Patch]; !ok {
					warnings = append(warnings, fmt.Sprintf("%s: references undefined patch %q", field, a.Patch))
				}
			case KindEnableWorkflow, KindDisableWorkflow:
				if err := checkWorkflowPath(a.Path); err != nil {
					problems = append(problems, fmt.Sprintf("%s: %v", field, err))
				}
			case KindRerunAllFailed:
			default:
				problems = append(problems, field+": missing action type")
			}
		}
	}

	if len(problems) > 0 {
		return warnings, fmt.Errorf("invalid plan: %s", strings.Join(problems, "; "))
	}
	return warnings, nil
}

// checkWorkflowPath rejects paths that would escape the workflow directories.
func checkWorkflowPath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	if filepath.IsAbs(path) || strings.Contains(filepath.ToSlash(path), "..") {
		return fmt.Errorf("path %q must be a workflow file name", path)
	}
	return nil
}

// Head returns the first batch, or false when the plan is exhausted.
func (p *Plan) Head() (Batch, bool) {
	if p == nil || len(p.Batches) == 0 {
		return Batch{}, false
	}
	return p.Batches[0], true
}

// Exhausted reports whether no batches remain.
func (p *Plan) Exhausted() bool {
	return p == nil || len(p.Batches) == 0
}

// PatchNames returns the patch names referenced by apply_patch actions in b.
func (b Batch) PatchNames() []string {
	var names []string
	for _, a := range b.Actions {
		if a.Kind == KindApplyPatch && a.Patch != "" {
			names = append(names, a.Patch)
		}
	}
	return names
}

// PendingPatches returns the names of patches no batch references, sorted.
// They are applied together with the head batch.
func (p *Plan) PendingPatches() []string {
	if p == nil || len(p.Patches) == 0 {
		return nil
	}
	referenced := make(map[string]bool)
	for _, b := range p.Batches {
		for _, name := range b.PatchNames() {
			referenced[name] = true
		}
	}
	var names []string
	for name := range p.Patches {
		if !referenced[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HeadPatches returns the patches the next execution phase applies: those
// named by the head batch followed by the pending ones.
func (p *Plan) HeadPatches() []string {
	head, _ := p.Head()
	return append(head.PatchNames(), p.PendingPatches()...)
}

// WithoutHead returns a copy of p with the head batch and the given patches
// removed. p is not modified.
func (p *Plan) WithoutHead(consumedPatches []string) *Plan {
	next := *p
	if len(p.Batches) > 0 {
		next.Batches = append([]Batch(nil), p.Batches[1:]...)
	}
	if len(p.Patches) > 0 {
		drop := make(map[string]bool, len(consumedPatches))
		for _, name := range consumedPatches {
			drop[name] = true
		}
		next.Patches = make(map[string]Patch, len(p.Patches))
		for name, patch := range p.Patches {
			if !drop[name] {
				next.Patches[name] = patch
			}
		}
	}
	return &next
}
