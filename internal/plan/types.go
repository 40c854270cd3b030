package plan

import (
	"fmt"
	"time"
)

// Kind identifies an Action variant.
type Kind int

const (
	KindUnknown Kind = iota
	KindRerun
	KindApprove
	KindApplyPatch
	KindEnableWorkflow
	KindDisableWorkflow
	KindRerunAllFailed
)

var kindNames = map[Kind]string{
	KindRerun:           "rerun",
	KindApprove:         "approve",
	KindApplyPatch:      "apply_patch",
	KindEnableWorkflow:  "enable_workflow",
	KindDisableWorkflow: "disable_workflow",
	KindRerunAllFailed:  "rerun_all_failed",
}

// KindNames returns the wire names of every known Kind, in declaration order.
func KindNames() []string {
	names := make([]string, 0, len(kindNames))
	for k := KindRerun; k <= KindRerunAllFailed; k++ {
		names = append(names, kindNames[k])
	}
	return names
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	name, ok := kindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown action kind %d", int(k))
	}
	return []byte(name), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown action type %q", string(b))
}

// Action is one remediation step. Which fields are meaningful depends on Kind:
// RunID for rerun/approve, Patch for apply_patch, Path for enable/disable.
type Action struct {
	Kind  Kind   `json:"type"`
	RunID int64  `json:"run_id,omitempty"`
	Patch string `json:"patch,omitempty"`
	Path  string `json:"path,omitempty"`
}

func Rerun(id int64) Action         { return Action{Kind: KindRerun, RunID: id} }
func Approve(id int64) Action       { return Action{Kind: KindApprove, RunID: id} }
func ApplyPatch(name string) Action { return Action{Kind: KindApplyPatch, Patch: name} }
func EnableWorkflow(path string) Action {
	return Action{Kind: KindEnableWorkflow, Path: path}
}
func DisableWorkflow(path string) Action {
	return Action{Kind: KindDisableWorkflow, Path: path}
}
func RerunAllFailed() Action { return Action{Kind: KindRerunAllFailed} }

func (a Action) String() string {
	switch a.Kind {
	case KindRerun, KindApprove:
		return fmt.Sprintf("%s(%d)", a.Kind, a.RunID)
	case KindApplyPatch:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Patch)
	case KindEnableWorkflow, KindDisableWorkflow:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Path)
	default:
		return a.Kind.String()
	}
}

// Patch is a unified diff against a single tracked file.
type Patch struct {
	Filename string `json:"filename"`
	Diff     string `json:"diff"`
}

// Batch is an ordered group of actions consumed as a unit.
type Batch struct {
	Name    string   `json:"name"`
	Actions []Action `json:"actions"`
}

// StopAllGreen is the only supported stop condition.
const StopAllGreen = "all_green"

// Document is the plan contract the reasoning agent must produce.
type Document struct {
	Batches       []Batch          `json:"batches" jsonschema:"required"`
	Patches       map[string]Patch `json:"patches,omitempty"`
	StopCondition string           `json:"stop_condition,omitempty" jsonschema:"enum=all_green"`
	Notes         string           `json:"notes,omitempty"`
}

// Source records where a Plan came from.
type Source string

const (
	SourceAgent     Source = "agent"
	SourceFallback  Source = "fallback"
	SourcePersisted Source = "persisted"
)

// Plan is a Document plus bookkeeping. It shrinks as batches are consumed.
type Plan struct {
	Document
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Verdict is the execution-phase reply to a verification request.
type Verdict struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}
