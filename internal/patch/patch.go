// Package patch validates and applies agent-supplied unified diffs.
//
// Application is two-phase: `git apply --check` must succeed before the
// real apply runs, so a rejected diff never leaves a partial change behind.
package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/waigani/diffparser"
)

// ErrFileNotFound is returned when the target file is missing or untracked.
var ErrFileNotFound = errors.New("file not found")

// ErrDirtyWorkingTree is logged, never returned: only the patched file is
// staged, so unrelated changes are safe.
var ErrDirtyWorkingTree = errors.New("working tree has uncommitted changes")

// PatchRejected reports a diff that is malformed, targets the wrong file, or
// does not apply cleanly. The repository is untouched.
type PatchRejected struct {
	Filename string
	Reason   string
	Err      error
}

func (e *PatchRejected) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("patch %s rejected: %s: %v", e.Filename, e.Reason, e.Err)
	}
	return fmt.Sprintf("patch %s rejected: %s", e.Filename, e.Reason)
}

func (e *PatchRejected) Unwrap() error {
	return e.Err
}

// IsRejected reports whether err is, or wraps, a PatchRejected.
func IsRejected(err error) bool {
	var pr *PatchRejected
	return errors.As(err, &pr)
}

// Repo is the subset of the working tree the applier needs.
type Repo interface {
	Dir() string
	IsTracked(path string) (bool, error)
	ChangedFiles() ([]string, error)
	ApplyCheck(ctx context.Context, patchFile string) error
	Apply(ctx context.Context, patchFile string) error
	Add(ctx context.Context, paths ...string) error
}

// Applier applies patches to one repository.
type Applier struct {
	repo   Repo
	tmpDir string
}

// NewApplier creates an Applier. Patch files are staged in tmpDir, or the
// system temp dir when empty.
func NewApplier(repo Repo, tmpDir string) *Applier {
	return &Applier{repo: repo, tmpDir: tmpDir}
}

// Apply checks and applies diff to filename, then stages filename.
func (a *Applier) Apply(ctx context.Context, filename, diff string) error {
	log := clog.FromContext(ctx).With("file", filename)
	filename = filepath.ToSlash(filepath.Clean(filename))

	if err := Validate(filename, diff); err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(a.repo.Dir(), filename)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", filename, ErrFileNotFound)
		}
		return fmt.Errorf("stat %s: %w", filename, err)
	}
	tracked, err := a.repo.IsTracked(filename)
	if err != nil {
		return fmt.Errorf("check tracked %s: %w", filename, err)
	}
	if !tracked {
		return fmt.Errorf("%s is not tracked: %w", filename, ErrFileNotFound)
	}

	if changed, err := a.repo.ChangedFiles(); err != nil {
		log.With("error", err).Warn("Could not read working tree status")
	} else if len(changed) > 0 {
		log.With("changed", len(changed)).With("error", ErrDirtyWorkingTree).Warn("Applying patch on a dirty working tree")
	}

	patchFile, cleanup, err := a.writeTemp(diff)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := a.repo.ApplyCheck(ctx, patchFile); err != nil {
		return &PatchRejected{Filename: filename, Reason: "does not apply cleanly", Err: err}
	}
	if err := a.repo.Apply(ctx, patchFile); err != nil {
		return fmt.Errorf("apply %s: %w", filename, err)
	}
	if err := a.repo.Add(ctx, filename); err != nil {
		return fmt.Errorf("stage %s: %w", filename, err)
	}
	log.Info("Patch applied")
	return nil
}

func (a *Applier) writeTemp(diff string) (string, func(), error) {
	if a.tmpDir != "" {
		if err := os.MkdirAll(a.tmpDir, 0o755); err != nil {
			return "", nil, fmt.Errorf("mkdir %s: %w", a.tmpDir, err)
		}
	}
	f, err := os.CreateTemp(a.tmpDir, "ciheal-*.patch")
	if err != nil {
		return "", nil, fmt.Errorf("create patch file: %w", err)
	}
	name := f.Name()
	cleanup := func() { os.Remove(name) }

	if !strings.HasSuffix(diff, "\n") {
		diff += "\n"
	}
	if _, err := f.WriteString(diff); err != nil {
		f.Close()
		cleanup()
		return "", nil, fmt.Errorf("write patch file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close patch file: %w", err)
	}
	abs, err := filepath.Abs(name)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	return abs, cleanup, nil
}

// Validate parses diff and checks that it modifies exactly filename.
func Validate(filename, diff string) error {
	if strings.TrimSpace(diff) == "" {
		return &PatchRejected{Filename: filename, Reason: "empty diff"}
	}
	parsed, err := parse(filename, diff)
	if err != nil {
		return &PatchRejected{Filename: filename, Reason: "malformed diff", Err: err}
	}
	if n := max(len(parsed.Files), fileHeaders(diff)); n != 1 {
		return &PatchRejected{Filename: filename, Reason: fmt.Sprintf("diff touches %d files, want 1", n)}
	}
	f := parsed.Files[0]
	switch f.Mode {
	case diffparser.NEW:
		return &PatchRejected{Filename: filename, Reason: "diff creates a file", Err: ErrFileNotFound}
	case diffparser.DELETED:
		return &PatchRejected{Filename: filename, Reason: "diff deletes the file"}
	}
	if f.OrigName == "" || f.NewName == "" {
		return &PatchRejected{Filename: filename, Reason: "diff must use a/ and b/ path prefixes"}
	}
	if f.OrigName != filename || f.NewName != filename {
		return &PatchRejected{Filename: filename, Reason: fmt.Sprintf("diff targets %s -> %s", f.OrigName, f.NewName)}
	}
	if len(f.Hunks) == 0 {
		return &PatchRejected{Filename: filename, Reason: "diff has no hunks"}
	}
	return nil
}

// fileHeaders counts ---/+++ header pairs.
func fileHeaders(diff string) int {
	lines := strings.Split(diff, "\n")
	n := 0
	for i := 0; i+1 < len(lines); i++ {
		if strings.HasPrefix(lines[i], "--- ") && strings.HasPrefix(lines[i+1], "+++ ") {
			n++
		}
	}
	return n
}

// parse runs diffparser, adding the `diff --git` header it needs when the
// agent omitted it.
func parse(filename, diff string) (d *diffparser.Diff, err error) {
	if !strings.HasPrefix(strings.TrimLeft(diff, "\n"), "diff ") {
		diff = fmt.Sprintf("diff --git a/%s b/%s\n%s", filename, filename, strings.TrimLeft(diff, "\n"))
	}
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("parse diff: %v", r)
		}
	}()
	return diffparser.Parse(diff)
}
