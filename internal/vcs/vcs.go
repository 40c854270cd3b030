// Package vcs wraps the working tree. Mutations go through the git CLI so
// hooks and credentials behave as they do for a developer; read-only
// inspection uses go-git.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// GitRunner provides git command execution. Interface for testing.
type GitRunner interface {
	RunGit(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit implements GitRunner using exec.CommandContext.
type ExecGit struct{}

func (ExecGit) RunGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(out)), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Commit is a summary of one commit.
type Commit struct {
	Hash    string    `json:"hash"`
	Author  string    `json:"author"`
	When    time.Time `json:"when"`
	Subject string    `json:"subject"`
}

// Repo is a git working tree.
type Repo struct {
	dir  string
	git  GitRunner
	repo *git.Repository
}

// Open opens the repository containing dir.
func Open(dir string, runner GitRunner) (*Repo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", dir, err)
	}
	repo, err := git.PlainOpenWithOptions(abs, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", abs, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	if runner == nil {
		runner = ExecGit{}
	}
	return &Repo{dir: wt.Filesystem.Root(), git: runner, repo: repo}, nil
}

// Dir returns the worktree root.
func (r *Repo) Dir() string {
	return r.dir
}

// CurrentBranch returns the short name of HEAD.
func (r *Repo) CurrentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("read HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", errors.New("HEAD is detached")
	}
	return head.Name().Short(), nil
}

func (r *Repo) status() (git.Status, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}
	return st, nil
}

// ChangedFiles lists paths with staged or unstaged changes, including
// untracked files, sorted.
func (r *Repo) ChangedFiles() ([]string, error) {
	st, err := r.status()
	if err != nil {
		return nil, err
	}
	var files []string
	for path, fs := range st {
		if fs.Staging != git.Unmodified || fs.Worktree != git.Unmodified {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}

// IsDirty reports whether the worktree has any change.
func (r *Repo) IsDirty() (bool, error) {
	files, err := r.ChangedFiles()
	if err != nil {
		return false, err
	}
	return len(files) > 0, nil
}

// HasStaged reports whether the index differs from HEAD.
func (r *Repo) HasStaged() (bool, error) {
	st, err := r.status()
	if err != nil {
		return false, err
	}
	for _, fs := range st {
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			return true, nil
		}
	}
	return false, nil
}

// IsTracked reports whether path (relative to the worktree) is in the index.
func (r *Repo) IsTracked(path string) (bool, error) {
	idx, err := r.repo.Storer.Index()
	if err != nil {
		return false, fmt.Errorf("read index: %w", err)
	}
	if _, err := idx.Entry(filepath.ToSlash(filepath.Clean(path))); err != nil {
		if errors.Is(err, index.ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// RecentCommits returns up to n commits reachable from HEAD, newest first.
func (r *Repo) RecentCommits(n int) ([]Commit, error) {
	if n <= 0 {
		return nil, nil
	}
	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("read HEAD: %w", err)
	}
	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}
	defer iter.Close()

	var commits []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		if len(commits) >= n {
			return storer.ErrStop
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		commits = append(commits, Commit{
			Hash:    c.Hash.String()[:12],
			Author:  c.Author.Name,
			When:    c.Author.When,
			Subject: strings.TrimSpace(subject),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk log: %w", err)
	}
	return commits, nil
}

// ApplyCheck verifies that the patch file applies cleanly without touching
// the worktree.
func (r *Repo) ApplyCheck(ctx context.Context, patchFile string) error {
	_, err := r.git.RunGit(ctx, r.dir, "apply", "--check", "--whitespace=nowarn", patchFile)
	return err
}

// Apply applies the patch file to the worktree.
func (r *Repo) Apply(ctx context.Context, patchFile string) error {
	_, err := r.git.RunGit(ctx, r.dir, "apply", "--whitespace=nowarn", patchFile)
	return err
}

// Add stages paths.
func (r *Repo) Add(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := r.git.RunGit(ctx, r.dir, args...)
	return err
}

// Move renames a file. Tracked files are moved with git mv so the rename is
// staged; untracked files are renamed on disk.
func (r *Repo) Move(ctx context.Context, from, to string) error {
	if err := os.MkdirAll(filepath.Join(r.dir, filepath.Dir(to)), 0o755); err != nil {
		return fmt.Errorf("mkdir for %s: %w", to, err)
	}
	tracked, err := r.IsTracked(from)
	if err != nil {
		return err
	}
	if tracked {
		_, err := r.git.RunGit(ctx, r.dir, "mv", "--", from, to)
		return err
	}
	if err := os.Rename(filepath.Join(r.dir, from), filepath.Join(r.dir, to)); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", from, to, err)
	}
	return nil
}

// Commit records staged changes. It returns false when nothing was staged.
func (r *Repo) Commit(ctx context.Context, message string) (bool, error) {
	staged, err := r.HasStaged()
	if err != nil {
		return false, err
	}
	if !staged {
		return false, nil
	}
	if _, err := r.git.RunGit(ctx, r.dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// Push pushes branch to origin.
func (r *Repo) Push(ctx context.Context, branch string) error {
	if err := validateBranch(branch); err != nil {
		return err
	}
	_, err := r.git.RunGit(ctx, r.dir, "push", "origin", branch)
	return err
}

// Checkout switches to branch.
func (r *Repo) Checkout(ctx context.Context, branch string) error {
	if err := validateBranch(branch); err != nil {
		return err
	}
	_, err := r.git.RunGit(ctx, r.dir, "checkout", branch)
	return err
}

// ResetHard discards all tracked changes.
func (r *Repo) ResetHard(ctx context.Context) error {
	_, err := r.git.RunGit(ctx, r.dir, "reset", "--hard", "HEAD")
	return err
}

func validateBranch(branch string) error {
	if branch == "" {
		return errors.New("branch name is required")
	}
	if strings.HasPrefix(branch, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", branch)
	}
	return nil
}
