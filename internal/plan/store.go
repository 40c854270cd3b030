package plan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoPlan is returned by Load when no plan is persisted.
var ErrNoPlan = errors.New("no persisted plan")

// DefaultDir is the state directory, relative to the working tree.
const DefaultDir = ".ciheal"

// Store keeps the plan being executed on disk so a partially consumed plan
// survives restarts. It assumes a single writer.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the plan file path.
func (s *Store) Path() string {
	return filepath.Join(s.dir, "plan.json")
}

// PromptPath returns the path of the last saved prompt.
func (s *Store) PromptPath() string {
	return filepath.Join(s.dir, "prompt.md")
}

// EnsureDir creates the state directory with a .gitignore that keeps its
// contents out of the working-tree status.
func (s *Store) EnsureDir() error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.dir, err)
	}
	ignore := filepath.Join(s.dir, ".gitignore")
	if _, err := os.Stat(ignore); err == nil {
		return nil
	}
	return writeAtomic(ignore, []byte("*\n"))
}

// Load reads the persisted plan. It returns ErrNoPlan if none exists.
func (s *Store) Load() (*Plan, error) {
	var p Plan
	if err := readJSON(s.Path(), &p); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoPlan
		}
		return nil, err
	}
	p.Source = SourcePersisted
	return &p, nil
}

// Save atomically replaces the persisted plan.
func (s *Store) Save(p *Plan) error {
	if err := s.EnsureDir(); err != nil {
		return err
	}
	if err := writeJSON(s.Path(), p); err != nil {
		return fmt.Errorf("write plan.json: %w", err)
	}
	return nil
}

// ConsumeHead atomically persists p without its head batch and the given
// patches. The plan file is removed once no batches remain. It returns the
// remaining plan.
func (s *Store) ConsumeHead(p *Plan, consumedPatches []string) (*Plan, error) {
	next := p.WithoutHead(consumedPatches)
	if next.Exhausted() {
		return next, s.Clear()
	}
	return next, s.Save(next)
}

// Clear removes the persisted plan. A missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plan.json: %w", err)
	}
	return nil
}

// SavePrompt records the last prompt sent to the agent.
func (s *Store) SavePrompt(prompt string) error {
	if err := s.EnsureDir(); err != nil {
		return err
	}
	return writeAtomic(s.PromptPath(), []byte(prompt))
}

// CleanTemp removes temp files left behind by an interrupted write.
func (s *Store) CleanTemp() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
