// Package secret loads the reasoning-agent credential from the environment
// or from a file only its owner can read.
package secret

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/ciheal/internal/config"
)

const redacted = "[REDACTED]"

// Secret holds a credential. Its String and LogValue never reveal the value.
type Secret struct {
	value  string
	source string
}

// New wraps a raw value.
func New(value, source string) Secret {
	return Secret{value: value, source: source}
}

// Reveal returns the raw credential.
func (s Secret) Reveal() string { return s.value }

// Source describes where the credential came from.
func (s Secret) Source() string { return s.source }

// Empty reports whether no credential is held.
func (s Secret) Empty() bool { return s.value == "" }

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return "secret.Secret{" + redacted + "}" }

func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// CredentialError reports a missing or unreadable credential.
type CredentialError struct {
	Path   string
	Reason string
}

func (e *CredentialError) Error() string {
	if e.Path == "" {
		return "credential: " + e.Reason
	}
	return fmt.Sprintf("credential %s: %s", e.Path, e.Reason)
}

// Registrar receives revealed values so log output can mask them.
type Registrar interface {
	Register(secret string)
}

// Store resolves the agent credential.
type Store struct {
	envVar   string
	path     string
	getenv   func(string) string
	registry Registrar
}

// NewStore creates a Store. An empty path uses DefaultPath. registry may be nil.
func NewStore(envVar, path string, registry Registrar) *Store {
	return &Store{envVar: envVar, path: path, getenv: os.Getenv, registry: registry}
}

// DefaultPath returns ~/.cursor/api-key.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".cursor", "api-key"), nil
}

// Get returns the credential. The environment override wins; otherwise the
// file must exist with no group or other permission bits. Loose permissions
// are a fatal ConfigError.
func (s *Store) Get() (Secret, error) {
	if s.envVar != "" {
		if v := strings.TrimSpace(s.getenv(s.envVar)); v != "" {
			return s.found(New(v, "env:"+s.envVar)), nil
		}
	}

	path := s.path
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Secret{}, &CredentialError{Reason: err.Error()}
		}
		path = p
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Secret{}, &CredentialError{Path: path, Reason: fmt.Sprintf("not found and %s is not set", s.envVar)}
		}
		return Secret{}, &CredentialError{Path: path, Reason: err.Error()}
	}
	if !info.Mode().IsRegular() {
		return Secret{}, &CredentialError{Path: path, Reason: "not a regular file"}
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return Secret{}, &config.ConfigError{
			Err: &CredentialError{Path: path, Reason: fmt.Sprintf("permissions %04o are too open, want 0600", perm)},
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Secret{}, &CredentialError{Path: path, Reason: err.Error()}
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return Secret{}, &CredentialError{Path: path, Reason: "file is empty"}
	}
	return s.found(New(v, "file:"+path)), nil
}

func (s *Store) found(sec Secret) Secret {
	if s.registry != nil {
		s.registry.Register(sec.Reveal())
	}
	return sec
}
