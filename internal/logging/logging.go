// Package logging builds the process logger: a clog.Logger over slog whose
// handler redacts credentials before anything is written.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/chainguard-dev/clog"
)

// DryRunPrefix marks every would-be mutation logged in dry-run mode.
const DryRunPrefix = "[DRY-RUN]"

// Options configures New.
type Options struct {
	Writer  io.Writer // defaults to os.Stderr
	Format  string    // "text" (default) or "json"
	Verbose bool
}

// New creates a logger and the Redactor feeding its handler.
func New(opts Options) (*clog.Logger, *Redactor, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}

	var base slog.Handler
	switch strings.ToLower(opts.Format) {
	case "", "text":
		base = slog.NewTextHandler(w, hopts)
	case "json":
		base = slog.NewJSONHandler(w, hopts)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q: must be text or json", opts.Format)
	}

	r := NewRedactor()
	return clog.New(NewRedactingHandler(base, r)), r, nil
}

// WithLogger attaches l to ctx so downstream code can use clog.FromContext.
func WithLogger(ctx context.Context, l *clog.Logger) context.Context {
	return clog.WithLogger(ctx, l)
}

// DryRun logs a mutation that was skipped because dry-run mode is on.
func DryRun(ctx context.Context, format string, args ...any) {
	clog.FromContext(ctx).Infof(DryRunPrefix+" "+format, args...)
}
