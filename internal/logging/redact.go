package logging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Mask replaces every redacted substring.
const Mask = "[REDACTED]"

// credentialPatterns match credential-shaped substrings even when the value was
// never registered with the Redactor.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`\bkey_[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|auth[_-]?token|secret|password)(\s*[:=]\s*)("?)[^\s",]{6,}`),
}

// Redactor masks registered secrets and credential-shaped substrings.
// It is safe for concurrent use.
type Redactor struct {
	mu      sync.RWMutex
	secrets []string
}

// NewRedactor creates an empty Redactor.
func NewRedactor() *Redactor {
	return &Redactor{}
}

// Register adds a literal value that must never appear in log output.
// Values shorter than four bytes are ignored to avoid masking common text.
func (r *Redactor) Register(secret string) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 4 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s == secret {
			return
		}
	}
	r.secrets = append(r.secrets, secret)
	// Longest first so a secret containing another is masked whole.
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
}

// Redact returns s with all known secrets and credential-shaped substrings masked.
func (r *Redactor) Redact(s string) string {
	if s == "" {
		return s
	}
	r.mu.RLock()
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, Mask)
	}
	r.mu.RUnlock()

	for _, re := range credentialPatterns {
		if re.NumSubexp() == 3 {
			s = re.ReplaceAllString(s, "${1}${2}${3}"+Mask)
			continue
		}
		s = re.ReplaceAllString(s, Mask)
	}
	return s
}

// redactingHandler wraps another slog.Handler and scrubs the message and
// every attribute before passing the record on. Attributes and groups bound
// through WithAttrs/WithGroup are kept raw and replayed onto next for every
// record, so secrets registered after the logger was derived are still masked.
type redactingHandler struct {
	next  slog.Handler
	r     *Redactor
	bound []boundOp
}

// boundOp is one WithGroup (group != "") or WithAttrs call.
type boundOp struct {
	group string
	attrs []slog.Attr
}

// NewRedactingHandler wraps next so that nothing reaching it carries a secret.
func NewRedactingHandler(next slog.Handler, r *Redactor) slog.Handler {
	return &redactingHandler{next: next, r: r}
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	next := h.next
	for _, op := range h.bound {
		if op.group != "" {
			next = next.WithGroup(op.group)
			continue
		}
		scrubbed := make([]slog.Attr, 0, len(op.attrs))
		for _, a := range op.attrs {
			scrubbed = append(scrubbed, h.redactAttr(a))
		}
		next = next.WithAttrs(scrubbed)
	}

	out := slog.NewRecord(rec.Time, rec.Level, h.r.Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(boundOp{attrs: append([]slog.Attr(nil), attrs...)})
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(boundOp{group: name})
}

func (h *redactingHandler) with(op boundOp) *redactingHandler {
	bound := make([]boundOp, 0, len(h.bound)+1)
	bound = append(bound, h.bound...)
	return &redactingHandler{next: h.next, r: h.r, bound: append(bound, op)}
}

func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.r.Redact(v.String()))
	case slog.KindGroup:
		group := v.Group()
		scrubbed := make([]any, 0, len(group))
		for _, ga := range group {
			scrubbed = append(scrubbed, h.redactAttr(ga))
		}
		return slog.Group(a.Key, scrubbed...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, h.r.Redact(err.Error()))
		}
		// Structs, Stringers and maps are rendered the way a text handler
		// would; the original value is kept when nothing needed masking.
		if s := fmt.Sprint(v.Any()); h.r.Redact(s) != s {
			return slog.String(a.Key, h.r.Redact(s))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}
