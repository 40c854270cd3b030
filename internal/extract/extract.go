// Package extract recovers a single JSON object from free-form agent output.
//
// Agent replies arrive in many shapes: a bare object, an object inside a
// ```json fence or a plain ``` fence, an object buried in prose, or any of
// those wrapped in a transport envelope whose "result" field carries the text.
// Extract tries a fixed, ordered chain of strategies and returns the first
// candidate that parses as a JSON object.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ExtractionError reports that no strategy produced a JSON object.
// It is recoverable: callers fall back to a safe default plan.
type ExtractionError struct {
	Reason string
	Tried  []string
}

func (e *ExtractionError) Error() string {
	if len(e.Tried) == 0 {
		return "extract json: " + e.Reason
	}
	return fmt.Sprintf("extract json: %s (tried %s)", e.Reason, strings.Join(e.Tried, ", "))
}

// strategy is one named way of pulling a candidate out of text.
type strategy struct {
	name string
	fn   func(text string) (json.RawMessage, bool)
}

// strategies is the body chain applied to raw text, or to the text inside an
// envelope. Envelope unwrapping runs before all of these.
var strategies = []strategy{
	{"direct-parse", directParse},
	{"fenced-with-tag", fencedWithTag},
	{"fenced-without-tag", fencedWithoutTag},
	{"balanced-brace", firstBalancedObject},
}

// Extract returns the first JSON object recoverable from raw.
func Extract(raw string) (json.RawMessage, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &ExtractionError{Reason: "empty response"}
	}

	text := raw
	if inner, isEnvelope, err := unwrapEnvelope(raw); isEnvelope {
		if err != nil {
			return nil, err
		}
		if doc, ok := asObject(inner); ok {
			return doc, nil
		}
		text = inner
	}

	tried := []string{"envelope-unwrap"}
	for _, s := range strategies {
		tried = append(tried, s.name)
		if doc, ok := s.fn(text); ok {
			return doc, nil
		}
	}
	return nil, &ExtractionError{Reason: "no JSON object found", Tried: tried}
}

// unwrapEnvelope detects a transport envelope: a JSON object carrying a
// "result" field. It returns the payload text when one is present.
func unwrapEnvelope(raw string) (string, bool, error) {
	trimmed := strings.TrimSpace(raw)
	if !gjson.Valid(trimmed) {
		return "", false, nil
	}
	root := gjson.Parse(trimmed)
	if !root.IsObject() {
		return "", false, nil
	}
	result := root.Get("result")
	if !result.Exists() {
		return "", false, nil
	}
	if root.Get("is_error").Bool() {
		return "", true, &ExtractionError{Reason: "agent envelope reports an error: " + truncate(result.String(), 200)}
	}
	switch {
	case result.IsObject():
		return result.Raw, true, nil
	case result.Type == gjson.String:
		return result.Str, true, nil
	default:
		return "", true, &ExtractionError{Reason: fmt.Sprintf("envelope result has unsupported type %s", result.Type)}
	}
}

func directParse(text string) (json.RawMessage, bool) {
	return asObject(text)
}

var (
	taggedFence   = regexp.MustCompile("(?s)```(?:json|JSON)[ \\t]*\\r?\\n(.*?)```")
	untaggedFence = regexp.MustCompile("(?s)```[ \\t]*\\r?\\n(.*?)```")
)

func fencedWithTag(text string) (json.RawMessage, bool) {
	return firstFenced(taggedFence, text)
}

func fencedWithoutTag(text string) (json.RawMessage, bool) {
	return firstFenced(untaggedFence, text)
}

func firstFenced(re *regexp.Regexp, text string) (json.RawMessage, bool) {
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if doc, ok := asObject(m[1]); ok {
			return doc, true
		}
	}
	return nil, false
}

// firstBalancedObject scans for '{' and returns the first brace-balanced
// substring that parses. Braces inside JSON strings are ignored.
func firstBalancedObject(text string) (json.RawMessage, bool) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > 0 {
			if doc, ok := asObject(text[start : end+1]); ok {
				return doc, true
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return nil, false
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// asObject returns text as a raw JSON object if it is exactly one.
func asObject(text string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
		return nil, false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(trimmed)); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
