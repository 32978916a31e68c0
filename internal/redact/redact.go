// Package redact scrubs secrets from submission payloads before they can
// reach the sequencer. The engine is immutable after construction and
// safe for concurrent use from every producer goroutine.
//
// Fail-closed contract: any engine error rejects the submission. Raw
// content must never reach the log, so an uncertain redaction outcome is
// treated the same as a detected secret that could not be scrubbed.
package redact

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"ctxd/internal/event"
)

// Placeholder replaces every matched secret. A fixed string (rather than
// a hash of the match) guarantees the match content is unrecoverable.
const Placeholder = "[REDACTED]"

// minEnvSecretLen avoids scrubbing trivial env values ("1", "on", "dev")
// that would riddle payloads with false placeholders.
const minEnvSecretLen = 6

// Rule is one compiled redaction pattern.
type Rule struct {
	ID      string
	pattern *regexp.Regexp
}

// CustomPattern is a user-supplied redaction rule before compilation.
type CustomPattern struct {
	ID      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
}

// Failure reports that the engine itself failed. The gateway maps this
// to a rejected submission; the submission is dropped, never committed.
type Failure struct {
	RuleID string
	Reason string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	if f.RuleID != "" {
		return fmt.Sprintf("redaction failure: %s (rule=%s)", f.Reason, f.RuleID)
	}
	return fmt.Sprintf("redaction failure: %s", f.Reason)
}

// IsFailure reports whether err is (or wraps) a redaction Failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

// builtinRules covers common credential formats. Order matters: more
// specific formats run before the generic assignment matcher so hits are
// attributed to the precise rule id.
var builtinRules = []Rule{
	{ID: "aws-access-key", pattern: regexp.MustCompile(`(?:AKIA|ASIA)[0-9A-Z]{16}`)},
	{ID: "github-token", pattern: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,255}`)},
	{ID: "slack-token", pattern: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)},
	{ID: "private-key-block", pattern: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----(?s:.*?)-----END [A-Z ]*PRIVATE KEY-----`)},
	{ID: "jwt", pattern: regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}[.][A-Za-z0-9_-]{10,}[.][A-Za-z0-9_-]{10,}`)},
	{ID: "bearer-header", pattern: regexp.MustCompile(`(?i)bearer +[A-Za-z0-9._~+/-]{16,}=*`)},
	{ID: "generic-assignment", pattern: regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|access[_-]?token|auth[_-]?token)[=: ]+[^\s"']+`)},
}

// Engine applies redaction rules in a fixed order: built-in patterns,
// environment-variable exclusions, then user-supplied custom patterns.
type Engine struct {
	rules   []Rule // built-ins, then env literals, then custom
	failure *Failure
}

// NewEngine compiles the engine configuration. An invalid custom
// pattern does not prevent construction; it poisons the engine, and
// every Redact call fails closed until the configuration is fixed. The
// daemon keeps serving reads, but nothing new reaches the log through
// a redaction hole.
//
// envExclude names environment variables whose VALUES are scrubbed
// wherever they appear in a payload. Unset or short values are skipped.
func NewEngine(envExclude []string, custom []CustomPattern) *Engine {
	rules := make([]Rule, 0, len(builtinRules)+len(envExclude)+len(custom))
	rules = append(rules, builtinRules...)

	// Longer env values first, so overlapping values scrub the longest
	// match. Rule id records the variable name, never the value.
	names := append([]string(nil), envExclude...)
	sort.SliceStable(names, func(i, j int) bool {
		return len(os.Getenv(names[i])) > len(os.Getenv(names[j]))
	})
	for _, name := range names {
		val := os.Getenv(name)
		if len(val) < minEnvSecretLen {
			continue
		}
		rules = append(rules, Rule{
			ID:      "env:" + name,
			pattern: regexp.MustCompile(regexp.QuoteMeta(val)),
		})
	}

	for _, c := range custom {
		if c.ID == "" {
			return &Engine{failure: &Failure{Reason: "custom pattern missing id"}}
		}
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return &Engine{failure: &Failure{
				RuleID: c.ID,
				Reason: fmt.Sprintf("invalid pattern: %v", err),
			}}
		}
		rules = append(rules, Rule{ID: "custom:" + c.ID, pattern: re})
	}

	return &Engine{rules: rules}
}

// ConfigError reports a configuration failure recorded at construction,
// or nil. The daemon logs it at startup; Redact repeats it per call.
func (e *Engine) ConfigError() error {
	if e.failure != nil {
		return e.failure
	}
	return nil
}

// Redact returns a scrubbed copy of the payload and a report of which
// rules hit, and how often. The input object is never mutated. The
// report carries rule ids and counts only - never matched content.
func (e *Engine) Redact(payload event.Object) (event.Object, []event.Redaction, error) {
	if e.failure != nil {
		return nil, nil, e.failure
	}

	counts := make(map[string]int)

	v, err := e.redactValue(payload, counts)
	if err != nil {
		return nil, nil, err
	}
	clean, ok := v.(event.Object)
	if !ok {
		return nil, nil, &Failure{Reason: fmt.Sprintf("payload changed type during redaction: %T", v)}
	}

	if len(counts) == 0 {
		return clean, nil, nil
	}

	report := make([]event.Redaction, 0, len(counts))
	for id, n := range counts {
		report = append(report, event.Redaction{RuleID: id, Count: n})
	}
	sort.Slice(report, func(i, j int) bool { return report[i].RuleID < report[j].RuleID })
	return clean, report, nil
}

// redactValue walks the payload. Only string VALUES are scrubbed; keys
// identify fields and are covered by validation, not redaction.
func (e *Engine) redactValue(v event.Value, counts map[string]int) (event.Value, error) {
	switch val := v.(type) {
	case event.String:
		return e.redactString(string(val), counts), nil
	case event.Array:
		out := make(event.Array, len(val))
		for i, elem := range val {
			r, err := e.redactValue(elem, counts)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case event.Object:
		out := make(event.Object, len(val))
		for k, elem := range val {
			r, err := e.redactValue(elem, counts)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case event.Int, event.Bool, event.Null:
		return val, nil
	case nil:
		return nil, &Failure{Reason: "nil value in payload"}
	default:
		return nil, &Failure{Reason: fmt.Sprintf("unsupported value type: %T", v)}
	}
}

func (e *Engine) redactString(s string, counts map[string]int) event.String {
	for _, rule := range e.rules {
		result := rule.pattern.ReplaceAllStringFunc(s, func(m string) string {
			counts[rule.ID]++
			return replacementFor(rule, m)
		})
		s = result
	}
	return event.String(s)
}

// replacementFor keeps the key part of assignment-style matches so the
// committed payload still shows WHICH field carried a secret.
// "password=hunter2" becomes "password=[REDACTED]", not "[REDACTED]".
func replacementFor(rule Rule, match string) string {
	if rule.ID != "generic-assignment" {
		return Placeholder
	}
	for i := 0; i < len(match); i++ {
		if match[i] == '=' || match[i] == ':' || match[i] == ' ' {
			return match[:i+1] + Placeholder
		}
	}
	return Placeholder
}
