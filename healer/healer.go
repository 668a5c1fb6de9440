// Package healer turns raw sandbox process logs into structured error
// summaries that drive regeneration. Classification is a pluggable rule
// list; anything the rules miss becomes a generic build error, still
// retryable up to the attempt cap.
package healer

import (
	"fmt"
	"regexp"
	"strings"
)

// Summary is one classified failure, fed back into the generation prompt.
type Summary struct {
	Attempt int    `json:"attempt"`
	Type    string `json:"type"`
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
}

// Rule maps a log pattern to an error type label. Earlier rules win.
type Rule struct {
	Pattern *regexp.Regexp
	Type    string
}

// Classifier scans logs against its rule list.
type Classifier struct {
	rules []Rule
}

// GenericBuildError is the conservative fallback type for unrecognized
// failures.
const GenericBuildError = "BUILD_ERROR"

// DefaultRules covers the failure modes generated stacks actually hit:
// dependency resolution, syntax and type errors, runtime crashes, port
// binds, and connection failures, for both runtimes.
func DefaultRules() []Rule {
	mk := func(pattern, typ string) Rule {
		return Rule{Pattern: regexp.MustCompile("(?i)" + pattern), Type: typ}
	}
	return []Rule{
		// node
		mk(`Cannot find module`, "NODE_MODULE_NOT_FOUND"),
		mk(`MODULE_NOT_FOUND`, "NODE_MODULE_NOT_FOUND"),
		mk(`ReferenceError:`, "NODE_REFERENCE_ERROR"),
		mk(`Error: listen EADDRINUSE`, "PORT_IN_USE"),
		mk(`SyntaxError: Unexpected`, "NODE_SYNTAX_ERROR"),
		mk(`Error: ENOENT`, "FILE_NOT_FOUND"),
		mk(`npm ERR!`, "NPM_ERROR"),
		mk(`error TS\d+:`, "TYPESCRIPT_ERROR"),

		// python
		mk(`ModuleNotFoundError:`, "PYTHON_IMPORT_ERROR"),
		mk(`ImportError:`, "PYTHON_IMPORT_ERROR"),
		mk(`IndentationError:`, "PYTHON_SYNTAX_ERROR"),
		mk(`SyntaxError:`, "SYNTAX_ERROR"),
		mk(`NameError:`, "PYTHON_NAME_ERROR"),
		mk(`TypeError:`, "PYTHON_TYPE_ERROR"),
		mk(`FileNotFoundError:`, "FILE_NOT_FOUND"),
		mk(`Address already in use`, "PORT_IN_USE"),

		// database and connectivity
		mk(`MongoNetworkError`, "DATABASE_CONNECTION_ERROR"),
		mk(`ECONNREFUSED`, "CONNECTION_ERROR"),
		mk(`Failed to connect`, "CONNECTION_ERROR"),

		// generic process death
		mk(`Traceback \(most recent call last\)`, "PYTHON_CRASH"),
		mk(`Permission denied`, "PERMISSION_ERROR"),
	}
}

// NewClassifier builds a classifier; nil rules means the defaults.
func NewClassifier(rules []Rule) *Classifier {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Classifier{rules: rules}
}

var (
	pyFileRe   = regexp.MustCompile(`File "([^"]+)", line \d+`)
	nodeFileRe = regexp.MustCompile(`\(((?:/|\.{0,2}/)?[\w./-]+\.[jt]sx?):\d+:\d+\)`)
)

// Classify scans the logs and returns a summary for the given attempt
// number. Unmatched but non-empty logs on a failed boot classify as the
// generic build error with the log tail as message.
func (c *Classifier) Classify(attempt int, logs, detail string) Summary {
	combined := logs
	if detail != "" {
		combined = detail + "\n" + logs
	}

	for _, r := range c.rules {
		loc := r.Pattern.FindStringIndex(combined)
		if loc == nil {
			continue
		}
		// Context window around the match, same shape for every rule.
		start := loc[0] - 200
		if start < 0 {
			start = 0
		}
		end := loc[1] + 500
		if end > len(combined) {
			end = len(combined)
		}
		return Summary{
			Attempt: attempt,
			Type:    r.Type,
			Message: combined[start:end],
			File:    offendingFile(combined),
		}
	}

	msg := strings.TrimSpace(combined)
	if len(msg) > 700 {
		msg = msg[len(msg)-700:]
	}
	if msg == "" {
		msg = "process failed to boot with no log output"
	}
	return Summary{Attempt: attempt, Type: GenericBuildError, Message: msg}
}

func offendingFile(logs string) string {
	if m := pyFileRe.FindStringSubmatch(logs); m != nil {
		return m[1]
	}
	if m := nodeFileRe.FindStringSubmatch(logs); m != nil {
		return m[1]
	}
	return ""
}

// ErrorContext renders the accumulated failure history for the
// regeneration prompt. Attempt numbers keep retries distinguishable.
func ErrorContext(history []Summary) string {
	if len(history) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("AUTOMATIC ERROR RECOVERY. Fix the following issues from prior attempts:\n\n")
	for i, s := range history {
		msg := s.Message
		if len(msg) > 1000 {
			msg = msg[:1000]
		}
		fmt.Fprintf(&sb, "### Error %d (attempt %d), type %s", i+1, s.Attempt, s.Type)
		if s.File != "" {
			fmt.Fprintf(&sb, ", file %s", s.File)
		}
		fmt.Fprintf(&sb, "\n```\n%s\n```\n\n", msg)
	}
	return sb.String()
}
