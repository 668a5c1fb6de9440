// Package fault defines the failure taxonomy shared by every pipeline phase.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The pipeline maps kinds to terminal events and
// retry decisions; everything else about the error stays opaque.
type Kind string

const (
	KindScan        Kind = "scan"         // unreachable or private repository
	KindRateLimited Kind = "rate_limited" // upstream throttling, retryable with backoff
	KindAnalysis    Kind = "analysis"     // malformed or schema-violating analysis output
	KindPlanning    Kind = "planning"     // plan generation failed, aborts the session
	KindGeneration  Kind = "generation"   // malformed or truncated code generation output
	KindSandboxBoot Kind = "sandbox_boot" // dependency install or process start failed
	KindBuild       Kind = "build"        // classified compile/type/runtime failure, healable
	KindDeploy      Kind = "deploy"       // commit against source control failed
)

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a fault with no underlying cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error. A nil err returns nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is lets errors.Is match two faults by kind.
func (e *Error) Is(target error) bool {
	var fe *Error
	if errors.As(target, &fe) {
		return fe.Kind == e.Kind
	}
	return false
}
