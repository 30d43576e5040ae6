package nix

import (
	"fmt"
	"strings"
)

// Outcome classifies how a nix invocation ended. The orchestrator has
// explicit policy for Cancelled and ConnectionFailed; everything else is
// a definitive failure.
type Outcome string

const (
	// OutcomeFailed means the command ran and exited non-zero.
	OutcomeFailed Outcome = "failed"
	// OutcomeCancelled means the command was interrupted before it
	// could produce a verdict.
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeConnectionFailed means the remote end could not be
	// reached; the command never ran there.
	OutcomeConnectionFailed Outcome = "connection-failed"
	// OutcomeNoOutput means the command succeeded but did not produce
	// a usable store path.
	OutcomeNoOutput Outcome = "no-output"
)

// CommandError is returned for nix invocations that did not produce a
// usable result.
type CommandError struct {
	Outcome Outcome
	Code    int
	Stderr  string
	Args    []string
}

func (e *CommandError) Error() string {
	cmd := strings.Join(e.Args, " ")
	switch e.Outcome {
	case OutcomeCancelled:
		return fmt.Sprintf("nix command was cancelled: %s", cmd)
	case OutcomeConnectionFailed:
		return fmt.Sprintf("connection to remote host failed: %s", cmd)
	case OutcomeNoOutput:
		return fmt.Sprintf("nix produced no output: %s", cmd)
	default:
		return fmt.Sprintf("nix failed with code %d: %s", e.Code, cmd)
	}
}

type causer interface {
	Cause() error
}

// asCommandError digs a *CommandError out of a possibly-wrapped error.
func asCommandError(err error) *CommandError {
	for err != nil {
		if cerr, ok := err.(*CommandError); ok {
			return cerr
		}
		c, ok := err.(causer)
		if !ok {
			return nil
		}
		err = c.Cause()
	}
	return nil
}

// IsCancelled reports whether err is a cancellation outcome.
func IsCancelled(err error) bool {
	cerr := asCommandError(err)
	return cerr != nil && cerr.Outcome == OutcomeCancelled
}

// IsConnectionFailure reports whether err is a connection failure.
func IsConnectionFailure(err error) bool {
	cerr := asCommandError(err)
	return cerr != nil && cerr.Outcome == OutcomeConnectionFailed
}
