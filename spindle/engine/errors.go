package engine

import (
	"errors"
	"fmt"
)

var (
	// the requested tool version could not be provisioned
	ErrEnvironmentUnavailable = errors.New("environment unavailable")
	// a step exited non-zero
	ErrCommandFailed = errors.New("command failed")
	ErrTimedOut      = errors.New("timed out")
	ErrCancelled     = errors.New("cancelled")
	ErrOOMKilled     = errors.New("oom killed")
)

// CommandError carries the exit code of a failed step.
type CommandError struct {
	ExitCode int
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: exit code %d", ErrCommandFailed, e.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return ErrCommandFailed
}

// ExitCode extracts the exit code from err, or -1 when there is none.
func ExitCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.ExitCode
	}
	return -1
}
