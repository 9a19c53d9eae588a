package session

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRequestPending marks a send refused because the previous request has not
// resolved yet. Callers match it with errors.Is.
var ErrRequestPending = errors.New("a request is already awaiting its response")

// ErrSessionClosed marks operations attempted after a session was shut down
// for good.
var ErrSessionClosed = errors.New("session is closed")

// FailureKind classifies tool process failures.
type FailureKind string

const (
	// FailureSpawn covers processes that never started.
	FailureSpawn FailureKind = "spawn"
	// FailureExit covers processes that exited while work was outstanding,
	// including non-zero one-shot exits.
	FailureExit FailureKind = "exit"
	// FailureBrokenPipe covers writes into a dead process.
	FailureBrokenPipe FailureKind = "broken_pipe"
	// FailureBusy covers sends refused while another request is in flight.
	FailureBusy FailureKind = "busy"
)

// ToolError reports a tool process failure with enough context for the user
// to act on: which tool, what kind of failure, and the output the tool left
// behind.
type ToolError struct {
	Tool     string
	Kind     FailureKind
	ExitCode int
	Output   string
	Err      error
}

func (e *ToolError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case FailureSpawn:
		fmt.Fprintf(&b, "%s failed to start", e.Tool)
	case FailureExit:
		fmt.Fprintf(&b, "%s exited with code %d", e.Tool, e.ExitCode)
	case FailureBrokenPipe:
		fmt.Fprintf(&b, "%s is not accepting input", e.Tool)
	case FailureBusy:
		fmt.Fprintf(&b, "%s is busy", e.Tool)
	default:
		fmt.Fprintf(&b, "%s failed", e.Tool)
	}
	if e.Output != "" {
		fmt.Fprintf(&b, ": %s", e.Output)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is chains.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a ToolError of the same kind, so callers can
// match on kind without caring about tool or output.
func (e *ToolError) Is(target error) bool {
	var other *ToolError
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// trimOutput reduces captured process output to a short, single-purpose tail
// suitable for error messages.
func trimOutput(output string) string {
	output = strings.TrimSpace(output)
	const maxLines = 5
	lines := strings.Split(output, "\n")
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
