// Package adapter describes how duet drives each external AI CLI tool:
// how invocations are constructed, how a finished response is recognized,
// and how clean reply text is recovered from raw terminal output.
package adapter

import (
	"regexp"
	"time"
)

// Adapter is the capability contract implemented once per supported tool.
//
// An adapter carries no session state beyond the continuation flag; process
// lifecycle and output buffering belong to the owning session. Builders
// return argv arrays that are executed directly, never through a shell.
type Adapter interface {
	// Name is the canonical lower-case tool identifier used in meta-commands.
	Name() string
	// DisplayName is the human-facing label used in shell output.
	DisplayName() string
	// Command is the executable the adapter resolves and spawns.
	Command() string

	// PromptPattern matches one complete output line that means the tool is
	// idle at its input prompt.
	PromptPattern() *regexp.Regexp
	// IdleTimeout is the silence duration after which a response is presumed
	// complete when no prompt line ever matches.
	IdleTimeout() time.Duration
	// StartupDelay is the grace period after spawn before the first input may
	// be written.
	StartupDelay() time.Duration

	// Continuation reports whether a prior exchange exists, so the next
	// invocation should resume the tool's conversation state.
	Continuation() bool
	// SetContinuation marks or clears prior conversation state.
	SetContinuation(active bool)

	// BuildCommand returns the full argv for a one-shot invocation carrying
	// prompt. One-shot invocations must not require a terminal.
	BuildCommand(prompt string, continuation bool) []string
	// BuildInteractiveCommand returns the full argv for a user-driven
	// interactive session in the tool's own UI.
	BuildInteractiveCommand(continuation bool) []string
	// BuildPersistentArgs returns the extra argv appended after Command when
	// the tool is kept alive as a background PTY session across turns.
	BuildPersistentArgs(continuation bool) []string

	// CleanResponse recovers reply text from raw terminal bytes. It is
	// idempotent and never fails; malformed input yields best-effort text.
	CleanResponse(raw []byte) string

	// IsAvailable reports whether the executable resolves on this host.
	IsAvailable() bool
}
