// Package claude adapts the Claude CLI. Continuation is expressed with
// --continue, which resumes the most recent conversation in the working
// directory, so resume arguments appear only once a prior exchange exists.
package claude

import (
	"regexp"
	"time"

	"github.com/duet-cli/duet/internal/adapter"
	"github.com/duet-cli/duet/internal/extract"
)

const (
	toolName    = "claude"
	displayName = "Claude"

	defaultIdleTimeout  = 2 * time.Second
	defaultStartupDelay = 1500 * time.Millisecond
)

var (
	// promptPattern matches the framed idle input line the UI draws once a
	// turn has finished rendering.
	promptPattern = regexp.MustCompile(`^\s*(│\s*)?>\s*│?\s*$`)

	chromePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)esc to interrupt`),
		regexp.MustCompile(`(?i)^\s*\? for shortcuts`),
		regexp.MustCompile(`(?i)^\s*bypassing permissions`),
		regexp.MustCompile(`(?i)^\s*auto-accept edits`),
	}
)

// Options overrides executable resolution, invocation, and timing.
type Options struct {
	Command      string
	ExtraArgs    []string
	IdleTimeout  time.Duration
	StartupDelay time.Duration
	LookPath     func(file string) (string, error)
}

// Adapter drives the Claude CLI.
type Adapter struct {
	adapter.Profile
	adapter.ContinuationFlag

	extraArgs []string
}

// New constructs the Claude adapter.
func New(opts Options) *Adapter {
	return &Adapter{
		Profile: adapter.NewProfile(adapter.ProfileOptions{
			Name:          toolName,
			DisplayName:   displayName,
			Command:       opts.Command,
			PromptPattern: promptPattern,
			IdleTimeout:   orDefault(opts.IdleTimeout, defaultIdleTimeout),
			StartupDelay:  orDefault(opts.StartupDelay, defaultStartupDelay),
			Extract: extract.Rules{
				ChromePatterns: chromePatterns,
				AnswerMarker:   "⏺",
			},
			LookPath: opts.LookPath,
		}),
		extraArgs: append([]string(nil), opts.ExtraArgs...),
	}
}

// BuildCommand returns the one-shot print-mode invocation.
func (a *Adapter) BuildCommand(prompt string, continuation bool) []string {
	argv := a.base()
	if continuation {
		argv = append(argv, "--continue")
	}
	return append(argv, "-p", prompt)
}

// BuildInteractiveCommand returns the invocation for a user-driven session.
func (a *Adapter) BuildInteractiveCommand(continuation bool) []string {
	argv := a.base()
	if continuation {
		argv = append(argv, "--continue")
	}
	return argv
}

// BuildPersistentArgs returns the extra arguments for a long-lived PTY spawn.
func (a *Adapter) BuildPersistentArgs(continuation bool) []string {
	args := append([]string(nil), a.extraArgs...)
	if continuation {
		args = append(args, "--continue")
	}
	return args
}

func (a *Adapter) base() []string {
	return append([]string{a.Command()}, a.extraArgs...)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

var _ adapter.Adapter = (*Adapter)(nil)
