// Package codex adapts the Codex CLI. One-shot turns run through the exec
// subcommand, and continuation is expressed with the resume --last form on
// both the exec and interactive paths.
package codex

import (
	"regexp"
	"time"

	"github.com/duet-cli/duet/internal/adapter"
	"github.com/duet-cli/duet/internal/extract"
)

const (
	toolName    = "codex"
	displayName = "Codex"

	defaultIdleTimeout  = 2500 * time.Millisecond
	defaultStartupDelay = time.Second
)

var (
	promptPattern = regexp.MustCompile(`^\s*(│\s*)?[›❯▌]\s*│?\s*$`)

	// Codex prints no stable answer marker, so cleaning keeps the whole
	// chrome-stripped text rather than scanning for marked blocks. Bare
	// prompt-frame lines are chrome here for the same reason.
	chromePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)esc to interrupt`),
		regexp.MustCompile(`(?i)^\s*tokens used[:\s]`),
		regexp.MustCompile(`(?i)^\s*working\b.*\ds`),
		regexp.MustCompile(`(?i)^\s*ctrl\+c to quit`),
		regexp.MustCompile(`^\s*[›❯▌>]\s*$`),
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

// Adapter drives the Codex CLI.
type Adapter struct {
	adapter.Profile
	adapter.ContinuationFlag

	extraArgs []string
}

// New constructs the Codex adapter.
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
			},
			LookPath: opts.LookPath,
		}),
		extraArgs: append([]string(nil), opts.ExtraArgs...),
	}
}

// BuildCommand returns the one-shot exec invocation.
func (a *Adapter) BuildCommand(prompt string, continuation bool) []string {
	argv := append(a.base(), "exec")
	if continuation {
		argv = append(argv, "resume", "--last")
	}
	return append(argv, prompt)
}

// BuildInteractiveCommand returns the invocation for a user-driven session.
func (a *Adapter) BuildInteractiveCommand(continuation bool) []string {
	argv := a.base()
	if continuation {
		argv = append(argv, "resume", "--last")
	}
	return argv
}

// BuildPersistentArgs returns the extra arguments for a long-lived PTY spawn.
func (a *Adapter) BuildPersistentArgs(continuation bool) []string {
	args := append([]string(nil), a.extraArgs...)
	if continuation {
		args = append(args, "resume", "--last")
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
