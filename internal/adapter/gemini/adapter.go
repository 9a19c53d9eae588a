// Package gemini adapts the Gemini CLI. The CLI exposes no session-resume
// flags, so the continuation argument is accepted and ignored by every
// builder; each invocation starts a fresh conversation.
package gemini

import (
	"regexp"
	"time"

	"github.com/duet-cli/duet/internal/adapter"
	"github.com/duet-cli/duet/internal/extract"
)

const (
	toolName    = "gemini"
	displayName = "Gemini"

	defaultIdleTimeout  = 2 * time.Second
	defaultStartupDelay = 2 * time.Second
)

var (
	promptPattern = regexp.MustCompile(`^\s*(│\s*)?>\s*│?\s*$`)

	// Replies arrive under a four-pointed star marker; tool-call status lines
	// and the input hint are chrome.
	chromePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*[✓✗]\s`),
		regexp.MustCompile(`(?i)^\s*type your message`),
		regexp.MustCompile(`(?i)no sandbox`),
		regexp.MustCompile(`(?i)^\s*gemini-\d[\w.-]*\b.*context`),
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

// Adapter drives the Gemini CLI.
type Adapter struct {
	adapter.Profile
	adapter.ContinuationFlag

	extraArgs []string
}

// New constructs the Gemini adapter.
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
				AnswerMarker:   "✦",
			},
			LookPath: opts.LookPath,
		}),
		extraArgs: append([]string(nil), opts.ExtraArgs...),
	}
}

// BuildCommand returns the one-shot prompt-flag invocation.
func (a *Adapter) BuildCommand(prompt string, _ bool) []string {
	return append(a.base(), "-p", prompt)
}

// BuildInteractiveCommand returns the invocation for a user-driven session.
func (a *Adapter) BuildInteractiveCommand(_ bool) []string {
	return a.base()
}

// BuildPersistentArgs returns the extra arguments for a long-lived PTY spawn.
func (a *Adapter) BuildPersistentArgs(_ bool) []string {
	return append([]string(nil), a.extraArgs...)
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
