// Package generic builds adapters for tools declared in configuration
// rather than compiled in. A declaration names the executable and the
// argument templates; completion signals and extraction rules fall back to
// shared defaults when unset.
package generic

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/duet-cli/duet/internal/adapter"
	"github.com/duet-cli/duet/internal/extract"
)

// Options declares one user-defined tool.
type Options struct {
	Name        string
	DisplayName string
	Command     string

	// Args are appended to every invocation, directly after the command.
	Args []string
	// OneShotArgs select the tool's non-interactive mode; the prompt is
	// appended as the final argument.
	OneShotArgs []string
	// InteractiveArgs select the tool's interactive UI, when it differs
	// from the bare command.
	InteractiveArgs []string
	// ResumeArgs are added when a prior exchange exists.
	ResumeArgs []string

	PromptPattern  string
	AnswerMarker   string
	ChromePatterns []string
	IdleTimeout    time.Duration
	StartupDelay   time.Duration

	LookPath func(file string) (string, error)
}

// Adapter drives a tool described entirely by configuration.
type Adapter struct {
	adapter.Profile
	adapter.ContinuationFlag

	args            []string
	oneShotArgs     []string
	interactiveArgs []string
	resumeArgs      []string
}

// New builds an adapter from a tool declaration. It fails when the
// declaration is incomplete or a pattern does not compile.
func New(opts Options) (*Adapter, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Name))
	if name == "" {
		return nil, errors.New("tool name is required")
	}
	if strings.TrimSpace(opts.Command) == "" {
		return nil, fmt.Errorf("tool %s: command is required", name)
	}

	var promptPattern *regexp.Regexp
	if strings.TrimSpace(opts.PromptPattern) != "" {
		compiled, err := regexp.Compile(opts.PromptPattern)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile prompt pattern: %w", name, err)
		}
		promptPattern = compiled
	}

	chrome := make([]*regexp.Regexp, 0, len(opts.ChromePatterns))
	for _, raw := range opts.ChromePatterns {
		compiled, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile chrome pattern %q: %w", name, raw, err)
		}
		chrome = append(chrome, compiled)
	}

	return &Adapter{
		Profile: adapter.NewProfile(adapter.ProfileOptions{
			Name:          name,
			DisplayName:   opts.DisplayName,
			Command:       opts.Command,
			PromptPattern: promptPattern,
			IdleTimeout:   opts.IdleTimeout,
			StartupDelay:  opts.StartupDelay,
			Extract: extract.Rules{
				ChromePatterns: chrome,
				AnswerMarker:   opts.AnswerMarker,
			},
			LookPath: opts.LookPath,
		}),
		args:            append([]string(nil), opts.Args...),
		oneShotArgs:     append([]string(nil), opts.OneShotArgs...),
		interactiveArgs: append([]string(nil), opts.InteractiveArgs...),
		resumeArgs:      append([]string(nil), opts.ResumeArgs...),
	}, nil
}

// BuildCommand returns the one-shot invocation with the prompt appended as
// the final argument.
func (a *Adapter) BuildCommand(prompt string, continuation bool) []string {
	argv := a.base()
	if continuation {
		argv = append(argv, a.resumeArgs...)
	}
	argv = append(argv, a.oneShotArgs...)
	return append(argv, prompt)
}

// BuildInteractiveCommand returns the invocation for a user-driven session.
func (a *Adapter) BuildInteractiveCommand(continuation bool) []string {
	argv := append(a.base(), a.interactiveArgs...)
	if continuation {
		argv = append(argv, a.resumeArgs...)
	}
	return argv
}

// BuildPersistentArgs returns the extra arguments for a long-lived PTY spawn.
func (a *Adapter) BuildPersistentArgs(continuation bool) []string {
	args := append([]string(nil), a.args...)
	if continuation {
		args = append(args, a.resumeArgs...)
	}
	return args
}

func (a *Adapter) base() []string {
	return append([]string{a.Command()}, a.args...)
}

var _ adapter.Adapter = (*Adapter)(nil)
