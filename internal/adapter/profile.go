package adapter

import (
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/duet-cli/duet/internal/extract"
)

const (
	defaultIdleTimeout  = 2 * time.Second
	defaultStartupDelay = time.Second
)

// defaultPromptPattern matches the framed input line most tools draw when
// idle, after control sequences have been stripped from the candidate line.
var defaultPromptPattern = regexp.MustCompile(`^\s*(│\s*)?[>›❯]\s*│?\s*$`)

// ProfileOptions configures the descriptor half of a tool adapter.
type ProfileOptions struct {
	Name          string
	DisplayName   string
	Command       string
	PromptPattern *regexp.Regexp
	IdleTimeout   time.Duration
	StartupDelay  time.Duration
	Extract       extract.Rules
	LookPath      func(file string) (string, error)
}

// Profile is the static descriptor shared by every tool adapter: identity,
// completion signals, timing, extraction rules, and executable resolution.
// Tool packages embed it and add only invocation construction on top.
type Profile struct {
	name          string
	displayName   string
	command       string
	promptPattern *regexp.Regexp
	idleTimeout   time.Duration
	startupDelay  time.Duration
	rules         extract.Rules
	lookPath      func(file string) (string, error)
}

// NewProfile builds a Profile, applying defaults for any zero option.
func NewProfile(opts ProfileOptions) Profile {
	name := strings.ToLower(strings.TrimSpace(opts.Name))
	displayName := strings.TrimSpace(opts.DisplayName)
	if displayName == "" {
		displayName = name
	}
	command := strings.TrimSpace(opts.Command)
	if command == "" {
		command = name
	}
	pattern := opts.PromptPattern
	if pattern == nil {
		pattern = defaultPromptPattern
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	startup := opts.StartupDelay
	if startup <= 0 {
		startup = defaultStartupDelay
	}
	lookPath := opts.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	return Profile{
		name:          name,
		displayName:   displayName,
		command:       command,
		promptPattern: pattern,
		idleTimeout:   idle,
		startupDelay:  startup,
		rules:         opts.Extract,
		lookPath:      lookPath,
	}
}

// Name returns the canonical lower-case tool identifier.
func (p Profile) Name() string { return p.name }

// DisplayName returns the human-facing label.
func (p Profile) DisplayName() string { return p.displayName }

// Command returns the executable name or path the adapter spawns.
func (p Profile) Command() string { return p.command }

// PromptPattern returns the ready-prompt line pattern.
func (p Profile) PromptPattern() *regexp.Regexp { return p.promptPattern }

// IdleTimeout returns the silence duration that implies a complete response.
func (p Profile) IdleTimeout() time.Duration { return p.idleTimeout }

// StartupDelay returns the post-spawn grace period before the first input.
func (p Profile) StartupDelay() time.Duration { return p.startupDelay }

// CleanResponse recovers reply text from raw terminal bytes using the
// profile's extraction rules.
func (p Profile) CleanResponse(raw []byte) string {
	return extract.Clean(raw, p.rules)
}

// IsAvailable reports whether the configured executable resolves on PATH.
func (p Profile) IsAvailable() bool {
	_, err := p.lookPath(p.command)
	return err == nil
}

// ContinuationFlag records whether a tool already carries prior conversation
// state. The flag flips true on the first successful response and clears on
// an explicit context reset. Safe for concurrent use.
type ContinuationFlag struct {
	mu     sync.Mutex
	active bool
}

// Continuation reports whether a prior exchange exists.
func (f *ContinuationFlag) Continuation() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// SetContinuation marks or clears prior conversation state.
func (f *ContinuationFlag) SetContinuation(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = active
}
