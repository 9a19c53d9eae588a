// Package orchestrator owns the tool roster for one duet run: which
// adapters are registered, which one currently has the user's attention,
// and how prompts, forwards, and resets reach their sessions. Its Run loop
// is the interactive shell that the duet binary drops the user into.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/duet-cli/duet/internal/adapter"
	"github.com/duet-cli/duet/internal/config"
	"github.com/duet-cli/duet/internal/console"
	"github.com/duet-cli/duet/internal/events"
	"github.com/duet-cli/duet/internal/oneshot"
	"github.com/duet-cli/duet/internal/ptyproc"
	"github.com/duet-cli/duet/internal/session"
	"github.com/duet-cli/duet/internal/state"
	"github.com/duet-cli/duet/internal/telemetry/invariants"
	"github.com/duet-cli/duet/internal/transcript"
)

// ForwardPayload rides EventTypeForward events on the bus.
type ForwardPayload struct {
	// From is the tool whose response was forwarded.
	From string
	// To is the tool that received it.
	To string
	// Bytes is the size of the forwarded text, header included.
	Bytes int
}

// ForwardResult describes one completed forward.
type ForwardResult struct {
	// Source is the tool the message came from.
	Source string
	// Target is the tool that received it.
	Target string
	// Sent is the full text delivered to the target, header included.
	Sent string
	// Response is the target's cleaned reply. Empty for interactive
	// forwards, where the reply streams to the terminal instead.
	Response string
}

// Options configures an Orchestrator.
type Options struct {
	// Registry holds the adapters for every enabled tool. Required.
	Registry *adapter.Registry
	// Config supplies runtime settings. Required.
	Config *config.Config
	// Bus receives session and orchestrator events. Required.
	Bus events.Bus
	// Console renders shell output. Defaults to one writing to Output.
	Console *console.Console
	// Logger is the structured file logger. Defaults to log.Default().
	Logger *log.Logger
	// Spawner launches persistent sessions. Defaults to the PTY spawner.
	Spawner ptyproc.Spawner
	// Runner executes one-shot invocations. Defaults to the exec runner.
	Runner oneshot.Runner
	// Transcript stores exchange history. Nil disables the history command.
	Transcript *transcript.Store
	// Input is the user's keyboard. Defaults to os.Stdin.
	Input io.Reader
	// Output is the user's terminal. Defaults to os.Stdout.
	Output io.Writer
	// Version is shown in the banner.
	Version string
	// Dir is the working directory tools are spawned in.
	Dir string
	// Cols and Rows size the tool PTYs. Zero selects spawner defaults.
	Cols uint16
	Rows uint16
}

// Orchestrator routes the user's input to tool sessions and tool responses
// back to the user. Sessions are created lazily on first use and reused for
// the rest of the run.
type Orchestrator struct {
	registry *adapter.Registry
	cfg      *config.Config
	bus      events.Bus
	console  *console.Console
	logger   *log.Logger
	spawner  ptyproc.Spawner
	runner   oneshot.Runner
	store    *transcript.Store

	input   io.Reader
	output  io.Writer
	version string
	dir     string
	cols    uint16
	rows    uint16

	// warnings collected while resolving the startup tool, shown once
	// when the shell starts.
	warnings []string

	buildRegistry func(*config.Config) (*adapter.Registry, error)

	mu       sync.Mutex
	active   string
	switched bool
	sessions map[string]*session.Session

	// pump and lineBuf belong to the shell loop, which runs on one
	// goroutine only.
	pump    *inputPump
	lineBuf []byte
}

// New validates options and builds an Orchestrator. The active tool is
// resolved immediately: the configured default when it is registered and
// installed, otherwise the first installed tool in registration order.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, errors.New("adapter registry is required")
	}
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}

	o := &Orchestrator{
		registry: opts.Registry,
		cfg:      opts.Config,
		bus:      opts.Bus,
		console:  opts.Console,
		logger:   opts.Logger,
		spawner:  opts.Spawner,
		runner:   opts.Runner,
		store:    opts.Transcript,
		input:    opts.Input,
		output:   opts.Output,
		version:  opts.Version,
		dir:      opts.Dir,
		cols:     opts.Cols,
		rows:     opts.Rows,
		sessions: make(map[string]*session.Session),
	}
	if o.input == nil {
		o.input = os.Stdin
	}
	if o.output == nil {
		o.output = os.Stdout
	}
	if o.console == nil {
		o.console = console.New(console.WithWriter(o.output))
	}
	if o.logger == nil {
		o.logger = log.Default()
	}
	if o.spawner == nil {
		o.spawner = ptyproc.NewSpawner()
	}
	if o.runner == nil {
		o.runner = oneshot.NewExecRunner()
	}
	o.buildRegistry = BuildRegistry

	active, warnings, err := adapter.ResolveDefaultTool(o.cfg.DefaultTool, o.registry)
	if err != nil {
		return nil, err
	}
	o.active = active
	o.warnings = warnings
	o.pump = newInputPump(o.input)
	return o, nil
}

// Active returns the name of the tool currently receiving plain input.
func (o *Orchestrator) Active() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// config returns the current configuration. Reloads swap the pointer, so
// callers read through here instead of holding on to a copy.
func (o *Orchestrator) config() *config.Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// Switch makes the named tool the active one and returns its adapter.
// Switching never starts a process; the next prompt does that.
func (o *Orchestrator) Switch(name string) (adapter.Adapter, error) {
	ad, err := o.lookup(name)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.active = ad.Name()
	o.switched = true
	o.mu.Unlock()
	o.logger.Info("active tool switched", "tool", ad.Name())
	return ad, nil
}

// ApplyConfig applies a reloaded configuration mid-run. Only changes that
// cannot disturb live processes take effect: the delivery mode, the forward
// header, and tool definitions for tools that have no session yet. The
// default tool moves the active selection only while the user has not
// switched manually. Live sessions keep the settings they were spawned with
// until the next /reset.
func (o *Orchestrator) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	rebuilt, err := o.buildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("rebuild tool registry: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg

	updated := 0
	for _, name := range o.registry.Names() {
		if _, live := o.sessions[name]; live {
			continue
		}
		ad, ok := rebuilt.Get(name)
		if !ok {
			// Newly disabled. The registration stays so the name keeps
			// resolving; the disabled listing in /tools comes from config.
			continue
		}
		if err := o.registry.Replace(ad); err != nil {
			o.logger.Warn("config reload skipped tool", "tool", name, "error", err)
			continue
		}
		updated++
	}

	for _, name := range rebuilt.Names() {
		if _, known := o.registry.Get(name); known {
			continue
		}
		ad, _ := rebuilt.Get(name)
		if err := o.registry.Register(ad); err != nil {
			o.logger.Warn("config reload could not add tool", "tool", name, "error", err)
			continue
		}
		o.logger.Info("config reload added tool", "tool", name)
		updated++
	}

	if !o.switched {
		if ad, ok := o.registry.Get(cfg.DefaultTool); ok && ad.IsAvailable() && ad.Name() != o.active {
			o.active = ad.Name()
			o.logger.Info("active tool follows reloaded default", "tool", ad.Name())
		}
	}

	o.logger.Info("configuration reloaded", "tools_updated", updated)
	return nil
}

// Session returns the named tool's session, creating it on first use.
func (o *Orchestrator) Session(name string) (*session.Session, error) {
	ad, err := o.lookup(name)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess, ok := o.sessions[ad.Name()]; ok {
		return sess, nil
	}
	sess, err := session.New(session.Options{
		Adapter:        ad,
		Spawner:        o.spawner,
		Runner:         o.runner,
		Bus:            o.bus,
		Logger:         o.logger.With("tool", ad.Name()),
		Dir:            o.dir,
		Cols:           o.cols,
		Rows:           o.rows,
		TerminateGrace: o.cfg.TerminateGrace,
	})
	if err != nil {
		return nil, err
	}
	o.sessions[ad.Name()] = sess
	return sess, nil
}

// Send delivers a prompt to the named tool and returns its cleaned
// response. The configured mode decides the delivery path: persistent
// sessions reuse a live process, one-shot mode runs the tool to completion
// per prompt.
func (o *Orchestrator) Send(ctx context.Context, tool, prompt string) (string, error) {
	sess, err := o.Session(tool)
	if err != nil {
		return "", err
	}
	if o.config().Mode == config.ModeOneShot {
		return sess.SendOnce(ctx, prompt)
	}
	return sess.Send(ctx, prompt)
}

// SendActive delivers a prompt to the active tool. It returns the tool's
// name alongside the response so callers can attribute the output.
func (o *Orchestrator) SendActive(ctx context.Context, prompt string) (string, string, error) {
	tool := o.Active()
	response, err := o.Send(ctx, tool, prompt)
	return tool, response, err
}

// Forward delivers the active tool's latest response, or an explicit
// message, to another tool and waits for that tool's reply. With exactly
// one other tool registered the target may be omitted.
func (o *Orchestrator) Forward(ctx context.Context, target, message string) (ForwardResult, error) {
	res, full, err := o.prepareForward(ctx, target, message)
	if err != nil {
		return res, err
	}
	response, err := o.Send(ctx, res.Target, full)
	if err != nil {
		return res, err
	}
	res.Response = response
	return res, nil
}

// prepareForward resolves the target and composes the forwarded text, and
// publishes the forward event once both are known.
func (o *Orchestrator) prepareForward(ctx context.Context, target, message string) (ForwardResult, string, error) {
	source := o.Active()
	res := ForwardResult{Source: source}

	src, ok := o.registry.Get(source)
	if !ok {
		return res, "", fmt.Errorf("active tool %q is not registered", source)
	}
	resolved, err := o.resolveForwardTarget(source, target)
	if err != nil {
		return res, "", err
	}
	invariants.CheckForwardTargetDistinct(ctx, "orchestrator.prepareForward", source, resolved)
	res.Target = resolved

	if strings.TrimSpace(message) == "" {
		sess, err := o.Session(source)
		if err != nil {
			return res, "", err
		}
		message = sess.LastResponse()
		if strings.TrimSpace(message) == "" {
			return res, "", fmt.Errorf("nothing to forward: %s has not completed a response yet", src.DisplayName())
		}
	}

	full := o.forwardText(src.DisplayName(), message)
	res.Sent = full
	o.bus.Publish(events.Event{
		Type:     events.EventTypeForward,
		Tool:     resolved,
		Severity: events.SeverityInfo,
		Payload:  ForwardPayload{From: source, To: resolved, Bytes: len(full)},
	})
	o.logger.Info("forwarding response", "from", source, "to", resolved, "bytes", len(full))
	return res, full, nil
}

func (o *Orchestrator) resolveForwardTarget(source, requested string) (string, error) {
	if strings.TrimSpace(requested) != "" {
		ad, err := o.lookup(requested)
		if err != nil {
			return "", err
		}
		if ad.Name() == source {
			return "", fmt.Errorf("%s is the active tool; forwards go to another tool", ad.DisplayName())
		}
		return ad.Name(), nil
	}

	others := make([]string, 0, o.registry.Len())
	for _, name := range o.registry.Names() {
		if name != source {
			others = append(others, name)
		}
	}
	switch len(others) {
	case 0:
		return "", errors.New("no other tool to forward to")
	case 1:
		return others[0], nil
	default:
		return "", fmt.Errorf("several tools could receive this (%s); name one: /forward <tool> [message]",
			strings.Join(others, ", "))
	}
}

// forwardText prefixes the message with the configured attribution header.
func (o *Orchestrator) forwardText(sourceDisplay, message string) string {
	header := o.config().ForwardHeader
	if strings.Contains(header, "%s") {
		header = fmt.Sprintf(header, sourceDisplay)
	}
	if header == "" {
		return message
	}
	return header + "\n\n" + message
}

// ResetTool discards the named tool's conversation context. An empty name
// resets the active tool.
func (o *Orchestrator) ResetTool(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		name = o.Active()
	}
	sess, err := o.Session(name)
	if err != nil {
		return "", err
	}
	return sess.Adapter().DisplayName(), sess.Reset(ctx)
}

// ToolRows builds the status table: every registered tool with its phase
// and availability, then any config-disabled tools so the user can see why
// something is missing.
func (o *Orchestrator) ToolRows() []console.ToolRow {
	active := o.Active()
	rows := make([]console.ToolRow, 0, o.registry.Len())
	for _, ad := range o.registry.All() {
		phase := state.Unstarted
		o.mu.Lock()
		if sess, ok := o.sessions[ad.Name()]; ok {
			phase = sess.Phase()
		}
		o.mu.Unlock()
		rows = append(rows, console.ToolRow{
			Name:        ad.Name(),
			DisplayName: ad.DisplayName(),
			Phase:       phase,
			Available:   ad.IsAvailable(),
			Active:      ad.Name() == active,
		})
	}

	cfg := o.config()
	disabled := make([]string, 0, len(cfg.Tools))
	for name, tool := range cfg.Tools {
		if tool.Disabled {
			disabled = append(disabled, name)
		}
	}
	sort.Strings(disabled)
	for _, name := range disabled {
		rows = append(rows, console.ToolRow{
			Name:        name,
			DisplayName: displayName(name),
			Phase:       state.Unstarted,
			Disabled:    true,
		})
	}
	return rows
}

// History returns the most recent recorded exchanges, newest first.
func (o *Orchestrator) History(ctx context.Context, n int) ([]transcript.Entry, error) {
	if o.store == nil {
		return nil, errors.New("history is disabled")
	}
	return o.store.Recent(ctx, n)
}

// Shutdown terminates every session that was started. Each tool gets the
// configured grace period before a hard kill.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	sessions := make([]*session.Session, 0, len(o.sessions))
	for _, sess := range o.sessions {
		sessions = append(sessions, sess)
	}
	o.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.Terminate(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// lookup resolves a user-entered tool name to its adapter.
func (o *Orchestrator) lookup(name string) (adapter.Adapter, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	ad, ok := o.registry.Get(normalized)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q (registered: %s)",
			name, strings.Join(o.registry.Names(), ", "))
	}
	return ad, nil
}
