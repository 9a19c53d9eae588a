// Package session drives one interactive AI CLI tool behind a
// pseudo-terminal and detects where each of its responses ends.
//
// A Session owns at most one child process at a time. Its lifecycle walks
// unstarted -> starting -> awaiting_ready -> ready, then loops through
// ready -> sending -> awaiting_boundary -> ready once per request. Response
// boundaries are found by racing the tool's prompt pattern against an
// idle-silence timer over the live output stream; whichever signal lands
// first wins and the loser is cancelled.
//
// Sessions expect a single driving goroutine. The internal output pump is
// the only concurrent actor; the mutex exists to coordinate with it.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/duet-cli/duet/internal/adapter"
	"github.com/duet-cli/duet/internal/events"
	"github.com/duet-cli/duet/internal/oneshot"
	"github.com/duet-cli/duet/internal/ptyproc"
	"github.com/duet-cli/duet/internal/state"
	"github.com/duet-cli/duet/internal/telemetry/invariants"
)

// boundaryExit marks responses produced by a one-shot invocation running to
// completion rather than by stream detection.
const boundaryExit = "exit"

// Options configures a Session. Adapter is required; everything else has a
// workable default.
type Options struct {
	// Adapter describes the tool being driven.
	Adapter adapter.Adapter
	// Spawner launches the persistent child process. Defaults to a PTY
	// spawner with pipe fallback.
	Spawner ptyproc.Spawner
	// Runner executes one-shot invocations. Defaults to os/exec.
	Runner oneshot.Runner
	// Bus receives session events. Optional.
	Bus events.Bus
	// Logger defaults to the process-wide logger.
	Logger *log.Logger
	// Tracker defaults to a fresh lifecycle tracker for the tool.
	Tracker *state.Tracker
	// Dir is the child's working directory. Empty means the current one.
	Dir string
	// Cols and Rows set the initial terminal size. Zero means defaults.
	Cols uint16
	Rows uint16
	// TerminateGrace bounds the SIGTERM-to-SIGKILL window on shutdown.
	// Zero means the spawner default.
	TerminateGrace time.Duration
}

// Session is one tool's conversation surface: the persistent process, its
// accumulated output, and the request currently in flight, if any.
type Session struct {
	adapter adapter.Adapter
	spawner ptyproc.Spawner
	runner  oneshot.Runner
	bus     events.Bus
	logger  *log.Logger
	tracker *state.Tracker
	dir     string
	grace   time.Duration

	sleep func(time.Duration)
	now   func() time.Time

	mu           sync.Mutex
	cols, rows   uint16
	proc         ptyproc.Process
	pumpDone     chan struct{}
	buf          bytes.Buffer
	pending      *pendingRequest
	watch        *watcher
	attached     bool
	sink         io.Writer
	lastResponse string
	lastActivity time.Time
	lastExit     ptyproc.ExitState
	closed       bool
}

// pendingRequest is the single in-flight slot. Holding it is what makes a
// second send refusable instead of queued. Success never travels through
// result; only the exit handler uses it to reject a claimed request.
type pendingRequest struct {
	prompt   string
	started  time.Time
	sawBytes bool
	result   chan error
}

// RequestPayload travels with RequestSent events.
type RequestPayload struct {
	Prompt string
}

// BoundaryPayload travels with BoundaryDetected events.
type BoundaryPayload struct {
	Method   string
	Quiet    bool
	Bytes    int
	Duration time.Duration
	Response string
}

// SpawnPayload travels with ProcessSpawn events.
type SpawnPayload struct {
	PID         int
	Interactive bool
}

// ExitPayload travels with ProcessExit events.
type ExitPayload struct {
	Code int
}

// PhasePayload travels with PhaseTransition events.
type PhasePayload struct {
	From   state.Phase
	To     state.Phase
	Reason string
}

// New constructs a Session from options.
func New(opts Options) (*Session, error) {
	if opts.Adapter == nil {
		return nil, errors.New("adapter is required")
	}
	s := &Session{
		adapter: opts.Adapter,
		spawner: opts.Spawner,
		runner:  opts.Runner,
		bus:     opts.Bus,
		logger:  opts.Logger,
		tracker: opts.Tracker,
		dir:     opts.Dir,
		cols:    opts.Cols,
		rows:    opts.Rows,
		grace:   opts.TerminateGrace,
		sleep:   time.Sleep,
		now:     time.Now,
	}
	if s.spawner == nil {
		s.spawner = ptyproc.NewSpawner()
	}
	if s.runner == nil {
		s.runner = oneshot.NewExecRunner()
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	if s.tracker == nil {
		s.tracker = state.NewTracker(opts.Adapter.Name())
	}
	return s, nil
}

// Adapter returns the tool adapter this session drives.
func (s *Session) Adapter() adapter.Adapter {
	if s == nil {
		return nil
	}
	return s.adapter
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() state.Phase {
	if s == nil {
		return state.Terminated
	}
	return s.tracker.Phase()
}

// Live reports whether a child process is currently running.
func (s *Session) Live() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil
}

// PID returns the live child's process id, or zero.
func (s *Session) PID() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.PID()
}

// LastResponse returns the most recent cleaned response, if any.
func (s *Session) LastResponse() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResponse
}

// Attached reports whether live output is being mirrored to a sink.
func (s *Session) Attached() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// EnsureStarted spawns the tool process and waits until it is ready for
// input. It is a no-op when the session is already live.
func (s *Session) EnsureStarted(ctx context.Context) error {
	return s.ensure(ctx, false)
}

// EnsureInteractive is EnsureStarted with the adapter's interactive argv
// form, used when the session is being spawned to hand straight to the
// user's keyboard. An already-live session is left as it is.
func (s *Session) EnsureInteractive(ctx context.Context) error {
	return s.ensure(ctx, true)
}

func (s *Session) ensure(ctx context.Context, interactive bool) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	closed := s.closed
	live := s.proc != nil
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("%s: %w", s.adapter.DisplayName(), ErrSessionClosed)
	}
	if live {
		return nil
	}
	if !s.tracker.In(state.Unstarted) {
		return fmt.Errorf("cannot start %s session from phase %q", s.adapter.Name(), s.tracker.Phase())
	}
	return s.start(ctx, interactive)
}

func (s *Session) start(ctx context.Context, interactive bool) error {
	if err := s.transition(ctx, state.Starting, "spawn requested"); err != nil {
		return err
	}

	continuation := s.adapter.Continuation()
	var argv []string
	if interactive {
		argv = s.adapter.BuildInteractiveCommand(continuation)
	} else {
		argv = append([]string{s.adapter.Command()}, s.adapter.BuildPersistentArgs(continuation)...)
	}
	proc, err := s.spawner.Spawn(ctx, argv, ptyproc.SpawnOptions{
		Dir:  s.dir,
		Cols: s.cols,
		Rows: s.rows,
	})
	if err != nil {
		s.transition(ctx, state.Terminated, "spawn failed")
		s.transition(ctx, state.Unstarted, "armed for restart")
		return &ToolError{Tool: s.adapter.DisplayName(), Kind: FailureSpawn, Err: err}
	}

	w := newWatcher(s.adapter.PromptPattern(), s.adapter.IdleTimeout())
	pumpDone := make(chan struct{})
	s.mu.Lock()
	s.proc = proc
	s.pumpDone = pumpDone
	s.buf.Reset()
	s.watch = w
	s.lastActivity = s.now()
	s.mu.Unlock()

	go func() {
		defer close(pumpDone)
		s.pump(proc)
	}()

	s.transition(ctx, state.AwaitingReady, "process spawned")
	s.publish(events.EventTypeProcessSpawn, events.SeverityInfo, SpawnPayload{
		PID:         proc.PID(),
		Interactive: interactive,
	})
	s.logger.Info("tool process started",
		"tool", s.adapter.Name(),
		"pid", proc.PID(),
		"tty", proc.IsTTY(),
		"continuation", continuation)

	return s.awaitReady(ctx, proc, w)
}

// awaitReady implements the dual-signal readiness gate: the tool always gets
// its startup delay, then either a drawn prompt or a stretch of silence
// counts as proof it will accept input.
func (s *Session) awaitReady(ctx context.Context, proc ptyproc.Process, w *watcher) error {
	s.sleep(s.adapter.StartupDelay())

	s.mu.Lock()
	if s.watch != w {
		// The process died during the delay and the exit handler already
		// re-armed the session.
		exit := s.lastExit
		s.mu.Unlock()
		return &ToolError{Tool: s.adapter.DisplayName(), Kind: FailureExit, ExitCode: exit.Code, Err: exit.Err}
	}
	if w.patternSeen {
		s.dropWatchLocked(w)
		s.mu.Unlock()
		return s.markReady(ctx, boundaryPattern)
	}
	remaining := s.adapter.IdleTimeout() - s.now().Sub(s.lastActivity)
	if remaining <= 0 {
		s.dropWatchLocked(w)
		s.mu.Unlock()
		return s.markReady(ctx, boundaryIdle)
	}
	s.armIdleLocked(w, remaining)
	s.mu.Unlock()

	select {
	case method := <-w.fire:
		s.mu.Lock()
		s.dropWatchLocked(w)
		s.mu.Unlock()
		return s.markReady(ctx, method)
	case <-proc.Done():
		exit := proc.Exit()
		return &ToolError{Tool: s.adapter.DisplayName(), Kind: FailureExit, ExitCode: exit.Code, Err: exit.Err}
	case <-ctx.Done():
		s.mu.Lock()
		s.dropWatchLocked(w)
		s.mu.Unlock()
		_ = proc.Terminate(s.grace)
		return ctx.Err()
	}
}

func (s *Session) markReady(ctx context.Context, signal string) error {
	if err := s.transition(ctx, state.Ready, "startup "+signal); err != nil {
		if s.tracker.In(state.Unstarted, state.Terminated) {
			s.mu.Lock()
			exit := s.lastExit
			s.mu.Unlock()
			return &ToolError{Tool: s.adapter.DisplayName(), Kind: FailureExit, ExitCode: exit.Code, Err: exit.Err}
		}
		return err
	}
	s.logger.Debug("tool ready", "tool", s.adapter.Name(), "signal", signal)
	return nil
}

// Send submits one prompt to the persistent session and blocks until the
// response boundary resolves. At most one request may be in flight; a send
// attempted while another is pending is refused, never queued.
func (s *Session) Send(ctx context.Context, prompt string) (string, error) {
	if s == nil {
		return "", errors.New("session is nil")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p := &pendingRequest{prompt: prompt, result: make(chan error, 1)}
	s.mu.Lock()
	if s.pending != nil {
		s.mu.Unlock()
		return "", &ToolError{Tool: s.adapter.DisplayName(), Kind: FailureBusy, Err: ErrRequestPending}
	}
	s.pending = p
	s.mu.Unlock()

	text, err := s.send(ctx, p)

	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	} else if s.pending != nil {
		// A different request took the slot while ours was live.
		invariants.CheckSinglePendingRequest(ctx, "session.Send", s.adapter.Name(), 2)
	}
	s.mu.Unlock()
	return text, err
}

func (s *Session) send(ctx context.Context, p *pendingRequest) (string, error) {
	if err := s.EnsureStarted(ctx); err != nil {
		return "", err
	}
	if err := s.transition(ctx, state.Sending, "request accepted"); err != nil {
		if s.tracker.In(state.Unstarted, state.Terminated) {
			// The process exited underneath us; the exit handler rejects
			// the claimed request.
			return "", <-p.result
		}
		return "", err
	}

	p.started = s.now()
	s.mu.Lock()
	proc := s.proc
	s.buf.Reset()
	s.mu.Unlock()
	if proc == nil {
		s.mu.Lock()
		exit := s.lastExit
		s.mu.Unlock()
		return "", &ToolError{Tool: s.adapter.DisplayName(), Kind: FailureExit, ExitCode: exit.Code, Err: exit.Err}
	}

	if _, err := proc.Write(ptyproc.PasteInput(p.prompt)); err != nil {
		s.logger.Error("prompt write failed", "tool", s.adapter.Name(), "err", err)
		_ = proc.Kill()
		return "", &ToolError{Tool: s.adapter.DisplayName(), Kind: FailureBrokenPipe, Err: err}
	}
	s.publish(events.EventTypeRequestSent, events.SeverityInfo, RequestPayload{Prompt: p.prompt})

	if err := s.transition(ctx, state.AwaitingBoundary, "prompt written"); err != nil {
		// Only a process exit moves the phase underneath a send, and the
		// exit handler always rejects the claimed request.
		return "", <-p.result
	}

	w := newWatcher(s.adapter.PromptPattern(), s.adapter.IdleTimeout())
	s.mu.Lock()
	if s.pending == p {
		s.watch = w
		s.armIdleLocked(w, w.idle)
	}
	s.mu.Unlock()

	select {
	case method := <-w.fire:
		return s.resolve(ctx, w, p, method)
	case err := <-p.result:
		return "", err
	case <-ctx.Done():
		s.abandon(w, p)
		return "", ctx.Err()
	}
}

// resolve turns the winning detection signal into a cleaned response.
func (s *Session) resolve(ctx context.Context, w *watcher, p *pendingRequest, method string) (string, error) {
	s.mu.Lock()
	if s.pending != p {
		s.mu.Unlock()
		return "", <-p.result
	}
	s.pending = nil
	s.dropWatchLocked(w)
	raw := append([]byte(nil), s.buf.Bytes()...)
	s.mu.Unlock()

	text := s.adapter.CleanResponse(raw)
	quiet := method == boundaryIdle && len(raw) == 0

	if err := s.transition(ctx, state.Ready, "boundary "+method); err != nil {
		if s.tracker.In(state.Unstarted, state.Terminated) {
			s.mu.Lock()
			exit := s.lastExit
			s.mu.Unlock()
			return "", &ToolError{Tool: s.adapter.DisplayName(), Kind: FailureExit, ExitCode: exit.Code, Err: exit.Err}
		}
		return "", err
	}

	s.adapter.SetContinuation(true)
	s.mu.Lock()
	s.lastResponse = text
	s.mu.Unlock()

	duration := s.now().Sub(p.started)
	severity := events.SeverityInfo
	if quiet {
		severity = events.SeverityWarn
		s.logger.Warn("idle window elapsed with no output", "tool", s.adapter.Name())
	}
	s.publish(events.EventTypeBoundaryDetected, severity, BoundaryPayload{
		Method:   method,
		Quiet:    quiet,
		Bytes:    len(raw),
		Duration: duration,
		Response: text,
	})
	s.logger.Debug("response boundary",
		"tool", s.adapter.Name(),
		"method", method,
		"bytes", len(raw),
		"duration", duration)
	return text, nil
}

// abandon releases a request whose caller gave up waiting. The tool may
// still be streaming; later bytes stay buffered until the next send.
func (s *Session) abandon(w *watcher, p *pendingRequest) {
	s.mu.Lock()
	if s.pending != p {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.dropWatchLocked(w)
	s.mu.Unlock()
	if s.tracker.In(state.AwaitingBoundary) {
		s.transition(context.Background(), state.Ready, "request abandoned")
	}
}

// SendOnce runs the tool's non-interactive form to completion and returns
// the cleaned response. It shares the single-request slot with Send.
func (s *Session) SendOnce(ctx context.Context, prompt string) (string, error) {
	if s == nil {
		return "", errors.New("session is nil")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("prompt is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p := &pendingRequest{prompt: prompt, result: make(chan error, 1)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("%s: %w", s.adapter.DisplayName(), ErrSessionClosed)
	}
	if s.pending != nil {
		s.mu.Unlock()
		return "", &ToolError{Tool: s.adapter.DisplayName(), Kind: FailureBusy, Err: ErrRequestPending}
	}
	s.pending = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		} else if s.pending != nil {
			invariants.CheckSinglePendingRequest(ctx, "session.SendOnce", s.adapter.Name(), 2)
		}
		s.mu.Unlock()
	}()

	argv := s.adapter.BuildCommand(prompt, s.adapter.Continuation())
	started := s.now()
	s.publish(events.EventTypeRequestSent, events.SeverityInfo, RequestPayload{Prompt: prompt})

	result, err := s.runner.Run(ctx, argv, s.dir)
	if err != nil {
		return "", &ToolError{Tool: s.adapter.DisplayName(), Kind: FailureSpawn, Err: err}
	}
	if result.ExitCode != 0 {
		output := trimOutput(result.Stderr)
		if output == "" {
			output = trimOutput(result.Stdout)
		}
		return "", &ToolError{
			Tool:     s.adapter.DisplayName(),
			Kind:     FailureExit,
			ExitCode: result.ExitCode,
			Output:   output,
		}
	}

	text := s.adapter.CleanResponse([]byte(result.Stdout))
	s.adapter.SetContinuation(true)
	s.mu.Lock()
	s.lastResponse = text
	s.mu.Unlock()
	s.publish(events.EventTypeBoundaryDetected, events.SeverityInfo, BoundaryPayload{
		Method:   boundaryExit,
		Bytes:    len(result.Stdout),
		Duration: s.now().Sub(started),
		Response: text,
	})
	return text, nil
}

// Attach mirrors live output to sink until Detach. Buffering continues
// regardless, so a detached stretch loses nothing.
func (s *Session) Attach(sink io.Writer) error {
	if s == nil {
		return errors.New("session is nil")
	}
	if sink == nil {
		return errors.New("sink is required")
	}
	s.mu.Lock()
	s.attached = true
	s.sink = sink
	s.mu.Unlock()
	s.publish(events.EventTypeAttach, events.SeverityInfo, nil)
	return nil
}

// Detach stops mirroring output. Safe to call when not attached.
func (s *Session) Detach() {
	if s == nil {
		return
	}
	s.mu.Lock()
	wasAttached := s.attached
	s.attached = false
	s.sink = nil
	s.mu.Unlock()
	if wasAttached {
		s.publish(events.EventTypeDetach, events.SeverityInfo, nil)
	}
}

// WriteRaw forwards raw keystrokes to the child, bypassing request
// bookkeeping. Used while the user is attached interactively.
func (s *Session) WriteRaw(p []byte) (int, error) {
	if s == nil {
		return 0, errors.New("session is nil")
	}
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return 0, fmt.Errorf("%s: %w", s.adapter.DisplayName(), ptyproc.ErrProcessExited)
	}
	return proc.Write(p)
}

// Resize propagates terminal dimensions to the child and remembers them for
// the next spawn.
func (s *Session) Resize(cols, rows uint16) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Resize(cols, rows)
}

// Terminate shuts the session down for good. The exit handling rejects any
// in-flight request, and later operations fail with ErrSessionClosed.
func (s *Session) Terminate(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.closed = true
	proc := s.proc
	pumpDone := s.pumpDone
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Terminate(s.grace); err != nil {
			s.logger.Warn("graceful stop failed, killing", "tool", s.adapter.Name(), "err", err)
			_ = proc.Kill()
		}
		<-pumpDone
	}
	if s.tracker.Phase() != state.Terminated {
		s.transition(ctx, state.Terminated, "terminate requested")
	}
	return nil
}

// Reset discards conversation context: it stops any live process, clears
// the continuation flag, and leaves the session ready for a fresh start.
func (s *Session) Reset(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", s.adapter.DisplayName(), ErrSessionClosed)
	}
	proc := s.proc
	pumpDone := s.pumpDone
	s.mu.Unlock()

	if proc != nil {
		if err := proc.Terminate(s.grace); err != nil {
			_ = proc.Kill()
		}
		<-pumpDone
	}

	s.adapter.SetContinuation(false)
	s.mu.Lock()
	s.lastResponse = ""
	s.buf.Reset()
	s.mu.Unlock()
	s.logger.Info("session reset", "tool", s.adapter.Name())
	return nil
}

// transition advances the lifecycle tracker and mirrors the change onto the
// event bus.
func (s *Session) transition(ctx context.Context, to state.Phase, reason string) error {
	from := s.tracker.Phase()
	if err := s.tracker.Transition(ctx, to, reason); err != nil {
		s.logger.Warn("lifecycle transition refused",
			"tool", s.adapter.Name(),
			"from", from,
			"to", to,
			"err", err)
		return err
	}
	s.publish(events.EventTypePhaseTransition, events.SeverityInfo, PhasePayload{From: from, To: to, Reason: reason})
	return nil
}

func (s *Session) publish(eventType string, severity string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      eventType,
		Timestamp: s.now(),
		Tool:      s.adapter.Name(),
		Payload:   payload,
		Severity:  severity,
	})
}
