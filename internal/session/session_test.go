package session

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/duet-cli/duet/internal/adapter"
	"github.com/duet-cli/duet/internal/events"
	"github.com/duet-cli/duet/internal/extract"
	"github.com/duet-cli/duet/internal/oneshot"
	"github.com/duet-cli/duet/internal/ptyproc"
	"github.com/duet-cli/duet/internal/state"
)

// stubAdapter is a minimal tool profile with scripted availability and a
// plain "> " prompt.
type stubAdapter struct {
	adapter.Profile
	adapter.ContinuationFlag
}

func (a *stubAdapter) BuildCommand(prompt string, continuation bool) []string {
	argv := []string{a.Command(), "exec"}
	if continuation {
		argv = append(argv, "--continue")
	}
	return append(argv, prompt)
}

func (a *stubAdapter) BuildInteractiveCommand(continuation bool) []string {
	argv := []string{a.Command(), "--tui"}
	if continuation {
		argv = append(argv, "--continue")
	}
	return argv
}

func (a *stubAdapter) BuildPersistentArgs(continuation bool) []string {
	if continuation {
		return []string{"--continue"}
	}
	return nil
}

var _ adapter.Adapter = (*stubAdapter)(nil)

func newStubAdapter(idle time.Duration, pattern string) *stubAdapter {
	return &stubAdapter{
		Profile: adapter.NewProfile(adapter.ProfileOptions{
			Name:          "stub",
			DisplayName:   "Stub",
			Command:       "stub-bin",
			PromptPattern: regexp.MustCompile(pattern),
			IdleTimeout:   idle,
			StartupDelay:  7 * time.Millisecond,
			Extract: extract.Rules{
				ChromePatterns: []*regexp.Regexp{regexp.MustCompile(`^\s*>\s*$`)},
			},
			LookPath: func(string) (string, error) { return "/usr/bin/stub-bin", nil },
		}),
	}
}

// scriptedProcess is a Process whose output the test feeds by hand.
type scriptedProcess struct {
	mu         sync.Mutex
	writes     bytes.Buffer
	writeErr   error
	finished   bool
	killed     bool
	terminated bool
	exit       ptyproc.ExitState
	cols, rows uint16

	out   chan []byte
	done  chan struct{}
	wrote chan []byte
}

func newScriptedProcess() *scriptedProcess {
	return &scriptedProcess{
		out:   make(chan []byte, 64),
		done:  make(chan struct{}),
		wrote: make(chan []byte, 16),
	}
}

func (p *scriptedProcess) emit(s string) {
	p.out <- []byte(s)
}

func (p *scriptedProcess) finish(code int) {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return
	}
	p.finished = true
	p.exit = ptyproc.ExitState{Code: code}
	p.mu.Unlock()
	close(p.out)
	close(p.done)
}

func (p *scriptedProcess) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes.String()
}

func (p *scriptedProcess) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	p.writes.Write(b)
	p.mu.Unlock()
	select {
	case p.wrote <- append([]byte(nil), b...):
	default:
	}
	return len(b), nil
}

func (p *scriptedProcess) Output() <-chan []byte { return p.out }

func (p *scriptedProcess) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

func (p *scriptedProcess) Terminate(time.Duration) error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.finish(-1)
	<-p.done
	return nil
}

func (p *scriptedProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.finish(-1)
	return nil
}

func (p *scriptedProcess) Done() <-chan struct{} { return p.done }

func (p *scriptedProcess) Exit() ptyproc.ExitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *scriptedProcess) PID() int { return 4242 }

func (p *scriptedProcess) IsTTY() bool { return true }

var _ ptyproc.Process = (*scriptedProcess)(nil)

// scriptedSpawner hands out queued processes and records every spawn.
type scriptedSpawner struct {
	mu    sync.Mutex
	queue []*scriptedProcess
	argvs [][]string
	opts  []ptyproc.SpawnOptions
	err   error
}

func (sp *scriptedSpawner) Spawn(_ context.Context, argv []string, opts ptyproc.SpawnOptions) (ptyproc.Process, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.argvs = append(sp.argvs, append([]string(nil), argv...))
	sp.opts = append(sp.opts, opts)
	if sp.err != nil {
		return nil, sp.err
	}
	if len(sp.queue) == 0 {
		return nil, errors.New("no scripted process queued")
	}
	proc := sp.queue[0]
	sp.queue = sp.queue[1:]
	return proc, nil
}

func (sp *scriptedSpawner) spawnedArgv(i int) []string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if i >= len(sp.argvs) {
		return nil
	}
	return sp.argvs[i]
}

var _ ptyproc.Spawner = (*scriptedSpawner)(nil)

// fakeRunner records one-shot invocations and returns a scripted result.
type fakeRunner struct {
	mu     sync.Mutex
	argvs  [][]string
	result oneshot.Result
	err    error
}

func (r *fakeRunner) Run(_ context.Context, argv []string, _ string) (oneshot.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.argvs = append(r.argvs, append([]string(nil), argv...))
	return r.result, r.err
}

var _ oneshot.Runner = (*fakeRunner)(nil)

// syncBuffer is a goroutine-safe attach sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	session *Session
	spawner *scriptedSpawner
	adapter *stubAdapter
	runner  *fakeRunner
	bus     *events.InMemoryBus
}

func newFixture(t *testing.T, idle time.Duration, procs ...*scriptedProcess) *fixture {
	t.Helper()
	ad := newStubAdapter(idle, `^\s*>\s*$`)
	spawner := &scriptedSpawner{queue: procs}
	runner := &fakeRunner{}
	bus := events.New()
	s, err := New(Options{
		Adapter: ad,
		Spawner: spawner,
		Runner:  runner,
		Bus:     bus,
	})
	if err != nil {
		t.Fatalf("New() error = %v, want nil", err)
	}
	s.sleep = func(time.Duration) {}
	return &fixture{session: s, spawner: spawner, adapter: ad, runner: runner, bus: bus}
}

func waitEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func waitPhase(t *testing.T, s *Session, want state.Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Phase() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("phase = %q, want %q", s.Phase(), want)
}

func waitWrite(t *testing.T, proc *scriptedProcess) {
	t.Helper()
	select {
	case <-proc.wrote:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a prompt write")
	}
}

func TestSendResolvesOnPromptPatternBeforeIdle(t *testing.T) {
	t.Parallel()

	const idle = 150 * time.Millisecond
	proc := newScriptedProcess()
	f := newFixture(t, idle, proc)

	boundaries := make(chan events.Event, 4)
	f.bus.Subscribe(events.EventTypeBoundaryDetected, func(e events.Event) { boundaries <- e })

	go func() {
		proc.emit("welcome\n> \n")
		<-proc.wrote
		proc.emit("The capital is Paris.\n")
		proc.emit("> \n")
	}()

	started := time.Now()
	text, err := f.session.Send(context.Background(), "capital of France?")
	elapsed := time.Since(started)
	if err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	if text != "The capital is Paris." {
		t.Fatalf("Send() = %q, want %q", text, "The capital is Paris.")
	}
	if elapsed >= idle {
		t.Fatalf("Send() took %v, want under the %v idle window", elapsed, idle)
	}
	if !strings.Contains(proc.written(), "capital of France?\r") {
		t.Fatalf("written = %q, want the prompt followed by a carriage return", proc.written())
	}
	if !f.adapter.Continuation() {
		t.Fatal("Continuation() = false after a successful send, want true")
	}

	event := waitEvent(t, boundaries)
	payload, ok := event.Payload.(BoundaryPayload)
	if !ok {
		t.Fatalf("payload type = %T, want BoundaryPayload", event.Payload)
	}
	if payload.Method != boundaryPattern {
		t.Fatalf("Method = %q, want %q", payload.Method, boundaryPattern)
	}

	// The idle timer lost the race and must stay cancelled.
	time.Sleep(idle + 50*time.Millisecond)
	select {
	case e := <-boundaries:
		t.Fatalf("unexpected second boundary event: %+v", e)
	default:
	}
}

func TestSendFallsBackToIdleSilence(t *testing.T) {
	t.Parallel()

	const idle = 60 * time.Millisecond
	proc := newScriptedProcess()
	f := newFixture(t, idle, proc)

	boundaries := make(chan events.Event, 4)
	f.bus.Subscribe(events.EventTypeBoundaryDetected, func(e events.Event) { boundaries <- e })

	go func() {
		proc.emit("booting without any prompt frame\n")
		<-proc.wrote
		proc.emit("chunk one\n")
		proc.emit("chunk two, then silence\n")
	}()

	text, err := f.session.Send(context.Background(), "stream something")
	if err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	if !strings.Contains(text, "chunk one") || !strings.Contains(text, "chunk two, then silence") {
		t.Fatalf("Send() = %q, want both chunks present", text)
	}

	payload := waitEvent(t, boundaries).Payload.(BoundaryPayload)
	if payload.Method != boundaryIdle {
		t.Fatalf("Method = %q, want %q", payload.Method, boundaryIdle)
	}
	if payload.Quiet {
		t.Fatal("Quiet = true for a response with output, want false")
	}
}

func TestSendCompletesQuietlyWhenToolStaysSilent(t *testing.T) {
	t.Parallel()

	const idle = 50 * time.Millisecond
	proc := newScriptedProcess()
	f := newFixture(t, idle, proc)

	boundaries := make(chan events.Event, 4)
	f.bus.Subscribe(events.EventTypeBoundaryDetected, func(e events.Event) { boundaries <- e })

	go func() {
		proc.emit("> \n")
	}()

	text, err := f.session.Send(context.Background(), "anyone home?")
	if err != nil {
		t.Fatalf("Send() error = %v, want best-effort completion", err)
	}
	if text != "" {
		t.Fatalf("Send() = %q, want empty", text)
	}

	event := waitEvent(t, boundaries)
	payload := event.Payload.(BoundaryPayload)
	if !payload.Quiet {
		t.Fatal("Quiet = false, want true when no bytes arrived after the send")
	}
	if event.Severity != events.SeverityWarn {
		t.Fatalf("Severity = %q, want %q", event.Severity, events.SeverityWarn)
	}
}

func TestSecondSendRejectedWhileFirstInFlight(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	f := newFixture(t, 300*time.Millisecond, proc)

	go proc.emit("> \n")

	type sendOutcome struct {
		text string
		err  error
	}
	first := make(chan sendOutcome, 1)
	go func() {
		text, err := f.session.Send(context.Background(), "slow question")
		first <- sendOutcome{text, err}
	}()

	waitWrite(t, proc)

	_, err := f.session.Send(context.Background(), "impatient question")
	if err == nil {
		t.Fatal("second Send() error = nil, want refusal")
	}
	if !errors.Is(err, ErrRequestPending) {
		t.Fatalf("second Send() error = %v, want ErrRequestPending", err)
	}
	var toolErr *ToolError
	if !errors.As(err, &toolErr) || toolErr.Kind != FailureBusy {
		t.Fatalf("second Send() error = %v, want a busy ToolError", err)
	}

	proc.emit("the slow answer\n")
	proc.emit("> \n")
	outcome := <-first
	if outcome.err != nil {
		t.Fatalf("first Send() error = %v, want nil", outcome.err)
	}
	if outcome.text != "the slow answer" {
		t.Fatalf("first Send() = %q, want %q", outcome.text, "the slow answer")
	}
}

func TestDetachedBytesStillReachTheResponse(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	f := newFixture(t, 80*time.Millisecond, proc)

	sink := &syncBuffer{}
	if err := f.session.Attach(sink); err != nil {
		t.Fatalf("Attach() error = %v, want nil", err)
	}

	go proc.emit("> \n")

	done := make(chan struct{})
	var text string
	var sendErr error
	go func() {
		defer close(done)
		text, sendErr = f.session.Send(context.Background(), "long answer please")
	}()

	waitWrite(t, proc)
	proc.emit("part one\n")

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(sink.String(), "part one") {
		if time.Now().After(deadline) {
			t.Fatalf("sink = %q, want it to contain %q", sink.String(), "part one")
		}
		time.Sleep(2 * time.Millisecond)
	}

	f.session.Detach()
	proc.emit("part two\n")
	proc.emit("> \n")

	<-done
	if sendErr != nil {
		t.Fatalf("Send() error = %v, want nil", sendErr)
	}
	if !strings.Contains(text, "part one") || !strings.Contains(text, "part two") {
		t.Fatalf("Send() = %q, want both parts despite the detach", text)
	}
	if strings.Contains(sink.String(), "part two") {
		t.Fatalf("sink = %q, detached sink must not receive later bytes", sink.String())
	}
}

func TestEnsureStartedReadyOnPromptPattern(t *testing.T) {
	t.Parallel()

	const idle = 200 * time.Millisecond
	proc := newScriptedProcess()
	f := newFixture(t, idle, proc)

	go proc.emit("tool v1.2.3\n> \n")

	started := time.Now()
	if err := f.session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted() error = %v, want nil", err)
	}
	if elapsed := time.Since(started); elapsed >= idle {
		t.Fatalf("EnsureStarted() took %v, want under the %v idle window", elapsed, idle)
	}
	if got := f.session.Phase(); got != state.Ready {
		t.Fatalf("Phase() = %q, want %q", got, state.Ready)
	}
	if !f.session.Live() {
		t.Fatal("Live() = false after start, want true")
	}
}

func TestEnsureStartedReadyOnSilence(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	f := newFixture(t, 40*time.Millisecond, proc)

	go proc.emit("banner with no prompt frame\n")

	if err := f.session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted() error = %v, want nil", err)
	}
	if got := f.session.Phase(); got != state.Ready {
		t.Fatalf("Phase() = %q, want %q", got, state.Ready)
	}
}

func TestEnsureStartedAppliesStartupDelay(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	f := newFixture(t, 40*time.Millisecond, proc)

	var slept time.Duration
	f.session.sleep = func(d time.Duration) { slept = d }

	go proc.emit("> \n")

	if err := f.session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted() error = %v, want nil", err)
	}
	if slept != 7*time.Millisecond {
		t.Fatalf("startup delay = %v, want %v", slept, 7*time.Millisecond)
	}
}

func TestEnsureInteractiveSpawnsInteractiveArgv(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	f := newFixture(t, 40*time.Millisecond, proc)

	go proc.emit("> \n")

	if err := f.session.EnsureInteractive(context.Background()); err != nil {
		t.Fatalf("EnsureInteractive() error = %v, want nil", err)
	}
	argv := f.spawner.spawnedArgv(0)
	if len(argv) != 2 || argv[0] != "stub-bin" || argv[1] != "--tui" {
		t.Fatalf("argv = %v, want [stub-bin --tui]", argv)
	}
	if got := f.session.Phase(); got != state.Ready {
		t.Fatalf("Phase() = %q, want %q", got, state.Ready)
	}
}

func TestEnsureStartedSpawnFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 40*time.Millisecond)
	f.spawner.err = errors.New("exec: \"stub-bin\": executable file not found in $PATH")

	err := f.session.EnsureStarted(context.Background())
	if err == nil {
		t.Fatal("EnsureStarted() error = nil, want spawn failure")
	}
	var toolErr *ToolError
	if !errors.As(err, &toolErr) || toolErr.Kind != FailureSpawn {
		t.Fatalf("error = %v, want a spawn ToolError", err)
	}
	if got := f.session.Phase(); got != state.Unstarted {
		t.Fatalf("Phase() = %q, want %q for retry", got, state.Unstarted)
	}
}

func TestProcessExitDuringRequestRejectsAndRearms(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	retry := newScriptedProcess()
	f := newFixture(t, 300*time.Millisecond, proc, retry)

	go func() {
		proc.emit("> \n")
		<-proc.wrote
		proc.emit("fatal: credentials rejected\n")
		proc.finish(1)
	}()

	_, err := f.session.Send(context.Background(), "do work")
	if err == nil {
		t.Fatal("Send() error = nil, want exit rejection")
	}
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("error = %v, want a ToolError", err)
	}
	if toolErr.Kind != FailureExit || toolErr.ExitCode != 1 {
		t.Fatalf("error = %+v, want exit kind with code 1", toolErr)
	}
	if !strings.Contains(err.Error(), "Stub") {
		t.Fatalf("error %q must name the tool", err.Error())
	}
	if !strings.Contains(err.Error(), "credentials rejected") {
		t.Fatalf("error %q must carry the tool's final output", err.Error())
	}
	if got := f.session.Phase(); got != state.Unstarted {
		t.Fatalf("Phase() = %q, want %q for retry", got, state.Unstarted)
	}

	// The very next send restarts from scratch.
	go func() {
		retry.emit("> \n")
		<-retry.wrote
		retry.emit("recovered\n")
		retry.emit("> \n")
	}()

	text, err := f.session.Send(context.Background(), "try again")
	if err != nil {
		t.Fatalf("retry Send() error = %v, want nil", err)
	}
	if text != "recovered" {
		t.Fatalf("retry Send() = %q, want %q", text, "recovered")
	}
	if got := f.spawner.spawnedArgv(1); len(got) != 1 || got[0] != "stub-bin" {
		t.Fatalf("retry argv = %v, want plain start without a continuation flag", got)
	}
}

func TestWriteFailureReportsBrokenPipe(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	f := newFixture(t, 60*time.Millisecond, proc)

	go proc.emit("> \n")
	if err := f.session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted() error = %v, want nil", err)
	}

	proc.mu.Lock()
	proc.writeErr = errors.New("write to stub: " + ptyproc.ErrProcessExited.Error())
	proc.mu.Unlock()

	_, err := f.session.Send(context.Background(), "into the void")
	if err == nil {
		t.Fatal("Send() error = nil, want broken pipe")
	}
	var toolErr *ToolError
	if !errors.As(err, &toolErr) || toolErr.Kind != FailureBrokenPipe {
		t.Fatalf("error = %v, want a broken pipe ToolError", err)
	}

	// The failed write kills the child and the session re-arms.
	waitPhase(t, f.session, state.Unstarted)
}

func TestContinuationFlagReachesRestartArgs(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	restarted := newScriptedProcess()
	f := newFixture(t, 80*time.Millisecond, proc, restarted)

	go func() {
		proc.emit("> \n")
		<-proc.wrote
		proc.emit("first answer\n")
		proc.emit("> \n")
	}()
	if _, err := f.session.Send(context.Background(), "first"); err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}

	proc.finish(0)
	waitPhase(t, f.session, state.Unstarted)

	go restarted.emit("> \n")
	if err := f.session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted() error = %v, want nil", err)
	}
	want := []string{"stub-bin", "--continue"}
	got := f.spawner.spawnedArgv(1)
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("restart argv = %v, want %v", got, want)
	}
}

func TestTerminateClosesSessionForGood(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	f := newFixture(t, 60*time.Millisecond, proc)

	go proc.emit("> \n")
	if err := f.session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted() error = %v, want nil", err)
	}

	if err := f.session.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate() error = %v, want nil", err)
	}
	if got := f.session.Phase(); got != state.Terminated {
		t.Fatalf("Phase() = %q, want %q", got, state.Terminated)
	}
	proc.mu.Lock()
	terminated := proc.terminated
	proc.mu.Unlock()
	if !terminated {
		t.Fatal("child was not asked to terminate")
	}

	_, err := f.session.Send(context.Background(), "anything")
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Send() after Terminate error = %v, want ErrSessionClosed", err)
	}
}

func TestResetDropsConversationContext(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	fresh := newScriptedProcess()
	f := newFixture(t, 80*time.Millisecond, proc, fresh)

	go func() {
		proc.emit("> \n")
		<-proc.wrote
		proc.emit("remembered answer\n")
		proc.emit("> \n")
	}()
	if _, err := f.session.Send(context.Background(), "remember this"); err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	if !f.adapter.Continuation() {
		t.Fatal("Continuation() = false after send, want true")
	}

	if err := f.session.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v, want nil", err)
	}
	if f.adapter.Continuation() {
		t.Fatal("Continuation() = true after reset, want false")
	}
	if got := f.session.LastResponse(); got != "" {
		t.Fatalf("LastResponse() = %q after reset, want empty", got)
	}
	waitPhase(t, f.session, state.Unstarted)

	go fresh.emit("> \n")
	if err := f.session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted() after reset error = %v, want nil", err)
	}
	if got := f.spawner.spawnedArgv(1); len(got) != 1 || got[0] != "stub-bin" {
		t.Fatalf("post-reset argv = %v, want a fresh start", got)
	}
}

func TestSendOnceSurfacesExitCodeAndStderr(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 60*time.Millisecond)
	f.runner.result = oneshot.Result{
		ExitCode: 1,
		Stderr:   "auth error: token expired\n",
	}

	_, err := f.session.SendOnce(context.Background(), "who am I")
	if err == nil {
		t.Fatal("SendOnce() error = nil, want exit failure")
	}
	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("error = %v, want a ToolError", err)
	}
	if toolErr.ExitCode != 1 {
		t.Fatalf("ExitCode = %d, want 1", toolErr.ExitCode)
	}
	if !strings.Contains(err.Error(), "Stub") || !strings.Contains(err.Error(), "auth error") {
		t.Fatalf("error %q must name the tool and carry its stderr", err.Error())
	}
	if f.adapter.Continuation() {
		t.Fatal("Continuation() = true after a failed one-shot, want false")
	}
}

func TestSendOnceCleansOutputAndAdvancesContinuation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 60*time.Millisecond)
	f.runner.result = oneshot.Result{Stdout: "A concise answer.\n> \n"}

	text, err := f.session.SendOnce(context.Background(), "ask once")
	if err != nil {
		t.Fatalf("SendOnce() error = %v, want nil", err)
	}
	if text != "A concise answer." {
		t.Fatalf("SendOnce() = %q, want %q", text, "A concise answer.")
	}
	if !f.adapter.Continuation() {
		t.Fatal("Continuation() = false after success, want true")
	}
	if got := f.session.LastResponse(); got != text {
		t.Fatalf("LastResponse() = %q, want %q", got, text)
	}

	f.runner.mu.Lock()
	firstArgv := f.runner.argvs[0]
	f.runner.mu.Unlock()
	want := []string{"stub-bin", "exec", "ask once"}
	if len(firstArgv) != len(want) {
		t.Fatalf("argv = %v, want %v", firstArgv, want)
	}
	for i := range want {
		if firstArgv[i] != want[i] {
			t.Fatalf("argv = %v, want %v", firstArgv, want)
		}
	}

	if _, err := f.session.SendOnce(context.Background(), "again"); err != nil {
		t.Fatalf("second SendOnce() error = %v, want nil", err)
	}
	f.runner.mu.Lock()
	secondArgv := f.runner.argvs[1]
	f.runner.mu.Unlock()
	joined := strings.Join(secondArgv, " ")
	if !strings.Contains(joined, "--continue") {
		t.Fatalf("second argv = %v, want the continuation flag", secondArgv)
	}
}

func TestSendOnceSharesTheSingleRequestSlot(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	f := newFixture(t, 300*time.Millisecond, proc)

	go proc.emit("> \n")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.session.Send(context.Background(), "slow work")
	}()
	waitWrite(t, proc)

	_, err := f.session.SendOnce(context.Background(), "jumping the queue")
	if !errors.Is(err, ErrRequestPending) {
		t.Fatalf("SendOnce() error = %v, want ErrRequestPending", err)
	}

	proc.emit("> \n")
	<-done
}

func TestResizeIsRememberedAndForwarded(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	f := newFixture(t, 60*time.Millisecond, proc)

	if err := f.session.Resize(200, 50); err != nil {
		t.Fatalf("Resize() before start error = %v, want nil", err)
	}

	go proc.emit("> \n")
	if err := f.session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted() error = %v, want nil", err)
	}
	f.spawner.mu.Lock()
	spawnOpts := f.spawner.opts[0]
	f.spawner.mu.Unlock()
	if spawnOpts.Cols != 200 || spawnOpts.Rows != 50 {
		t.Fatalf("spawn size = %dx%d, want 200x50", spawnOpts.Cols, spawnOpts.Rows)
	}

	if err := f.session.Resize(120, 40); err != nil {
		t.Fatalf("Resize() error = %v, want nil", err)
	}
	proc.mu.Lock()
	cols, rows := proc.cols, proc.rows
	proc.mu.Unlock()
	if cols != 120 || rows != 40 {
		t.Fatalf("child size = %dx%d, want 120x40", cols, rows)
	}
}

func TestWriteRawForwardsKeystrokes(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	f := newFixture(t, 60*time.Millisecond, proc)

	go proc.emit("> \n")
	if err := f.session.EnsureStarted(context.Background()); err != nil {
		t.Fatalf("EnsureStarted() error = %v, want nil", err)
	}

	if _, err := f.session.WriteRaw([]byte("\x1b[A")); err != nil {
		t.Fatalf("WriteRaw() error = %v, want nil", err)
	}
	if !strings.Contains(proc.written(), "\x1b[A") {
		t.Fatalf("written = %q, want the raw escape sequence", proc.written())
	}
}

func TestRequestSentPrecedesBoundaryOnTheBus(t *testing.T) {
	t.Parallel()

	proc := newScriptedProcess()
	f := newFixture(t, 80*time.Millisecond, proc)

	var mu sync.Mutex
	var order []string
	seen := make(chan string, 32)
	f.bus.SubscribeAll(func(e events.Event) {
		mu.Lock()
		order = append(order, e.Type)
		mu.Unlock()
		seen <- e.Type
	})

	go func() {
		proc.emit("> \n")
		<-proc.wrote
		proc.emit("answer\n")
		proc.emit("> \n")
	}()

	if _, err := f.session.Send(context.Background(), "question"); err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case eventType := <-seen:
			if eventType == events.EventTypeBoundaryDetected {
				mu.Lock()
				defer mu.Unlock()
				requestAt, boundaryAt := -1, -1
				for i, et := range order {
					if et == events.EventTypeRequestSent && requestAt < 0 {
						requestAt = i
					}
					if et == events.EventTypeBoundaryDetected && boundaryAt < 0 {
						boundaryAt = i
					}
				}
				if requestAt < 0 || boundaryAt < 0 || requestAt > boundaryAt {
					t.Fatalf("event order = %v, want RequestSent before BoundaryDetected", order)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the boundary event")
		}
	}
}
