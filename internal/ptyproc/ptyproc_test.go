package ptyproc

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestPipeSpawnerStreamsCombinedOutput(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	proc, err := PipeSpawner{}.Spawn(context.Background(),
		[]string{"sh", "-c", "printf out; printf err 1>&2"}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	got := drainAll(t, proc, 5*time.Second)
	if !strings.Contains(got, "out") || !strings.Contains(got, "err") {
		t.Fatalf("output = %q, want both stdout and stderr content", got)
	}

	waitDone(t, proc, 5*time.Second)
	if state := proc.Exit(); state.Code != 0 || state.Err != nil {
		t.Fatalf("exit = %+v, want code 0", state)
	}
}

func TestPipeSpawnerRoundTripsInput(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	proc, err := PipeSpawner{}.Spawn(context.Background(), []string{"cat"}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if _, err := proc.Write([]byte("hello pty\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	drainUntil(t, proc, "hello pty", 5*time.Second)

	if err := proc.Terminate(100 * time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	waitDone(t, proc, 5*time.Second)

	if _, err := proc.Write([]byte("late\n")); !errors.Is(err, ErrProcessExited) {
		t.Fatalf("write after exit = %v, want ErrProcessExited", err)
	}
}

func TestPipeSpawnerReportsExitCode(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	proc, err := PipeSpawner{}.Spawn(context.Background(),
		[]string{"sh", "-c", "exit 3"}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	waitDone(t, proc, 5*time.Second)
	if code := proc.Exit().Code; code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestPipeProcessHasNoTTY(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	proc, err := PipeSpawner{}.Spawn(context.Background(), []string{"cat"}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() { _ = proc.Kill() }()

	if proc.IsTTY() {
		t.Fatal("pipe process reports a TTY")
	}
	if err := proc.Resize(80, 24); err != nil {
		t.Fatalf("resize on pipe process = %v, want nil no-op", err)
	}
}

func TestPtySpawnerAllocatesControllingTerminal(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	proc, err := PtySpawner{}.Spawn(context.Background(),
		[]string{"sh", "-c", "tty"}, SpawnOptions{Cols: 100, Rows: 30})
	if errors.Is(err, ErrNoPTY) {
		t.Skipf("host cannot allocate a pty: %v", err)
	}
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if !proc.IsTTY() {
		t.Fatal("pty process reports no TTY")
	}
	got := drainAll(t, proc, 5*time.Second)
	if !strings.Contains(got, "/dev/") {
		t.Fatalf("tty output = %q, want a device path", got)
	}
	waitDone(t, proc, 5*time.Second)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	proc, err := PipeSpawner{}.Spawn(context.Background(),
		[]string{"sh", "-c", `trap "" TERM; while true; do sleep 0.05; done`}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := proc.Terminate(100 * time.Millisecond); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	waitDone(t, proc, 5*time.Second)
	if code := proc.Exit().Code; code != -1 {
		t.Fatalf("exit code = %d, want -1 for a killed child", code)
	}
}

func TestContextCancelStopsChild(t *testing.T) {
	t.Parallel()
	requireUnix(t)

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := PipeSpawner{}.Spawn(ctx, []string{"cat"}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	cancel()
	waitDone(t, proc, 10*time.Second)
}

func TestSpawnRejectsEmptyArgv(t *testing.T) {
	t.Parallel()

	if _, err := (PipeSpawner{}).Spawn(context.Background(), nil, SpawnOptions{}); err == nil {
		t.Fatal("expected empty argv error")
	}
	if _, err := (PtySpawner{}).Spawn(context.Background(), nil, SpawnOptions{}); err == nil {
		t.Fatal("expected empty argv error")
	}
}

func TestPasteInputWrapsMultilineText(t *testing.T) {
	t.Parallel()

	if got := string(PasteInput("hello")); got != "hello\r" {
		t.Fatalf("single line = %q, want %q", got, "hello\r")
	}
	got := string(PasteInput("line one\nline two"))
	want := "\x1b[200~line one\nline two\x1b[201~\r"
	if got != want {
		t.Fatalf("multiline = %q, want %q", got, want)
	}
}

func TestAutoSpawnerFallsBackOnlyOnErrNoPTY(t *testing.T) {
	t.Parallel()

	fallback := &fakeSpawner{proc: &fakeProcess{}}
	auto := &AutoSpawner{
		PTY:  &fakeSpawner{err: fmt.Errorf("%w: no ptmx", ErrNoPTY)},
		Pipe: fallback,
	}
	proc, err := auto.Spawn(context.Background(), []string{"claude"}, SpawnOptions{})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if proc != fallback.proc {
		t.Fatal("auto spawner did not fall back to pipes")
	}
	if fallback.calls != 1 {
		t.Fatalf("pipe spawner calls = %d, want 1", fallback.calls)
	}

	spawnErr := errors.New("spawn claude: executable file not found in $PATH")
	auto = &AutoSpawner{
		PTY:  &fakeSpawner{err: spawnErr},
		Pipe: fallback,
	}
	if _, err := auto.Spawn(context.Background(), []string{"claude"}, SpawnOptions{}); !errors.Is(err, spawnErr) {
		t.Fatalf("spawn error = %v, want the original spawn failure", err)
	}
	if fallback.calls != 1 {
		t.Fatalf("pipe spawner calls = %d, want no fallback on spawn failure", fallback.calls)
	}
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix shell")
	}
}

func drainUntil(t *testing.T, proc Process, want string, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	var b strings.Builder
	for {
		if strings.Contains(b.String(), want) {
			return b.String()
		}
		select {
		case chunk, ok := <-proc.Output():
			if !ok {
				if strings.Contains(b.String(), want) {
					return b.String()
				}
				t.Fatalf("output closed before %q appeared; got %q", want, b.String())
			}
			b.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out waiting for %q; got %q", want, b.String())
		}
	}
}

func drainAll(t *testing.T, proc Process, timeout time.Duration) string {
	t.Helper()
	deadline := time.After(timeout)
	var b strings.Builder
	for {
		select {
		case chunk, ok := <-proc.Output():
			if !ok {
				return b.String()
			}
			b.Write(chunk)
		case <-deadline:
			t.Fatalf("timed out draining output; got %q", b.String())
		}
	}
}

func waitDone(t *testing.T, proc Process, timeout time.Duration) {
	t.Helper()
	select {
	case <-proc.Done():
	case <-time.After(timeout):
		t.Fatal("timed out waiting for process exit")
	}
}

type fakeSpawner struct {
	proc  Process
	err   error
	calls int
}

func (f *fakeSpawner) Spawn(context.Context, []string, SpawnOptions) (Process, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.proc, nil
}

type fakeProcess struct{}

func (f *fakeProcess) Write(p []byte) (int, error)         { return len(p), nil }
func (f *fakeProcess) Output() <-chan []byte               { return nil }
func (f *fakeProcess) Resize(cols, rows uint16) error      { return nil }
func (f *fakeProcess) Terminate(grace time.Duration) error { return nil }
func (f *fakeProcess) Kill() error                         { return nil }
func (f *fakeProcess) Done() <-chan struct{}               { return nil }
func (f *fakeProcess) Exit() ExitState                     { return ExitState{} }
func (f *fakeProcess) PID() int                            { return 0 }
func (f *fakeProcess) IsTTY() bool                         { return false }

var (
	_ Spawner = (*fakeSpawner)(nil)
	_ Process = (*fakeProcess)(nil)
)
