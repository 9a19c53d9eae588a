// Package ptyproc spawns child processes behind a pseudo-terminal and
// exposes them as duplex byte streams. The wrapped AI CLIs render their
// interactive UI only when they detect a TTY, so the PTY path is the
// default; hosts without PTY support fall back to plain pipes.
package ptyproc

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	defaultCols = 120
	defaultRows = 32

	// termGrace is how long a terminating child gets between SIGTERM and
	// SIGKILL.
	termGrace = 5 * time.Second

	// drainGrace bounds how long output draining may outlive the child, in
	// case a descendant inherited the output descriptor.
	drainGrace = 2 * time.Second

	outputChannelDepth = 64
	readBufferSize     = 32 * 1024
)

var (
	// ErrNoPTY reports that the host cannot allocate a pseudo-terminal.
	ErrNoPTY = errors.New("pty not supported on this host")

	// ErrProcessExited reports a write to a child that already exited.
	ErrProcessExited = errors.New("process has exited")
)

// SpawnOptions configures one child spawn.
type SpawnOptions struct {
	// Dir is the child's working directory; empty inherits the caller's.
	Dir string
	// Env entries are appended to the inherited environment.
	Env []string
	// Cols and Rows set the initial terminal size; zero selects defaults.
	Cols uint16
	Rows uint16
}

// PasteInput encodes text as terminal input, appending a carriage return to
// submit it. Text containing newlines is wrapped in bracketed-paste markers
// so TUI children insert the block instead of submitting at the first line.
func PasteInput(text string) []byte {
	if !strings.ContainsRune(text, '\n') {
		return append([]byte(text), '\r')
	}
	buf := make([]byte, 0, len(text)+10)
	buf = append(buf, "\x1b[200~"...)
	buf = append(buf, text...)
	buf = append(buf, "\x1b[201~"...)
	return append(buf, '\r')
}

// ExitState is the child's exit outcome, valid once Done is closed.
type ExitState struct {
	// Code is the exit code, or -1 when the child died to a signal.
	Code int
	// Err is set when waiting on the child failed for a non-exit reason.
	Err error
}

// Process is one live child behind a duplex byte stream.
//
// Output delivers combined stdout and stderr chunks in arrival order and is
// closed, fully drained, before Done closes. Callers must keep consuming
// Output or the child eventually blocks on its terminal writes.
type Process interface {
	// Write sends bytes to the child's input. Writing to an exited child
	// returns an error wrapping ErrProcessExited.
	Write(p []byte) (int, error)
	// Output is the combined output stream.
	Output() <-chan []byte
	// Resize updates the child's terminal dimensions. A no-op without a TTY.
	Resize(cols, rows uint16) error
	// Terminate asks the child to exit and escalates to a hard kill after
	// the grace period. It returns once the child is gone.
	Terminate(grace time.Duration) error
	// Kill forcibly ends the child.
	Kill() error
	// Done closes after the child exited and all output was delivered.
	Done() <-chan struct{}
	// Exit returns the exit outcome, valid once Done is closed.
	Exit() ExitState
	// PID returns the child's process id.
	PID() int
	// IsTTY reports whether the child runs under a real pseudo-terminal.
	IsTTY() bool
}

// Spawner launches children for persistent sessions. The argv array is
// executed directly, never interpreted by a shell.
type Spawner interface {
	Spawn(ctx context.Context, argv []string, opts SpawnOptions) (Process, error)
}

// NewSpawner returns the default spawner: PTY-backed with pipe fallback.
func NewSpawner() Spawner {
	return &AutoSpawner{PTY: PtySpawner{}, Pipe: PipeSpawner{}}
}

// AutoSpawner tries a PTY spawn first and falls back to plain pipes when
// the host cannot allocate one. Non-PTY failures are returned as-is.
type AutoSpawner struct {
	PTY  Spawner
	Pipe Spawner
}

// Spawn implements Spawner.
func (s *AutoSpawner) Spawn(ctx context.Context, argv []string, opts SpawnOptions) (Process, error) {
	if s == nil || s.PTY == nil || s.Pipe == nil {
		return nil, errors.New("auto spawner is not configured")
	}
	proc, err := s.PTY.Spawn(ctx, argv, opts)
	if err == nil {
		return proc, nil
	}
	if !errors.Is(err, ErrNoPTY) {
		return nil, err
	}
	return s.Pipe.Spawn(ctx, argv, opts)
}
