package ptyproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/creack/pty"
)

// PtySpawner spawns children attached to a pseudo-terminal, so they render
// their interactive UI exactly as they would on a real terminal.
type PtySpawner struct{}

// Spawn implements Spawner. PTY allocation failures are reported wrapping
// ErrNoPTY; an unresolvable executable is returned as a plain spawn error
// since pipes would not help.
func (PtySpawner) Spawn(ctx context.Context, argv []string, opts SpawnOptions) (Process, error) {
	cmd, err := buildCommand(ctx, argv, opts)
	if err != nil {
		return nil, err
	}
	ensureTerm(cmd)

	size := &pty.Winsize{Cols: colsOrDefault(opts.Cols), Rows: rowsOrDefault(opts.Rows)}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
		}
		return nil, fmt.Errorf("%w: %v", ErrNoPTY, err)
	}

	return newProc(cmd, ptmx, ptmx, ptmx, nil), nil
}

// PipeSpawner spawns children on plain pipes. Stdout and stderr share one
// descriptor so the output stream stays ordered the way a terminal would
// interleave it.
type PipeSpawner struct{}

// Spawn implements Spawner.
func (PipeSpawner) Spawn(ctx context.Context, argv []string, opts SpawnOptions) (Process, error) {
	cmd, err := buildCommand(ctx, argv, opts)
	if err != nil {
		return nil, err
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("open output pipe: %w", err)
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, fmt.Errorf("open input pipe: %w", err)
	}

	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		_ = outR.Close()
		_ = outW.Close()
		_ = inR.Close()
		_ = inW.Close()
		return nil, fmt.Errorf("spawn %s: %w", argv[0], err)
	}

	// The parent's copies of the child ends close now so the reader sees
	// EOF once the child exits.
	_ = outW.Close()
	_ = inR.Close()

	closer := func() {
		_ = outR.Close()
		_ = inW.Close()
	}
	return newProc(cmd, nil, inW, outR, closer), nil
}

func buildCommand(ctx context.Context, argv []string, opts SpawnOptions) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, errors.New("argv is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	// Context cancellation asks the child to exit before the hard kill.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = termGrace
	return cmd, nil
}

func ensureTerm(cmd *exec.Cmd) {
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	for _, entry := range env {
		if strings.HasPrefix(entry, "TERM=") {
			cmd.Env = env
			return
		}
	}
	cmd.Env = append(env, "TERM=xterm-256color")
}

func colsOrDefault(cols uint16) uint16 {
	if cols == 0 {
		return defaultCols
	}
	return cols
}

func rowsOrDefault(rows uint16) uint16 {
	if rows == 0 {
		return defaultRows
	}
	return rows
}

var (
	_ Spawner = PtySpawner{}
	_ Spawner = PipeSpawner{}
)
