package ptyproc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// proc backs both the PTY and pipe spawn paths: the only differences are
// which descriptors carry input and output and whether Resize has effect.
type proc struct {
	name string
	cmd  *exec.Cmd

	ptmx   *os.File       // PTY master; nil in pipe mode
	in     io.Writer      // child input
	closer func()         // releases parent-held descriptors

	out      chan []byte
	done     chan struct{}
	readDone chan struct{}

	mu     sync.Mutex
	exited bool
	exit   ExitState
}

func newProc(cmd *exec.Cmd, ptmx *os.File, in io.Writer, reader io.Reader, closer func()) *proc {
	p := &proc{
		name:     filepath.Base(cmd.Path),
		cmd:      cmd,
		ptmx:     ptmx,
		in:       in,
		closer:   closer,
		out:      make(chan []byte, outputChannelDepth),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go p.readLoop(reader)
	go p.waitLoop()
	return p
}

// readLoop copies child output into the channel chunk by chunk. It ends on
// read error: EOF on pipes, EIO on a PTY whose slave side closed.
func (p *proc) readLoop(reader io.Reader) {
	defer close(p.readDone)

	buf := make([]byte, readBufferSize)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.out <- chunk
		}
		if err != nil {
			return
		}
	}
}

// waitLoop records the exit state, then lets the reader drain whatever the
// kernel still buffers before closing the stream and signalling Done.
func (p *proc) waitLoop() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	p.exit = exitStateFromWait(p.cmd, err)
	p.mu.Unlock()

	select {
	case <-p.readDone:
	case <-time.After(drainGrace):
		// A descendant still holds the output descriptor; force the reader
		// out of its blocked Read.
		if p.ptmx != nil {
			_ = p.ptmx.Close()
		}
		if p.closer != nil {
			p.closer()
		}
		<-p.readDone
	}

	if p.ptmx != nil {
		_ = p.ptmx.Close()
	}
	if p.closer != nil {
		p.closer()
	}
	close(p.out)
	close(p.done)
}

func (p *proc) Write(b []byte) (int, error) {
	if p == nil {
		return 0, errors.New("process is nil")
	}
	p.mu.Lock()
	exited := p.exited
	p.mu.Unlock()
	if exited {
		return 0, fmt.Errorf("write to %s: %w", p.name, ErrProcessExited)
	}

	n, err := p.in.Write(b)
	if err != nil {
		return n, p.wrapWriteError(err)
	}
	return n, nil
}

// wrapWriteError folds the descriptor-level symptoms of a dead child into
// ErrProcessExited so callers see one condition, not three errnos.
func (p *proc) wrapWriteError(err error) error {
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("write to %s: %w", p.name, ErrProcessExited)
	}
	return fmt.Errorf("write to %s: %w", p.name, err)
}

func (p *proc) Output() <-chan []byte {
	return p.out
}

func (p *proc) Resize(cols, rows uint16) error {
	if p == nil || p.ptmx == nil {
		return nil
	}
	if err := pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize %s: %w", p.name, err)
	}
	return nil
}

func (p *proc) Terminate(grace time.Duration) error {
	if p == nil {
		return errors.New("process is nil")
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if grace <= 0 {
		grace = termGrace
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("terminate %s: %w", p.name, err)
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(grace):
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", p.name, err)
	}
	<-p.done
	return nil
}

func (p *proc) Kill() error {
	if p == nil {
		return errors.New("process is nil")
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", p.name, err)
	}
	return nil
}

func (p *proc) Done() <-chan struct{} {
	return p.done
}

func (p *proc) Exit() ExitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

func (p *proc) PID() int {
	if p == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *proc) IsTTY() bool {
	return p != nil && p.ptmx != nil
}

func exitStateFromWait(cmd *exec.Cmd, err error) ExitState {
	if err == nil {
		return ExitState{Code: cmd.ProcessState.ExitCode()}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return ExitState{Code: exitErr.ExitCode()}
	}
	return ExitState{Code: -1, Err: err}
}

var _ Process = (*proc)(nil)
