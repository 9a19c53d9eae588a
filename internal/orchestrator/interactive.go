package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/duet-cli/duet/internal/ptyproc"
	"github.com/duet-cli/duet/internal/session"
)

const (
	// detachKey is Ctrl-], the escape hatch out of attach mode. The same
	// key telnet uses, and one the wrapped tools don't bind themselves.
	detachKey = 0x1d

	// liveCheckInterval is how often attach mode polls for a dead child.
	liveCheckInterval = 200 * time.Millisecond
)

// detachReason says why an attach loop ended.
type detachReason int

const (
	detachedByKey detachReason = iota
	childExited
	inputClosed
	attachCancelled
)

func runInteractive(ctx context.Context, o *Orchestrator, args string) error {
	name := strings.TrimSpace(args)
	if name == "" {
		name = o.Active()
	}
	ad, err := o.lookup(name)
	if err != nil {
		return err
	}
	sess, err := o.Session(ad.Name())
	if err != nil {
		return err
	}
	o.console.Noticef("attaching to %s; press Ctrl-] to detach", ad.DisplayName())
	return o.attach(ctx, sess, nil)
}

func runForwardInteractive(ctx context.Context, o *Orchestrator, args string) error {
	target, message := o.parseForwardArgs(args)
	res, full, err := o.prepareForward(ctx, target, message)
	if err != nil {
		return err
	}
	ad, err := o.lookup(res.Target)
	if err != nil {
		return err
	}
	sess, err := o.Session(ad.Name())
	if err != nil {
		return err
	}
	o.console.Noticef("forwarding %s's response into %s; press Ctrl-] to detach", res.Source, ad.DisplayName())
	return o.attach(ctx, sess, ptyproc.PasteInput(full))
}

// attach hands the terminal to one tool: output mirrors to the user,
// keystrokes stream to the child, until Ctrl-] or the child exits. The sink
// is attached before the process is ensured so boot output reaches the
// screen, and inject, when present, is written once the tool is ready.
func (o *Orchestrator) attach(ctx context.Context, sess *session.Session, inject []byte) error {
	if err := sess.Attach(o.output); err != nil {
		return err
	}
	defer sess.Detach()

	if err := sess.EnsureInteractive(ctx); err != nil {
		return err
	}
	if len(inject) > 0 {
		if _, err := sess.WriteRaw(inject); err != nil {
			return err
		}
	}

	restore, err := o.enterRaw()
	if err != nil {
		return err
	}
	reason, loopErr := o.attachLoop(ctx, sess)
	restore()

	// Printing waits for cooked mode; raw mode would stairstep the lines.
	o.console.Println("")
	switch reason {
	case detachedByKey:
		o.console.Noticef("detached from %s", sess.Adapter().DisplayName())
	case childExited:
		o.console.Noticef("%s exited; back at the duet shell", sess.Adapter().DisplayName())
	}
	return loopErr
}

func (o *Orchestrator) attachLoop(ctx context.Context, sess *session.Session) (detachReason, error) {
	// Typeahead sitting in the shell's line buffer reaches the child first.
	if len(o.lineBuf) > 0 {
		pending := o.lineBuf
		o.lineBuf = nil
		if reason, done, err := o.feedChild(sess, pending); done {
			return reason, err
		}
	}

	ticker := time.NewTicker(liveCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return attachCancelled, ctx.Err()
		case <-ticker.C:
			if !sess.Live() {
				return childExited, nil
			}
		case err := <-o.pump.errs:
			return inputClosed, fmt.Errorf("read input: %w", err)
		case chunk, ok := <-o.pump.chunks:
			if !ok {
				return inputClosed, nil
			}
			if reason, done, err := o.feedChild(sess, chunk); done {
				return reason, err
			}
		}
	}
}

// feedChild scans one input chunk for the detach key and writes the rest to
// the child. done reports that the attach loop should end.
func (o *Orchestrator) feedChild(sess *session.Session, chunk []byte) (detachReason, bool, error) {
	if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
		if i > 0 {
			_, _ = sess.WriteRaw(chunk[:i])
		}
		// Bytes typed after the detach key belong to the shell.
		o.lineBuf = append(o.lineBuf, chunk[i+1:]...)
		return detachedByKey, true, nil
	}
	if _, err := sess.WriteRaw(chunk); err != nil {
		if errors.Is(err, ptyproc.ErrProcessExited) {
			return childExited, true, nil
		}
		return childExited, true, err
	}
	return detachedByKey, false, nil
}

// enterRaw switches the user's terminal to raw mode so keystrokes reach the
// child unbuffered and unechoed; the child's own terminal does the echoing.
// A non-TTY input gets a no-op restore, which keeps tests and pipes working.
func (o *Orchestrator) enterRaw() (func(), error) {
	file, ok := o.input.(*os.File)
	if !ok {
		return func() {}, nil
	}
	fd := int(file.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	prev, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("enter raw mode: %w", err)
	}
	return func() { _ = term.Restore(fd, prev) }, nil
}
