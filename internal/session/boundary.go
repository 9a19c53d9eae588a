package session

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"time"

	"github.com/duet-cli/duet/internal/events"
	"github.com/duet-cli/duet/internal/extract"
	"github.com/duet-cli/duet/internal/ptyproc"
	"github.com/duet-cli/duet/internal/state"
)

// Detection methods reported on boundary events.
const (
	boundaryPattern = "pattern"
	boundaryIdle    = "idle"
)

// watcher races a prompt-pattern match against an idle-silence timer over the
// live output stream. Whichever signal lands first wins; the loser is
// cancelled. The same shape serves both startup readiness and response
// boundary detection.
type watcher struct {
	pattern     *regexp.Regexp
	idle        time.Duration
	timer       *time.Timer
	patternSeen bool
	fired       bool
	fire        chan string
}

func newWatcher(pattern *regexp.Regexp, idle time.Duration) *watcher {
	return &watcher{
		pattern: pattern,
		idle:    idle,
		fire:    make(chan string, 1),
	}
}

// armIdleLocked starts the silence timer. Caller holds s.mu.
func (s *Session) armIdleLocked(w *watcher, d time.Duration) {
	w.timer = time.AfterFunc(d, func() { s.idleElapsed(w) })
}

func (s *Session) idleElapsed(w *watcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watch != w {
		return
	}
	s.fireWatchLocked(w, boundaryIdle)
}

// fireWatchLocked resolves the race exactly once. Caller holds s.mu.
func (s *Session) fireWatchLocked(w *watcher, method string) {
	if w.fired {
		return
	}
	w.fired = true
	if w.timer != nil {
		w.timer.Stop()
	}
	select {
	case w.fire <- method:
	default:
	}
}

// dropWatchLocked detaches and silences the active watcher. Caller holds s.mu.
func (s *Session) dropWatchLocked(w *watcher) {
	if w == nil || s.watch != w {
		return
	}
	s.watch = nil
	w.fired = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// pump drains process output for the lifetime of one child process. It is the
// only goroutine that feeds the buffer, so attached sinks see chunks in
// arrival order.
func (s *Session) pump(proc ptyproc.Process) {
	for chunk := range proc.Output() {
		s.ingest(chunk)
	}
	<-proc.Done()
	s.handleProcessExit(proc)
}

// ingest appends one chunk to the buffer, mirrors it to an attached sink, and
// advances whichever detection race is running. Bytes are never dropped:
// buffering happens whether or not anyone is attached or waiting.
func (s *Session) ingest(chunk []byte) {
	s.mu.Lock()
	s.buf.Write(chunk)
	s.lastActivity = s.now()
	if p := s.pending; p != nil {
		p.sawBytes = true
	}
	if w := s.watch; w != nil && !w.fired {
		if w.timer != nil {
			w.timer.Reset(w.idle)
		}
		if line, ok := newestCompleteLine(s.buf.Bytes()); ok {
			if w.pattern != nil && w.pattern.MatchString(extract.StripControlSequences(line)) {
				w.patternSeen = true
				s.fireWatchLocked(w, boundaryPattern)
			}
		}
	}
	var sink io.Writer
	if s.attached {
		sink = s.sink
	}
	s.mu.Unlock()
	if sink != nil {
		_, _ = sink.Write(chunk)
	}
}

// newestCompleteLine returns the most recent buffer line terminated by a
// newline. Partial trailing lines are invisible to pattern matching; the
// idle timer covers prompts that are redrawn without a newline.
func newestCompleteLine(buf []byte) (string, bool) {
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		return "", false
	}
	start := bytes.LastIndexByte(buf[:end], '\n') + 1
	return string(buf[start:end]), true
}

// handleProcessExit runs once per child process, after its output channel has
// closed. It rejects any in-flight request, clears the buffer, and re-arms
// the session for a fresh start unless it was closed on purpose.
func (s *Session) handleProcessExit(proc ptyproc.Process) {
	exit := proc.Exit()

	s.mu.Lock()
	if s.proc != proc {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	if w := s.watch; w != nil {
		s.dropWatchLocked(w)
	}
	p := s.pending
	s.pending = nil
	tail := trimOutput(s.buf.String())
	s.buf.Reset()
	s.lastExit = exit
	closed := s.closed
	s.mu.Unlock()

	ctx := context.Background()
	if s.tracker.Phase() != state.Terminated {
		s.transition(ctx, state.Terminated, "process exit")
	}
	if !closed {
		s.transition(ctx, state.Unstarted, "armed for restart")
	}

	severity := events.SeverityInfo
	if exit.Code != 0 {
		severity = events.SeverityError
	}
	s.publish(events.EventTypeProcessExit, severity, ExitPayload{Code: exit.Code})
	s.logger.Info("tool process exited", "tool", s.adapter.Name(), "code", exit.Code)

	if p != nil {
		p.result <- &ToolError{
			Tool:     s.adapter.DisplayName(),
			Kind:     FailureExit,
			ExitCode: exit.Code,
			Output:   tail,
			Err:      exit.Err,
		}
	}
}
