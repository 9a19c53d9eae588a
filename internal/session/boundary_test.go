package session

import (
	"context"
	"testing"
	"time"

	"github.com/duet-cli/duet/internal/events"
)

func TestNewestCompleteLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		buf  string
		want string
		ok   bool
	}{
		{name: "empty", buf: "", ok: false},
		{name: "no newline yet", buf: "partial", ok: false},
		{name: "single line", buf: "abc\n", want: "abc", ok: true},
		{name: "trailing partial ignored", buf: "abc\ndef", want: "abc", ok: true},
		{name: "picks newest", buf: "one\ntwo\nthree\n", want: "three", ok: true},
		{name: "blank line counts", buf: "one\n\n", want: "", ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := newestCompleteLine([]byte(tt.buf))
			if ok != tt.ok {
				t.Fatalf("newestCompleteLine(%q) ok = %v, want %v", tt.buf, ok, tt.ok)
			}
			if got != tt.want {
				t.Fatalf("newestCompleteLine(%q) = %q, want %q", tt.buf, got, tt.want)
			}
		})
	}
}

func TestBoundaryPatternMatchesRedrawnPromptLine(t *testing.T) {
	t.Parallel()

	const idle = 200 * time.Millisecond
	proc := newScriptedProcess()
	f := newFixture(t, idle, proc)

	boundaries := make(chan events.Event, 4)
	f.bus.Subscribe(events.EventTypeBoundaryDetected, func(e events.Event) { boundaries <- e })

	go func() {
		proc.emit("> \n")
		<-proc.wrote
		proc.emit("the answer\n")
		// Erase-line, column reset, and color codes around the prompt, the
		// way a real TUI redraws it.
		proc.emit("\x1b[2K\x1b[1G\x1b[36m> \x1b[0m\n")
	}()

	text, err := f.session.Send(context.Background(), "redraw heavy tool")
	if err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	if text != "the answer" {
		t.Fatalf("Send() = %q, want %q", text, "the answer")
	}

	payload := waitEvent(t, boundaries).Payload.(BoundaryPayload)
	if payload.Method != boundaryPattern {
		t.Fatalf("Method = %q, want %q despite control sequences", payload.Method, boundaryPattern)
	}
}

func TestPartialPromptLineWaitsForIdle(t *testing.T) {
	t.Parallel()

	const idle = 70 * time.Millisecond
	proc := newScriptedProcess()
	f := newFixture(t, idle, proc)

	boundaries := make(chan events.Event, 4)
	f.bus.Subscribe(events.EventTypeBoundaryDetected, func(e events.Event) { boundaries <- e })

	go func() {
		proc.emit("> \n")
		<-proc.wrote
		proc.emit("the answer\n")
		// Prompt redrawn without a trailing newline: not yet a complete
		// line, so only silence can resolve this request.
		proc.emit("> ")
	}()

	text, err := f.session.Send(context.Background(), "cursor parked on prompt")
	if err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}
	if text != "the answer" {
		t.Fatalf("Send() = %q, want %q", text, "the answer")
	}

	payload := waitEvent(t, boundaries).Payload.(BoundaryPayload)
	if payload.Method != boundaryIdle {
		t.Fatalf("Method = %q, want %q for an unterminated prompt line", payload.Method, boundaryIdle)
	}
}
