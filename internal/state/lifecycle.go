// Package state guards the lifecycle of persistent tool sessions with an
// explicit transition table, so phase changes are validated in one place
// instead of scattered boolean flags.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/duet-cli/duet/internal/telemetry/invariants"
)

// Phase is one lifecycle state of a persistent tool session.
type Phase string

const (
	// Unstarted means no child process exists yet.
	Unstarted Phase = "unstarted"
	// Starting means the child process is being spawned.
	Starting Phase = "starting"
	// AwaitingReady means startup output is being watched for the ready
	// signal before the first input may be sent.
	AwaitingReady Phase = "awaiting_ready"
	// Ready means the tool sits at its prompt and can receive input.
	Ready Phase = "ready"
	// Sending means a prompt is being written to the child.
	Sending Phase = "sending"
	// AwaitingBoundary means output is accumulating until the response is
	// judged complete.
	AwaitingBoundary Phase = "awaiting_boundary"
	// Terminated means the child exited or was killed.
	Terminated Phase = "terminated"
)

// allowedTransitions is the closed lifecycle graph. Terminated is reachable
// from every other phase (handled in isAllowed); the Terminated -> Unstarted
// edge is the explicit reset that arms a failed session for retry.
var allowedTransitions = map[Phase]map[Phase]struct{}{
	Unstarted: {
		Starting: {},
	},
	Starting: {
		AwaitingReady: {},
	},
	AwaitingReady: {
		Ready:   {},
		Sending: {},
	},
	Ready: {
		Sending: {},
	},
	Sending: {
		AwaitingBoundary: {},
	},
	AwaitingBoundary: {
		Ready: {},
	},
	Terminated: {
		Unstarted: {},
	},
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	Tool      string
	From      Phase
	To        Phase
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	Tool string
	From Phase
	To   Phase
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf(
		"cannot transition %s session from %q to %q: illegal lifecycle transition",
		e.Tool,
		e.From,
		e.To,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Option configures Tracker construction.
type Option func(*Tracker)

// WithTracer configures the tracer used for transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(t *Tracker) {
		if tracer == nil {
			return
		}
		t.tracer = tracer
	}
}

// Tracker validates and records lifecycle transitions for one session.
// Safe for concurrent use.
type Tracker struct {
	tool   string
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	phase   Phase
	history []TransitionRecord
}

// NewTracker builds a Tracker starting in Unstarted.
func NewTracker(tool string, options ...Option) *Tracker {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		tool = "unknown"
	}

	tracker := &Tracker{
		tool:   tool,
		tracer: otel.Tracer("duet/state"),
		now:    time.Now,
		phase:  Unstarted,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(tracker)
	}
	return tracker
}

// Phase returns the current lifecycle phase.
func (t *Tracker) Phase() Phase {
	if t == nil {
		return Terminated
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// In reports whether the current phase is one of phases.
func (t *Tracker) In(phases ...Phase) bool {
	current := t.Phase()
	for _, phase := range phases {
		if current == phase {
			return true
		}
	}
	return false
}

// Transition moves the session to phase to, failing with an
// IllegalTransitionError when the lifecycle graph forbids the edge.
func (t *Tracker) Transition(ctx context.Context, to Phase, reason string) error {
	if t == nil {
		return errors.New("tracker is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	reason = strings.TrimSpace(reason)

	t.mu.Lock()
	defer t.mu.Unlock()

	_, span := t.tracer.Start(ctx, "session.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		attribute.String("tool", t.tool),
		attribute.String("from_phase", string(t.phase)),
		attribute.String("to_phase", string(to)),
		attribute.String("reason", reason),
	)

	if !isAllowed(t.phase, to) {
		err := &IllegalTransitionError{Tool: t.tool, From: t.phase, To: to}
		invariants.CheckPhaseTransitionLegal(ctx, "state.Tracker.Transition", t.tool, string(t.phase), string(to), false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	t.history = append(t.history, TransitionRecord{
		Tool:      t.tool,
		From:      t.phase,
		To:        to,
		Reason:    reason,
		Timestamp: t.now().UTC(),
	})
	t.phase = to
	span.SetStatus(codes.Ok, "phase transition applied")
	return nil
}

// History returns the transition records captured by this tracker.
func (t *Tracker) History() []TransitionRecord {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TransitionRecord, len(t.history))
	copy(out, t.history)
	return out
}

func isAllowed(from, to Phase) bool {
	if to == Terminated {
		return from != Terminated
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}
