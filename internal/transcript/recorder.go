package transcript

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/duet-cli/duet/internal/events"
	"github.com/duet-cli/duet/internal/session"
)

// Recorder pairs RequestSent events with the BoundaryDetected events that
// answer them and writes the completed exchanges to a Store. Sessions stay
// unaware of persistence; the bus carries everything the transcript needs.
type Recorder struct {
	store  *Store
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]string
}

// NewRecorder subscribes a recorder to the bus. A single wildcard
// subscription keeps request and boundary events on one channel, so a
// request is always paired before its boundary arrives. Pass the logger that
// should receive write failures; nil falls back to the default logger.
func NewRecorder(store *Store, bus events.Bus, logger *log.Logger) *Recorder {
	if logger == nil {
		logger = log.Default()
	}
	r := &Recorder{
		store:   store,
		logger:  logger,
		pending: map[string]string{},
	}
	if bus != nil {
		bus.SubscribeAll(r.handle)
	}
	return r
}

func (r *Recorder) handle(event events.Event) {
	switch event.Type {
	case events.EventTypeRequestSent:
		r.onRequest(event)
	case events.EventTypeBoundaryDetected:
		r.onBoundary(event)
	}
}

func (r *Recorder) onRequest(event events.Event) {
	payload, ok := event.Payload.(session.RequestPayload)
	if !ok {
		return
	}
	r.mu.Lock()
	r.pending[event.Tool] = payload.Prompt
	r.mu.Unlock()
}

func (r *Recorder) onBoundary(event events.Event) {
	payload, ok := event.Payload.(session.BoundaryPayload)
	if !ok {
		return
	}

	r.mu.Lock()
	prompt, found := r.pending[event.Tool]
	delete(r.pending, event.Tool)
	r.mu.Unlock()
	if !found {
		// A boundary with no recorded request. Nothing worth storing.
		return
	}

	entry := Entry{
		Tool:      event.Tool,
		Prompt:    prompt,
		Response:  payload.Response,
		Method:    payload.Method,
		Quiet:     payload.Quiet,
		Duration:  payload.Duration,
		CreatedAt: event.Timestamp,
	}
	if err := r.store.Record(context.Background(), entry); err != nil {
		r.logger.Warn("transcript write failed", "tool", event.Tool, "error", err)
	}
}
