package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/duet-cli/duet/internal/events"
	"github.com/duet-cli/duet/internal/session"
)

// Recorder keeps the on-disk child ledger current during a run: every
// ProcessSpawn adds the child, every ProcessExit removes it. If the run
// dies between the two, the next startup's sweep finds the leftover.
type Recorder struct {
	store  Store
	logger *log.Logger

	mu       sync.Mutex
	children map[string]Child
}

// NewRecorder subscribes a recorder to the bus. A single wildcard
// subscription keeps each tool's spawn ahead of the exit that clears it.
func NewRecorder(store Store, bus events.Bus, logger *log.Logger) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("child store is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	r := &Recorder{
		store:    store,
		logger:   logger,
		children: map[string]Child{},
	}
	bus.SubscribeAll(r.handle)
	return r, nil
}

func (r *Recorder) handle(event events.Event) {
	switch event.Type {
	case events.EventTypeProcessSpawn:
		payload, ok := event.Payload.(session.SpawnPayload)
		if !ok {
			return
		}
		startedAt := event.Timestamp
		if startedAt.IsZero() {
			startedAt = time.Now()
		}
		r.mu.Lock()
		r.children[event.Tool] = Child{
			Tool:        event.Tool,
			PID:         payload.PID,
			StartedAt:   startedAt.UTC(),
			Interactive: payload.Interactive,
		}
		snapshot := r.snapshotLocked()
		r.mu.Unlock()
		r.persist(snapshot)
	case events.EventTypeProcessExit:
		r.mu.Lock()
		_, found := r.children[event.Tool]
		delete(r.children, event.Tool)
		snapshot := r.snapshotLocked()
		r.mu.Unlock()
		if found {
			r.persist(snapshot)
		}
	}
}

func (r *Recorder) snapshotLocked() []Child {
	snapshot := make([]Child, 0, len(r.children))
	for _, child := range r.children {
		snapshot = append(snapshot, child)
	}
	return snapshot
}

func (r *Recorder) persist(children []Child) {
	if err := r.store.Save(context.Background(), children); err != nil {
		r.logger.Warn("child ledger write failed", "error", err)
	}
}
