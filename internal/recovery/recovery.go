// Package recovery cleans up PTY children left behind by a crashed run.
// Every spawn is written to an on-disk ledger and every clean exit removes
// it, so at startup the ledger holds exactly the children of runs that
// died without shutting down. The sweep terminates the ones still alive
// and clears the ledger before the new run records its own.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/duet-cli/duet/internal/events"
)

const (
	// DefaultTerminateGrace is how long an orphan gets to exit after
	// SIGTERM before SIGKILL.
	DefaultTerminateGrace = 2 * time.Second

	alivePollInterval = 50 * time.Millisecond
)

// Child is one recorded tool process.
type Child struct {
	Tool        string    `json:"tool"`
	PID         int       `json:"pid"`
	StartedAt   time.Time `json:"startedAt"`
	Interactive bool      `json:"interactive,omitempty"`
}

// Store persists the child ledger between runs.
type Store interface {
	Load(ctx context.Context) ([]Child, error)
	Save(ctx context.Context, children []Child) error
}

// EventBus publishes sweep audit events.
type EventBus interface {
	Publish(event events.Event)
}

// Config configures the startup sweep.
type Config struct {
	TerminateGrace time.Duration
	EventBus       EventBus
	Logger         *log.Logger
}

// Manager performs the startup orphan sweep.
type Manager struct {
	store  Store
	bus    EventBus
	logger *log.Logger
	grace  time.Duration
	alive  func(int) bool
	signal func(int, syscall.Signal) error
	sleep  func(time.Duration)
	now    func() time.Time
}

// Result reports what one sweep found.
type Result struct {
	// Terminated lists recorded children that were still alive and got
	// stopped.
	Terminated []Child
	// Expired lists recorded children that were already gone.
	Expired []Child
	// Duration is the wall time the sweep took.
	Duration time.Duration
}

// NewManager constructs a sweep manager.
func NewManager(store Store, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, errors.New("child store is required")
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = DefaultTerminateGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		store:  store,
		bus:    cfg.EventBus,
		logger: logger,
		grace:  cfg.TerminateGrace,
		alive:  processAlive,
		signal: signalProcess,
		sleep:  time.Sleep,
		now:    time.Now,
	}, nil
}

// Sweep loads the ledger, terminates recorded children that are still
// running, and clears the ledger. PIDs at or below 1 are never signaled.
func (m *Manager) Sweep(ctx context.Context) (Result, error) {
	if m == nil {
		return Result{}, errors.New("recovery manager is nil")
	}
	started := m.now()

	children, err := m.store.Load(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load child ledger: %w", err)
	}

	result := Result{}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if child.PID <= 1 || !m.alive(child.PID) {
			result.Expired = append(result.Expired, child)
			continue
		}

		forced := m.terminate(child.PID)
		result.Terminated = append(result.Terminated, child)
		m.logger.Warn("terminated orphaned tool process",
			"tool", child.Tool,
			"pid", child.PID,
			"started_at", child.StartedAt,
			"forced", forced)
		m.publish(events.Event{
			Type:      events.EventTypeSystemAlert,
			Timestamp: m.now().UTC(),
			Tool:      child.Tool,
			Severity:  events.SeverityWarn,
			Payload: map[string]any{
				"action": "orphan_terminated",
				"pid":    child.PID,
				"forced": forced,
			},
		})
	}

	if err := m.store.Save(ctx, nil); err != nil {
		return Result{}, fmt.Errorf("clear child ledger: %w", err)
	}

	result.Duration = m.now().Sub(started)
	if len(result.Terminated) > 0 || len(result.Expired) > 0 {
		m.logger.Info("startup sweep finished",
			"terminated", len(result.Terminated),
			"expired", len(result.Expired),
			"duration", result.Duration)
	}
	return result, nil
}

// terminate sends SIGTERM, waits up to the grace period, then escalates
// to SIGKILL. Returns whether the kill was forced.
func (m *Manager) terminate(pid int) bool {
	if err := m.signal(pid, syscall.SIGTERM); err != nil {
		return false
	}
	waited := time.Duration(0)
	for waited < m.grace {
		if !m.alive(pid) {
			return false
		}
		m.sleep(alivePollInterval)
		waited += alivePollInterval
	}
	_ = m.signal(pid, syscall.SIGKILL)
	return true
}

func (m *Manager) publish(event events.Event) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(event)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return signalProcess(pid, syscall.Signal(0)) == nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(sig)
}
