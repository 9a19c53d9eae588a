// Package locks guards a duet state directory against concurrent runs.
// Two instances sharing one history database and one set of PTY children
// would corrupt both, so the first run writes a lock file and later runs
// are refused until it exits. Locks left behind by a dead process are
// taken over silently.
package locks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// DefaultFileName is the lock file name inside the state directory.
const DefaultFileName = "duet.lock"

// ErrHeld indicates another live duet process owns the state directory.
var ErrHeld = errors.New("another duet instance is running")

// Info identifies the process holding the run lock.
type Info struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"startedAt"`
	Version   string    `json:"version,omitempty"`
}

// Guard owns the single-instance lock for one state directory.
type Guard struct {
	path    string
	version string
	pid     func() int
	alive   func(int) bool
	now     func() time.Time

	mu   sync.Mutex
	held bool
}

// NewGuard constructs a guard for the lock file at path.
func NewGuard(path, version string) (*Guard, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("lock path is required")
	}
	return &Guard{
		path:    path,
		version: version,
		pid:     os.Getpid,
		alive:   Alive,
		now:     time.Now,
	}, nil
}

// DefaultPath returns the lock file location inside dir.
func DefaultPath(dir string) string {
	return filepath.Join(dir, DefaultFileName)
}

// Acquire claims the lock. A lock whose recorded holder is no longer
// alive counts as stale and is taken over; a live holder refuses the
// acquisition with ErrHeld.
func (g *Guard) Acquire() error {
	if g == nil {
		return errors.New("guard is nil")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("create lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		err := g.create()
		if err == nil {
			g.held = true
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return err
		}

		holder, ok, err := ReadInfo(g.path)
		if err != nil {
			return err
		}
		if ok && holder.PID != g.pid() && g.alive(holder.PID) {
			return fmt.Errorf("%w: pid %d since %s",
				ErrHeld, holder.PID, holder.StartedAt.Local().Format(time.RFC3339))
		}
		if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return fmt.Errorf("%w: %s", ErrHeld, g.path)
}

func (g *Guard) create() error {
	file, err := os.OpenFile(g.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return fmt.Errorf("create lock file: %w", err)
	}

	info := Info{
		PID:       g.pid(),
		Hostname:  hostname(),
		StartedAt: g.now().UTC(),
		Version:   g.version,
	}
	payload, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		_ = file.Close()
		_ = os.Remove(g.path)
		return fmt.Errorf("marshal lock info: %w", err)
	}
	if _, err := file.Write(append(payload, '\n')); err != nil {
		_ = file.Close()
		_ = os.Remove(g.path)
		return fmt.Errorf("write lock file: %w", err)
	}
	return file.Close()
}

// Release removes the lock file if this guard holds it. Safe to call
// more than once.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return nil
	}
	g.held = false
	if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Path returns the lock file location.
func (g *Guard) Path() string {
	if g == nil {
		return ""
	}
	return g.path
}

// ReadInfo reads the holder record without claiming anything. A missing
// file returns ok false; an unreadable record also returns ok false,
// because garbage in the file means the writer died mid-write.
func ReadInfo(path string) (Info, bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, fmt.Errorf("read lock file: %w", err)
	}
	var info Info
	if err := json.Unmarshal(raw, &info); err != nil {
		return Info{}, false, nil
	}
	if info.PID <= 0 {
		return Info{}, false, nil
	}
	return info, true, nil
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists under another user.
	return errors.Is(err, syscall.EPERM)
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
