// Package doctor preflights a duet install: whether PTYs can be
// allocated, which tools resolve on PATH, whether config parses, and
// whether the state directory is usable. It only reports; nothing here
// repairs anything.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/creack/pty"

	"github.com/duet-cli/duet/internal/adapter"
	"github.com/duet-cli/duet/internal/config"
	"github.com/duet-cli/duet/internal/locks"
	"github.com/duet-cli/duet/internal/recovery"
)

// Status classifies one check outcome.
type Status string

const (
	// StatusOK means the check passed.
	StatusOK Status = "ok"
	// StatusWarn means duet runs, but degraded.
	StatusWarn Status = "warn"
	// StatusFail means duet cannot run until this is fixed.
	StatusFail Status = "fail"
)

// Check is one named probe result.
type Check struct {
	Name   string
	Status Status
	Detail string
}

// Report is the outcome of one doctor run.
type Report struct {
	RanAt  time.Time
	Checks []Check
}

// Healthy reports whether no check failed.
func (r Report) Healthy() bool {
	for _, check := range r.Checks {
		if check.Status == StatusFail {
			return false
		}
	}
	return true
}

// Counts returns how many checks landed in each status.
func (r Report) Counts() (ok, warn, fail int) {
	for _, check := range r.Checks {
		switch check.Status {
		case StatusOK:
			ok++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}
	return ok, warn, fail
}

// Options configures a doctor run. Config and Registry may be nil when
// config parsing failed; the affected checks degrade instead of the
// whole run aborting.
type Options struct {
	Config      *config.Config
	ConfigPaths []string
	ConfigErr   error
	Registry    *adapter.Registry
	RegistryErr error
	StateDir    string
}

// Runner executes the preflight checks.
type Runner struct {
	cfg         *config.Config
	configPaths []string
	configErr   error
	registry    *adapter.Registry
	registryErr error
	stateDir    string

	openPTY  func() error
	lookPath func(string) (string, error)
	alive    func(int) bool
	now      func() time.Time
}

// New constructs a doctor runner.
func New(opts Options) (*Runner, error) {
	if strings.TrimSpace(opts.StateDir) == "" {
		return nil, errors.New("state directory is required")
	}
	return &Runner{
		cfg:         opts.Config,
		configPaths: opts.ConfigPaths,
		configErr:   opts.ConfigErr,
		registry:    opts.Registry,
		registryErr: opts.RegistryErr,
		stateDir:    opts.StateDir,
		openPTY:     openPTYPair,
		lookPath:    exec.LookPath,
		alive:       locks.Alive,
		now:         time.Now,
	}, nil
}

// Run executes every check and returns the report. It never fails; a
// broken environment shows up as failed checks, not as an error.
func (r *Runner) Run(ctx context.Context) Report {
	report := Report{RanAt: r.now().UTC()}
	report.Checks = append(report.Checks, r.checkConfig())
	report.Checks = append(report.Checks, r.checkPTY())
	report.Checks = append(report.Checks, r.checkTools()...)
	report.Checks = append(report.Checks, r.checkStateDir())
	report.Checks = append(report.Checks, r.checkHistory())
	report.Checks = append(report.Checks, r.checkInstanceLock())
	report.Checks = append(report.Checks, r.checkChildLedger(ctx))
	return report
}

func (r *Runner) checkConfig() Check {
	if r.configErr != nil {
		return Check{Name: "config", Status: StatusFail, Detail: r.configErr.Error()}
	}
	var found []string
	for _, path := range r.configPaths {
		if _, err := os.Stat(path); err == nil {
			found = append(found, path)
		}
	}
	if len(found) == 0 {
		return Check{
			Name:   "config",
			Status: StatusOK,
			Detail: "built-in defaults (no config file found)",
		}
	}
	return Check{
		Name:   "config",
		Status: StatusOK,
		Detail: "loaded " + strings.Join(found, ", "),
	}
}

func (r *Runner) checkPTY() Check {
	if err := r.openPTY(); err != nil {
		return Check{
			Name:   "pty",
			Status: StatusFail,
			Detail: fmt.Sprintf("cannot allocate a pseudo-terminal: %v", err),
		}
	}
	return Check{Name: "pty", Status: StatusOK, Detail: "pseudo-terminal allocation works"}
}

func (r *Runner) checkTools() []Check {
	if r.registryErr != nil {
		return []Check{{
			Name:   "tools",
			Status: StatusFail,
			Detail: fmt.Sprintf("tool registry: %v", r.registryErr),
		}}
	}
	if r.registry == nil || r.registry.Len() == 0 {
		return []Check{{
			Name:   "tools",
			Status: StatusFail,
			Detail: "no tools registered",
		}}
	}

	checks := make([]Check, 0, r.registry.Len())
	available := 0
	for _, ad := range r.registry.All() {
		name := "tool:" + ad.Name()
		path, err := r.lookPath(ad.Command())
		if err != nil {
			checks = append(checks, Check{
				Name:   name,
				Status: StatusWarn,
				Detail: fmt.Sprintf("%q not found in PATH", ad.Command()),
			})
			continue
		}
		available++
		checks = append(checks, Check{Name: name, Status: StatusOK, Detail: path})
	}
	if available == 0 {
		checks = append(checks, Check{
			Name:   "tools",
			Status: StatusFail,
			Detail: "no registered tool resolves on PATH; duet has nothing to drive",
		})
	}
	return checks
}

func (r *Runner) checkStateDir() Check {
	if err := os.MkdirAll(r.stateDir, 0o755); err != nil {
		return Check{
			Name:   "state directory",
			Status: StatusFail,
			Detail: fmt.Sprintf("cannot create %s: %v", r.stateDir, err),
		}
	}
	probe, err := os.CreateTemp(r.stateDir, ".doctor.*")
	if err != nil {
		return Check{
			Name:   "state directory",
			Status: StatusFail,
			Detail: fmt.Sprintf("%s is not writable: %v", r.stateDir, err),
		}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return Check{Name: "state directory", Status: StatusOK, Detail: r.stateDir + " is writable"}
}

func (r *Runner) checkHistory() Check {
	if r.cfg == nil {
		return Check{Name: "history", Status: StatusWarn, Detail: "config unavailable, skipped"}
	}
	if !r.cfg.HistoryEnabled {
		return Check{Name: "history", Status: StatusOK, Detail: "disabled by config"}
	}
	path := strings.TrimSpace(r.cfg.HistoryPath)
	if path == "" {
		path = filepath.Join(r.stateDir, "history.db")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Check{
			Name:   "history",
			Status: StatusFail,
			Detail: fmt.Sprintf("cannot create %s: %v", dir, err),
		}
	}
	return Check{Name: "history", Status: StatusOK, Detail: path}
}

func (r *Runner) checkInstanceLock() Check {
	path := locks.DefaultPath(r.stateDir)
	info, ok, err := locks.ReadInfo(path)
	if err != nil {
		return Check{
			Name:   "instance lock",
			Status: StatusWarn,
			Detail: fmt.Sprintf("cannot read %s: %v", path, err),
		}
	}
	if !ok {
		return Check{Name: "instance lock", Status: StatusOK, Detail: "no other instance"}
	}
	if r.alive(info.PID) {
		return Check{
			Name:   "instance lock",
			Status: StatusWarn,
			Detail: fmt.Sprintf("another duet instance is running (pid %d since %s)",
				info.PID, info.StartedAt.Local().Format(time.RFC3339)),
		}
	}
	return Check{
		Name:   "instance lock",
		Status: StatusWarn,
		Detail: fmt.Sprintf("stale lock from dead pid %d; the next run takes it over", info.PID),
	}
}

func (r *Runner) checkChildLedger(ctx context.Context) Check {
	store, err := recovery.NewFileStore(recovery.DefaultPath(r.stateDir))
	if err != nil {
		return Check{Name: "child ledger", Status: StatusWarn, Detail: err.Error()}
	}
	children, err := store.Load(ctx)
	if err != nil {
		return Check{
			Name:   "child ledger",
			Status: StatusWarn,
			Detail: fmt.Sprintf("unreadable: %v", err),
		}
	}
	leftover := 0
	for _, child := range children {
		if r.alive(child.PID) {
			leftover++
		}
	}
	if leftover > 0 {
		return Check{
			Name:   "child ledger",
			Status: StatusWarn,
			Detail: fmt.Sprintf("%d tool process(es) from a previous run still running; the next start sweeps them", leftover),
		}
	}
	if len(children) > 0 {
		return Check{
			Name:   "child ledger",
			Status: StatusOK,
			Detail: fmt.Sprintf("%d stale record(s), holders already gone", len(children)),
		}
	}
	return Check{Name: "child ledger", Status: StatusOK, Detail: "clean"}
}

func openPTYPair() error {
	primary, replica, err := pty.Open()
	if err != nil {
		return err
	}
	_ = primary.Close()
	_ = replica.Close()
	return nil
}
