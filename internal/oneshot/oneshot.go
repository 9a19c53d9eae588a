// Package oneshot executes non-interactive tool invocations to completion
// and reports their structured outcome. Exit codes travel in the Result, not
// the error: a tool that ran and failed is an outcome, not an exec failure.
package oneshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Result captures structured process output from one invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner executes one-shot tool invocations. The argv array is executed
// directly, never through a shell.
type Runner interface {
	Run(ctx context.Context, argv []string, dir string) (Result, error)
}

// ExecRunner runs invocations with os/exec.
type ExecRunner struct {
	now func() time.Time
}

// NewExecRunner constructs the default runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{now: time.Now}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, argv []string, dir string) (Result, error) {
	if r == nil {
		return Result{}, errors.New("runner is nil")
	}
	if len(argv) == 0 {
		return Result{}, errors.New("argv is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := r.now()
	err := cmd.Run()
	duration := r.now().Sub(started)
	if duration < 0 {
		duration = 0
	}

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if err == nil {
		return result, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, fmt.Errorf("run %s: %w", argv[0], ctxErr)
	}
	return result, fmt.Errorf("run %s: %w", argv[0], err)
}

var _ Runner = (*ExecRunner)(nil)
